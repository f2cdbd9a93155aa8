package store

import (
	"database/sql"
)

// File download statuses.
const (
	DownloadPending     = "pending"
	DownloadDownloading = "downloading"
	DownloadPresent     = "present"
	DownloadFailed      = "failed"
)

// FileRecord mirrors the files table. A file is "present" exactly when its
// local blob bytes match the checksum.
type FileRecord struct {
	ID             string
	PostID         string
	Path           string
	OriginalName   string
	Mime           string
	BlobID         string
	Ticket         string
	SizeBytes      int64
	Checksum       string
	DownloadStatus string
}

// FileRepo provides typed access to the files table.
type FileRepo struct {
	tx *sql.Tx
}

// Upsert inserts or refreshes a file record.
func (r FileRepo) Upsert(f *FileRecord) error {
	if f.DownloadStatus == "" {
		f.DownloadStatus = DownloadPending
	}
	_, err := r.tx.Exec(`
		INSERT INTO files (id, post_id, path, original_name, mime, blob_id, ticket,
			size_bytes, checksum, download_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			original_name = excluded.original_name,
			mime = excluded.mime,
			blob_id = excluded.blob_id,
			ticket = excluded.ticket,
			size_bytes = excluded.size_bytes,
			checksum = excluded.checksum,
			download_status = excluded.download_status`,
		f.ID, f.PostID, nullString(f.Path), nullString(f.OriginalName), nullString(f.Mime),
		nullString(f.BlobID), nullString(f.Ticket), nullInt64(f.SizeBytes),
		nullString(f.Checksum), f.DownloadStatus)
	return mapError(err, "upsert file")
}

const fileColumns = `id, post_id, path, original_name, mime, blob_id, ticket,
	size_bytes, checksum, download_status`

func scanFile(row interface{ Scan(...interface{}) error }) (*FileRecord, error) {
	var f FileRecord
	var path, name, mime, blobID, ticket, checksum sql.NullString
	var size sql.NullInt64
	err := row.Scan(&f.ID, &f.PostID, &path, &name, &mime, &blobID, &ticket,
		&size, &checksum, &f.DownloadStatus)
	if err != nil {
		return nil, err
	}
	f.Path = path.String
	f.OriginalName = name.String
	f.Mime = mime.String
	f.BlobID = blobID.String
	f.Ticket = ticket.String
	f.SizeBytes = size.Int64
	f.Checksum = checksum.String
	return &f, nil
}

// Get fetches a file by id. Missing rows report NotFound.
func (r FileRepo) Get(id string) (*FileRecord, error) {
	row := r.tx.QueryRow(`SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if err != nil {
		return nil, mapError(err, "get file")
	}
	return f, nil
}

// ListForPost returns a post's attachments.
func (r FileRepo) ListForPost(postID string) ([]*FileRecord, error) {
	return r.list(`SELECT `+fileColumns+` FROM files WHERE post_id = ? ORDER BY id`, postID)
}

// ListForThread returns every file attached to a thread's posts.
func (r FileRepo) ListForThread(threadID string) ([]*FileRecord, error) {
	return r.list(`SELECT `+fileColumns+` FROM files
		WHERE post_id IN (SELECT id FROM posts WHERE thread_id = ?) ORDER BY id`, threadID)
}

// ListByStatus returns files in the given download state, for the retry
// queue.
func (r FileRepo) ListByStatus(status string) ([]*FileRecord, error) {
	return r.list(`SELECT `+fileColumns+` FROM files WHERE download_status = ? ORDER BY id`, status)
}

func (r FileRepo) list(query string, arg interface{}) ([]*FileRecord, error) {
	rows, err := r.tx.Query(query, arg)
	if err != nil {
		return nil, mapError(err, "list files")
	}
	defer rows.Close()
	var files []*FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, mapError(err, "scan file")
		}
		files = append(files, f)
	}
	return files, mapError(rows.Err(), "list files")
}

// SetDownloadStatus transitions a file's download lifecycle state, updating
// the on-disk path when the download landed.
func (r FileRepo) SetDownloadStatus(id, status, path string) error {
	var err error
	if path != "" {
		_, err = r.tx.Exec(`UPDATE files SET download_status = ?, path = ? WHERE id = ?`, status, path, id)
	} else {
		_, err = r.tx.Exec(`UPDATE files SET download_status = ? WHERE id = ?`, status, id)
	}
	return mapError(err, "set download status")
}
