package store

import (
	"database/sql"
)

// Search result kinds.
const (
	SearchResultPost = "post"
	SearchResultFile = "file"
)

// SearchResult is one full-text hit over posts or files, carrying the BM25
// score (lower is better, as the engine reports it) and a snippet with
// <mark>…</mark> around matched tokens.
type SearchResult struct {
	Type        string
	Post        *PostRecord
	File        *FileRecord
	ThreadTitle string
	Snippet     string
	BM25Score   float64
	CreatedAt   string
}

// SearchRepo queries the FTS5 indexes maintained by the schema triggers.
type SearchRepo struct {
	tx *sql.Tx
}

// Posts returns post hits for the FTS query, best-ranked first, ties broken
// by created_at descending.
func (r SearchRepo) Posts(query string, limit int) ([]*SearchResult, error) {
	rows, err := r.tx.Query(`SELECT
			p.id, p.thread_id, p.author_peer_id, p.author_friendcode, p.body,
			p.created_at, p.updated_at, p.metadata,
			bm25(posts_fts) AS score,
			t.title,
			snippet(posts_fts, -1, '<mark>', '</mark>', '...', 30) AS snip
		FROM posts_fts
		JOIN posts p ON posts_fts.id = p.id
		JOIN threads t ON p.thread_id = t.id
		WHERE posts_fts MATCH ?
		ORDER BY score ASC, datetime(p.created_at) DESC
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, mapError(err, "search posts")
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var p PostRecord
		var author, friendcode, updated, metadata sql.NullString
		res := &SearchResult{Type: SearchResultPost, Post: &p}
		if err := rows.Scan(&p.ID, &p.ThreadID, &author, &friendcode, &p.Body,
			&p.CreatedAt, &updated, &metadata,
			&res.BM25Score, &res.ThreadTitle, &res.Snippet); err != nil {
			return nil, mapError(err, "scan post hit")
		}
		p.AuthorPeerID = author.String
		p.AuthorFriendCode = friendcode.String
		p.UpdatedAt = updated.String
		p.Metadata = metadata.String
		res.CreatedAt = p.CreatedAt
		results = append(results, res)
	}
	return results, mapError(rows.Err(), "search posts")
}

// Files returns file hits for the FTS query over names and mime types.
func (r SearchRepo) Files(query string, limit int) ([]*SearchResult, error) {
	rows, err := r.tx.Query(`SELECT
			f.id, f.post_id, f.path, f.original_name, f.mime, f.blob_id, f.ticket,
			f.size_bytes, f.checksum, f.download_status,
			p.created_at,
			bm25(files_fts) AS score,
			t.title,
			snippet(files_fts, -1, '<mark>', '</mark>', '...', 30) AS snip
		FROM files_fts
		JOIN files f ON files_fts.id = f.id
		JOIN posts p ON f.post_id = p.id
		JOIN threads t ON p.thread_id = t.id
		WHERE files_fts MATCH ?
		ORDER BY score ASC, datetime(p.created_at) DESC
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, mapError(err, "search files")
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var f FileRecord
		var path, name, mime, blobID, ticket, checksum sql.NullString
		var size sql.NullInt64
		res := &SearchResult{Type: SearchResultFile, File: &f}
		if err := rows.Scan(&f.ID, &f.PostID, &path, &name, &mime, &blobID, &ticket,
			&size, &checksum, &f.DownloadStatus,
			&res.CreatedAt, &res.BM25Score, &res.ThreadTitle, &res.Snippet); err != nil {
			return nil, mapError(err, "scan file hit")
		}
		f.Path = path.String
		f.OriginalName = name.String
		f.Mime = mime.String
		f.BlobID = blobID.String
		f.Ticket = ticket.String
		f.SizeBytes = size.Int64
		f.Checksum = checksum.String
		results = append(results, res)
	}
	return results, mapError(rows.Err(), "search files")
}
