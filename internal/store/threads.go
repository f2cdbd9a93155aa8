package store

import (
	"database/sql"
)

// Thread sync statuses.
const (
	SyncAnnounced   = "announced"
	SyncDownloading = "downloading"
	SyncDownloaded  = "downloaded"
	SyncFailed      = "failed"
)

// Thread visibility classes.
const (
	VisibilityGlobal  = "global"
	VisibilitySocial  = "social"
	VisibilityPrivate = "private"
)

// ThreadRecord mirrors the threads table. TopicSecret is base64 and must be
// non-empty iff the visibility is not global.
type ThreadRecord struct {
	ID            string
	Title         string
	CreatorPeerID string
	CreatedAt     string
	Pinned        bool
	ThreadHash    string
	Visibility    string
	TopicSecret   string
	SyncStatus    string
	Rebroadcast   bool
	Deleted       bool
	Ignored       bool
}

// ThreadRepo provides typed access to the threads table.
type ThreadRepo struct {
	tx *sql.Tx
}

// Create inserts a new thread. Duplicate ids report Conflict.
func (r ThreadRepo) Create(t *ThreadRecord) error {
	if t.Visibility == "" {
		t.Visibility = VisibilityGlobal
	}
	if t.SyncStatus == "" {
		t.SyncStatus = SyncDownloaded
	}
	_, err := r.tx.Exec(`
		INSERT INTO threads (id, title, creator_peer_id, created_at, pinned, thread_hash,
			visibility, topic_secret, sync_status, rebroadcast, deleted, ignored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, nullString(t.CreatorPeerID), t.CreatedAt, t.Pinned,
		nullString(t.ThreadHash), t.Visibility, nullString(t.TopicSecret),
		t.SyncStatus, t.Rebroadcast, t.Deleted, t.Ignored)
	return mapError(err, "create thread")
}

// Upsert inserts or updates a thread, keeping local-only flags (rebroadcast,
// ignored) untouched on update.
func (r ThreadRepo) Upsert(t *ThreadRecord) error {
	if t.Visibility == "" {
		t.Visibility = VisibilityGlobal
	}
	if t.SyncStatus == "" {
		t.SyncStatus = SyncAnnounced
	}
	_, err := r.tx.Exec(`
		INSERT INTO threads (id, title, creator_peer_id, created_at, pinned, thread_hash,
			visibility, topic_secret, sync_status, rebroadcast, deleted, ignored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			creator_peer_id = excluded.creator_peer_id,
			created_at = excluded.created_at,
			thread_hash = excluded.thread_hash,
			visibility = excluded.visibility,
			topic_secret = excluded.topic_secret,
			sync_status = excluded.sync_status`,
		t.ID, t.Title, nullString(t.CreatorPeerID), t.CreatedAt, t.Pinned,
		nullString(t.ThreadHash), t.Visibility, nullString(t.TopicSecret),
		t.SyncStatus, t.Rebroadcast, t.Deleted, t.Ignored)
	return mapError(err, "upsert thread")
}

const threadColumns = `id, title, creator_peer_id, created_at, pinned, thread_hash,
	visibility, topic_secret, sync_status, rebroadcast, deleted, ignored`

func scanThread(row interface{ Scan(...interface{}) error }) (*ThreadRecord, error) {
	var t ThreadRecord
	var creator, hash, secret sql.NullString
	err := row.Scan(&t.ID, &t.Title, &creator, &t.CreatedAt, &t.Pinned, &hash,
		&t.Visibility, &secret, &t.SyncStatus, &t.Rebroadcast, &t.Deleted, &t.Ignored)
	if err != nil {
		return nil, err
	}
	t.CreatorPeerID = creator.String
	t.ThreadHash = hash.String
	t.TopicSecret = secret.String
	return &t, nil
}

// Get fetches a thread by id. Missing rows report NotFound.
func (r ThreadRepo) Get(id string) (*ThreadRecord, error) {
	row := r.tx.QueryRow(`SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if err != nil {
		return nil, mapError(err, "get thread")
	}
	return t, nil
}

// ListRecent returns up to limit non-deleted, non-ignored threads, pinned
// first, newest first within each group.
func (r ThreadRepo) ListRecent(limit int) ([]*ThreadRecord, error) {
	rows, err := r.tx.Query(`SELECT `+threadColumns+` FROM threads
		WHERE deleted = 0 AND ignored = 0
		ORDER BY pinned DESC, datetime(created_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, mapError(err, "list threads")
	}
	defer rows.Close()
	var threads []*ThreadRecord
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, mapError(err, "scan thread")
		}
		threads = append(threads, t)
	}
	return threads, mapError(rows.Err(), "list threads")
}

// SetSyncStatus transitions a thread's sync lifecycle state.
func (r ThreadRepo) SetSyncStatus(id, status string) error {
	_, err := r.tx.Exec(`UPDATE threads SET sync_status = ? WHERE id = ?`, status, id)
	return mapError(err, "set sync status")
}

// SetThreadHash records the current version tag for a thread.
func (r ThreadRepo) SetThreadHash(id, hash string) error {
	_, err := r.tx.Exec(`UPDATE threads SET thread_hash = ? WHERE id = ?`, hash, id)
	return mapError(err, "set thread hash")
}

// SetRebroadcast flips a thread between host and leech.
func (r ThreadRepo) SetRebroadcast(id string, rebroadcast bool) error {
	_, err := r.tx.Exec(`UPDATE threads SET rebroadcast = ? WHERE id = ?`, rebroadcast, id)
	return mapError(err, "set rebroadcast")
}

// SetPinned pins or unpins a thread.
func (r ThreadRepo) SetPinned(id string, pinned bool) error {
	_, err := r.tx.Exec(`UPDATE threads SET pinned = ? WHERE id = ?`, pinned, id)
	return mapError(err, "set pinned")
}

// SetIgnored hides a thread from listings without deleting it.
func (r ThreadRepo) SetIgnored(id string, ignored bool) error {
	_, err := r.tx.Exec(`UPDATE threads SET ignored = ? WHERE id = ?`, ignored, id)
	return mapError(err, "set ignored")
}

// Delete removes a thread; posts, edges, files, reactions and member keys
// go with it through the cascade.
func (r ThreadRepo) Delete(id string) error {
	if _, err := r.tx.Exec(`DELETE FROM post_edges WHERE parent_id IN
		(SELECT id FROM posts WHERE thread_id = ?)
		OR child_id IN (SELECT id FROM posts WHERE thread_id = ?)`, id, id); err != nil {
		return mapError(err, "delete thread edges")
	}
	_, err := r.tx.Exec(`DELETE FROM threads WHERE id = ?`, id)
	return mapError(err, "delete thread")
}
