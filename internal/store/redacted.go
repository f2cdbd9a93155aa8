package store

import (
	"database/sql"
	"encoding/json"
)

// RedactedPostRecord is the tombstone left where moderation removed a post
// that other posts still reference. Parent and child id sets are stored as
// JSON arrays so the DAG stays navigable.
type RedactedPostRecord struct {
	ID           string
	ThreadID     string
	AuthorPeerID string
	ParentIDs    []string
	KnownChildIDs []string
	Reason       string
	DiscoveredAt string
}

// RedactedPostRepo provides typed access to redacted_posts.
type RedactedPostRepo struct {
	tx *sql.Tx
}

// Create inserts a tombstone. Creating the same tombstone twice keeps the
// original.
func (r RedactedPostRepo) Create(rec *RedactedPostRecord) error {
	parents, err := json.Marshal(emptyIfNil(rec.ParentIDs))
	if err != nil {
		return mapError(err, "encode parent ids")
	}
	children, err := json.Marshal(emptyIfNil(rec.KnownChildIDs))
	if err != nil {
		return mapError(err, "encode child ids")
	}
	_, err = r.tx.Exec(`INSERT OR IGNORE INTO redacted_posts
		(id, thread_id, author_peer_id, parent_post_ids, known_child_ids, reason, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ThreadID, nullString(rec.AuthorPeerID),
		string(parents), string(children), rec.Reason, rec.DiscoveredAt)
	return mapError(err, "create tombstone")
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

const redactedColumns = `id, thread_id, author_peer_id, parent_post_ids, known_child_ids, reason, discovered_at`

func scanRedacted(row interface{ Scan(...interface{}) error }) (*RedactedPostRecord, error) {
	var rec RedactedPostRecord
	var author, children sql.NullString
	var parents string
	err := row.Scan(&rec.ID, &rec.ThreadID, &author, &parents, &children,
		&rec.Reason, &rec.DiscoveredAt)
	if err != nil {
		return nil, err
	}
	rec.AuthorPeerID = author.String
	if err := json.Unmarshal([]byte(parents), &rec.ParentIDs); err != nil {
		return nil, err
	}
	if children.Valid && children.String != "" {
		if err := json.Unmarshal([]byte(children.String), &rec.KnownChildIDs); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// Get fetches a tombstone by id. Missing rows report NotFound.
func (r RedactedPostRepo) Get(id string) (*RedactedPostRecord, error) {
	row := r.tx.QueryRow(`SELECT `+redactedColumns+` FROM redacted_posts WHERE id = ?`, id)
	rec, err := scanRedacted(row)
	if err != nil {
		return nil, mapError(err, "get tombstone")
	}
	return rec, nil
}

// ListForThread returns a thread's tombstones.
func (r RedactedPostRepo) ListForThread(threadID string) ([]*RedactedPostRecord, error) {
	rows, err := r.tx.Query(`SELECT `+redactedColumns+` FROM redacted_posts
		WHERE thread_id = ? ORDER BY datetime(discovered_at), id`, threadID)
	if err != nil {
		return nil, mapError(err, "list tombstones")
	}
	defer rows.Close()
	var recs []*RedactedPostRecord
	for rows.Next() {
		rec, err := scanRedacted(rows)
		if err != nil {
			return nil, mapError(err, "scan tombstone")
		}
		recs = append(recs, rec)
	}
	return recs, mapError(rows.Err(), "list tombstones")
}
