package store

import (
	"database/sql"
)

// ReactionRecord mirrors the reactions table; (post, reactor, emoji) is
// unique.
type ReactionRecord struct {
	PostID        string
	ReactorPeerID string
	Emoji         string
	Signature     string
	CreatedAt     string
}

// ReactionRepo provides typed access to the reactions table.
type ReactionRepo struct {
	tx *sql.Tx
}

// Add records a reaction. Re-adding the same reaction is a no-op.
func (r ReactionRepo) Add(rec *ReactionRecord) error {
	_, err := r.tx.Exec(`
		INSERT OR IGNORE INTO reactions (post_id, reactor_peer_id, emoji, signature, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.PostID, rec.ReactorPeerID, rec.Emoji, rec.Signature, rec.CreatedAt)
	return mapError(err, "add reaction")
}

// Remove deletes a reaction by its unique key.
func (r ReactionRepo) Remove(postID, reactorPeerID, emoji string) error {
	_, err := r.tx.Exec(`DELETE FROM reactions
		WHERE post_id = ? AND reactor_peer_id = ? AND emoji = ?`,
		postID, reactorPeerID, emoji)
	return mapError(err, "remove reaction")
}

// ListForPost returns a post's reactions oldest first.
func (r ReactionRepo) ListForPost(postID string) ([]*ReactionRecord, error) {
	rows, err := r.tx.Query(`SELECT post_id, reactor_peer_id, emoji, signature, created_at
		FROM reactions WHERE post_id = ? ORDER BY datetime(created_at), emoji`, postID)
	if err != nil {
		return nil, mapError(err, "list reactions")
	}
	defer rows.Close()
	var reactions []*ReactionRecord
	for rows.Next() {
		var rec ReactionRecord
		if err := rows.Scan(&rec.PostID, &rec.ReactorPeerID, &rec.Emoji,
			&rec.Signature, &rec.CreatedAt); err != nil {
			return nil, mapError(err, "scan reaction")
		}
		reactions = append(reactions, &rec)
	}
	return reactions, mapError(rows.Err(), "list reactions")
}

// MemberKeyRecord mirrors thread_member_keys: a thread key wrapped for one
// member with an X25519 box.
type MemberKeyRecord struct {
	ThreadID     string
	MemberPeerID string
	WrappedKey   []byte
	Nonce        []byte
}

// MemberKeyRepo provides typed access to thread_member_keys.
type MemberKeyRepo struct {
	tx *sql.Tx
}

// Put stores or replaces the wrapped key for a member.
func (r MemberKeyRepo) Put(k *MemberKeyRecord) error {
	_, err := r.tx.Exec(`
		INSERT INTO thread_member_keys (thread_id, member_peer_id, wrapped_key, nonce)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id, member_peer_id) DO UPDATE SET
			wrapped_key = excluded.wrapped_key,
			nonce = excluded.nonce`,
		k.ThreadID, k.MemberPeerID, k.WrappedKey, k.Nonce)
	return mapError(err, "put member key")
}

// Get fetches the wrapped key for a member. Missing rows report NotFound —
// the caller maps this to AuthFailure when decrypting.
func (r MemberKeyRepo) Get(threadID, memberPeerID string) (*MemberKeyRecord, error) {
	var k MemberKeyRecord
	err := r.tx.QueryRow(`SELECT thread_id, member_peer_id, wrapped_key, nonce
		FROM thread_member_keys WHERE thread_id = ? AND member_peer_id = ?`,
		threadID, memberPeerID).
		Scan(&k.ThreadID, &k.MemberPeerID, &k.WrappedKey, &k.Nonce)
	if err != nil {
		return nil, mapError(err, "get member key")
	}
	return &k, nil
}

// ListForThread returns every member's wrapped key for a thread.
func (r MemberKeyRepo) ListForThread(threadID string) ([]*MemberKeyRecord, error) {
	rows, err := r.tx.Query(`SELECT thread_id, member_peer_id, wrapped_key, nonce
		FROM thread_member_keys WHERE thread_id = ? ORDER BY member_peer_id`, threadID)
	if err != nil {
		return nil, mapError(err, "list member keys")
	}
	defer rows.Close()
	var keys []*MemberKeyRecord
	for rows.Next() {
		var k MemberKeyRecord
		if err := rows.Scan(&k.ThreadID, &k.MemberPeerID, &k.WrappedKey, &k.Nonce); err != nil {
			return nil, mapError(err, "scan member key")
		}
		keys = append(keys, &k)
	}
	return keys, mapError(rows.Err(), "list member keys")
}

// Delete removes a member's wrapped key. Key rotation on removal is not
// performed; the thread key stays live for remaining members.
func (r MemberKeyRepo) Delete(threadID, memberPeerID string) error {
	_, err := r.tx.Exec(`DELETE FROM thread_member_keys
		WHERE thread_id = ? AND member_peer_id = ?`, threadID, memberPeerID)
	return mapError(err, "delete member key")
}
