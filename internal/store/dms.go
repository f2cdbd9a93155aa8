package store

import (
	"database/sql"
)

// DirectMessageRecord mirrors direct_messages: ciphertext plus the 24-byte
// box nonce. Plaintext is never persisted.
type DirectMessageRecord struct {
	ID             string
	ConversationID string
	FromPeerID     string
	ToPeerID       string
	Ciphertext     []byte
	Nonce          []byte
	CreatedAt      string
	ReadAt         string
}

// DMRepo provides typed access to direct_messages.
type DMRepo struct {
	tx *sql.Tx
}

// Insert stores a direct message.
func (r DMRepo) Insert(m *DirectMessageRecord) error {
	_, err := r.tx.Exec(`
		INSERT INTO direct_messages (id, conversation_id, from_peer_id, to_peer_id,
			ciphertext, nonce, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.FromPeerID, m.ToPeerID,
		m.Ciphertext, m.Nonce, m.CreatedAt, nullString(m.ReadAt))
	return mapError(err, "insert dm")
}

const dmColumns = `id, conversation_id, from_peer_id, to_peer_id, ciphertext, nonce, created_at, read_at`

func scanDM(row interface{ Scan(...interface{}) error }) (*DirectMessageRecord, error) {
	var m DirectMessageRecord
	var readAt sql.NullString
	err := row.Scan(&m.ID, &m.ConversationID, &m.FromPeerID, &m.ToPeerID,
		&m.Ciphertext, &m.Nonce, &m.CreatedAt, &readAt)
	if err != nil {
		return nil, err
	}
	m.ReadAt = readAt.String
	return &m, nil
}

// Get fetches a message by id. Missing rows report NotFound.
func (r DMRepo) Get(id string) (*DirectMessageRecord, error) {
	row := r.tx.QueryRow(`SELECT `+dmColumns+` FROM direct_messages WHERE id = ?`, id)
	m, err := scanDM(row)
	if err != nil {
		return nil, mapError(err, "get dm")
	}
	return m, nil
}

// ListForConversation returns a conversation's messages oldest first.
func (r DMRepo) ListForConversation(conversationID string) ([]*DirectMessageRecord, error) {
	rows, err := r.tx.Query(`SELECT `+dmColumns+` FROM direct_messages
		WHERE conversation_id = ? ORDER BY datetime(created_at), id`, conversationID)
	if err != nil {
		return nil, mapError(err, "list dms")
	}
	defer rows.Close()
	var msgs []*DirectMessageRecord
	for rows.Next() {
		m, err := scanDM(rows)
		if err != nil {
			return nil, mapError(err, "scan dm")
		}
		msgs = append(msgs, m)
	}
	return msgs, mapError(rows.Err(), "list dms")
}

// MarkRead stamps a message's read_at if not already set.
func (r DMRepo) MarkRead(id, at string) error {
	_, err := r.tx.Exec(`UPDATE direct_messages SET read_at = ?
		WHERE id = ? AND read_at IS NULL`, at, id)
	return mapError(err, "mark dm read")
}

// UnreadCount counts unread messages addressed to localPeer in a
// conversation.
func (r DMRepo) UnreadCount(conversationID, localPeerID string) (int64, error) {
	var n int64
	err := r.tx.QueryRow(`SELECT COUNT(*) FROM direct_messages
		WHERE conversation_id = ? AND to_peer_id = ? AND read_at IS NULL`,
		conversationID, localPeerID).Scan(&n)
	return n, mapError(err, "unread count")
}

// ConversationRecord mirrors conversations: one row per remote peer pair,
// carrying the inbox preview state.
type ConversationRecord struct {
	ID                 string
	PeerID             string
	LastMessageAt      string
	LastMessagePreview string
	UnreadCount        int64
}

// ConversationRepo provides typed access to conversations.
type ConversationRepo struct {
	tx *sql.Tx
}

// Upsert creates the conversation row if missing, then refreshes the
// last-message preview fields.
func (r ConversationRepo) Upsert(c *ConversationRecord) error {
	_, err := r.tx.Exec(`
		INSERT INTO conversations (id, peer_id, last_message_at, last_message_preview, unread_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview`,
		c.ID, c.PeerID, nullString(c.LastMessageAt), nullString(c.LastMessagePreview), c.UnreadCount)
	return mapError(err, "upsert conversation")
}

// Get fetches a conversation by id. Missing rows report NotFound.
func (r ConversationRepo) Get(id string) (*ConversationRecord, error) {
	var c ConversationRecord
	var at, preview sql.NullString
	err := r.tx.QueryRow(`SELECT id, peer_id, last_message_at, last_message_preview, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.PeerID, &at, &preview, &c.UnreadCount)
	if err != nil {
		return nil, mapError(err, "get conversation")
	}
	c.LastMessageAt = at.String
	c.LastMessagePreview = preview.String
	return &c, nil
}

// List returns all conversations, most recently active first.
func (r ConversationRepo) List() ([]*ConversationRecord, error) {
	rows, err := r.tx.Query(`SELECT id, peer_id, last_message_at, last_message_preview, unread_count
		FROM conversations ORDER BY datetime(coalesce(last_message_at, '1970-01-01')) DESC`)
	if err != nil {
		return nil, mapError(err, "list conversations")
	}
	defer rows.Close()
	var convs []*ConversationRecord
	for rows.Next() {
		var c ConversationRecord
		var at, preview sql.NullString
		if err := rows.Scan(&c.ID, &c.PeerID, &at, &preview, &c.UnreadCount); err != nil {
			return nil, mapError(err, "scan conversation")
		}
		c.LastMessageAt = at.String
		c.LastMessagePreview = preview.String
		convs = append(convs, &c)
	}
	return convs, mapError(rows.Err(), "list conversations")
}

// SetUnread overwrites the unread counter; the DM engine recomputes it from
// the message table so it can never go negative.
func (r ConversationRepo) SetUnread(id string, n int64) error {
	_, err := r.tx.Exec(`UPDATE conversations SET unread_count = ? WHERE id = ?`, n, id)
	return mapError(err, "set unread")
}

// IncrementUnread bumps the unread counter by one on receive.
func (r ConversationRepo) IncrementUnread(id string) error {
	_, err := r.tx.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE id = ?`, id)
	return mapError(err, "increment unread")
}
