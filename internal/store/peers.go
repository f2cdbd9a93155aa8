package store

import (
	"database/sql"
)

// PeerRecord mirrors the peers table. A peer is named by its GPG
// fingerprint; exactly one record carries trust_state "local".
type PeerRecord struct {
	ID            string
	Alias         string
	Username      string
	Bio           string
	FriendCode    string
	OverlayPeerID string
	GPGFingerprint string
	X25519Pubkey  string
	LastSeen      string
	AvatarFileID  string
	TrustState    string
	Agents        string
}

// PeerRepo provides typed access to the peers table.
type PeerRepo struct {
	tx *sql.Tx
}

// Upsert inserts or replaces a peer record.
func (r PeerRepo) Upsert(p *PeerRecord) error {
	if p.TrustState == "" {
		p.TrustState = "unknown"
	}
	_, err := r.tx.Exec(`
		INSERT INTO peers (id, alias, username, bio, friendcode, overlay_peer_id,
			gpg_fingerprint, x25519_pubkey, last_seen, avatar_file_id, trust_state, agents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			alias = excluded.alias,
			username = excluded.username,
			bio = excluded.bio,
			friendcode = excluded.friendcode,
			overlay_peer_id = excluded.overlay_peer_id,
			gpg_fingerprint = excluded.gpg_fingerprint,
			x25519_pubkey = excluded.x25519_pubkey,
			last_seen = excluded.last_seen,
			avatar_file_id = excluded.avatar_file_id,
			trust_state = excluded.trust_state,
			agents = excluded.agents`,
		p.ID, nullString(p.Alias), nullString(p.Username), nullString(p.Bio),
		nullString(p.FriendCode), nullString(p.OverlayPeerID), nullString(p.GPGFingerprint),
		nullString(p.X25519Pubkey), nullString(p.LastSeen), nullString(p.AvatarFileID),
		p.TrustState, nullString(p.Agents))
	return mapError(err, "upsert peer")
}

const peerColumns = `id, alias, username, bio, friendcode, overlay_peer_id,
	gpg_fingerprint, x25519_pubkey, last_seen, avatar_file_id, trust_state, agents`

func scanPeer(row interface{ Scan(...interface{}) error }) (*PeerRecord, error) {
	var p PeerRecord
	var alias, username, bio, friendcode, overlayID, fingerprint,
		x25519, lastSeen, avatar, agents sql.NullString
	err := row.Scan(&p.ID, &alias, &username, &bio, &friendcode, &overlayID,
		&fingerprint, &x25519, &lastSeen, &avatar, &p.TrustState, &agents)
	if err != nil {
		return nil, err
	}
	p.Alias = alias.String
	p.Username = username.String
	p.Bio = bio.String
	p.FriendCode = friendcode.String
	p.OverlayPeerID = overlayID.String
	p.GPGFingerprint = fingerprint.String
	p.X25519Pubkey = x25519.String
	p.LastSeen = lastSeen.String
	p.AvatarFileID = avatar.String
	p.Agents = agents.String
	return &p, nil
}

// Get fetches a peer by fingerprint. Missing rows report NotFound.
func (r PeerRepo) Get(id string) (*PeerRecord, error) {
	row := r.tx.QueryRow(`SELECT `+peerColumns+` FROM peers WHERE id = ?`, id)
	p, err := scanPeer(row)
	if err != nil {
		return nil, mapError(err, "get peer")
	}
	return p, nil
}

// List returns all known peers.
func (r PeerRepo) List() ([]*PeerRecord, error) {
	rows, err := r.tx.Query(`SELECT ` + peerColumns + ` FROM peers ORDER BY id`)
	if err != nil {
		return nil, mapError(err, "list peers")
	}
	defer rows.Close()
	var peers []*PeerRecord
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, mapError(err, "scan peer")
		}
		peers = append(peers, p)
	}
	return peers, mapError(rows.Err(), "list peers")
}

// Local fetches the single local peer record.
func (r PeerRepo) Local() (*PeerRecord, error) {
	row := r.tx.QueryRow(`SELECT ` + peerColumns + ` FROM peers WHERE trust_state = 'local'`)
	p, err := scanPeer(row)
	if err != nil {
		return nil, mapError(err, "get local peer")
	}
	return p, nil
}

// TouchLastSeen stamps a peer's last-seen timestamp if the row exists.
func (r PeerRepo) TouchLastSeen(id, at string) error {
	_, err := r.tx.Exec(`UPDATE peers SET last_seen = ? WHERE id = ?`, at, id)
	return mapError(err, "touch last seen")
}

// Delete removes a peer record.
func (r PeerRepo) Delete(id string) error {
	_, err := r.tx.Exec(`DELETE FROM peers WHERE id = ?`, id)
	return mapError(err, "delete peer")
}
