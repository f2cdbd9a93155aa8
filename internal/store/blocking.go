package store

import (
	"database/sql"
)

// BlockedPeerRecord mirrors blocked_peers.
type BlockedPeerRecord struct {
	PeerID    string
	Reason    string
	BlockedAt string
}

// BlockedPeerRepo provides typed access to blocked_peers.
type BlockedPeerRepo struct {
	tx *sql.Tx
}

// Block records a direct per-peer block. Blocking twice keeps the original
// record.
func (r BlockedPeerRepo) Block(b *BlockedPeerRecord) error {
	_, err := r.tx.Exec(`INSERT OR IGNORE INTO blocked_peers (peer_id, reason, blocked_at)
		VALUES (?, ?, ?)`, b.PeerID, nullString(b.Reason), b.BlockedAt)
	return mapError(err, "block peer")
}

// Unblock removes a direct block.
func (r BlockedPeerRepo) Unblock(peerID string) error {
	_, err := r.tx.Exec(`DELETE FROM blocked_peers WHERE peer_id = ?`, peerID)
	return mapError(err, "unblock peer")
}

// IsBlocked reports whether the peer is directly blocked.
func (r BlockedPeerRepo) IsBlocked(peerID string) (bool, error) {
	var n int
	err := r.tx.QueryRow(`SELECT COUNT(*) FROM blocked_peers WHERE peer_id = ?`, peerID).Scan(&n)
	return n > 0, mapError(err, "check block")
}

// List returns all direct blocks.
func (r BlockedPeerRepo) List() ([]*BlockedPeerRecord, error) {
	rows, err := r.tx.Query(`SELECT peer_id, reason, blocked_at FROM blocked_peers ORDER BY peer_id`)
	if err != nil {
		return nil, mapError(err, "list blocks")
	}
	defer rows.Close()
	var blocks []*BlockedPeerRecord
	for rows.Next() {
		var b BlockedPeerRecord
		var reason sql.NullString
		if err := rows.Scan(&b.PeerID, &reason, &b.BlockedAt); err != nil {
			return nil, mapError(err, "scan block")
		}
		b.Reason = reason.String
		blocks = append(blocks, &b)
	}
	return blocks, mapError(rows.Err(), "list blocks")
}

// BlocklistRecord mirrors blocklists: a subscription to a maintainer's
// published list.
type BlocklistRecord struct {
	ID               string
	MaintainerPeerID string
	Name             string
	Description      string
	AutoApply        bool
	LastSyncedAt     string
}

// BlocklistEntryRecord mirrors blocklist_entries.
type BlocklistEntryRecord struct {
	BlocklistID string
	PeerID      string
	Reason      string
	AddedAt     string
}

// BlocklistRepo provides typed access to blocklists and their entries.
type BlocklistRepo struct {
	tx *sql.Tx
}

// Subscribe records a blocklist subscription.
func (r BlocklistRepo) Subscribe(b *BlocklistRecord) error {
	_, err := r.tx.Exec(`
		INSERT INTO blocklists (id, maintainer_peer_id, name, description, auto_apply, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			auto_apply = excluded.auto_apply`,
		b.ID, b.MaintainerPeerID, b.Name, nullString(b.Description), b.AutoApply,
		nullString(b.LastSyncedAt))
	return mapError(err, "subscribe blocklist")
}

// Unsubscribe removes a subscription; entries cascade.
func (r BlocklistRepo) Unsubscribe(id string) error {
	_, err := r.tx.Exec(`DELETE FROM blocklists WHERE id = ?`, id)
	return mapError(err, "unsubscribe blocklist")
}

// ListSubscriptions returns all subscribed blocklists.
func (r BlocklistRepo) ListSubscriptions() ([]*BlocklistRecord, error) {
	rows, err := r.tx.Query(`SELECT id, maintainer_peer_id, name, description, auto_apply, last_synced_at
		FROM blocklists ORDER BY name`)
	if err != nil {
		return nil, mapError(err, "list blocklists")
	}
	defer rows.Close()
	var lists []*BlocklistRecord
	for rows.Next() {
		var b BlocklistRecord
		var desc, synced sql.NullString
		if err := rows.Scan(&b.ID, &b.MaintainerPeerID, &b.Name, &desc, &b.AutoApply, &synced); err != nil {
			return nil, mapError(err, "scan blocklist")
		}
		b.Description = desc.String
		b.LastSyncedAt = synced.String
		lists = append(lists, &b)
	}
	return lists, mapError(rows.Err(), "list blocklists")
}

// MergeEntries dedup-merges a maintainer's published entries into the
// subscription and stamps last_synced_at.
func (r BlocklistRepo) MergeEntries(blocklistID string, entries []*BlocklistEntryRecord, syncedAt string) error {
	for _, e := range entries {
		if _, err := r.tx.Exec(`INSERT OR IGNORE INTO blocklist_entries
			(blocklist_id, peer_id, reason, added_at) VALUES (?, ?, ?, ?)`,
			blocklistID, e.PeerID, nullString(e.Reason), e.AddedAt); err != nil {
			return mapError(err, "merge blocklist entry")
		}
	}
	_, err := r.tx.Exec(`UPDATE blocklists SET last_synced_at = ? WHERE id = ?`, syncedAt, blocklistID)
	return mapError(err, "stamp blocklist sync")
}

// Entries returns a blocklist's entries.
func (r BlocklistRepo) Entries(blocklistID string) ([]*BlocklistEntryRecord, error) {
	rows, err := r.tx.Query(`SELECT blocklist_id, peer_id, reason, added_at
		FROM blocklist_entries WHERE blocklist_id = ? ORDER BY peer_id`, blocklistID)
	if err != nil {
		return nil, mapError(err, "list entries")
	}
	defer rows.Close()
	var entries []*BlocklistEntryRecord
	for rows.Next() {
		var e BlocklistEntryRecord
		var reason sql.NullString
		if err := rows.Scan(&e.BlocklistID, &e.PeerID, &reason, &e.AddedAt); err != nil {
			return nil, mapError(err, "scan entry")
		}
		e.Reason = reason.String
		entries = append(entries, &e)
	}
	return entries, mapError(rows.Err(), "list entries")
}

// IsInAutoApplied reports whether the peer appears in any auto-applied
// subscribed blocklist.
func (r BlocklistRepo) IsInAutoApplied(peerID string) (bool, error) {
	var n int
	err := r.tx.QueryRow(`SELECT COUNT(*) FROM blocklist_entries e
		JOIN blocklists b ON e.blocklist_id = b.id
		WHERE e.peer_id = ? AND b.auto_apply = 1`, peerID).Scan(&n)
	return n > 0, mapError(err, "check blocklists")
}

// IPBlockRecord mirrors ip_blocks: an exact address or CIDR range rule.
type IPBlockRecord struct {
	ID        int64
	IPOrRange string
	BlockType string
	Reason    string
	BlockedAt int64
	Active    bool
	HitCount  int64
}

// IPBlockRepo provides typed access to ip_blocks.
type IPBlockRepo struct {
	tx *sql.Tx
}

// Add inserts a rule and returns its id.
func (r IPBlockRepo) Add(b *IPBlockRecord) (int64, error) {
	res, err := r.tx.Exec(`INSERT INTO ip_blocks (ip_or_range, block_type, reason, blocked_at, active, hit_count)
		VALUES (?, ?, ?, ?, ?, 0)`,
		b.IPOrRange, b.BlockType, nullString(b.Reason), b.BlockedAt, b.Active)
	if err != nil {
		return 0, mapError(err, "add ip block")
	}
	id, err := res.LastInsertId()
	return id, mapError(err, "ip block id")
}

// SetActive enables or disables a rule without losing its hit count.
func (r IPBlockRepo) SetActive(id int64, active bool) error {
	_, err := r.tx.Exec(`UPDATE ip_blocks SET active = ? WHERE id = ?`, active, id)
	return mapError(err, "set ip block active")
}

// Delete removes a rule.
func (r IPBlockRepo) Delete(id int64) error {
	_, err := r.tx.Exec(`DELETE FROM ip_blocks WHERE id = ?`, id)
	return mapError(err, "delete ip block")
}

// ListActive returns the active rules for gate evaluation.
func (r IPBlockRepo) ListActive() ([]*IPBlockRecord, error) {
	return r.list(`SELECT id, ip_or_range, block_type, reason, blocked_at, active, hit_count
		FROM ip_blocks WHERE active = 1 ORDER BY id`)
}

// List returns every rule.
func (r IPBlockRepo) List() ([]*IPBlockRecord, error) {
	return r.list(`SELECT id, ip_or_range, block_type, reason, blocked_at, active, hit_count
		FROM ip_blocks ORDER BY id`)
}

func (r IPBlockRepo) list(query string) ([]*IPBlockRecord, error) {
	rows, err := r.tx.Query(query)
	if err != nil {
		return nil, mapError(err, "list ip blocks")
	}
	defer rows.Close()
	var blocks []*IPBlockRecord
	for rows.Next() {
		var b IPBlockRecord
		var reason sql.NullString
		if err := rows.Scan(&b.ID, &b.IPOrRange, &b.BlockType, &reason,
			&b.BlockedAt, &b.Active, &b.HitCount); err != nil {
			return nil, mapError(err, "scan ip block")
		}
		b.Reason = reason.String
		blocks = append(blocks, &b)
	}
	return blocks, mapError(rows.Err(), "list ip blocks")
}

// IncrementHit bumps a rule's hit counter after a match.
func (r IPBlockRepo) IncrementHit(id int64) error {
	_, err := r.tx.Exec(`UPDATE ip_blocks SET hit_count = hit_count + 1 WHERE id = ?`, id)
	return mapError(err, "increment hit")
}

// PeerIPRecord mirrors peer_ips: IPs observed in a peer's friend-code
// multiaddrs.
type PeerIPRecord struct {
	PeerID    string
	IPAddress string
	LastSeen  int64
}

// PeerIPRepo provides typed access to peer_ips.
type PeerIPRepo struct {
	tx *sql.Tx
}

// Update records or refreshes an observed (peer, ip) pair.
func (r PeerIPRepo) Update(peerID, ip string, lastSeen int64) error {
	_, err := r.tx.Exec(`
		INSERT INTO peer_ips (peer_id, ip_address, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(peer_id, ip_address) DO UPDATE SET last_seen = excluded.last_seen`,
		peerID, ip, lastSeen)
	return mapError(err, "update peer ip")
}

// ListForPeer returns the IPs observed for a peer.
func (r PeerIPRepo) ListForPeer(peerID string) ([]*PeerIPRecord, error) {
	rows, err := r.tx.Query(`SELECT peer_id, ip_address, last_seen
		FROM peer_ips WHERE peer_id = ? ORDER BY last_seen DESC`, peerID)
	if err != nil {
		return nil, mapError(err, "list peer ips")
	}
	defer rows.Close()
	var ips []*PeerIPRecord
	for rows.Next() {
		var rec PeerIPRecord
		if err := rows.Scan(&rec.PeerID, &rec.IPAddress, &rec.LastSeen); err != nil {
			return nil, mapError(err, "scan peer ip")
		}
		ips = append(ips, &rec)
	}
	return ips, mapError(rows.Err(), "list peer ips")
}
