// Package store is the persistence layer: a single embedded SQLite engine
// behind a repositories facade. Every public operation runs inside
// WithRepositories, which serializes writers under one transaction while the
// engine itself keeps readers concurrent. Migrations are forward-only
// numbered SQL scripts applied in a transaction at open time.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/graphchan/graphchan/internal/xerrors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB owns the sqlite handle and the process-wide write lock.
type DB struct {
	sql *sql.DB
	mu  sync.Mutex
}

// Open opens (or creates) the database at path and applies pending
// migrations. A failed migration aborts startup with a Fatal error.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Fatal, err, "open database")
	}
	// modernc/sqlite is an in-process engine; one writer connection keeps
	// the reader-writer contract simple.
	handle.SetMaxOpenConns(1)

	db := &DB{sql: handle}
	if err := db.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate() error {
	if _, err := d.sql.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return xerrors.Wrap(xerrors.Fatal, err, "create schema_migrations")
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return xerrors.Wrap(xerrors.Fatal, err, "read migrations")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			return xerrors.Newf(xerrors.Fatal, "migration %s has no numeric prefix", name)
		}
		var applied int
		if err := d.sql.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&applied); err != nil {
			return xerrors.Wrap(xerrors.Fatal, err, "check migration state")
		}
		if applied > 0 {
			continue
		}

		script, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return xerrors.Wrap(xerrors.Fatal, err, "read "+name)
		}
		tx, err := d.sql.Begin()
		if err != nil {
			return xerrors.Wrap(xerrors.Fatal, err, "begin migration tx")
		}
		if _, err := tx.Exec(string(script)); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.Fatal, err, "apply migration "+name)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, version, name); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.Fatal, err, "record migration "+name)
		}
		if err := tx.Commit(); err != nil {
			return xerrors.Wrap(xerrors.Fatal, err, "commit migration "+name)
		}
		logrus.Infof("store: applied migration %s", name)
	}
	return nil
}

// Repositories gives typed access to each table inside one transaction.
type Repositories struct {
	tx *sql.Tx
}

// WithRepositories runs fn inside a transaction under the write lock. The
// transaction commits when fn returns nil and rolls back otherwise. Handlers
// must not nest calls.
func (d *DB) WithRepositories(fn func(r *Repositories) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sql.Begin()
	if err != nil {
		return xerrors.Wrap(xerrors.Transient, err, "begin tx")
	}
	repos := &Repositories{tx: tx}
	if err := fn(repos); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.Warnf("store: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.Transient, err, "commit tx")
	}
	return nil
}

// Peers returns the peer repository bound to this transaction.
func (r *Repositories) Peers() PeerRepo { return PeerRepo{tx: r.tx} }

// Threads returns the thread repository.
func (r *Repositories) Threads() ThreadRepo { return ThreadRepo{tx: r.tx} }

// Posts returns the post/edge repository.
func (r *Repositories) Posts() PostRepo { return PostRepo{tx: r.tx} }

// Files returns the file repository.
func (r *Repositories) Files() FileRepo { return FileRepo{tx: r.tx} }

// Reactions returns the reaction repository.
func (r *Repositories) Reactions() ReactionRepo { return ReactionRepo{tx: r.tx} }

// MemberKeys returns the thread member key repository.
func (r *Repositories) MemberKeys() MemberKeyRepo { return MemberKeyRepo{tx: r.tx} }

// DirectMessages returns the DM repository.
func (r *Repositories) DirectMessages() DMRepo { return DMRepo{tx: r.tx} }

// Conversations returns the conversation repository.
func (r *Repositories) Conversations() ConversationRepo { return ConversationRepo{tx: r.tx} }

// BlockedPeers returns the per-peer block repository.
func (r *Repositories) BlockedPeers() BlockedPeerRepo { return BlockedPeerRepo{tx: r.tx} }

// Blocklists returns the blocklist subscription repository.
func (r *Repositories) Blocklists() BlocklistRepo { return BlocklistRepo{tx: r.tx} }

// RedactedPosts returns the redaction tombstone repository.
func (r *Repositories) RedactedPosts() RedactedPostRepo { return RedactedPostRepo{tx: r.tx} }

// PeerIPs returns the peer IP observation repository.
func (r *Repositories) PeerIPs() PeerIPRepo { return PeerIPRepo{tx: r.tx} }

// IPBlocks returns the IP block rule repository.
func (r *Repositories) IPBlocks() IPBlockRepo { return IPBlockRepo{tx: r.tx} }

// Topics returns the user topic repository.
func (r *Repositories) Topics() TopicRepo { return TopicRepo{tx: r.tx} }

// Settings returns the settings repository.
func (r *Repositories) Settings() SettingsRepo { return SettingsRepo{tx: r.tx} }

// Search returns the full-text search repository.
func (r *Repositories) Search() SearchRepo { return SearchRepo{tx: r.tx} }

// mapError classifies engine errors into the §7 kinds.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return xerrors.Wrap(xerrors.NotFound, err, msg)
	}
	text := err.Error()
	switch {
	case strings.Contains(text, "UNIQUE constraint"):
		return xerrors.Wrap(xerrors.Conflict, err, msg)
	case strings.Contains(text, "FOREIGN KEY constraint"), strings.Contains(text, "constraint failed"):
		return xerrors.Wrap(xerrors.IntegrityViolation, err, msg)
	}
	return xerrors.Wrap(xerrors.Transient, err, msg)
}

// nullString maps "" to NULL on write.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullInt64 maps 0 to NULL on write.
func nullInt64(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
