// Package blob is the content-addressed blob transport: an on-disk store
// keyed by blake3 content ids, self-contained tickets naming where a blob
// can be fetched, and the downloader that drives per-file
// pending → downloading → present | failed transitions with bounded
// backoff.
package blob

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/graphchan/graphchan/internal/xerrors"
)

// Store is the canonical content-addressed blob store. Writes are
// serialized per hash; content files are immutable once written, so reads
// need no locking. Blobs are reference-counted by the rows that point at
// them, never evicted here.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore opens (or creates) the blob directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.Fatal, err, "create blob dir")
	}
	return &Store{dir: dir}, nil
}

// ContentID computes the canonical blob id for data: a CIDv1 over the
// 32-byte blake3 multihash.
func ContentID(data []byte) (string, error) {
	encoded, err := mh.Sum(data, mh.BLAKE3, 32)
	if err != nil {
		return "", xerrors.Wrap(xerrors.Fatal, err, "multihash")
	}
	return cid.NewCidV1(cid.Raw, encoded).String(), nil
}

// ChecksumHex is the raw blake3-256 digest of data in hex, stored alongside
// file rows for present-state verification.
func ChecksumHex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Import writes data into the store and returns its content id. Importing
// bytes already present is a cheap no-op.
func (s *Store) Import(data []byte) (string, error) {
	id, err := ContentID(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	// Write-then-rename so readers never observe a partial blob.
	tmp, err := os.CreateTemp(s.dir, ".import-*")
	if err != nil {
		return "", xerrors.Wrap(xerrors.Transient, err, "blob temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", xerrors.Wrap(xerrors.Transient, err, "blob write")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", xerrors.Wrap(xerrors.Transient, err, "blob close")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", xerrors.Wrap(xerrors.Transient, err, "blob rename")
	}
	logrus.Debugf("blob: imported %s (%d bytes)", id, len(data))
	return id, nil
}

// Has reports whether the blob is present locally.
func (s *Store) Has(id string) bool {
	_, err := os.Stat(filepath.Join(s.dir, id))
	return err == nil
}

// Open returns a reader over a blob's bytes. Missing blobs report NotFound.
func (s *Store) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.Newf(xerrors.NotFound, "blob %s not present", id)
		}
		return nil, xerrors.Wrap(xerrors.Transient, err, "open blob")
	}
	return f, nil
}

// Get reads a blob fully into memory.
func (s *Store) Get(id string) ([]byte, error) {
	r, err := s.Open(id)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transient, err, "read blob")
	}
	return data, nil
}

// Path returns the on-disk location of a blob, present or not.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id)
}

// Delete removes a blob's bytes. Used by the reference-count GC pass.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(filepath.Join(s.dir, id)); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.Transient, err, "delete blob")
	}
	return nil
}
