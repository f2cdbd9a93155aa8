package blob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/xerrors"
)

func tmpStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestImportGetRoundtrip(t *testing.T) {
	s := tmpStore(t)
	data := []byte("blob content")

	id, err := s.Import(data)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !s.Has(id) {
		t.Fatal("imported blob not present")
	}
	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("roundtrip mismatch: %q", got)
	}

	// Re-import dedupes to the same id.
	id2, err := s.Import(data)
	if err != nil {
		t.Fatalf("reimport: %v", err)
	}
	if id2 != id {
		t.Fatalf("ids differ: %s vs %s", id, id2)
	}
}

func TestContentIDDeterministic(t *testing.T) {
	id1, err := ContentID([]byte("hello"))
	if err != nil {
		t.Fatalf("content id: %v", err)
	}
	id2, _ := ContentID([]byte("hello"))
	if id1 != id2 {
		t.Fatal("content id not deterministic")
	}
	other, _ := ContentID([]byte("world"))
	if id1 == other {
		t.Fatal("distinct content shares an id")
	}
}

func TestOpenMissingBlob(t *testing.T) {
	s := tmpStore(t)
	if _, err := s.Open("bafynothere"); !xerrors.Is(err, xerrors.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestTicketRoundtrip(t *testing.T) {
	ticket := NewTicket([]string{"http://198.51.100.4:8080"}, "bafyabc")
	encoded, err := ticket.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeTicket(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Hash != "bafyabc" || len(decoded.Addresses) != 1 || decoded.Format != FormatRaw {
		t.Fatalf("roundtrip mismatch: %+v", decoded)
	}
}

func TestDecodeTicketRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "!!!", "bm90IGpzb24="} {
		if _, err := DecodeTicket(bad); !xerrors.Is(err, xerrors.BadRequest) {
			t.Fatalf("ticket %q: want BadRequest, got %v", bad, err)
		}
	}
}

func seedFile(t *testing.T, db *store.DB, rec *store.FileRecord) {
	t.Helper()
	if err := db.WithRepositories(func(r *store.Repositories) error {
		if err := r.Threads().Create(&store.ThreadRecord{
			ID: "t1", Title: "thread", CreatedAt: "2026-01-01T00:00:00Z",
		}); err != nil {
			return err
		}
		if err := r.Posts().Upsert(&store.PostRecord{
			ID: "p1", ThreadID: "t1", Body: "post", CreatedAt: "2026-01-01T00:00:00Z",
		}); err != nil {
			return err
		}
		return r.Files().Upsert(rec)
	}); err != nil {
		t.Fatal(err)
	}
}

func fileStatus(t *testing.T, db *store.DB, id string) string {
	t.Helper()
	var status string
	if err := db.WithRepositories(func(r *store.Repositories) error {
		rec, err := r.Files().Get(id)
		if err != nil {
			return err
		}
		status = rec.DownloadStatus
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return status
}

func TestDownloaderSuccess(t *testing.T) {
	content := []byte("cat picture bytes")
	id, _ := ContentID(content)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, id) {
			http.NotFound(w, r)
			return
		}
		w.Write(content)
	}))
	defer server.Close()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	blobs := tmpStore(t)

	ticket, _ := NewTicket([]string{server.URL}, id).Encode()
	seedFile(t, db, &store.FileRecord{
		ID: "f1", PostID: "p1", Ticket: ticket,
		Checksum: ChecksumHex(content), SizeBytes: int64(len(content)),
	})

	d := NewDownloader(blobs, db, NewHTTPFetcher())
	d.BaseBackoff = time.Millisecond
	if err := d.FetchFile(context.Background(), "f1", 0); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := fileStatus(t, db, "f1"); got != store.DownloadPresent {
		t.Fatalf("status=%s want present", got)
	}
	if !blobs.Has(id) {
		t.Fatal("blob not imported")
	}
}

func TestDownloaderRetriesThenFails(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ticket, _ := NewTicket([]string{server.URL}, "bafymissing").Encode()
	seedFile(t, db, &store.FileRecord{ID: "f1", PostID: "p1", Ticket: ticket})

	d := NewDownloader(tmpStore(t), db, NewHTTPFetcher())
	d.MaxAttempts = 3
	d.BaseBackoff = time.Millisecond
	if err := d.FetchFile(context.Background(), "f1", 0); err == nil {
		t.Fatal("expected failure")
	}
	if got := fileStatus(t, db, "f1"); got != store.DownloadFailed {
		t.Fatalf("status=%s want failed", got)
	}
	if hits.Load() != 3 {
		t.Fatalf("attempts=%d want 3", hits.Load())
	}
}

func TestDownloaderChecksumMismatch(t *testing.T) {
	content := []byte("tampered bytes")
	id, _ := ContentID(content)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer server.Close()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ticket, _ := NewTicket([]string{server.URL}, id).Encode()
	seedFile(t, db, &store.FileRecord{
		ID: "f1", PostID: "p1", Ticket: ticket, Checksum: "0000000000",
	})

	d := NewDownloader(tmpStore(t), db, NewHTTPFetcher())
	d.BaseBackoff = time.Millisecond
	err = d.FetchFile(context.Background(), "f1", 0)
	if !xerrors.Is(err, xerrors.IntegrityViolation) {
		t.Fatalf("want IntegrityViolation, got %v", err)
	}
	if got := fileStatus(t, db, "f1"); got != store.DownloadFailed {
		t.Fatalf("status=%s want failed", got)
	}
}

func TestDownloaderRespectsSizeLimit(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ticket, _ := NewTicket([]string{"http://203.0.113.1"}, "bafybig").Encode()
	seedFile(t, db, &store.FileRecord{
		ID: "f1", PostID: "p1", Ticket: ticket, SizeBytes: 100 << 20,
	})

	d := NewDownloader(tmpStore(t), db, NewHTTPFetcher())
	err = d.FetchFile(context.Background(), "f1", 50<<20)
	if !xerrors.Is(err, xerrors.BadRequest) {
		t.Fatalf("want BadRequest, got %v", err)
	}
	// Oversized files stay pending for an explicit user fetch.
	if got := fileStatus(t, db, "f1"); got != store.DownloadPending {
		t.Fatalf("status=%s want pending", got)
	}
}
