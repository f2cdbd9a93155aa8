package search

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/graphchan/graphchan/internal/store"
)

func setup(t *testing.T) (*store.DB, *Service) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, NewService(db)
}

func seed(t *testing.T, db *store.DB) {
	t.Helper()
	if err := db.WithRepositories(func(r *store.Repositories) error {
		if err := r.Threads().Create(&store.ThreadRecord{
			ID: "t1", Title: "greek letters", CreatedAt: "2026-01-01T00:00:00Z",
		}); err != nil {
			return err
		}
		posts := []struct{ id, body, at string }{
			{"p1", "alpha beta", "2026-01-01T00:00:01Z"},
			{"p2", "beta gamma", "2026-01-01T00:00:02Z"},
			{"p3", "delta epsilon", "2026-01-01T00:00:03Z"},
		}
		for _, p := range posts {
			if err := r.Posts().Upsert(&store.PostRecord{
				ID: p.id, ThreadID: "t1", Body: p.body, CreatedAt: p.at,
			}); err != nil {
				return err
			}
		}
		return r.Files().Upsert(&store.FileRecord{
			ID: "f1", PostID: "p1", OriginalName: "beta-release-notes.txt", Mime: "text/plain",
		})
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSearchMergesPostsAndFiles(t *testing.T) {
	db, svc := setup(t)
	seed(t, db)

	hits, err := svc.Search("beta", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var posts, files int
	for _, h := range hits {
		switch h.Type {
		case store.SearchResultPost:
			posts++
		case store.SearchResultFile:
			files++
		}
		if !strings.Contains(h.Snippet, "<mark>beta</mark>") {
			t.Fatalf("snippet missing highlight: %q", h.Snippet)
		}
		if h.ThreadTitle != "greek letters" {
			t.Fatalf("thread title=%q", h.ThreadTitle)
		}
	}
	if posts != 2 || files != 1 {
		t.Fatalf("posts=%d files=%d", posts, files)
	}
}

func TestSearchDeterministicOrdering(t *testing.T) {
	db, svc := setup(t)
	seed(t, db)

	first, err := svc.Search("beta", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	second, err := svc.Search("beta", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("result count unstable: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Type != second[i].Type || first[i].Snippet != second[i].Snippet {
			t.Fatalf("ordering unstable at %d", i)
		}
	}
}

func TestSearchEmptyAndMiss(t *testing.T) {
	db, svc := setup(t)
	seed(t, db)

	hits, err := svc.Search("   ", 10)
	if err != nil || hits != nil {
		t.Fatalf("empty query: hits=%v err=%v", hits, err)
	}
	hits, err = svc.Search("zebra", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("miss returned %d hits", len(hits))
	}
}

func TestSearchLimitClamp(t *testing.T) {
	db, svc := setup(t)
	seed(t, db)

	// A limit beyond the cap must not error; it is clamped to 200.
	if _, err := svc.Search("beta", 10_000); err != nil {
		t.Fatalf("clamped search: %v", err)
	}
	hits, err := svc.Search("beta", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("limit ignored: %d hits", len(hits))
	}
}
