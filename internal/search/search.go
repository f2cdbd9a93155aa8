// Package search fronts the FTS5 indexes: one query fans out over posts and
// files and comes back as a single BM25-ordered hit list with
// <mark>-highlighted snippets.
package search

import (
	"sort"
	"strings"

	"github.com/graphchan/graphchan/internal/store"
)

const maxLimit = 200
const defaultLimit = 50

// Service answers search queries over the store.
type Service struct {
	db *store.DB
}

// NewService wires a search service.
func NewService(db *store.DB) *Service {
	return &Service{db: db}
}

// Search returns merged post and file hits ordered by BM25 score (best
// first), ties broken by created_at descending. The limit is clamped to
// 200; empty queries return nothing.
func (s *Service) Search(query string, limit int) ([]*store.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var posts, files []*store.SearchResult
	err := s.db.WithRepositories(func(r *store.Repositories) error {
		var err error
		if posts, err = r.Search().Posts(query, limit); err != nil {
			return err
		}
		files, err = r.Search().Files(query, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	merged := append(posts, files...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].BM25Score != merged[j].BM25Score {
			return merged[i].BM25Score < merged[j].BM25Score
		}
		return merged[i].CreatedAt > merged[j].CreatedAt
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
