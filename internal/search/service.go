package search

import (
	"log"

	"draftsync/internal/commit"
)

// Service is the facade that tries the index first and falls back to SQL.
type Service struct {
	index    Index
	fallback Searcher
}

// NewService creates a search service. Either side may be nil.
func NewService(index Index, fallback Searcher) *Service {
	return &Service{index: index, fallback: fallback}
}

func (s *Service) Search(q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: index error, falling back to sql: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: sql error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexArtifact indexes a committed artifact (fire-and-forget).
func (s *Service) IndexArtifact(a commit.Artifact) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	rec := RecordOf(a)
	go func() {
		if err := s.index.IndexArtifact(rec); err != nil {
			log.Printf("search: index artifact %s: %v", rec.ID, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
