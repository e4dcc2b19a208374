package search

import (
	"context"
	"fmt"
	"strings"

	"draftsync/internal/store"
)

// ArtifactSearcher is the SQL side of artifact search.
type ArtifactSearcher interface {
	SearchArtifacts(ctx context.Context, q store.SearchQuery) ([]store.ArtifactSummary, int, error)
}

// SQLFallback implements Searcher on top of the artifact table.
type SQLFallback struct {
	artifacts ArtifactSearcher
}

func NewSQLFallback(artifacts ArtifactSearcher) *SQLFallback {
	return &SQLFallback{artifacts: artifacts}
}

// Healthy is always true; if the database is down commits fail anyway.
func (f *SQLFallback) Healthy() bool {
	return true
}

func (f *SQLFallback) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	summaries, total, err := f.artifacts.SearchArtifacts(context.Background(), store.SearchQuery{
		Text:       q.Text,
		TemplateID: q.TemplateID,
		Owner:      q.Owner,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("sql search: %w", err)
	}
	results := make([]Result, 0, len(summaries))
	for _, s := range summaries {
		results = append(results, Result{
			ID:         s.ID,
			SessionID:  s.SessionID,
			TemplateID: s.TemplateID,
			Owner:      s.Owner,
			Title:      s.Message,
			Version:    s.Version,
			CreatedAt:  s.CreatedAt,
		})
	}
	return results, total, nil
}
