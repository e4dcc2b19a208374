// Package search indexes committed artifacts. Meilisearch is used when it is
// reachable; otherwise queries fall back to the SQL artifact store.
package search

import (
	"sort"
	"strings"
	"time"

	"draftsync/internal/commit"
	"draftsync/internal/document"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	TemplateID string    `json:"templateId"`
	Owner      string    `json:"owner"`
	Title      string    `json:"title"`
	Snippet    string    `json:"snippet"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query describes a search request.
type Query struct {
	Text       string
	TemplateID string
	Owner      string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push artifacts into a search index.
type Indexer interface {
	IndexArtifact(rec ArtifactRecord) error
}

// Index is a searchable, writable index such as Meilisearch.
type Index interface {
	Searcher
	Indexer
}

// ArtifactRecord is the data we index for an artifact.
type ArtifactRecord struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	TemplateID string `json:"templateId"`
	Owner      string `json:"owner"`
	Message    string `json:"message"`
	Text       string `json:"text"`
	Version    int64  `json:"version"`
	CreatedAt  int64  `json:"createdAt"`
}

func RecordOf(a commit.Artifact) ArtifactRecord {
	return ArtifactRecord{
		ID:         a.ID,
		SessionID:  a.SessionID,
		TemplateID: a.TemplateID,
		Owner:      a.Owner,
		Message:    a.Message,
		Text:       DocumentText(a.Document),
		Version:    a.Version,
		CreatedAt:  a.CreatedAt.Unix(),
	}
}

// DocumentText flattens the string properties of every node, in document
// order, into one searchable blob.
func DocumentText(doc document.Document) string {
	var parts []string
	doc.Walk(func(node document.Node, _ string, _, _ int) {
		keys := make([]string, 0, len(node.Props))
		for key := range node.Props {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if s, ok := node.Props[key].(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
	})
	return strings.Join(parts, " ")
}
