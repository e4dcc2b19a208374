package store

import "time"

// ArtifactSummary is an artifact row without its document body.
type ArtifactSummary struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	TemplateID     string    `json:"templateId"`
	Owner          string    `json:"owner"`
	Message        string    `json:"message"`
	ActorKind      string    `json:"actorKind"`
	ActorID        string    `json:"actorId"`
	OperationCount int64     `json:"operationCount"`
	Version        int64     `json:"version"`
	Checksum       string    `json:"checksum"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SearchQuery filters artifact search. Empty fields are ignored.
type SearchQuery struct {
	Text       string
	TemplateID string
	Owner      string
	Limit      int
	Offset     int
}
