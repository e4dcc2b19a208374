// Package session holds the ephemeral working state of draft sessions and
// the stores that persist it between requests.
package session

import (
	"context"
	"errors"
	"time"

	"draftsync/internal/action"
	"draftsync/internal/document"
	"draftsync/internal/history"
)

type State string

const (
	StateActive     State = "active"
	StateIdle       State = "idle"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateDiscarded  State = "discarded"
	StateExpired    State = "expired"
)

const (
	DefaultTTL       = time.Hour
	DefaultHardCap   = 24 * time.Hour
	DefaultGrace     = time.Hour
	DefaultRetention = 10
	DefaultKeyPrefix = "draftsync:"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrRevisionConflict = errors.New("session revision conflict")
	ErrClosed           = errors.New("session store closed")
)

type Checkpoint struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Document       document.Document `json:"document"`
	OperationCount int64             `json:"operationCount"`
	Version        int64             `json:"version"`
	HeadEntryID    string            `json:"headEntryId,omitempty"`
}

// VersionMark pins the document checksum a session had at one version.
type VersionMark struct {
	Version  int64  `json:"version"`
	Checksum string `json:"checksum"`
}

// Session is the unit of ephemeral collaboration. It is owned by the Store;
// callers load it, mutate it and save it back under a revision guard.
type Session struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	TemplateID  string            `json:"templateId"`
	CreatedBy   action.Actor      `json:"createdBy"`
	Context     map[string]string `json:"context,omitempty"`
	Document    document.Document `json:"document"`
	History     history.State     `json:"history"`
	Checkpoints []Checkpoint      `json:"checkpoints"`
	Trail       []VersionMark     `json:"trail,omitempty"`

	State              State `json:"state"`
	OperationCount     int64 `json:"operationCount"`
	OpsSinceCheckpoint int64 `json:"opsSinceCheckpoint"`
	UndoCount          int64 `json:"undoCount"`
	RedoCount          int64 `json:"redoCount"`
	Version            int64 `json:"version"`
	Revision           int64 `json:"revision"`

	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
	TTL          time.Duration `json:"ttl"`
	HardExpiry   time.Time     `json:"hardExpiry"`

	CommittingSince *time.Time `json:"committingSince,omitempty"`
	LastCommitError string     `json:"lastCommitError,omitempty"`
}

type Options struct {
	ID         string
	Owner      string
	TemplateID string
	Actor      action.Actor
	Context    map[string]string
	Document   document.Document
	TTL        time.Duration
	HardCap    time.Duration
	Now        time.Time
}

func New(opts Options) *Session {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.HardCap <= 0 {
		opts.HardCap = DefaultHardCap
	}
	now := opts.Now.UTC()
	doc := opts.Document.Clone()
	if doc.Nodes == nil {
		doc.Nodes = []document.Node{}
	}
	sess := &Session{
		ID:           opts.ID,
		Owner:        opts.Owner,
		TemplateID:   opts.TemplateID,
		CreatedBy:    opts.Actor,
		Context:      opts.Context,
		Document:     doc,
		History:      history.State{Base: doc.Clone()},
		State:        StateActive,
		Checkpoints:  []Checkpoint{},
		CreatedAt:    now,
		LastActivity: now,
		TTL:          opts.TTL,
		HardExpiry:   now.Add(opts.HardCap),
	}
	sess.Mark(0)
	return sess
}

// Mark appends the current version and document checksum to the trail,
// keeping at most limit marks (unbounded when limit <= 0).
func (s *Session) Mark(limit int) {
	s.Trail = append(s.Trail, VersionMark{Version: s.Version, Checksum: document.Checksum(s.Document)})
	if limit > 0 && len(s.Trail) > limit {
		s.Trail = append([]VersionMark(nil), s.Trail[len(s.Trail)-limit:]...)
	}
}

// ChecksumAt reports the document checksum recorded for version.
func (s *Session) ChecksumAt(version int64) (string, bool) {
	for i := len(s.Trail) - 1; i >= 0; i-- {
		if s.Trail[i].Version == version {
			return s.Trail[i].Checksum, true
		}
	}
	return "", false
}

// ExpiresAt is the sliding expiry, never later than the hard cap.
func (s *Session) ExpiresAt() time.Time {
	expires := s.LastActivity.Add(s.TTL)
	if !s.HardExpiry.IsZero() && expires.After(s.HardExpiry) {
		return s.HardExpiry
	}
	return expires
}

func (s *Session) Expired(now time.Time) bool {
	return s.State == StateExpired || !now.Before(s.ExpiresAt())
}

// Touch records activity and slides the expiry forward.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now.UTC()
	if s.State == StateIdle {
		s.State = StateActive
	}
}

func (s *Session) Terminal() bool {
	switch s.State {
	case StateCommitted, StateDiscarded, StateExpired:
		return true
	}
	return false
}

// Editable reports whether mutations are accepted in the current state.
func (s *Session) Editable() bool {
	return s.State == StateActive || s.State == StateIdle
}

// HeadEntryID is the id of the newest applied history entry, empty when none.
func (s *Session) HeadEntryID() string {
	if n := len(s.History.Undo); n > 0 {
		return s.History.Undo[n-1].ID
	}
	return ""
}

// Anchors exposes checkpoints as replay starting points.
func (s *Session) Anchors() []history.Anchor {
	anchors := make([]history.Anchor, 0, len(s.Checkpoints))
	for _, cp := range s.Checkpoints {
		if cp.HeadEntryID == "" {
			continue
		}
		anchors = append(anchors, history.Anchor{HeadEntryID: cp.HeadEntryID, Document: cp.Document})
	}
	return anchors
}

// Store persists sessions. Save is a compare-and-set on Revision: it fails
// with ErrRevisionConflict when the stored revision differs from expected.
// An expected revision of zero creates the session.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session, expectedRevision int64) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, owner string) ([]*Session, error)
	ListActive(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// keyTTL is how long the store keeps a record: the session's remaining life
// plus a grace window in which expiry can still be reported as such.
func keyTTL(s *Session, now time.Time, grace time.Duration) time.Duration {
	remaining := s.ExpiresAt().Sub(now)
	if remaining < 0 || s.State == StateExpired {
		remaining = 0
	}
	ttl := remaining + grace
	if ttl <= 0 {
		ttl = time.Second
	}
	return ttl
}
