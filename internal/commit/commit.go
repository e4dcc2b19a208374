// Package commit moves a session's document into durable storage as one unit.
package commit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"draftsync/internal/action"
	"draftsync/internal/document"
	"draftsync/internal/session"

	"github.com/google/uuid"
)

var (
	ErrBusy             = errors.New("commit in progress")
	ErrNotEditable      = errors.New("session is not open for commit")
	ErrCommitFailed     = errors.New("commit failed")
	ErrRejected         = errors.New("commit rejected")
	ErrArtifactNotFound = errors.New("artifact not found")
)

const DefaultTimeout = 30 * time.Second

// artifactNamespace scopes artifact ids derived from (session, version).
var artifactNamespace = uuid.MustParse("6f1c63c4-3d1e-4f7b-9a43-3f6f0c5a9a21")

// Artifact is the durable record of one commit.
type Artifact struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"sessionId"`
	TemplateID     string            `json:"templateId"`
	Owner          string            `json:"owner"`
	Message        string            `json:"message"`
	Actor          action.Actor      `json:"actor"`
	OperationCount int64             `json:"operationCount"`
	Version        int64             `json:"version"`
	Checksum       string            `json:"checksum"`
	Document       document.Document `json:"document"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// ArtifactStore is the durable side. SaveArtifact must be idempotent on ID.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, artifact Artifact) error
	FindBySessionVersion(ctx context.Context, sessionID string, version int64) (Artifact, bool, error)
	GetArtifact(ctx context.Context, id string) (Artifact, error)
	LatestForTemplate(ctx context.Context, templateID string) (Artifact, error)
}

// Gate is an external business-rule check that may veto a commit.
type Gate interface {
	Check(ctx context.Context, sess *session.Session) error
}

type GateFunc func(ctx context.Context, sess *session.Session) error

func (f GateFunc) Check(ctx context.Context, sess *session.Session) error { return f(ctx, sess) }

// ArtifactID is stable for a (session, version) pair so a retried write
// lands on the same record.
func ArtifactID(sessionID string, version int64) string {
	return uuid.NewSHA1(artifactNamespace, []byte(sessionID+"@"+strconv.FormatInt(version, 10))).String()
}

func NewArtifact(sess *session.Session, message string, actor action.Actor, now time.Time) Artifact {
	return Artifact{
		ID:             ArtifactID(sess.ID, sess.Version),
		SessionID:      sess.ID,
		TemplateID:     sess.TemplateID,
		Owner:          sess.Owner,
		Message:        message,
		Actor:          actor,
		OperationCount: sess.OperationCount,
		Version:        sess.Version,
		Checksum:       document.Checksum(sess.Document),
		Document:       sess.Document.Clone(),
		CreatedAt:      now.UTC(),
	}
}

type Manager struct {
	store   ArtifactStore
	gate    Gate
	timeout time.Duration
}

func NewManager(store ArtifactStore, gate Gate, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{store: store, gate: gate, timeout: timeout}
}

func (m *Manager) Store() ArtifactStore { return m.store }

func (m *Manager) Timeout() time.Duration { return m.timeout }

// Begin moves an active or idle session into committing.
func (m *Manager) Begin(sess *session.Session, now time.Time) error {
	switch {
	case sess.State == session.StateCommitting:
		return ErrBusy
	case !sess.Editable():
		return fmt.Errorf("%w: %s", ErrNotEditable, sess.State)
	}
	at := now.UTC()
	sess.State = session.StateCommitting
	sess.CommittingSince = &at
	sess.LastCommitError = ""
	return nil
}

// Write performs the single durable write. When the store reports an error
// the artifact is looked up before the attempt is declared failed.
func (m *Manager) Write(ctx context.Context, sess *session.Session, message string, actor action.Actor, now time.Time) (Artifact, error) {
	if m.gate != nil {
		if err := m.gate.Check(ctx, sess); err != nil {
			return Artifact{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	artifact := NewArtifact(sess, message, actor, now)

	writeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.store.SaveArtifact(writeCtx, artifact)
	if err == nil {
		return artifact, nil
	}

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), m.timeout)
	defer cancelCheck()
	existing, found, findErr := m.store.FindBySessionVersion(checkCtx, sess.ID, sess.Version)
	if findErr == nil && found && existing.Checksum == artifact.Checksum {
		return existing, nil
	}
	if findErr != nil {
		return Artifact{}, fmt.Errorf("%w: %v (existence check: %v)", ErrCommitFailed, err, findErr)
	}
	return Artifact{}, fmt.Errorf("%w: %v", ErrCommitFailed, err)
}

// Complete marks the session committed.
func (m *Manager) Complete(sess *session.Session) {
	sess.State = session.StateCommitted
	sess.CommittingSince = nil
}

// Rollback returns a committing session to active with its state intact.
func (m *Manager) Rollback(sess *session.Session, cause error) {
	sess.State = session.StateActive
	sess.CommittingSince = nil
	if cause != nil {
		sess.LastCommitError = cause.Error()
	}
}

// Stale reports whether a committing session has outlived the commit timeout.
func (m *Manager) Stale(sess *session.Session, now time.Time) bool {
	if sess.State != session.StateCommitting || sess.CommittingSince == nil {
		return false
	}
	return now.Sub(*sess.CommittingSince) > 2*m.timeout
}

// Settle decides a stale committing session from the durable store alone.
func (m *Manager) Settle(ctx context.Context, sess *session.Session) (Artifact, bool, error) {
	artifact, found, err := m.store.FindBySessionVersion(ctx, sess.ID, sess.Version)
	if err != nil {
		return Artifact{}, false, fmt.Errorf("settle commit: %w", err)
	}
	return artifact, found, nil
}
