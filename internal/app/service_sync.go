package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"draftsync/internal/action"
	"draftsync/internal/broadcast"
	"draftsync/internal/checkpoint"
	"draftsync/internal/commit"
	"draftsync/internal/conflict"
	"draftsync/internal/document"
	"draftsync/internal/history"
	"draftsync/internal/metrics"
	"draftsync/internal/rbac"
	"draftsync/internal/search"
	"draftsync/internal/session"
	"draftsync/internal/store"
)

type SubmitInput struct {
	BaseVersion int64             `json:"baseVersion"`
	Document    document.Document `json:"document"`
	Strategy    string            `json:"strategy"`
}

type SubmitResult struct {
	Document       document.Document `json:"document"`
	Version        int64             `json:"version"`
	HistoryEntryID string            `json:"historyEntryId,omitempty"`
	Conflict       *conflict.Record  `json:"conflict,omitempty"`
}

// SubmitDocument replaces the session document with a client copy. When the
// client worked from an older version the copy is reconciled under strategy;
// manual returns VersionConflict and leaves the session untouched.
func (s *Service) SubmitDocument(ctx context.Context, sessionID string, input SubmitInput, actor action.Actor) (SubmitResult, error) {
	strategy, err := conflict.ParseStrategy(strings.TrimSpace(input.Strategy))
	if err != nil {
		return SubmitResult{}, asDomain(err)
	}
	if !s.Can(actor, rbac.ActionEdit) {
		return SubmitResult{}, errForbidden(actor, "submitDocument")
	}
	if strategy == conflict.ClientWins && !s.Can(actor, rbac.ActionForceOverwrite) {
		return SubmitResult{}, errForbidden(actor, "client-wins")
	}
	if err := s.executor.Validate(input.Document); err != nil {
		return SubmitResult{}, asDomain(err)
	}

	var result SubmitResult
	_, err = s.mutate(ctx, sessionID, func(sess *session.Session, out *outbox) error {
		if err := requireEditable(sess); err != nil {
			return err
		}
		now := s.now()
		next := input.Document
		var rec *conflict.Record
		if input.BaseVersion > sess.Version {
			return errFutureBase(sess.ID, input.BaseVersion, sess.Version)
		}
		if input.BaseVersion < sess.Version {
			resolved, err := s.resolver.Resolve(baseAt(sess, input.BaseVersion), sess.Document, input.Document, strategy)
			if err != nil {
				return err
			}
			metrics.RecordConflict(string(strategy), len(resolved.Conflicts) == 0)
			if resolved.Unresolved() {
				return errVersionConflict(resolved)
			}
			rec = &resolved
			next = *resolved.Resolved
			if len(resolved.Conflicts) > 0 {
				out.publish(broadcast.Conflict(sess.ID, resolved))
			}
		}
		result = SubmitResult{Document: sess.Document, Version: sess.Version, Conflict: rec}
		if document.Equal(next, sess.Document) {
			return errUnchanged
		}
		sess.Touch(now)
		sess.OperationCount++
		entry := s.replace(sess, out, history.KindUserEdit, next, actor, "Submitted document")
		result.Document = sess.Document
		result.Version = sess.Version
		result.HistoryEntryID = entry.ID
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// baseAt finds the document the session had at version, or nil when that
// version is no longer known. Versions reached by undo or redo are matched
// through the session trail against every document still held in memory.
func baseAt(sess *session.Session, version int64) *document.Document {
	if version == sess.Version {
		doc := sess.Document.Clone()
		return &doc
	}
	if sum, ok := sess.ChecksumAt(version); ok {
		for _, candidate := range heldDocuments(sess) {
			if document.Checksum(candidate) == sum {
				doc := candidate.Clone()
				return &doc
			}
		}
	}
	for _, stack := range [][]history.Entry{sess.History.Undo, sess.History.Redo} {
		for _, entry := range stack {
			if entry.VersionAfter == version {
				doc := entry.After.Clone()
				return &doc
			}
		}
	}
	for i := len(sess.Checkpoints) - 1; i >= 0; i-- {
		if sess.Checkpoints[i].Version == version {
			doc := sess.Checkpoints[i].Document.Clone()
			return &doc
		}
	}
	if version == 0 && len(sess.History.Undo) > 0 && sess.History.Undo[0].VersionAfter == 1 {
		doc := sess.History.Base.Clone()
		return &doc
	}
	return nil
}

func heldDocuments(sess *session.Session) []document.Document {
	docs := []document.Document{sess.History.Base}
	for _, stack := range [][]history.Entry{sess.History.Undo, sess.History.Redo} {
		for _, entry := range stack {
			docs = append(docs, entry.Before, entry.After)
		}
	}
	for _, cp := range sess.Checkpoints {
		docs = append(docs, cp.Document)
	}
	return docs
}

// replace records a whole-document transition of the given kind and
// announces the new state.
func (s *Service) replace(sess *session.Session, out *outbox, kind history.Kind, next document.Document, actor action.Actor, description string) history.Entry {
	entry := s.advance(sess, history.NewEntry(kind, sess.Document, next.Clone(), nil, actor, description, s.now()))
	out.publish(broadcast.SessionState(sess.ID, sess.Document, sess.Version))
	s.maybeCheckpoint(sess, out, entry.Timestamp)
	return entry
}

func (s *Service) ListCheckpoints(ctx context.Context, sessionID string, actor action.Actor) ([]session.Checkpoint, error) {
	if !s.Can(actor, rbac.ActionRead) {
		return nil, errForbidden(actor, "listCheckpoints")
	}
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Checkpoints, nil
}

// CreateCheckpoint takes a named checkpoint regardless of activity.
func (s *Service) CreateCheckpoint(ctx context.Context, sessionID, name string, actor action.Actor) (session.Checkpoint, error) {
	if !s.Can(actor, rbac.ActionEdit) {
		return session.Checkpoint{}, errForbidden(actor, "createCheckpoint")
	}
	var cp session.Checkpoint
	_, err := s.mutate(ctx, sessionID, func(sess *session.Session, out *outbox) error {
		if err := requireEditable(sess); err != nil {
			return err
		}
		now := s.now()
		sess.Touch(now)
		cp, _ = checkpoint.Capture(sess, strings.TrimSpace(name), now, s.cfg.CheckpointKeep)
		out.captured(cp, "manual")
		return nil
	})
	if err != nil {
		return session.Checkpoint{}, err
	}
	return cp, nil
}

// CaptureCheckpoint is the timed path used by the scheduler. Sessions that
// are gone or expired are reported as not found so the scheduler drops them.
func (s *Service) CaptureCheckpoint(ctx context.Context, sessionID string) (bool, error) {
	captured := false
	_, err := s.mutate(ctx, sessionID, func(sess *session.Session, out *outbox) error {
		if !sess.Editable() || !checkpoint.Due(sess) {
			return errUnchanged
		}
		cp, _ := checkpoint.Capture(sess, "", s.now(), s.cfg.CheckpointKeep)
		out.captured(cp, "timer")
		captured = true
		return nil
	})
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) && (domainErr.Code == CodeSessionNotFound || domainErr.Code == CodeSessionExpired) {
			return false, fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
		}
		return false, err
	}
	return captured, nil
}

func (s *Service) GetArtifact(ctx context.Context, artifactID string) (commit.Artifact, error) {
	artifact, err := s.artifacts.GetArtifact(ctx, strings.TrimSpace(artifactID))
	if err != nil {
		return commit.Artifact{}, asDomain(err)
	}
	return artifact, nil
}

// SearchArtifacts queries the search index, or lists a template's artifacts
// newest first when no text is given.
func (s *Service) SearchArtifacts(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" && q.TemplateID != "" {
		lister, ok := s.artifacts.(artifactLister)
		if ok {
			items, err := lister.ListForTemplate(ctx, q.TemplateID, q.Limit)
			if err != nil {
				return search.Response{}, fmt.Errorf("list artifacts: %w", err)
			}
			results := make([]search.Result, 0, len(items))
			for _, item := range items {
				results = append(results, resultOf(item))
			}
			return search.Response{Results: results, Total: len(results)}, nil
		}
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

func resultOf(item store.ArtifactSummary) search.Result {
	return search.Result{
		ID:         item.ID,
		SessionID:  item.SessionID,
		TemplateID: item.TemplateID,
		Owner:      item.Owner,
		Title:      item.Message,
		Version:    item.Version,
		CreatedAt:  item.CreatedAt,
	}
}
