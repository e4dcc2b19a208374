package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"draftsync/internal/action"
	"draftsync/internal/broadcast"
	"draftsync/internal/commit"
	"draftsync/internal/metrics"
	"draftsync/internal/rbac"
	"draftsync/internal/session"
)

type CommitResult struct {
	ArtifactID string    `json:"artifactId"`
	Version    int64     `json:"version"`
	Checksum   string    `json:"checksum"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Commit moves the session document into the artifact store. The session is
// held in committing for the duration of the write so concurrent edits get
// SessionBusy; the write itself runs outside the session lock.
func (s *Service) Commit(ctx context.Context, sessionID, message string, actor action.Actor) (CommitResult, error) {
	if !s.Can(actor, rbac.ActionCommit) {
		return CommitResult{}, errForbidden(actor, "commit")
	}
	sess, err := s.mutate(ctx, sessionID, func(sess *session.Session, out *outbox) error {
		return s.commits.Begin(sess, s.now())
	})
	if err != nil {
		return CommitResult{}, err
	}

	artifact, writeErr := s.commits.Write(ctx, sess, message, actor, s.now())
	if err := s.finishCommit(ctx, sessionID, artifact, writeErr); err != nil {
		return CommitResult{}, err
	}
	return CommitResult{
		ArtifactID: artifact.ID,
		Version:    artifact.Version,
		Checksum:   artifact.Checksum,
		CreatedAt:  artifact.CreatedAt,
	}, nil
}

func (s *Service) finishCommit(ctx context.Context, sessionID string, artifact commit.Artifact, writeErr error) error {
	unlock := s.lockSession(sessionID)
	defer unlock()

	if writeErr == nil {
		s.completeLocked(ctx, sessionID, artifact)
		return nil
	}

	outcome := "failed"
	if errors.Is(writeErr, commit.ErrRejected) {
		outcome = "rejected"
	}
	metrics.RecordCommit(outcome)
	if err := s.rollbackLocked(ctx, sessionID, writeErr); err != nil {
		log.Printf("commit: rollback %s: %v", sessionID, err)
	}
	return asDomain(writeErr)
}

// completeLocked drops a committed session. Caller holds the session lock.
func (s *Service) completeLocked(ctx context.Context, sessionID string, artifact commit.Artifact) {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		log.Printf("commit: delete committed session %s: %v", sessionID, err)
	}
	s.closeSession(sessionID, broadcast.ReasonCommitted)
	if s.search != nil {
		s.search.IndexArtifact(artifact)
	}
	metrics.RecordCommit("committed")
	log.Printf("commit: session %s committed as %s (version %d)", sessionID, artifact.ID, artifact.Version)
}

// rollbackLocked returns a committing session to active with its document
// and history untouched. Caller holds the session lock.
func (s *Service) rollbackLocked(ctx context.Context, sessionID string, cause error) error {
	for attempt := 1; attempt <= maxSaveAttempts; attempt++ {
		sess, err := s.sessions.Load(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if sess.State != session.StateCommitting {
			return nil
		}
		s.commits.Rollback(sess, cause)
		err = s.sessions.Save(ctx, sess, sess.Revision)
		if err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrRevisionConflict) {
			return fmt.Errorf("save session: %w", err)
		}
		metrics.RecordStoreRetry()
	}
	return session.ErrRevisionConflict
}

// Discard drops the session and its ephemeral state without writing anything.
func (s *Service) Discard(ctx context.Context, sessionID string, actor action.Actor) error {
	if !s.Can(actor, rbac.ActionDiscard) {
		return errForbidden(actor, "discard")
	}
	unlock := s.lockSession(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		if sess != nil {
			s.expireLocked(ctx, sess)
		}
		return err
	}
	if sess.State == session.StateCommitting {
		return errSessionBusy(sessionID)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("discard session %s: %w", sessionID, err)
	}
	s.closeSession(sessionID, broadcast.ReasonDiscarded)
	return nil
}

// RunSweeper sweeps on an interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.Printf("sweeper: %v", err)
			}
		}
	}
}

// Sweep passes over every stored session once. It expires overdue sessions,
// settles commits left behind by a crashed writer, idles quiet sessions and
// makes sure live sessions are tracked for timed checkpoints.
func (s *Service) Sweep(ctx context.Context) error {
	ids, err := s.sessions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	live := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return nil
		}
		ok, err := s.sweepOne(ctx, id)
		if err != nil {
			log.Printf("sweeper: session %s: %v", id, err)
		}
		if ok {
			live++
		}
	}
	metrics.SetSessionsTracked(live)
	return nil
}

func (s *Service) sweepOne(ctx context.Context, id string) (bool, error) {
	unlock := s.lockSession(id)
	defer unlock()

	sess, err := s.sessions.Load(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.scheduler.Untrack(id)
			return false, nil
		}
		return false, err
	}
	now := s.now()
	switch {
	case sess.Terminal():
		s.scheduler.Untrack(id)
		return false, nil
	case sess.State == session.StateCommitting:
		if !s.commits.Stale(sess, now) {
			return true, nil
		}
		return s.settleLocked(ctx, sess)
	case sess.Expired(now):
		s.expireLocked(ctx, sess)
		return false, nil
	case sess.State == session.StateActive && s.cfg.IdleAfter > 0 && now.Sub(sess.LastActivity) >= s.cfg.IdleAfter:
		sess.State = session.StateIdle
		if err := s.sessions.Save(ctx, sess, sess.Revision); err != nil && !errors.Is(err, session.ErrRevisionConflict) {
			return true, err
		}
	}
	s.scheduler.Track(id)
	return true, nil
}

// settleLocked decides a stale commit from the artifact store alone.
func (s *Service) settleLocked(ctx context.Context, sess *session.Session) (bool, error) {
	artifact, found, err := s.commits.Settle(ctx, sess)
	if err != nil {
		return true, err
	}
	if found {
		s.completeLocked(ctx, sess.ID, artifact)
		return false, nil
	}
	metrics.RecordCommit("abandoned")
	return true, s.rollbackLocked(ctx, sess.ID, errors.New("commit did not finish before the timeout"))
}
