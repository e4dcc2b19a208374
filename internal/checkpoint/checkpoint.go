// Package checkpoint snapshots session documents on a timer so a session
// can be rebuilt without replaying its whole history.
package checkpoint

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"draftsync/internal/session"
	"draftsync/internal/util"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultEvery    = 25
)

// Capture appends a checkpoint of the session's current document, evicts the
// oldest beyond retention and resets the operations-since counter.
func Capture(sess *session.Session, name string, now time.Time, retention int) (session.Checkpoint, []session.Checkpoint) {
	if retention <= 0 {
		retention = session.DefaultRetention
	}
	cp := session.Checkpoint{
		ID:             util.NewID("cp"),
		Name:           name,
		Timestamp:      now.UTC(),
		Document:       sess.Document.Clone(),
		OperationCount: sess.OperationCount,
		Version:        sess.Version,
		HeadEntryID:    sess.HeadEntryID(),
	}
	sess.Checkpoints = append(sess.Checkpoints, cp)
	var evicted []session.Checkpoint
	if over := len(sess.Checkpoints) - retention; over > 0 {
		evicted = append(evicted, sess.Checkpoints[:over]...)
		sess.Checkpoints = append([]session.Checkpoint(nil), sess.Checkpoints[over:]...)
	}
	sess.OpsSinceCheckpoint = 0
	return cp, evicted
}

// Due reports whether a timed checkpoint should be taken.
func Due(sess *session.Session) bool {
	return sess.OpsSinceCheckpoint > 0
}

// Capturer takes a timed checkpoint through the caller's serialized session
// path. It returns false when the session was idle and nothing was written,
// and an error wrapping session.ErrNotFound once the session is no longer live.
type Capturer interface {
	CaptureCheckpoint(ctx context.Context, sessionID string) (bool, error)
}

// Scheduler ticks over tracked sessions. It holds ids only; session state is
// always read from the store by the capturer.
type Scheduler struct {
	capturer Capturer
	interval time.Duration

	mu      sync.Mutex
	tracked map[string]struct{}
}

func NewScheduler(capturer Capturer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{capturer: capturer, interval: interval, tracked: make(map[string]struct{})}
}

func (s *Scheduler) Track(sessionID string) {
	s.mu.Lock()
	s.tracked[sessionID] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) Untrack(sessionID string) {
	s.mu.Lock()
	delete(s.tracked, sessionID)
	s.mu.Unlock()
}

func (s *Scheduler) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tracked))
	for id := range s.tracked {
		ids = append(ids, id)
	}
	return ids
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass and returns how many checkpoints were written.
func (s *Scheduler) Tick(ctx context.Context) int {
	written := 0
	for _, id := range s.Tracked() {
		if ctx.Err() != nil {
			return written
		}
		ok, err := s.capturer.CaptureCheckpoint(ctx, id)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				s.Untrack(id)
				continue
			}
			log.Printf("checkpoint: session %s: %v", id, err)
			continue
		}
		if ok {
			written++
		}
	}
	return written
}
