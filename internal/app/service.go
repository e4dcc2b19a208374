package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"draftsync/internal/action"
	"draftsync/internal/broadcast"
	"draftsync/internal/checkpoint"
	"draftsync/internal/commit"
	"draftsync/internal/config"
	"draftsync/internal/conflict"
	"draftsync/internal/document"
	"draftsync/internal/history"
	"draftsync/internal/metrics"
	"draftsync/internal/rbac"
	"draftsync/internal/search"
	"draftsync/internal/session"
	"draftsync/internal/store"
	"draftsync/internal/util"
)

const maxSaveAttempts = 5

// errUnchanged ends a mutation without writing the session back.
var errUnchanged = errors.New("session unchanged")

type artifactLister interface {
	ListForTemplate(ctx context.Context, templateID string, limit int) ([]store.ArtifactSummary, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a Service runs against. Sessions and Artifacts
// are required; the rest are optional.
type Deps struct {
	Sessions  session.Store
	Artifacts commit.ArtifactStore
	Validator document.Validator
	Policy    action.Policy
	Gate      commit.Gate
	Hub       *broadcast.Hub
	Archive   checkpoint.Archive
	Search    *search.Service
	Now       func() time.Time
}

type Service struct {
	cfg       config.Config
	sessions  session.Store
	artifacts commit.ArtifactStore
	executor  *action.Executor
	history   *history.Manager
	resolver  *conflict.Resolver
	commits   *commit.Manager
	hub       *broadcast.Hub
	scheduler *checkpoint.Scheduler
	mirror    *checkpoint.Mirror
	search    *search.Service
	now       func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sessionLock
}

// sessionLock serializes writers of one session. refs counts holders and
// waiters; the entry leaves the map only when the last one releases.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func New(cfg config.Config, deps Deps) *Service {
	validator := deps.Validator
	if validator == nil {
		validator = document.StructuralValidator{MaxDepth: 32}
	}
	hub := deps.Hub
	if hub == nil {
		hub = broadcast.NewHub(cfg.BroadcastBuffer)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		cfg:       cfg,
		sessions:  deps.Sessions,
		artifacts: deps.Artifacts,
		executor:  action.NewExecutor(validator, deps.Policy),
		history:   history.NewManager(cfg.UndoCapacity),
		resolver:  conflict.NewResolver(validator),
		commits:   commit.NewManager(deps.Artifacts, deps.Gate, cfg.CommitTimeout),
		hub:       hub,
		search:    deps.Search,
		now:       now,
		locks:     make(map[string]*sessionLock),
	}
	if deps.Archive != nil {
		s.mirror = checkpoint.NewMirror(deps.Archive)
	}
	s.scheduler = checkpoint.NewScheduler(s, cfg.CheckpointInterval)
	return s
}

func (s *Service) Hub() *broadcast.Hub { return s.hub }

func (s *Service) Scheduler() *checkpoint.Scheduler { return s.scheduler }

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// Ping checks the session store and the artifact store.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	if p, ok := s.artifacts.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
	}
	return nil
}

// Close waits for background checkpoint mirroring.
func (s *Service) Close() {
	s.mirror.Wait()
}

type CreateSessionInput struct {
	TemplateID string             `json:"templateId"`
	Owner      string             `json:"owner"`
	Context    map[string]string  `json:"context,omitempty"`
	Document   *document.Document `json:"document,omitempty"`
}

type SessionView struct {
	ID              string            `json:"sessionId"`
	Owner           string            `json:"owner"`
	TemplateID      string            `json:"templateId"`
	State           session.State     `json:"state"`
	Document        document.Document `json:"document"`
	Version         int64             `json:"version"`
	OperationCount  int64             `json:"operationCount"`
	CanUndo         bool              `json:"canUndo"`
	CanRedo         bool              `json:"canRedo"`
	Context         map[string]string `json:"context,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastActivity    time.Time         `json:"lastActivity"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	LastCommitError string            `json:"lastCommitError,omitempty"`
}

func viewOf(sess *session.Session) SessionView {
	return SessionView{
		ID:              sess.ID,
		Owner:           sess.Owner,
		TemplateID:      sess.TemplateID,
		State:           sess.State,
		Document:        sess.Document,
		Version:         sess.Version,
		OperationCount:  sess.OperationCount,
		CanUndo:         len(sess.History.Undo) > 0,
		CanRedo:         len(sess.History.Redo) > 0,
		Context:         sess.Context,
		CreatedAt:       sess.CreatedAt,
		LastActivity:    sess.LastActivity,
		ExpiresAt:       sess.ExpiresAt(),
		LastCommitError: sess.LastCommitError,
	}
}

type ActionResult struct {
	Document       document.Document `json:"document"`
	Version        int64             `json:"version"`
	HistoryEntryID string            `json:"historyEntryId,omitempty"`
	Changed        bool              `json:"changed"`
}

type StepResult struct {
	Status         history.Status    `json:"status"`
	Document       document.Document `json:"document"`
	Version        int64             `json:"version"`
	HistoryEntryID string            `json:"historyEntryId,omitempty"`
}

type Stats struct {
	SessionID      string        `json:"sessionId"`
	Duration       string        `json:"duration"`
	DurationMs     int64         `json:"durationMs"`
	OperationCount int64         `json:"operationCount"`
	UndoCount      int64         `json:"undoCount"`
	RedoCount      int64         `json:"redoCount"`
	UndoAvailable  int           `json:"undoAvailable"`
	RedoAvailable  int           `json:"redoAvailable"`
	Checkpoints    int           `json:"checkpoints"`
	Version        int64         `json:"version"`
	State          session.State `json:"state"`
}

// outbox collects what a mutation announces once it has been saved.
type outbox struct {
	messages    []broadcast.Message
	checkpoints []capturedCheckpoint
}

type capturedCheckpoint struct {
	checkpoint session.Checkpoint
	trigger    string
}

func (o *outbox) publish(msg broadcast.Message) {
	o.messages = append(o.messages, msg)
}

func (o *outbox) captured(cp session.Checkpoint, trigger string) {
	o.checkpoints = append(o.checkpoints, capturedCheckpoint{checkpoint: cp, trigger: trigger})
}

func (s *Service) flush(sessionID string, out *outbox) {
	for _, msg := range out.messages {
		s.hub.Publish(msg)
	}
	for _, item := range out.checkpoints {
		s.mirror.Put(sessionID, item.checkpoint)
		metrics.RecordCheckpoint(item.trigger)
	}
}

// lockSession blocks until the caller owns id and returns the release func.
func (s *Service) lockSession(id string) func() {
	s.lockMu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sessionLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.lockMu.Unlock()
	}
}

// load reads a live session. An expired session is returned together with
// the expiry error so the caller can finish expiring it.
func (s *Service) load(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.sessions.Load(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, errSessionNotFound(id)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	switch {
	case sess.State == session.StateExpired:
		return nil, errSessionExpired(id)
	case sess.Terminal():
		return nil, errSessionNotFound(id)
	case sess.State != session.StateCommitting && sess.Expired(s.now()):
		return sess, errSessionExpired(id)
	}
	return sess, nil
}

// mutate runs fn on a freshly loaded session under the session lock and
// saves the result with a revision guard, retrying when another instance
// wrote in between. Messages queued by fn go out after the save, still under
// the lock, so subscribers see them in version order.
func (s *Service) mutate(ctx context.Context, id string, fn func(sess *session.Session, out *outbox) error) (*session.Session, error) {
	unlock := s.lockSession(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		sess, err := s.load(ctx, id)
		if err != nil {
			if sess != nil {
				s.expireLocked(ctx, sess)
			}
			return nil, err
		}
		expected := sess.Revision
		out := &outbox{}
		if err := fn(sess, out); err != nil {
			if errors.Is(err, errUnchanged) {
				s.flush(id, out)
				return sess, nil
			}
			return nil, asDomain(err)
		}
		err = s.sessions.Save(ctx, sess, expected)
		switch {
		case err == nil:
			s.scheduler.Track(id)
			s.flush(id, out)
			return sess, nil
		case errors.Is(err, session.ErrRevisionConflict) && attempt < maxSaveAttempts:
			metrics.RecordStoreRetry()
			continue
		case errors.Is(err, session.ErrNotFound):
			return nil, errSessionNotFound(id)
		default:
			return nil, asDomain(fmt.Errorf("save session %s: %w", id, err))
		}
	}
}

// expireLocked marks an overdue session expired and disconnects its
// subscribers. The record stays for the tombstone grace. Caller holds the lock.
func (s *Service) expireLocked(ctx context.Context, sess *session.Session) {
	if sess.State == session.StateExpired {
		return
	}
	sess.State = session.StateExpired
	sess.CommittingSince = nil
	if err := s.sessions.Save(ctx, sess, sess.Revision); err != nil && !errors.Is(err, session.ErrRevisionConflict) {
		log.Printf("session: expire %s: %v", sess.ID, err)
	}
	s.closeSession(sess.ID, broadcast.ReasonExpired)
}

// closeSession ends everything that outlives a session in memory.
func (s *Service) closeSession(id, reason string) {
	s.hub.CloseSession(id, reason)
	s.scheduler.Untrack(id)
	s.mirror.Forget(id)
}

func requireEditable(sess *session.Session) error {
	switch {
	case sess.State == session.StateCommitting:
		return errSessionBusy(sess.ID)
	case !sess.Editable():
		return errSessionNotFound(sess.ID)
	}
	return nil
}

// advance records entry as the newest forward transition and makes its
// result the session document.
func (s *Service) advance(sess *session.Session, entry history.Entry) history.Entry {
	sess.Version++
	entry.VersionAfter = sess.Version
	s.history.Record(&sess.History, entry)
	sess.Document = entry.After.Clone()
	sess.OpsSinceCheckpoint++
	sess.Mark(s.trailLimit())
	return entry
}

// trailLimit covers every version the history stacks can still rebuild.
func (s *Service) trailLimit() int {
	return 2*s.history.Capacity() + 1
}

func (s *Service) maybeCheckpoint(sess *session.Session, out *outbox, now time.Time) {
	if s.cfg.CheckpointEvery <= 0 || sess.OpsSinceCheckpoint < int64(s.cfg.CheckpointEvery) {
		return
	}
	cp, _ := checkpoint.Capture(sess, "", now, s.cfg.CheckpointKeep)
	out.captured(cp, "operations")
}

func (s *Service) CreateSession(ctx context.Context, input CreateSessionInput, actor action.Actor) (SessionView, error) {
	if !s.Can(actor, rbac.ActionEdit) {
		return SessionView{}, errForbidden(actor, "createSession")
	}
	templateID := strings.TrimSpace(input.TemplateID)
	owner := firstNonBlank(input.Owner, actor.ID)
	if owner == "" {
		return SessionView{}, errValidation("owner is required")
	}

	var doc document.Document
	switch {
	case input.Document != nil:
		doc = input.Document.Clone()
	case templateID != "":
		latest, err := s.artifacts.LatestForTemplate(ctx, templateID)
		switch {
		case err == nil:
			doc = latest.Document
		case errors.Is(err, commit.ErrArtifactNotFound):
			doc = document.New()
		default:
			return SessionView{}, fmt.Errorf("load template %s: %w", templateID, err)
		}
	default:
		doc = document.New()
	}
	if err := s.executor.Validate(doc); err != nil {
		return SessionView{}, asDomain(err)
	}

	sess := session.New(session.Options{
		ID:         util.NewID("ses"),
		Owner:      owner,
		TemplateID: templateID,
		Actor:      actor,
		Context:    input.Context,
		Document:   doc,
		TTL:        s.cfg.SessionTTL,
		HardCap:    s.cfg.SessionHardCap,
		Now:        s.now(),
	})
	if err := s.sessions.Save(ctx, sess, 0); err != nil {
		return SessionView{}, fmt.Errorf("create session: %w", err)
	}
	s.scheduler.Track(sess.ID)
	return viewOf(sess), nil
}

// ResumeSession returns the current session and counts as activity.
func (s *Service) ResumeSession(ctx context.Context, sessionID string, actor action.Actor) (SessionView, error) {
	if !s.Can(actor, rbac.ActionRead) {
		return SessionView{}, errForbidden(actor, "resumeSession")
	}
	sess, err := s.mutate(ctx, sessionID, func(sess *session.Session, out *outbox) error {
		if sess.State == session.StateCommitting {
			return errUnchanged
		}
		sess.Touch(s.now())
		return nil
	})
	if err != nil {
		return SessionView{}, err
	}
	return viewOf(sess), nil
}

func (s *Service) ListSessions(ctx context.Context, owner string) ([]SessionView, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errValidation("owner is required")
	}
	sessions, err := s.sessions.ListByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := s.now()
	items := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		if sess.Terminal() || (sess.State != session.StateCommitting && sess.Expired(now)) {
			continue
		}
		items = append(items, viewOf(sess))
	}
	return items, nil
}

func (s *Service) ApplyAction(ctx context.Context, sessionID string, act action.Action, actor action.Actor) (ActionResult, error) {
	if !s.Can(actor, rbac.ActionEdit) {
		return ActionResult{}, errForbidden(actor, "applyAction")
	}
	started := time.Now()
	var result ActionResult
	_, err := s.mutate(ctx, sessionID, func(sess *session.Session, out *outbox) error {
		if err := requireEditable(sess); err != nil {
			return err
		}
		res, err := s.executor.Execute(ctx, sess.Document, act, actor)
		if err != nil {
			return err
		}
		now := s.now()
		sess.Touch(now)
		sess.OperationCount++
		if !res.Changed {
			result = ActionResult{Document: sess.Document, Version: sess.Version}
			return nil
		}
		recorded := act
		entry := s.advance(sess, history.NewEntry(history.KindMutation, sess.Document, res.Document, &recorded, actor, "", now))
		out.publish(broadcastApplied(sess, entry))
		s.maybeCheckpoint(sess, out, now)
		result = ActionResult{Document: sess.Document, Version: sess.Version, HistoryEntryID: entry.ID, Changed: true}
		return nil
	})
	metrics.RecordAction(string(act.Kind), outcomeOf(err), time.Since(started))
	if err != nil {
		return ActionResult{}, err
	}
	return result, nil
}

func (s *Service) Undo(ctx context.Context, sessionID string, actor action.Actor) (StepResult, error) {
	return s.step(ctx, sessionID, actor, false)
}

func (s *Service) Redo(ctx context.Context, sessionID string, actor action.Actor) (StepResult, error) {
	return s.step(ctx, sessionID, actor, true)
}

func (s *Service) step(ctx context.Context, sessionID string, actor action.Actor, redo bool) (StepResult, error) {
	op := "undo"
	if redo {
		op = "redo"
	}
	if !s.Can(actor, rbac.ActionEdit) {
		return StepResult{}, errForbidden(actor, op)
	}
	started := time.Now()
	var result StepResult
	_, err := s.mutate(ctx, sessionID, func(sess *session.Session, out *outbox) error {
		if err := requireEditable(sess); err != nil {
			return err
		}
		var (
			entry  history.Entry
			status history.Status
		)
		if redo {
			entry, status = s.history.Redo(&sess.History)
		} else {
			entry, status = s.history.Undo(&sess.History)
		}
		if status != history.StatusOK {
			result = StepResult{Status: status, Document: sess.Document, Version: sess.Version}
			return errUnchanged
		}
		sess.Touch(s.now())
		if redo {
			sess.Document = entry.After.Clone()
			sess.RedoCount++
		} else {
			sess.Document = entry.Before.Clone()
			sess.UndoCount++
		}
		sess.Version++
		sess.OpsSinceCheckpoint++
		sess.Mark(s.trailLimit())
		out.publish(broadcast.SessionState(sess.ID, sess.Document, sess.Version))
		result = StepResult{Status: status, Document: sess.Document, Version: sess.Version, HistoryEntryID: entry.ID}
		return nil
	})
	metrics.RecordAction(op, outcomeOf(err), time.Since(started))
	if err != nil {
		return StepResult{}, err
	}
	return result, nil
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return codeOf(err)
}

func (s *Service) GetHistory(ctx context.Context, sessionID string, actor action.Actor) (history.View, error) {
	if !s.Can(actor, rbac.ActionRead) {
		return history.View{}, errForbidden(actor, "getHistory")
	}
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return history.View{}, err
	}
	return history.Snapshot(sess.History), nil
}

func (s *Service) GetStats(ctx context.Context, sessionID string, actor action.Actor) (Stats, error) {
	if !s.Can(actor, rbac.ActionRead) {
		return Stats{}, errForbidden(actor, "getStats")
	}
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	elapsed := s.now().Sub(sess.CreatedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return Stats{
		SessionID:      sess.ID,
		Duration:       elapsed.Round(time.Second).String(),
		DurationMs:     elapsed.Milliseconds(),
		OperationCount: sess.OperationCount,
		UndoCount:      sess.UndoCount,
		RedoCount:      sess.RedoCount,
		UndoAvailable:  len(sess.History.Undo),
		RedoAvailable:  len(sess.History.Redo),
		Checkpoints:    len(sess.Checkpoints),
		Version:        sess.Version,
		State:          sess.State,
	}, nil
}

// Recompute rebuilds the session document from its newest usable checkpoint
// and reports whether it matches the stored document.
func (s *Service) Recompute(ctx context.Context, sessionID string) (document.Document, bool, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return document.Document{}, false, err
	}
	doc, err := history.Recompute(ctx, sess.History, sess.Anchors(), s.executor)
	if err != nil {
		return document.Document{}, false, fmt.Errorf("recompute %s: %w", sessionID, err)
	}
	return doc, document.Equal(doc, sess.Document), nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
