package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"draftsync/internal/action"
	"draftsync/internal/broadcast"
	"draftsync/internal/checkpoint"
	"draftsync/internal/commit"
	"draftsync/internal/config"
	"draftsync/internal/conflict"
	"draftsync/internal/document"
	"draftsync/internal/history"
	"draftsync/internal/session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	service   *Service
	clock     *testClock
	sessions  *session.MemoryStore
	artifacts commit.ArtifactStore
	archive   *checkpoint.MemoryArchive
}

type fixtureOption func(*config.Config, *Deps)

func withArtifacts(store commit.ArtifactStore) fixtureOption {
	return func(_ *config.Config, deps *Deps) { deps.Artifacts = store }
}

func withConfig(fn func(*config.Config)) fixtureOption {
	return func(cfg *config.Config, _ *Deps) { fn(cfg) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	clock := newTestClock()
	cfg := config.Default()
	cfg.CheckpointEvery = 0
	sessions := session.NewMemoryStore(cfg.TombstoneGrace, clock.Now)
	archive := checkpoint.NewMemoryArchive()
	deps := Deps{
		Sessions:  sessions,
		Artifacts: commit.NewMemoryStore(),
		Archive:   archive,
		Now:       clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	return &fixture{
		service:   New(cfg, deps),
		clock:     clock,
		sessions:  sessions,
		artifacts: deps.Artifacts,
		archive:   archive,
	}
}

var (
	alice = action.Actor{Kind: action.ActorUser, ID: "alice"}
	bot   = action.Actor{Kind: action.ActorAgent, ID: "layout-bot"}
)

func twoCards() *document.Document {
	doc := document.New(
		document.Node{ID: "A", Type: "card"},
		document.Node{ID: "B", Type: "card"},
	)
	return &doc
}

func (f *fixture) create(t *testing.T) SessionView {
	t.Helper()
	view, err := f.service.CreateSession(context.Background(), CreateSessionInput{TemplateID: "tpl-1", Document: twoCards()}, alice)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return view
}

func errCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

func ids(doc document.Document) []string {
	out := make([]string, 0, len(doc.Nodes))
	for _, node := range doc.Nodes {
		out = append(out, node.ID)
	}
	return out
}

func sameIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRemoveUndoRedoCommitScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)

	applied, err := f.service.ApplyAction(ctx, view.ID, action.Remove("B"), alice)
	if err != nil {
		t.Fatalf("ApplyAction() error = %v", err)
	}
	if !sameIDs(ids(applied.Document), "A") || applied.Version != 1 {
		t.Fatalf("after remove got %v at version %d", ids(applied.Document), applied.Version)
	}

	undone, err := f.service.Undo(ctx, view.ID, alice)
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if undone.Status != history.StatusOK || !sameIDs(ids(undone.Document), "A", "B") {
		t.Fatalf("after undo got %s %v", undone.Status, ids(undone.Document))
	}

	redone, err := f.service.Redo(ctx, view.ID, alice)
	if err != nil {
		t.Fatalf("Redo() error = %v", err)
	}
	if !sameIDs(ids(redone.Document), "A") || redone.Version != 3 {
		t.Fatalf("after redo got %v at version %d", ids(redone.Document), redone.Version)
	}

	result, err := f.service.Commit(ctx, view.ID, "drop B", alice)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	artifact, err := f.service.GetArtifact(ctx, result.ArtifactID)
	if err != nil {
		t.Fatalf("GetArtifact() error = %v", err)
	}
	if !sameIDs(ids(artifact.Document), "A") || artifact.Message != "drop B" || artifact.Version != 3 {
		t.Fatalf("unexpected artifact %+v", artifact)
	}

	_, err = f.service.ApplyAction(ctx, view.ID, action.Remove("A"), alice)
	if errCode(err) != CodeSessionNotFound {
		t.Fatalf("apply after commit: expected %s, got %v", CodeSessionNotFound, err)
	}
}

func TestSessionExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)

	sub, err := f.service.Attach(ctx, view.ID, alice)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if msg := <-sub.C(); msg.Type != broadcast.TypeSessionState {
		t.Fatalf("expected session-state first, got %s", msg.Type)
	}

	f.clock.Advance(61 * time.Minute)
	_, err = f.service.ApplyAction(ctx, view.ID, action.Remove("B"), alice)
	if errCode(err) != CodeSessionExpired {
		t.Fatalf("expected %s, got %v", CodeSessionExpired, err)
	}

	select {
	case msg := <-sub.C():
		if msg.Type != broadcast.TypeSessionClosed || msg.Reason != broadcast.ReasonExpired {
			t.Fatalf("expected session-closed(expired), got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber was not told about expiry")
	}
	if _, err := f.service.ResumeSession(ctx, view.ID, alice); errCode(err) != CodeSessionExpired {
		t.Fatalf("resume after expiry: expected %s, got %v", CodeSessionExpired, err)
	}
}

func TestActivityExtendsTTLUpToHardCap(t *testing.T) {
	f := newFixture(t, withConfig(func(cfg *config.Config) {
		cfg.SessionTTL = time.Hour
		cfg.SessionHardCap = 2 * time.Hour
	}))
	ctx := context.Background()
	view := f.create(t)

	for i := 0; i < 2; i++ {
		f.clock.Advance(50 * time.Minute)
		if _, err := f.service.ResumeSession(ctx, view.ID, alice); err != nil {
			t.Fatalf("resume %d: %v", i, err)
		}
	}
	f.clock.Advance(21 * time.Minute)
	if _, err := f.service.ResumeSession(ctx, view.ID, alice); errCode(err) != CodeSessionExpired {
		t.Fatalf("hard cap should expire the session, got %v", err)
	}
}

func TestRejectedActionLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)

	_, err := f.service.ApplyAction(ctx, view.ID, action.Remove("missing"), alice)
	if errCode(err) != CodeTargetNotFound {
		t.Fatalf("expected %s, got %v", CodeTargetNotFound, err)
	}
	batch := action.Batch(action.Remove("A"), action.Remove("missing"))
	if _, err := f.service.ApplyAction(ctx, view.ID, batch, alice); errCode(err) != CodeTargetNotFound {
		t.Fatalf("batch: expected %s, got %v", CodeTargetNotFound, err)
	}

	stats, err := f.service.GetStats(ctx, view.ID, alice)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Version != 0 || stats.UndoAvailable != 0 {
		t.Fatalf("rejected actions must not change state: %+v", stats)
	}
	resumed, _ := f.service.ResumeSession(ctx, view.ID, alice)
	if !sameIDs(ids(resumed.Document), "A", "B") {
		t.Fatalf("document changed: %v", ids(resumed.Document))
	}
}

func TestUndoRedoStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)

	undone, err := f.service.Undo(ctx, view.ID, alice)
	if err != nil || undone.Status != history.StatusNothingToUndo {
		t.Fatalf("Undo() = %+v, %v", undone, err)
	}
	redone, err := f.service.Redo(ctx, view.ID, alice)
	if err != nil || redone.Status != history.StatusNothingToRedo {
		t.Fatalf("Redo() = %+v, %v", redone, err)
	}

	_, _ = f.service.ApplyAction(ctx, view.ID, action.Update("A", map[string]any{"title": "one"}), alice)
	_, _ = f.service.Undo(ctx, view.ID, alice)
	_, _ = f.service.ApplyAction(ctx, view.ID, action.Update("B", map[string]any{"title": "two"}), alice)
	if redone, _ := f.service.Redo(ctx, view.ID, alice); redone.Status != history.StatusNothingToRedo {
		t.Fatalf("a new action must clear redo, got %s", redone.Status)
	}

	stats, _ := f.service.GetStats(ctx, view.ID, alice)
	if stats.OperationCount != 2 || stats.UndoCount != 1 || stats.RedoCount != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	view2, _ := f.service.GetHistory(ctx, view.ID, alice)
	if len(view2.Entries) != 1 || view2.CurrentIndex != 0 || view2.Position != history.AtHead {
		t.Fatalf("unexpected history %+v", view2)
	}
}

func TestViewerCannotEdit(t *testing.T) {
	f := newFixture(t)
	view := f.create(t)
	viewer := action.Actor{Kind: "viewer", ID: "v"}
	_, err := f.service.ApplyAction(context.Background(), view.ID, action.Remove("A"), viewer)
	if errCode(err) != CodeForbidden {
		t.Fatalf("expected %s, got %v", CodeForbidden, err)
	}
	if err := f.service.Discard(context.Background(), view.ID, bot); errCode(err) != CodeForbidden {
		t.Fatalf("agent discard: expected %s, got %v", CodeForbidden, err)
	}
}

type blockingStore struct {
	*commit.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) SaveArtifact(ctx context.Context, artifact commit.Artifact) error {
	close(b.entered)
	<-b.release
	return b.MemoryStore.SaveArtifact(ctx, artifact)
}

func TestMutationsAreBusyWhileCommitting(t *testing.T) {
	store := &blockingStore{MemoryStore: commit.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, withArtifacts(store))
	ctx := context.Background()
	view := f.create(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.service.Commit(ctx, view.ID, "ship", alice)
		done <- err
	}()
	<-store.entered

	if _, err := f.service.ApplyAction(ctx, view.ID, action.Remove("A"), alice); errCode(err) != CodeSessionBusy {
		t.Fatalf("apply during commit: expected %s, got %v", CodeSessionBusy, err)
	}
	if _, err := f.service.Commit(ctx, view.ID, "again", alice); errCode(err) != CodeSessionBusy {
		t.Fatalf("second commit: expected %s, got %v", CodeSessionBusy, err)
	}
	if err := f.service.Discard(ctx, view.ID, alice); errCode(err) != CodeSessionBusy {
		t.Fatalf("discard during commit: expected %s, got %v", CodeSessionBusy, err)
	}

	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

type failingStore struct {
	*commit.MemoryStore
	err error
}

func (f *failingStore) SaveArtifact(ctx context.Context, artifact commit.Artifact) error {
	return f.err
}

func TestCommitFailureRollsBack(t *testing.T) {
	f := newFixture(t, withArtifacts(&failingStore{MemoryStore: commit.NewMemoryStore(), err: errors.New("connection refused")}))
	ctx := context.Background()
	view := f.create(t)
	_, _ = f.service.ApplyAction(ctx, view.ID, action.Remove("B"), alice)

	_, err := f.service.Commit(ctx, view.ID, "ship", alice)
	if errCode(err) != CodeCommitFailed {
		t.Fatalf("expected %s, got %v", CodeCommitFailed, err)
	}

	resumed, err := f.service.ResumeSession(ctx, view.ID, alice)
	if err != nil {
		t.Fatalf("session must survive a failed commit: %v", err)
	}
	if resumed.State != session.StateActive || resumed.LastCommitError == "" || resumed.Version != 1 {
		t.Fatalf("unexpected session after rollback: %+v", resumed)
	}
	if undone, err := f.service.Undo(ctx, view.ID, alice); err != nil || undone.Status != history.StatusOK {
		t.Fatalf("history must be intact after rollback: %+v %v", undone, err)
	}
}

func TestCommitGateVeto(t *testing.T) {
	gate := commit.GateFunc(func(ctx context.Context, sess *session.Session) error {
		return errors.New("a title block is required")
	})
	f := newFixture(t, func(_ *config.Config, deps *Deps) { deps.Gate = gate })
	view := f.create(t)

	_, err := f.service.Commit(context.Background(), view.ID, "ship", alice)
	if errCode(err) != CodeCommitRejected {
		t.Fatalf("expected %s, got %v", CodeCommitRejected, err)
	}
	resumed, err := f.service.ResumeSession(context.Background(), view.ID, alice)
	if err != nil || resumed.State != session.StateActive {
		t.Fatalf("rejected commit must return to active: %+v %v", resumed, err)
	}
}

func TestDiscardClosesSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)
	sub, err := f.service.Attach(ctx, view.ID, bot)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	<-sub.C()

	if err := f.service.Discard(ctx, view.ID, alice); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	msg := <-sub.C()
	if msg.Type != broadcast.TypeSessionClosed || msg.Reason != broadcast.ReasonDiscarded {
		t.Fatalf("unexpected message %+v", msg)
	}
	if _, err := f.service.ResumeSession(ctx, view.ID, alice); errCode(err) != CodeSessionNotFound {
		t.Fatalf("expected %s, got %v", CodeSessionNotFound, err)
	}
	if _, found, _ := f.artifacts.FindBySessionVersion(ctx, view.ID, 0); found {
		t.Fatal("discard must not write an artifact")
	}
}

func TestBroadcastOrderFollowsVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)
	sub, err := f.service.Attach(ctx, view.ID, alice)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.service.ApplyAction(ctx, view.ID, action.Update("A", map[string]any{"n": i}), alice)
		}(i)
	}
	wg.Wait()

	state := <-sub.C()
	if state.Type != broadcast.TypeSessionState || state.Version != 0 {
		t.Fatalf("expected initial state, got %+v", state)
	}
	last := int64(0)
	for last < 8 {
		msg := <-sub.C()
		if msg.Type != broadcast.TypeOperationApplied {
			continue
		}
		if msg.ResultingVersion != last+1 {
			t.Fatalf("version %d delivered after %d", msg.ResultingVersion, last)
		}
		last = msg.ResultingVersion
	}
}

func TestSubmitManualReturnsVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)
	if _, err := f.service.ApplyAction(ctx, view.ID, action.Update("A", map[string]any{"title": "server"}), alice); err != nil {
		t.Fatalf("ApplyAction() error = %v", err)
	}

	client := document.New(
		document.Node{ID: "A", Type: "card", Props: map[string]any{"title": "client"}},
		document.Node{ID: "B", Type: "card"},
	)
	_, err := f.service.SubmitDocument(ctx, view.ID, SubmitInput{BaseVersion: 0, Document: client, Strategy: "manual"}, alice)
	if errCode(err) != CodeVersionConflict {
		t.Fatalf("expected %s, got %v", CodeVersionConflict, err)
	}
	var domainErr *DomainError
	errors.As(err, &domainErr)
	rec, ok := domainErr.Details.(conflict.Record)
	if !ok || len(rec.Conflicts) != 1 || rec.Conflicts[0].NodeID != "A" {
		t.Fatalf("unexpected conflict details %#v", domainErr.Details)
	}

	resumed, _ := f.service.ResumeSession(ctx, view.ID, alice)
	if resumed.Version != 1 {
		t.Fatalf("manual must leave the session untouched, version %d", resumed.Version)
	}
}

func TestSubmitMergeAppliesOneSidedChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)
	_, _ = f.service.ApplyAction(ctx, view.ID, action.Update("A", map[string]any{"title": "server"}), alice)

	client := document.New(
		document.Node{ID: "A", Type: "card"},
		document.Node{ID: "B", Type: "card"},
		document.Node{ID: "C", Type: "card"},
	)
	result, err := f.service.SubmitDocument(ctx, view.ID, SubmitInput{BaseVersion: 0, Document: client}, alice)
	if err != nil {
		t.Fatalf("SubmitDocument() error = %v", err)
	}
	if !sameIDs(ids(result.Document), "A", "B", "C") || result.Version != 2 {
		t.Fatalf("unexpected merge result %v at %d", ids(result.Document), result.Version)
	}
	if got := result.Document.Nodes[0].Props["title"]; got != "server" {
		t.Fatalf("server change lost, title = %v", got)
	}
	if result.Conflict == nil || len(result.Conflict.Conflicts) != 0 {
		t.Fatalf("expected a clean merge record, got %+v", result.Conflict)
	}

	hist, _ := f.service.GetHistory(ctx, view.ID, alice)
	if last := hist.Entries[len(hist.Entries)-1]; last.Kind != history.KindUserEdit {
		t.Fatalf("submit should record a user edit, got %s", last.Kind)
	}
}

func TestSubmitMergeAfterUndoUsesThreeWay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)
	if _, err := f.service.ApplyAction(ctx, view.ID, action.Update("A", map[string]any{"title": "draft"}), alice); err != nil {
		t.Fatalf("ApplyAction() error = %v", err)
	}
	undone, err := f.service.Undo(ctx, view.ID, alice)
	if err != nil || undone.Version != 2 {
		t.Fatalf("Undo() = %+v, %v", undone, err)
	}
	if _, err := f.service.ApplyAction(ctx, view.ID, action.Update("B", map[string]any{"title": "server"}), alice); err != nil {
		t.Fatalf("ApplyAction() error = %v", err)
	}

	client := undone.Document.Clone()
	client.Nodes = append(client.Nodes, document.Node{ID: "C", Type: "card"})
	result, err := f.service.SubmitDocument(ctx, view.ID, SubmitInput{BaseVersion: undone.Version, Document: client, Strategy: "merge"}, alice)
	if err != nil {
		t.Fatalf("SubmitDocument() error = %v", err)
	}
	if result.Conflict == nil || result.Conflict.TwoWay || len(result.Conflict.Conflicts) != 0 {
		t.Fatalf("expected a clean three-way merge, got %+v", result.Conflict)
	}
	if !sameIDs(ids(result.Document), "A", "B", "C") || result.Version != 4 {
		t.Fatalf("unexpected merge result %v at %d", ids(result.Document), result.Version)
	}
	if got := result.Document.Nodes[1].Props["title"]; got != "server" {
		t.Fatalf("server change lost, title = %v", got)
	}
}

func TestSubmitRejectsFutureBaseVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)
	applied, err := f.service.ApplyAction(ctx, view.ID, action.Update("A", map[string]any{"title": "server"}), alice)
	if err != nil {
		t.Fatalf("ApplyAction() error = %v", err)
	}

	client := document.New(document.Node{ID: "Z", Type: "card"})
	for _, strategy := range []string{"manual", "merge"} {
		_, err = f.service.SubmitDocument(ctx, view.ID, SubmitInput{BaseVersion: 99, Document: client, Strategy: strategy}, alice)
		if errCode(err) != CodeVersionConflict {
			t.Fatalf("%s: expected %s, got %v", strategy, CodeVersionConflict, err)
		}
	}

	resumed, _ := f.service.ResumeSession(ctx, view.ID, alice)
	if resumed.Version != applied.Version || !document.Equal(resumed.Document, applied.Document) {
		t.Fatalf("future base must leave the session untouched, version %d docs %v", resumed.Version, ids(resumed.Document))
	}
}

func TestClientWinsRequiresForceOverwrite(t *testing.T) {
	f := newFixture(t)
	view := f.create(t)
	_, err := f.service.SubmitDocument(context.Background(), view.ID, SubmitInput{Document: *twoCards(), Strategy: "client-wins"}, bot)
	if errCode(err) != CodeForbidden {
		t.Fatalf("expected %s, got %v", CodeForbidden, err)
	}
	_, err = f.service.SubmitDocument(context.Background(), view.ID, SubmitInput{Document: *twoCards(), Strategy: "latest"}, alice)
	if errCode(err) != CodeValidation {
		t.Fatalf("unknown strategy: expected %s, got %v", CodeValidation, err)
	}
}

func TestCheckpointsByCountTimerAndName(t *testing.T) {
	f := newFixture(t, withConfig(func(cfg *config.Config) {
		cfg.CheckpointEvery = 2
		cfg.CheckpointKeep = 3
	}))
	ctx := context.Background()
	view := f.create(t)

	for i := 0; i < 2; i++ {
		if _, err := f.service.ApplyAction(ctx, view.ID, action.Update("A", map[string]any{"n": i}), alice); err != nil {
			t.Fatalf("ApplyAction() error = %v", err)
		}
	}
	items, _ := f.service.ListCheckpoints(ctx, view.ID, alice)
	if len(items) != 1 || items[0].Version != 2 {
		t.Fatalf("expected one checkpoint at version 2, got %+v", items)
	}

	scheduler := f.service.Scheduler()
	if written := scheduler.Tick(ctx); written != 0 {
		t.Fatalf("idle session should not be checkpointed, wrote %d", written)
	}
	_, _ = f.service.ApplyAction(ctx, view.ID, action.Remove("B"), alice)
	if written := scheduler.Tick(ctx); written != 1 {
		t.Fatalf("expected one timed checkpoint, wrote %d", written)
	}

	named, err := f.service.CreateCheckpoint(ctx, view.ID, "before review", alice)
	if err != nil || named.Name != "before review" {
		t.Fatalf("CreateCheckpoint() = %+v, %v", named, err)
	}
	_, _ = f.service.CreateCheckpoint(ctx, view.ID, "again", alice)
	items, _ = f.service.ListCheckpoints(ctx, view.ID, alice)
	if len(items) != 3 || items[0].Version != 3 {
		t.Fatalf("retention should keep the newest 3, got %+v", items)
	}

	f.service.Close()
	mirrored, err := f.archive.List(ctx, view.ID)
	if err != nil || len(mirrored) != 4 {
		t.Fatalf("expected 4 mirrored checkpoints, got %d (%v)", len(mirrored), err)
	}

	doc, equal, err := f.service.Recompute(ctx, view.ID)
	if err != nil || !equal || !sameIDs(ids(doc), "A") {
		t.Fatalf("Recompute() = %v, %v, %v", ids(doc), equal, err)
	}
}

func TestSchedulerDropsEndedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)
	if err := f.service.Discard(ctx, view.ID, alice); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	f.service.Scheduler().Track(view.ID)
	f.service.Scheduler().Tick(ctx)
	if tracked := f.service.Scheduler().Tracked(); len(tracked) != 0 {
		t.Fatalf("ended session still tracked: %v", tracked)
	}
}

func TestAgentAndWorkflowConsumers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t)

	regenerated := document.New(document.Node{ID: "Z", Type: "hero"})
	out, err := f.service.ConsumeAgentOutput(ctx, AgentOutput{SessionID: view.ID, AgentID: "layout-bot", Document: regenerated})
	if err != nil || !out.Changed {
		t.Fatalf("ConsumeAgentOutput() = %+v, %v", out, err)
	}

	stage := WorkflowStage{
		SessionID: view.ID,
		Stage:     "Realization",
		RunID:     "run-7",
		Actions:   []action.Action{action.Append("", document.Node{ID: "Y", Type: "footer"})},
	}
	res, err := f.service.ConsumeWorkflowStage(ctx, stage)
	if err != nil || !sameIDs(ids(res.Document), "Z", "Y") {
		t.Fatalf("ConsumeWorkflowStage() = %v, %v", ids(res.Document), err)
	}

	hist, _ := f.service.GetHistory(ctx, view.ID, alice)
	if len(hist.Entries) != 2 ||
		hist.Entries[0].Kind != history.KindExternalRegeneration ||
		hist.Entries[1].Kind != history.KindAutomatedEdit ||
		hist.Entries[1].Actor.Kind != action.ActorWorkflow {
		t.Fatalf("unexpected history %+v", hist.Entries)
	}

	_, _ = f.service.Undo(ctx, view.ID, alice)
	undone, _ := f.service.Undo(ctx, view.ID, alice)
	if !sameIDs(ids(undone.Document), "A", "B") {
		t.Fatalf("regeneration must be undoable, got %v", ids(undone.Document))
	}

	if _, err := f.service.ConsumeWorkflowStage(ctx, WorkflowStage{SessionID: view.ID, Stage: "launch"}); errCode(err) != CodeValidation {
		t.Fatalf("unknown stage: expected %s, got %v", CodeValidation, err)
	}
}

func TestCreateSessionFromLatestTemplateArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t)
	_, _ = f.service.ApplyAction(ctx, first.ID, action.Remove("A"), alice)
	if _, err := f.service.Commit(ctx, first.ID, "v1", alice); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	second, err := f.service.CreateSession(ctx, CreateSessionInput{TemplateID: "tpl-1"}, alice)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if !sameIDs(ids(second.Document), "B") {
		t.Fatalf("expected template document [B], got %v", ids(second.Document))
	}

	fresh, err := f.service.CreateSession(ctx, CreateSessionInput{TemplateID: "tpl-new"}, alice)
	if err != nil || len(fresh.Document.Nodes) != 0 {
		t.Fatalf("unknown template should start empty: %+v %v", fresh, err)
	}

	listed, err := f.service.ListSessions(ctx, "alice")
	if err != nil || len(listed) != 2 {
		t.Fatalf("ListSessions() = %d, %v", len(listed), err)
	}
}

func TestSweepIdlesExpiresAndSettles(t *testing.T) {
	f := newFixture(t, withConfig(func(cfg *config.Config) {
		cfg.IdleAfter = 5 * time.Minute
		cfg.CommitTimeout = time.Second
	}))
	ctx := context.Background()
	quiet := f.create(t)
	stuck := f.create(t)

	sess, _ := f.sessions.Load(ctx, stuck.ID)
	expected := sess.Revision
	if err := f.service.commits.Begin(sess, f.clock.Now()); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := f.sessions.Save(ctx, sess, expected); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	artifact := commit.NewArtifact(sess, "written before crash", alice, f.clock.Now())
	if err := f.artifacts.SaveArtifact(ctx, artifact); err != nil {
		t.Fatalf("SaveArtifact() error = %v", err)
	}

	f.clock.Advance(6 * time.Minute)
	if err := f.service.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	loaded, _ := f.sessions.Load(ctx, quiet.ID)
	if loaded.State != session.StateIdle {
		t.Fatalf("expected idle, got %s", loaded.State)
	}
	if _, err := f.service.ResumeSession(ctx, stuck.ID, alice); errCode(err) != CodeSessionNotFound {
		t.Fatalf("settled commit should remove the session, got %v", err)
	}

	resumed, err := f.service.ResumeSession(ctx, quiet.ID, alice)
	if err != nil || resumed.State != session.StateActive {
		t.Fatalf("activity should reactivate an idle session: %+v %v", resumed, err)
	}

	f.clock.Advance(90 * time.Minute)
	_ = f.service.Sweep(ctx)
	loaded, err = f.sessions.Load(ctx, quiet.ID)
	if err != nil || loaded.State != session.StateExpired {
		t.Fatalf("expected expired tombstone, got %+v %v", loaded, err)
	}
}

func lockRefs(s *Service, id string) int {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if lock, ok := s.locks[id]; ok {
		return lock.refs
	}
	return 0
}

func waitForLockRefs(t *testing.T, s *Service, id string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for lockRefs(s, id) != want {
		if time.Now().After(deadline) {
			t.Fatalf("lock refs = %d, want %d", lockRefs(s, id), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionLockHeldAcrossClose(t *testing.T) {
	f := newFixture(t)
	view := f.create(t)

	release := f.service.lockSession(view.ID)
	acquired := make(chan func(), 2)
	go func() { acquired <- f.service.lockSession(view.ID) }()
	waitForLockRefs(t, f.service, view.ID, 2)

	f.service.closeSession(view.ID, broadcast.ReasonDiscarded)
	go func() { acquired <- f.service.lockSession(view.ID) }()
	waitForLockRefs(t, f.service, view.ID, 3)

	select {
	case <-acquired:
		t.Fatal("lock handed out while still held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	next := <-acquired
	select {
	case <-acquired:
		t.Fatal("two holders of one session lock")
	case <-time.After(50 * time.Millisecond):
	}
	next()
	(<-acquired)()

	if refs := lockRefs(f.service, view.ID); refs != 0 {
		t.Fatalf("lock entry should be released, refs = %d", refs)
	}
	f.service.lockMu.Lock()
	remaining := len(f.service.locks)
	f.service.lockMu.Unlock()
	if remaining != 0 {
		t.Fatalf("lock table should be empty, has %d entries", remaining)
	}
}
