package checkpoint

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"draftsync/internal/document"
	"draftsync/internal/session"

	"github.com/stretchr/testify/require"
)

func newSession() *session.Session {
	return session.New(session.Options{
		ID:       "ses_cp",
		Owner:    "owner",
		Document: document.New(document.Node{ID: "A", Type: "card"}),
		Now:      time.Now(),
	})
}

func TestCaptureEvictsBeyondRetention(t *testing.T) {
	sess := newSession()
	for i := 0; i < 12; i++ {
		sess.OperationCount++
		sess.OpsSinceCheckpoint++
		Capture(sess, fmt.Sprintf("cp-%d", i), time.Now(), 10)
	}
	require.Len(t, sess.Checkpoints, 10)
	require.Equal(t, "cp-2", sess.Checkpoints[0].Name)
	require.Equal(t, "cp-11", sess.Checkpoints[9].Name)
	require.Equal(t, int64(12), sess.Checkpoints[9].OperationCount)
	require.Zero(t, sess.OpsSinceCheckpoint)
	require.False(t, Due(sess))
}

func TestCaptureCopiesDocument(t *testing.T) {
	sess := newSession()
	cp, _ := Capture(sess, "", time.Now(), 10)
	sess.Document.Nodes[0].Type = "changed"
	require.Equal(t, "card", cp.Document.Nodes[0].Type)
}

type fakeCapturer struct {
	mu    sync.Mutex
	ops   map[string]int
	calls []string
}

func (f *fakeCapturer) CaptureCheckpoint(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	ops, ok := f.ops[id]
	if !ok {
		return false, fmt.Errorf("capture: %w", session.ErrNotFound)
	}
	if ops == 0 {
		return false, nil
	}
	f.ops[id] = 0
	return true, nil
}

func TestTickSkipsIdleAndUntracksGone(t *testing.T) {
	capturer := &fakeCapturer{ops: map[string]int{"busy": 3, "idle": 0}}
	s := NewScheduler(capturer, time.Hour)
	s.Track("busy")
	s.Track("idle")
	s.Track("gone")

	require.Equal(t, 1, s.Tick(context.Background()))
	require.ElementsMatch(t, []string{"busy", "idle"}, s.Tracked())
	require.Equal(t, 0, s.Tick(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	capturer := &fakeCapturer{ops: map[string]int{"busy": 1}}
	s := NewScheduler(capturer, 5*time.Millisecond)
	s.Track("busy")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		capturer.mu.Lock()
		defer capturer.mu.Unlock()
		return len(capturer.calls) > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestMirrorWritesAsync(t *testing.T) {
	archive := NewMemoryArchive()
	mirror := NewMirror(archive)
	sess := newSession()
	cp, _ := Capture(sess, "manual", time.Now(), 10)

	mirror.Put(sess.ID, cp)
	mirror.Wait()
	list, err := archive.List(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	mirror.Forget(sess.ID)
	mirror.Wait()
	list, _ = archive.List(context.Background(), sess.ID)
	require.Empty(t, list)
}

func TestMinioArchiveIntegration(t *testing.T) {
	endpoint := os.Getenv("TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_MINIO_ENDPOINT not set")
	}
	ctx := context.Background()
	archive, err := NewMinioArchive(ctx, MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("TEST_MINIO_SECRET_KEY"),
		Bucket:    "draftsync-test",
	})
	require.NoError(t, err)

	sess := newSession()
	sess.ID = fmt.Sprintf("ses_it_%d", time.Now().UnixNano())
	cp, _ := Capture(sess, "it", time.Now(), 10)
	require.NoError(t, archive.Put(ctx, sess.ID, cp))

	list, err := archive.List(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, document.Equal(cp.Document, list[0].Document))

	require.NoError(t, archive.DeleteSession(ctx, sess.ID))
	list, err = archive.List(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, list)
}
