package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"draftsync/internal/session"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive mirrors checkpoints outside the session store.
type Archive interface {
	Put(ctx context.Context, sessionID string, cp session.Checkpoint) error
	List(ctx context.Context, sessionID string) ([]session.Checkpoint, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioArchive stores each checkpoint as checkpoints/{session}/{id}.json.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

func NewMinioArchive(ctx context.Context, cfg MinioConfig) (*MinioArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check checkpoint bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create checkpoint bucket: %w", err)
		}
	}
	return &MinioArchive{client: client, bucket: cfg.Bucket}, nil
}

func objectPrefix(sessionID string) string {
	return "checkpoints/" + sessionID + "/"
}

func (a *MinioArchive) Put(ctx context.Context, sessionID string, cp session.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	name := objectPrefix(sessionID) + cp.ID + ".json"
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

func (a *MinioArchive) List(ctx context.Context, sessionID string) ([]session.Checkpoint, error) {
	var out []session.Checkpoint
	for info := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: objectPrefix(sessionID), Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", info.Err)
		}
		obj, err := a.client.GetObject(ctx, a.bucket, info.Key, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("get checkpoint: %w", err)
		}
		raw, err := io.ReadAll(obj)
		obj.Close()
		if err != nil {
			return nil, fmt.Errorf("read checkpoint: %w", err)
		}
		var cp session.Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint %s: %w", info.Key, err)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (a *MinioArchive) DeleteSession(ctx context.Context, sessionID string) error {
	objects := a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: objectPrefix(sessionID), Recursive: true})
	var failed []string
	for rerr := range a.client.RemoveObjects(ctx, a.bucket, objects, minio.RemoveObjectsOptions{}) {
		failed = append(failed, fmt.Sprintf("%s: %v", rerr.ObjectName, rerr.Err))
	}
	if len(failed) > 0 {
		return fmt.Errorf("remove checkpoints: %s", strings.Join(failed, "; "))
	}
	return nil
}

// MemoryArchive keeps mirrored checkpoints in process.
type MemoryArchive struct {
	mu   sync.Mutex
	data map[string][]session.Checkpoint
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{data: make(map[string][]session.Checkpoint)}
}

func (a *MemoryArchive) Put(ctx context.Context, sessionID string, cp session.Checkpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[sessionID] = append(a.data[sessionID], cp)
	return nil
}

func (a *MemoryArchive) List(ctx context.Context, sessionID string) ([]session.Checkpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]session.Checkpoint(nil), a.data[sessionID]...), nil
}

func (a *MemoryArchive) DeleteSession(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.data, sessionID)
	return nil
}

// Mirror writes to an archive off the caller's path.
type Mirror struct {
	archive Archive
	wg      sync.WaitGroup
}

func NewMirror(archive Archive) *Mirror {
	return &Mirror{archive: archive}
}

func (m *Mirror) Put(sessionID string, cp session.Checkpoint) {
	if m == nil || m.archive == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.archive.Put(context.Background(), sessionID, cp); err != nil {
			log.Printf("checkpoint: mirror %s/%s: %v", sessionID, cp.ID, err)
		}
	}()
}

func (m *Mirror) Forget(sessionID string) {
	if m == nil || m.archive == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.archive.DeleteSession(context.Background(), sessionID); err != nil {
			log.Printf("checkpoint: drop mirror %s: %v", sessionID, err)
		}
	}()
}

// Wait blocks until in-flight mirror writes finish.
func (m *Mirror) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}
