package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryRecord struct {
	payload  []byte
	owner    string
	deadline time.Time
	revision int64
}

// MemoryStore is a single-process Store. Records are kept encoded so callers
// never share memory with the stored copy.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	grace   time.Duration
	now     func() time.Time
}

func NewMemoryStore(grace time.Duration, now func() time.Time) *MemoryStore {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{records: make(map[string]memoryRecord), grace: grace, now: now}
}

// live returns the record unless its deadline passed; caller holds mu.
func (m *MemoryStore) live(id string) (memoryRecord, bool) {
	rec, ok := m.records[id]
	if !ok {
		return memoryRecord{}, false
	}
	if !m.now().Before(rec.deadline) {
		delete(m.records, id)
		return memoryRecord{}, false
	}
	return rec, true
}

func (m *MemoryStore) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	rec, ok := m.live(id)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var sess Session
	if err := json.Unmarshal(rec.payload, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (m *MemoryStore) Save(ctx context.Context, sess *Session, expectedRevision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.live(sess.ID)
	switch {
	case !exists && expectedRevision != 0:
		return fmt.Errorf("%w: %s", ErrNotFound, sess.ID)
	case exists && current.revision != expectedRevision:
		return ErrRevisionConflict
	}

	sess.Revision = expectedRevision + 1
	payload, err := json.Marshal(sess)
	if err != nil {
		sess.Revision = expectedRevision
		return fmt.Errorf("marshal session: %w", err)
	}
	now := m.now()
	m.records[sess.ID] = memoryRecord{
		payload:  payload,
		owner:    sess.Owner,
		deadline: now.Add(keyTTL(sess, now, m.grace)),
		revision: sess.Revision,
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]*Session, error) {
	m.mu.Lock()
	var payloads [][]byte
	for id, rec := range m.records {
		if rec.owner != owner {
			continue
		}
		if _, ok := m.live(id); ok {
			payloads = append(payloads, rec.payload)
		}
	}
	m.mu.Unlock()

	out := make([]*Session, 0, len(payloads))
	for _, payload := range payloads {
		var sess Session
		if err := json.Unmarshal(payload, &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, &sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		if _, ok := m.live(id); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
