package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON record per session with a key expiry that tracks
// the session TTL, an owner index set and a set of live session ids.
type RedisStore struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
	closed atomic.Bool
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithGrace sets how long an expired session stays readable as expired.
func WithGrace(grace time.Duration) RedisOption {
	return func(s *RedisStore) { s.grace = grace }
}

func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string, opts ...RedisOption) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts...), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
		grace:  DefaultGrace,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client exposes the underlying connection for components sharing it (pub/sub relay).
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) key(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisStore) ownerKey(owner string) string {
	return s.prefix + "owner:" + owner
}

func (s *RedisStore) activeKey() string {
	return s.prefix + "sessions"
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess *Session, expectedRevision int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	key := s.key(sess.ID)
	sess.Revision = expectedRevision + 1
	payload, err := json.Marshal(sess)
	if err != nil {
		sess.Revision = expectedRevision
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := keyTTL(sess, s.now(), s.grace)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := storedRevision(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != expectedRevision {
			if current == 0 {
				return fmt.Errorf("%w: %s", ErrNotFound, sess.ID)
			}
			return ErrRevisionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			if sess.Owner != "" {
				pipe.SAdd(ctx, s.ownerKey(sess.Owner), sess.ID)
			}
			pipe.SAdd(ctx, s.activeKey(), sess.ID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrRevisionConflict
	}
	if err != nil {
		sess.Revision = expectedRevision
		if errors.Is(err, ErrRevisionConflict) || errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// storedRevision reads only the revision of the stored record; zero when absent.
func storedRevision(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read session revision: %w", err)
	}
	var head struct {
		Revision int64 `json:"revision"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, fmt.Errorf("unmarshal session revision: %w", err)
	}
	return head.Revision, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	sess, err := s.Load(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.SRem(ctx, s.activeKey(), id)
		if sess != nil && sess.Owner != "" {
			pipe.SRem(ctx, s.ownerKey(sess.Owner), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListByOwner returns the owner's live sessions, pruning index entries whose
// record has expired out of Redis.
func (s *RedisStore) ListByOwner(ctx context.Context, owner string) ([]*Session, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ids, err := s.client.SMembers(ctx, s.ownerKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("list owner sessions: %w", err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load owner sessions: %w", err)
	}
	out := make([]*Session, 0, len(values))
	var stale []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var sess Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session %s: %w", ids[i], err)
		}
		out = append(out, &sess)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.ownerKey(owner), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune owner index: %w", err)
		}
	}
	return out, nil
}

// ListActive returns ids of sessions whose record still exists.
func (s *RedisStore) ListActive(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	pipe := s.client.Pipeline()
	checks := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.Exists(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check active sessions: %w", err)
	}
	live := make([]string, 0, len(ids))
	var stale []any
	for i, check := range checks {
		if check.Val() == 1 {
			live = append(live, ids[i])
		} else {
			stale = append(stale, ids[i])
		}
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.activeKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune active index: %w", err)
		}
	}
	return live, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
