package csrf

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "csrf:"

// RedisStore keeps tokens in Redis under csrf:<session>.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (string, error) {
	v, err := r.client.Get(ctx, keyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoSession
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	return r.client.Set(ctx, keyPrefix+sessionID, token, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, keyPrefix+sessionID).Err()
}

type memToken struct {
	value   string
	expires time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]memToken
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]memToken), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[sessionID]
	if !ok {
		return "", ErrNoSession
	}
	if !t.expires.IsZero() && !m.now().Before(t.expires) {
		delete(m.tokens, sessionID)
		return "", ErrNoSession
	}
	return t.value, nil
}

func (m *MemoryStore) Set(_ context.Context, sessionID, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := memToken{value: token}
	if ttl > 0 {
		t.expires = m.now().Add(ttl)
	}
	m.tokens[sessionID] = t
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, sessionID)
	return nil
}
