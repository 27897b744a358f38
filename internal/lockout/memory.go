package lockout

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time
}

// MemoryCache is a process-local Cache for single-instance deployments and
// development. It offers no sharing between replicas.
type MemoryCache struct {
	mu   sync.Mutex
	data map[string]memEntry
	now  func() time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string]memEntry), now: time.Now}
}

func (c *MemoryCache) load(key string) (memEntry, bool) {
	e, ok := c.data[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if e, ok := c.load(key); ok {
		cur, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = cur
	}
	n++
	c.data[key] = memEntry{value: strconv.FormatInt(n, 10), expires: c.now().Add(window)}
	return n, nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.load(key)
	return e.value, ok, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.data[key] = e
	return nil
}

func (c *MemoryCache) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}
