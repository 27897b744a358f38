package lockout

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps a counter and slides its expiry in one round trip.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return n
`)

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client  redis.Cmdable
	scripts bool
}

// RedisOption configures RedisCache.
type RedisOption func(*RedisCache)

// WithoutScripts replaces the Lua increment with GET then SET for servers
// that reject EVAL. Concurrent failures may undercount by one.
func WithoutScripts() RedisOption {
	return func(c *RedisCache) { c.scripts = false }
}

// NewRedisCache wraps a go-redis client.
func NewRedisCache(client redis.Cmdable, opts ...RedisOption) *RedisCache {
	c := &RedisCache{client: client, scripts: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if c.scripts {
		return incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64()
	}
	cur, err := c.client.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	next := cur + 1
	if err := c.client.Set(ctx, key, next, window).Err(); err != nil {
		return 0, err
	}
	return next, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
