package csrf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mini
}

func TestIssueValidateRotate(t *testing.T) {
	store, mini := newRedis(t)
	svc := New(store, WithTTL(time.Hour))
	ctx := context.Background()
	sid := NewSessionID()

	first, err := svc.Issue(ctx, sid)
	require.NoError(t, err)
	assert.Len(t, first, 43)
	assert.Equal(t, time.Hour, mini.TTL(keyPrefix+sid))

	require.NoError(t, svc.Validate(ctx, sid, first))

	second, err := svc.Rotate(ctx, sid)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	assert.ErrorIs(t, svc.Validate(ctx, sid, first), ErrTokenMismatch, "rotated token is single use")
	require.NoError(t, svc.Validate(ctx, sid, second))
}

func TestValidateRejections(t *testing.T) {
	store, _ := newRedis(t)
	svc := New(store)
	ctx := context.Background()
	sid := NewSessionID()
	token, err := svc.Issue(ctx, sid)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Validate(ctx, sid, ""), ErrMissingToken)
	assert.ErrorIs(t, svc.Validate(ctx, "", token), ErrMissingToken)
	assert.ErrorIs(t, svc.Validate(ctx, sid, token+"x"), ErrTokenMismatch)
	assert.ErrorIs(t, svc.Validate(ctx, NewSessionID(), token), ErrTokenMismatch, "tokens are bound to their session")
}

func TestTokenExpires(t *testing.T) {
	store, mini := newRedis(t)
	svc := New(store, WithTTL(time.Minute))
	ctx := context.Background()
	sid := NewSessionID()
	token, err := svc.Issue(ctx, sid)
	require.NoError(t, err)

	mini.FastForward(2 * time.Minute)
	assert.ErrorIs(t, svc.Validate(ctx, sid, token), ErrTokenMismatch)
}

func TestRevoke(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()
	sid := NewSessionID()
	token, err := svc.Issue(ctx, sid)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, sid))
	assert.ErrorIs(t, svc.Validate(ctx, sid, token), ErrTokenMismatch)
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	svc := New(store, WithTTL(time.Minute))
	ctx := context.Background()

	token, err := svc.Issue(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, svc.Validate(ctx, "s1", token))

	now = now.Add(time.Minute)
	assert.ErrorIs(t, svc.Validate(ctx, "s1", token), ErrTokenMismatch)
}

func TestStoreFailureIsNotMismatch(t *testing.T) {
	store, mini := newRedis(t)
	svc := New(store, WithTimeout(100*time.Millisecond))
	mini.Close()

	err := svc.Validate(context.Background(), "s1", "token")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTokenMismatch))

	_, err = svc.Issue(context.Background(), "s1")
	assert.Error(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestIssueFailsWithoutEntropy(t *testing.T) {
	svc := New(NewMemoryStore(), WithRandom(failingReader{}))
	_, err := svc.Issue(context.Background(), "s1")
	assert.ErrorContains(t, err, "entropy exhausted")
}
