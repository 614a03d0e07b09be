package session

import (
	"context"
	"testing"
	"time"

	xerrors "fieldops-security/internal/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStoreCacheAndRevoke(t *testing.T) {
	_, rdb := newMiniRedisClient(t)
	store := NewStore(rdb)
	ctx := context.Background()

	_, err := store.Get(ctx, "tok")
	require.ErrorIs(t, err, xerrors.ErrNotFound)

	data := SessionData{SessionID: "s1", UserID: "u1", Roles: []string{"agent"}}
	require.NoError(t, store.Cache(ctx, "tok", data, time.Hour))

	got, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)

	require.NoError(t, store.Revoke(ctx, "tok", time.Hour))
	revoked, err := store.IsRevoked(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = store.Get(ctx, "tok")
	require.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestAllowActivityWriteThrottles(t *testing.T) {
	mr, rdb := newMiniRedisClient(t)
	store := NewStore(rdb)
	ctx := context.Background()

	ok, err := store.AllowActivityWrite(ctx, "tok", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AllowActivityWrite(ctx, "tok", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = store.AllowActivityWrite(ctx, "tok", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterWindow(t *testing.T) {
	mr, rdb := newMiniRedisClient(t)
	limiter := NewRateLimiter(rdb, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.CheckLoginAttempt(ctx, "41.90.64.1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, retryAfter, err := limiter.CheckLoginAttempt(ctx, "41.90.64.1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	mr.FastForward(61 * time.Second)

	allowed, _, err = limiter.CheckLoginAttempt(ctx, "41.90.64.1")
	require.NoError(t, err)
	assert.True(t, allowed)
}
