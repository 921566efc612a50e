package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goliatone/go-accounts"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ accounts.LoginThrottle  = (*Throttle)(nil)
	_ accounts.RevocationList = (*RevocationList)(nil)
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestThrottleBucket(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	throttle := NewThrottle(client, "test", 3, 3*time.Second).
		WithClock(func() time.Time { return now })

	key := accounts.ThrottleKey("User@Example.com", "10.0.0.1")

	for i := 0; i < 3; i++ {
		ok, err := throttle.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
	}

	ok, err := throttle.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := throttle.Allow(ctx, accounts.ThrottleKey("other@example.com", "10.0.0.1"))
	require.NoError(t, err)
	assert.True(t, other)

	now = now.Add(time.Second)
	ok, err = throttle.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = throttle.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, throttle.Reset(ctx, key))
	ok, err = throttle.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestThrottleReportsConnectionErrors(t *testing.T) {
	mr, client := newTestClient(t)
	mr.Close()

	_, err := NewThrottle(client, "test", 3, time.Second).Allow(context.Background(), "k")
	require.Error(t, err)
}

func TestRevocationList(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()

	list := NewRevocationList(client, "test")

	revoked, err := list.IsRevoked(ctx, "session-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, list.Revoke(ctx, "session-1", time.Now().Add(time.Hour)))
	revoked, err = list.IsRevoked(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Hour)
	revoked, err = list.IsRevoked(ctx, "session-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeIgnoresExpiredSessions(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()

	list := NewRevocationList(client, "test")
	require.NoError(t, list.Revoke(ctx, "old", time.Now().Add(-time.Minute)))
	require.NoError(t, list.Revoke(ctx, "", time.Now().Add(time.Hour)))

	assert.Empty(t, mr.Keys())
}
