package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, limit int, window time.Duration) (*RedisStore, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewRedisStore(client, "test:ratelimit:", limit, window)
	store.now = clock.Now
	return store, mr, clock
}

func TestRedisStore_FourthRequestInWindowRejected(t *testing.T) {
	store, mr, clock := newRedisStore(t, 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := store.Check(ctx, "magic-link:user@example.com")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
		clock.Advance(10 * time.Minute)
	}

	d, err := store.Check(ctx, "magic-link:user@example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Minute, d.RetryAfter)

	members, err := mr.ZMembers("test:ratelimit:magic-link:user@example.com")
	require.NoError(t, err)
	assert.Len(t, members, 3, "rejected requests are not recorded")
	assert.Equal(t, time.Hour, mr.TTL("test:ratelimit:magic-link:user@example.com"))
}

func TestRedisStore_AllowsAfterOldestLeavesWindow(t *testing.T) {
	store, _, clock := newRedisStore(t, 3, time.Hour)
	ctx := context.Background()
	start := clock.t

	for i := 0; i < 3; i++ {
		_, err := store.Check(ctx, "k")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	clock.t = start.Add(time.Hour - time.Millisecond)
	d, err := store.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Millisecond, d.RetryAfter)

	clock.t = start.Add(time.Hour)
	d, err = store.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestRedisStore_KeysAreIndependent(t *testing.T) {
	store, _, _ := newRedisStore(t, 1, time.Hour)
	ctx := context.Background()

	d, err := store.Check(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = store.Check(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = store.Check(ctx, "b@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisStore_ConnectionError(t *testing.T) {
	store, mr, _ := newRedisStore(t, 3, time.Hour)
	mr.Close()

	_, err := store.Check(context.Background(), "k")
	assert.ErrorContains(t, err, "rate limit check")
}
