package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryStore_FourthRequestInWindowRejected(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(3, time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := store.Check(ctx, "user@example.com")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
		clock.Advance(10 * time.Minute)
	}

	d, err := store.Check(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// Oldest hit was 30 minutes ago, so it leaves the window in 30 minutes.
	assert.Equal(t, 30*time.Minute, d.RetryAfter)
}

func TestMemoryStore_AllowsAfterOldestLeavesWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(3, time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Check(ctx, "user@example.com")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	clock.t = time.Date(2026, 3, 1, 10, 0, 0, 1, time.UTC)
	d, err := store.Check(ctx, "user@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryStore_KeysAreIndependent(t *testing.T) {
	store := NewMemoryStore(1, time.Hour)
	ctx := context.Background()

	d, _ := store.Check(ctx, "a@example.com")
	assert.True(t, d.Allowed)
	d, _ = store.Check(ctx, "a@example.com")
	assert.False(t, d.Allowed)
	d, _ = store.Check(ctx, "b@example.com")
	assert.True(t, d.Allowed)
}

func TestMemoryStore_RejectedRequestsAreNotRecorded(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(1, time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	_, _ = store.Check(ctx, "k")
	for i := 0; i < 5; i++ {
		clock.Advance(5 * time.Minute)
		d, _ := store.Check(ctx, "k")
		assert.False(t, d.Allowed)
	}

	clock.Advance(40 * time.Minute)
	d, _ := store.Check(ctx, "k")
	assert.True(t, d.Allowed)
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(3, time.Hour).WithClock(clock.Now)
	ctx := context.Background()

	_, _ = store.Check(ctx, "idle")
	clock.Advance(30 * time.Minute)
	_, _ = store.Check(ctx, "active")
	clock.Advance(45 * time.Minute)

	assert.Equal(t, 1, store.Sweep())
	assert.Len(t, store.entries, 1)
	assert.Contains(t, store.entries, "active")
}
