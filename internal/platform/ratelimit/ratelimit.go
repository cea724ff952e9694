// Package ratelimit provides keyed sliding-window limiters behind a small
// Store interface, so a single process can keep counters in memory while a
// clustered deployment shares them through Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Store records a request for key and decides whether it is allowed.
type Store interface {
	Check(ctx context.Context, key string) (Decision, error)
}

// MemoryStore keeps a trailing window of request timestamps per key.
type MemoryStore struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string][]time.Time
}

func NewMemoryStore(limit int, window time.Duration) *MemoryStore {
	return &MemoryStore{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source. Tests use it to move through windows
// without sleeping.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Check(_ context.Context, key string) (Decision, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := prune(s.entries[key], now.Add(-s.window))
	if len(hits) >= s.limit {
		s.entries[key] = hits
		return Decision{
			Allowed:    false,
			RetryAfter: hits[0].Add(s.window).Sub(now),
		}, nil
	}

	hits = append(hits, now)
	s.entries[key] = hits
	return Decision{Allowed: true, Remaining: s.limit - len(hits)}, nil
}

// prune drops timestamps at or before cutoff. hits is ordered oldest first.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

// Sweep removes keys with no timestamps inside the window and returns how
// many were evicted.
func (s *MemoryStore) Sweep() int {
	cutoff := s.now().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, hits := range s.entries {
		if len(prune(hits, cutoff)) == 0 {
			delete(s.entries, key)
			evicted++
		}
	}
	return evicted
}

// RunSweeper evicts idle keys every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
