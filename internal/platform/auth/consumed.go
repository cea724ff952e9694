package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryConsumedStore is a process-local used-token set.
type MemoryConsumedStore struct {
	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

func NewMemoryConsumedStore() *MemoryConsumedStore {
	return &MemoryConsumedStore{used: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryConsumedStore) Consume(_ context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.used {
		if !now.Before(exp) {
			delete(s.used, k)
		}
	}

	if _, seen := s.used[id]; seen {
		return false, nil
	}
	s.used[id] = now.Add(ttl)
	return true, nil
}

// RedisConsumedStore shares the used-token set between instances.
type RedisConsumedStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisConsumedStore(client redis.Cmdable) *RedisConsumedStore {
	return &RedisConsumedStore{client: client, prefix: "auth:magic-link:used:"}
}

func (s *RedisConsumedStore) Consume(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	return s.client.SetNX(ctx, s.prefix+id, 1, ttl).Result()
}
