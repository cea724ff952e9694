package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims the sorted set to the window, then either records the
// request or reports the oldest retained timestamp.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, tonumber(oldest[2])}
end
redis.call('ZADD', key, ARGV[1], member)
redis.call('PEXPIRE', key, ARGV[2])
return {1, limit - count - 1}
`)

// RedisStore shares sliding-window counters between server instances.
type RedisStore struct {
	client redis.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisStore(client redis.Scripter, prefix string, limit int, window time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (s *RedisStore) Check(ctx context.Context, key string) (Decision, error) {
	now := s.now().UnixMilli()
	windowMS := s.window.Milliseconds()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := slidingWindow.Run(ctx, s.client, []string{s.prefix + key}, now, windowMS, s.limit, member).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}

	if res[0] == 1 {
		return Decision{Allowed: true, Remaining: int(res[1])}, nil
	}
	retryAfter := time.Duration(res[1]+windowMS-now) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}
