package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/redis/go-redis/v9"
)

// Fixed window keyed on the first attempt. The caller's clock is passed in
// so every process sharing the limiter agrees with the auth service's notion
// of now.
var checkAndConsumeScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local window_ms = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'count', 'reset_at')
local count = tonumber(state[1])
local reset_at = tonumber(state[2])

if count == nil or reset_at == nil or now_ms > reset_at then
    reset_at = now_ms + window_ms
    redis.call('HSET', key, 'count', 1, 'reset_at', reset_at)
    redis.call('PEXPIRE', key, window_ms + 1000)
    return {1, 1, reset_at}
end

if count >= max then
    return {0, count, reset_at}
end

count = redis.call('HINCRBY', key, 'count', 1)
return {1, count, reset_at}
`)

// RedisLimiter shares counters between processes through Redis
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	max    int
	window time.Duration
	clock  utils.Clock
}

func NewRedisLimiter(client redis.UniversalClient, max int, window time.Duration, clock utils.Clock) *RedisLimiter {
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &RedisLimiter{
		client: client,
		prefix: "ratelimit:",
		max:    max,
		window: window,
		clock:  clock,
	}
}

func (r *RedisLimiter) CheckAndConsume(ctx context.Context, key string) (bool, error) {
	args := []interface{}{
		utils.EpochMillis(r.clock.Now()),
		r.max,
		r.window.Milliseconds(),
	}

	vals, err := checkAndConsumeScript.Run(ctx, r.client, []string{r.prefix + key}, args...).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed for %s: %w", key, err)
	}
	if len(vals) != 3 {
		return false, fmt.Errorf("unexpected rate limit script result for %s: %v", key, vals)
	}

	return vals[0] == 1, nil
}
