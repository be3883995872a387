package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rolling-window check-and-add in one script so concurrent workers never
// observe the same count. Scores are unix milliseconds.
const windowLuaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

local count = redis.call("ZCARD", key)
if count < limit then
    redis.call("ZADD", key, now, member)
    redis.call("PEXPIRE", key, window)
    return {1, 0}
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
    wait = 1
end
return {0, wait}
`

// RedisWindow is the global limiter shared by every worker process.
type RedisWindow struct {
	client *redis.Client
	key    string
	limit  int
	window time.Duration
	clock  Clock
	script *redis.Script
}

// NewRedisWindow allows limit sends per window across all processes sharing key.
func NewRedisWindow(client *redis.Client, key string, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{
		client: client,
		key:    fmt.Sprintf("ratelimit:%s", key),
		limit:  limit,
		window: window,
		clock:  SystemClock{},
		script: redis.NewScript(windowLuaScript),
	}
}

// WithClock replaces the clock. Used by tests.
func (r *RedisWindow) WithClock(c Clock) *RedisWindow {
	r.clock = c
	return r
}

// CheckAndAdd atomically records one send if the window has room.
func (r *RedisWindow) CheckAndAdd(ctx context.Context) (allowed bool, waitTime time.Duration, err error) {
	now := r.clock.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.client, []string{r.key},
		now, r.window.Milliseconds(), r.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit check: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// Wait blocks until a send fits in the shared window.
func (r *RedisWindow) Wait(ctx context.Context) error {
	for {
		ok, wait, err := r.CheckAndAdd(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}
