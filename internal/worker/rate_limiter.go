package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sendpipeline/internal/pkg/ratelimit"
)

// SendLimiter caps recipient sends per rolling window across all worker
// processes using a Redis window. While Redis errors, it falls back to an
// in-process sliding window with the same limit so sends are still paced.
type SendLimiter struct {
	shared   *ratelimit.RedisWindow
	local    *ratelimit.SlidingWindow
	degraded atomic.Bool
}

// NewSendLimiter builds the limiter. A nil client or non-positive max gives
// a purely local limiter, or no limit at all.
func NewSendLimiter(client *redis.Client, prefix string, max int, window time.Duration) ratelimit.Limiter {
	if max <= 0 || window <= 0 {
		return ratelimit.Unlimited{}
	}
	local := ratelimit.NewSlidingWindow(max, window)
	if client == nil {
		return local
	}
	return &SendLimiter{
		shared: ratelimit.NewRedisWindow(client, prefix+"sends", max, window),
		local:  local,
	}
}

func (l *SendLimiter) Wait(ctx context.Context) error {
	err := l.shared.Wait(ctx)
	if err == nil {
		if l.degraded.CompareAndSwap(true, false) {
			log.Info("shared rate limiter recovered")
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if l.degraded.CompareAndSwap(false, true) {
		log.Warn("shared rate limiter unavailable, pacing locally", "error", err)
	}
	return l.local.Wait(ctx)
}

// Degraded reports whether the limiter is currently pacing locally.
func (l *SendLimiter) Degraded() bool { return l.degraded.Load() }
