package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow is an in-process rolling-window limiter. It backs the
// synchronous fallback path and per-connection SMTP throttling, where no
// shared store is available.
type SlidingWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests []time.Time
	clock    Clock
}

// NewSlidingWindow allows at most limit sends in any window-long interval.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return NewSlidingWindowWithClock(limit, window, SystemClock{})
}

// NewSlidingWindowWithClock is NewSlidingWindow with a custom clock.
func NewSlidingWindowWithClock(limit int, window time.Duration, clock Clock) *SlidingWindow {
	return &SlidingWindow{
		limit:    limit,
		window:   window,
		requests: make([]time.Time, 0, min(limit, 4096)),
		clock:    clock,
	}
}

// Reserve records one send if it fits and otherwise returns how long until
// the oldest send in the window expires.
func (s *SlidingWindow) Reserve() (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.evict(now)

	if len(s.requests) < s.limit {
		s.requests = append(s.requests, now)
		return true, 0
	}
	wait := s.requests[0].Add(s.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

// Wait blocks until a send is allowed or ctx is cancelled.
func (s *SlidingWindow) Wait(ctx context.Context) error {
	for {
		ok, wait := s.Reserve()
		if ok {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// InWindow returns the number of sends counted in the current window.
func (s *SlidingWindow) InWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(s.clock.Now())
	return len(s.requests)
}

// evict drops requests at or before now-window. Requests are appended in
// clock order so the slice is sorted.
func (s *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.requests) && !s.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(s.requests, s.requests[i:])
		s.requests = s.requests[:n]
	}
}
