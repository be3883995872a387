package worker

import (
	"context"
	"sync"
	"time"
)

// BackpressureMonitor watches the recipient queue and tells batch expansion
// to pause when it grows past maxQueueDepth. It resumes when the queue
// drains to 50% (hysteresis to avoid flapping).
type BackpressureMonitor struct {
	backend       Backend
	queue         Queue
	maxQueueDepth int64
	checkInterval time.Duration

	mu     sync.RWMutex
	paused bool
	depth  int64
}

// NewBackpressureMonitor creates a monitor for the recipient queue.
// If maxDepth <= 0 it defaults to 100,000.
func NewBackpressureMonitor(backend Backend, maxDepth int64) *BackpressureMonitor {
	if maxDepth <= 0 {
		maxDepth = 100000
	}
	return &BackpressureMonitor{
		backend:       backend,
		queue:         QueueRecipient,
		maxQueueDepth: maxDepth,
		checkInterval: 5 * time.Second,
	}
}

// WithCheckInterval overrides how often Start and Wait re-check the depth.
func (bp *BackpressureMonitor) WithCheckInterval(d time.Duration) *BackpressureMonitor {
	if d > 0 {
		bp.checkInterval = d
	}
	return bp
}

// Start runs the periodic depth check. It blocks until ctx is cancelled.
func (bp *BackpressureMonitor) Start(ctx context.Context) {
	bp.Check(ctx)

	ticker := time.NewTicker(bp.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bp.Check(ctx)
		}
	}
}

// Check queries the current depth and updates the paused flag.
func (bp *BackpressureMonitor) Check(ctx context.Context) {
	depth, err := bp.backend.Depth(ctx, bp.queue)
	if err != nil {
		log.Warn("backpressure check failed", "queue", string(bp.queue), "error", err)
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	bp.depth = depth
	wasPaused := bp.paused
	if depth >= bp.maxQueueDepth {
		bp.paused = true
		if !wasPaused {
			log.Warn("backpressure: pausing expansion", "depth", depth, "threshold", bp.maxQueueDepth)
		}
	} else if depth < bp.maxQueueDepth/2 {
		bp.paused = false
		if wasPaused {
			log.Info("backpressure: resuming expansion", "depth", depth, "resume_below", bp.maxQueueDepth/2)
		}
	}
	// Between 50% and 100% we keep whatever state we're in.
}

// Wait blocks while expansion is paused, re-checking the depth every
// checkInterval.
func (bp *BackpressureMonitor) Wait(ctx context.Context) error {
	for bp.IsPaused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bp.checkInterval):
			bp.Check(ctx)
		}
	}
	return nil
}

// IsPaused reports whether expansion should wait.
func (bp *BackpressureMonitor) IsPaused() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.paused
}

// QueueDepth returns the depth seen by the last check.
func (bp *BackpressureMonitor) QueueDepth() int64 {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.depth
}
