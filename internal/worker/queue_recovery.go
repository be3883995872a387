package worker

import (
	"context"
	"time"
)

// =============================================================================
// QUEUE RECOVERY WORKER: reclaims stuck deliveries
// =============================================================================
// If a worker crashes mid-task, its delivery stays in the processing list
// indefinitely. Live consumers renew their claims every heartbeat; this
// worker returns deliveries whose claim went stale to the ready list, and
// dead-letters those that have been recovered MaxRecoveries times.

const (
	// DefaultRecoveryInterval is how often we scan for stuck deliveries.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a delivery's claim can go unrenewed
	// before we consider its worker dead.
	DefaultStaleAge = 5 * time.Minute

	// DefaultHeartbeat is how often consumers renew the claim on a delivery
	// they are still working on.
	DefaultHeartbeat = time.Minute
)

// QueueRecoveryWorker reclaims stuck deliveries on every pipeline queue.
type QueueRecoveryWorker struct {
	backend  Backend
	interval time.Duration
	staleAge time.Duration
}

// NewQueueRecoveryWorker creates a recovery worker. Non-positive durations
// fall back to the defaults.
func NewQueueRecoveryWorker(backend Backend, interval, staleAge time.Duration) *QueueRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &QueueRecoveryWorker{backend: backend, interval: interval, staleAge: staleAge}
}

// Start runs the recovery loop. It blocks until ctx is cancelled.
func (qr *QueueRecoveryWorker) Start(ctx context.Context) {
	log.Info("queue recovery starting", "interval", qr.interval, "stale_age", qr.staleAge,
		"max_recoveries", MaxRecoveries)

	ticker := time.NewTicker(qr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue recovery stopping")
			return
		case <-ticker.C:
			qr.RecoverOnce(ctx)
		}
	}
}

// RecoverOnce runs a single pass over every queue and returns the totals.
func (qr *QueueRecoveryWorker) RecoverOnce(ctx context.Context) (requeued, dead int) {
	passCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, q := range Queues {
		r, d, err := qr.backend.Recover(passCtx, q, qr.staleAge)
		if err != nil {
			log.Warn("recovery pass failed", "queue", string(q), "error", err)
			continue
		}
		if r > 0 {
			log.Info("requeued stuck deliveries", "queue", string(q), "count", r)
		}
		if d > 0 {
			log.Warn("dead-lettered deliveries", "queue", string(q), "count", d)
		}
		requeued += r
		dead += d
	}
	return requeued, dead
}
