package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/pkg/distlock"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

// RetryTask is the durable retry-queue payload.
type RetryTask struct {
	BatchID    string `json:"batch_id"`
	CampaignID string `json:"campaign_id"`
}

// RetryOptions tunes a RetryCoordinator.
type RetryOptions struct {
	// Ceiling excludes entries whose retry count reached it, permanently.
	Ceiling      int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	ScanInterval time.Duration
	ScanLimit    int

	DequeueTimeout time.Duration
	Now            func() time.Time
}

// RetryCoordinator re-sends logged failures. Scan schedules due batches on
// the retry queue with exponential backoff; the retry consumer runs them.
type RetryCoordinator struct {
	store   sending.Store
	exec    *Executor
	tracker Tracker
	backend Backend
	locks   distlock.Factory
	opts    RetryOptions

	mu      sync.Mutex
	baseCtx context.Context
	timers  map[string]*time.Timer
	wg      sync.WaitGroup
}

func NewRetryCoordinator(store sending.Store, exec *Executor, tracker Tracker, backend Backend,
	locks distlock.Factory, opts RetryOptions) *RetryCoordinator {
	if opts.Ceiling <= 0 {
		opts.Ceiling = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = 30 * time.Minute
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Minute
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = 100
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RetryCoordinator{
		store:   store,
		exec:    exec,
		tracker: tracker,
		backend: backend,
		locks:   locks,
		opts:    opts,
		baseCtx: context.Background(),
		timers:  make(map[string]*time.Timer),
	}
}

// Backoff returns BackoffBase * 2^retryCount, capped at BackoffMax.
func (r *RetryCoordinator) Backoff(retryCount int) time.Duration {
	d := r.opts.BackoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= r.opts.BackoffMax {
			return r.opts.BackoffMax
		}
	}
	return d
}

// RetryFailed re-attempts every unresolved entry of a batch still under the
// ceiling and returns how many were attempted. Concurrent calls for the same
// batch are serialised by a lock; the loser returns 0.
func (r *RetryCoordinator) RetryFailed(ctx context.Context, batchID string) (int, error) {
	var retried int
	lock := r.locks("retry:batch:"+batchID, 10*time.Minute)
	err := distlock.Do(ctx, lock, func(ctx context.Context) error {
		n, err := r.retryBatch(ctx, batchID)
		retried = n
		return err
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		log.Debug("batch retry already running", "batch_id", batchID)
		return 0, nil
	}
	return retried, err
}

func (r *RetryCoordinator) retryBatch(ctx context.Context, batchID string) (int, error) {
	// Buffered failures must reach the counters before any of them is
	// moved to sent.
	if err := r.tracker.FlushBatch(ctx, batchID); err != nil {
		return 0, fmt.Errorf("flush batch: %w", err)
	}
	b, err := r.store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("get batch: %w", err)
	}
	c, err := r.store.GetCampaign(ctx, b.CampaignID)
	if err != nil {
		return 0, fmt.Errorf("get campaign: %w", err)
	}
	entries, err := r.store.UnresolvedErrors(ctx, batchID, r.opts.Ceiling)
	if err != nil {
		return 0, fmt.Errorf("unresolved errors: %w", err)
	}

	payload := c.Payload()
	retried, resolved := 0, 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return retried, err
		}
		rcpt, ok := b.Recipient(e.Email)
		if !ok {
			rcpt = domain.Recipient{Email: e.Email}
		}
		task := domain.SendTask{
			ID:         uuid.NewString(),
			BatchID:    b.ID,
			CampaignID: b.CampaignID,
			BatchTotal: b.Progress.Total,
			Recipient:  rcpt,
			Payload:    payload,
		}

		out := r.exec.Send(ctx, task)
		if err := r.tracker.RecordRetry(ctx, task, out); err != nil {
			return retried, err
		}
		r.exec.recordAnalytics(ctx, task, out)
		retried++
		if out.Success {
			resolved++
		}
	}

	if err := r.store.ClearRetry(ctx, batchID); err != nil {
		log.Warn("clear retry schedule failed", "batch_id", batchID, "error", err)
	}
	if retried > 0 {
		log.Info("batch retried", "batch_id", batchID, "retried", retried, "resolved", resolved)
	}
	return retried, nil
}

// Scan schedules a retry for every batch with unresolved entries under the
// ceiling and no pending schedule. Only one process scans at a time; the
// others return 0.
func (r *RetryCoordinator) Scan(ctx context.Context) (int, error) {
	var scheduled int
	lock := r.locks("retry:scan", r.opts.ScanInterval)
	err := distlock.Do(ctx, lock, func(ctx context.Context) error {
		n, err := r.scan(ctx)
		scheduled = n
		return err
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		return 0, nil
	}
	return scheduled, err
}

func (r *RetryCoordinator) scan(ctx context.Context) (int, error) {
	now := r.opts.Now()
	candidates, err := r.store.RetryCandidates(ctx, r.opts.Ceiling, now, r.opts.ScanLimit)
	if err != nil {
		return 0, fmt.Errorf("retry candidates: %w", err)
	}

	scheduled := 0
	for _, c := range candidates {
		delay := r.Backoff(c.MaxRetryCount)
		ok, err := r.store.ScheduleRetry(ctx, c.BatchID, now.Add(delay), now)
		if err != nil {
			log.Warn("schedule retry failed", "batch_id", c.BatchID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		task := RetryTask{BatchID: c.BatchID, CampaignID: c.CampaignID}
		if err := r.backend.Enqueue(ctx, QueueRetry, task, delay); err != nil {
			log.Warn("retry enqueue failed, scheduling in-process", "batch_id", c.BatchID, "error", err)
			r.scheduleLocal(c.BatchID, delay)
		}
		scheduled++
		log.Debug("retry scheduled", "batch_id", c.BatchID, "unresolved", c.Unresolved, "delay", delay)
	}
	return scheduled, nil
}

func (r *RetryCoordinator) scheduleLocal(batchID string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[batchID]; ok {
		return
	}
	ctx := r.baseCtx
	r.timers[batchID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, batchID)
		r.mu.Unlock()
		if _, err := r.RetryFailed(ctx, batchID); err != nil {
			log.Error("in-process retry failed", "batch_id", batchID, "error", err)
		}
	})
}

// Start launches the retry consumer and the periodic scanner. Both stop with
// ctx, along with any in-process retry timers.
func (r *RetryCoordinator) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		consume(ctx, r.backend, QueueRetry, r.opts.DequeueTimeout, DefaultHeartbeat, r.handleRetry)
	}()
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.stopTimers()
				return
			case <-ticker.C:
				if n, err := r.Scan(ctx); err != nil {
					log.Warn("retry scan failed", "error", err)
				} else if n > 0 {
					log.Info("retries scheduled", "count", n)
				}
			}
		}
	}()
}

// Wait blocks until the goroutines started by Start have returned.
func (r *RetryCoordinator) Wait() { r.wg.Wait() }

func (r *RetryCoordinator) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *RetryCoordinator) handleRetry(ctx context.Context, d *Delivery) bool {
	var task RetryTask
	if err := d.Decode(&task); err != nil {
		log.Error("undecodable retry task", "id", d.ID, "error", err)
		return true
	}
	if _, err := r.RetryFailed(ctx, task.BatchID); err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Error("retry failed", "batch_id", task.BatchID, "error", err)
	}
	return true
}
