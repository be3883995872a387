package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

// BatchTask is the durable batch-queue payload.
type BatchTask struct {
	BatchID    string         `json:"batch_id"`
	CampaignID string         `json:"campaign_id"`
	Payload    domain.Payload `json:"payload"`
}

// DispatchOptions tunes the consumers.
type DispatchOptions struct {
	BatchConcurrency     int
	RecipientConcurrency int
	DequeueTimeout       time.Duration
	PromoteInterval      time.Duration
	// Heartbeat is how often an in-progress delivery's claim is renewed.
	// It must stay well below the recovery stale age.
	Heartbeat time.Duration
}

// cancelCheckEvery is how many recipients are expanded between checks of the
// shared cancellation flag.
const cancelCheckEvery = 100

// DispatchQueue moves batches from submission to per-recipient sends. Batches
// go through the durable backend when it accepts them and run in-process
// otherwise. Either way the batch is claimed first, so only one path ever
// sends it.
type DispatchQueue struct {
	backend Backend
	store   sending.BatchStore
	exec    *Executor
	tracker Tracker
	bp      *BackpressureMonitor
	opts    DispatchOptions

	mu        sync.RWMutex
	cancelled map[string]struct{}
	wg        sync.WaitGroup
}

// NewDispatchQueue wires a queue. bp may be nil to disable backpressure.
func NewDispatchQueue(backend Backend, store sending.BatchStore, exec *Executor, tracker Tracker,
	bp *BackpressureMonitor, opts DispatchOptions) *DispatchQueue {
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 2
	}
	if opts.RecipientConcurrency <= 0 {
		opts.RecipientConcurrency = 10
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 2 * time.Second
	}
	if opts.PromoteInterval <= 0 {
		opts.PromoteInterval = time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &DispatchQueue{
		backend:   backend,
		store:     store,
		exec:      exec,
		tracker:   tracker,
		bp:        bp,
		opts:      opts,
		cancelled: make(map[string]struct{}),
	}
}

// Submit hands a persisted batch to the pipeline. When the backend refuses
// the task the batch is run synchronously in-process. Batches of a cancelled
// campaign are marked failed and ErrCancelled is returned.
func (q *DispatchQueue) Submit(ctx context.Context, b *domain.Batch, payload domain.Payload) (sending.Ack, error) {
	if q.IsCancelled(ctx, b.CampaignID) {
		q.fail(ctx, b.ID, ErrCancelled)
		return sending.Ack{BatchID: b.ID}, ErrCancelled
	}

	task := BatchTask{BatchID: b.ID, CampaignID: b.CampaignID, Payload: payload}
	err := q.backend.Enqueue(ctx, QueueBatch, task, 0)
	if err == nil {
		log.Debug("batch enqueued", "campaign_id", b.CampaignID, "batch_id", b.ID, "number", b.Number)
		return sending.Ack{BatchID: b.ID, Mode: sending.ModeDurable}, nil
	}

	log.Warn("batch enqueue failed, running in-process",
		"campaign_id", b.CampaignID, "batch_id", b.ID, "number", b.Number, "error", err)
	ack := sending.Ack{BatchID: b.ID, Mode: sending.ModeFallback}
	ack.Err = q.runFallback(ctx, b, payload)
	return ack, nil
}

func (q *DispatchQueue) runFallback(ctx context.Context, b *domain.Batch, payload domain.Payload) error {
	ok, err := q.store.ClaimBatch(ctx, b.ID)
	if err != nil {
		return q.fail(ctx, b.ID, fmt.Errorf("claim batch: %w", err))
	}
	if !ok {
		log.Info("batch already claimed, skipping fallback", "batch_id", b.ID)
		return nil
	}

	recipients := b.Recipients
	if len(recipients) == 0 {
		stored, err := q.store.GetBatch(ctx, b.ID)
		if err != nil {
			return q.fail(ctx, b.ID, fmt.Errorf("load batch: %w", err))
		}
		recipients = stored.Recipients
	}

	if err := q.exec.RunBatch(ctx, Tasks(b, payload, recipients)); err != nil {
		return q.fail(ctx, b.ID, err)
	}
	return nil
}

// fail marks the batch failed even when ctx is already cancelled.
func (q *DispatchQueue) fail(ctx context.Context, batchID string, cause error) error {
	if err := q.tracker.FailBatch(context.WithoutCancel(ctx), batchID, cause); err != nil {
		log.Error("could not mark batch failed", "batch_id", batchID, "cause", cause, "error", err)
	}
	return cause
}

// Cancel stops submission and expansion of a campaign's batches. Tasks
// already on the recipient queue or in flight still run.
func (q *DispatchQueue) Cancel(ctx context.Context, campaignID string) error {
	q.mu.Lock()
	q.cancelled[campaignID] = struct{}{}
	q.mu.Unlock()

	if err := q.backend.SetCancelled(ctx, campaignID); err != nil {
		return fmt.Errorf("share cancellation: %w", err)
	}
	log.Info("campaign cancelled", "campaign_id", campaignID)
	return nil
}

// IsCancelled checks the local flag, then the shared one.
func (q *DispatchQueue) IsCancelled(ctx context.Context, campaignID string) bool {
	q.mu.RLock()
	_, ok := q.cancelled[campaignID]
	q.mu.RUnlock()
	if ok {
		return true
	}

	shared, err := q.backend.IsCancelled(ctx, campaignID)
	if err != nil {
		log.Debug("cancel flag unavailable", "campaign_id", campaignID, "error", err)
		return false
	}
	if shared {
		q.mu.Lock()
		q.cancelled[campaignID] = struct{}{}
		q.mu.Unlock()
	}
	return shared
}

// Start launches the batch and recipient consumers and the delayed-task
// promoter. They stop when ctx is cancelled; Wait blocks until they have.
func (q *DispatchQueue) Start(ctx context.Context) {
	log.Info("dispatch queue starting",
		"batch_consumers", q.opts.BatchConcurrency,
		"recipient_consumers", q.opts.RecipientConcurrency)

	for i := 0; i < q.opts.BatchConcurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			consume(ctx, q.backend, QueueBatch, q.opts.DequeueTimeout, q.opts.Heartbeat, q.handleBatch)
		}()
	}
	for i := 0; i < q.opts.RecipientConcurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			consume(ctx, q.backend, QueueRecipient, q.opts.DequeueTimeout, q.opts.Heartbeat, q.handleRecipient)
		}()
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.promote(ctx)
	}()
}

// Wait blocks until every goroutine started by Start has returned.
func (q *DispatchQueue) Wait() { q.wg.Wait() }

func (q *DispatchQueue) promote(ctx context.Context) {
	ticker := time.NewTicker(q.opts.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, queue := range Queues {
				if _, err := q.backend.PromoteDelayed(ctx, queue); err != nil && ctx.Err() == nil {
					log.Warn("promote delayed failed", "queue", string(queue), "error", err)
				}
			}
		}
	}
}

// consume dequeues until ctx ends. handle returns false to leave the
// delivery unacked for recovery. While handle runs, the delivery's claim is
// renewed every heartbeat.
func consume(ctx context.Context, backend Backend, queue Queue, timeout, heartbeat time.Duration,
	handle func(ctx context.Context, d *Delivery) bool) {
	for ctx.Err() == nil {
		d, err := backend.Dequeue(ctx, queue, timeout)
		if errors.Is(err, ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", "queue", string(queue), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		stop := keepClaimed(ctx, backend, d, heartbeat)
		ok := handle(ctx, d)
		stop()
		if !ok {
			continue
		}
		if err := backend.Ack(context.WithoutCancel(ctx), d); err != nil {
			log.Warn("ack failed", "queue", string(queue), "id", d.ID, "error", err)
		}
	}
}

// keepClaimed touches d every interval until the returned stop is called.
func keepClaimed(ctx context.Context, backend Backend, d *Delivery, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := backend.Touch(ctx, d); err != nil && ctx.Err() == nil {
					log.Warn("claim heartbeat failed", "queue", string(d.Queue), "id", d.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (q *DispatchQueue) handleBatch(ctx context.Context, d *Delivery) bool {
	var task BatchTask
	if err := d.Decode(&task); err != nil {
		log.Error("undecodable batch task", "id", d.ID, "error", err)
		return true
	}

	if q.IsCancelled(ctx, task.CampaignID) {
		q.fail(ctx, task.BatchID, ErrCancelled)
		return true
	}

	ok, err := q.store.ClaimBatch(ctx, task.BatchID)
	if errors.Is(err, sending.ErrNotFound) {
		log.Warn("batch task for unknown batch", "batch_id", task.BatchID)
		return true
	}
	if err != nil {
		log.Error("claim batch failed", "batch_id", task.BatchID, "error", err)
		return false
	}
	if !ok {
		log.Debug("batch already claimed", "batch_id", task.BatchID)
		return true
	}

	b, err := q.store.GetBatch(ctx, task.BatchID)
	if err != nil {
		q.fail(ctx, task.BatchID, fmt.Errorf("load batch: %w", err))
		return true
	}
	q.expand(ctx, b, task.Payload)
	return true
}

// expand puts one recipient task per recipient on the recipient queue. If
// the queue stops accepting tasks, the rest of the batch runs in-process so
// no recipient goes through both paths.
func (q *DispatchQueue) expand(ctx context.Context, b *domain.Batch, payload domain.Payload) {
	tasks := Tasks(b, payload, b.Recipients)
	for i, task := range tasks {
		if i%cancelCheckEvery == 0 && i > 0 && q.IsCancelled(ctx, b.CampaignID) {
			log.Info("campaign cancelled mid-expansion", "batch_id", b.ID, "expanded", i)
			q.fail(ctx, b.ID, ErrCancelled)
			return
		}
		if q.bp != nil {
			if err := q.bp.Wait(ctx); err != nil {
				q.fail(ctx, b.ID, fmt.Errorf("expansion interrupted: %w", err))
				return
			}
		}

		if err := q.backend.Enqueue(ctx, QueueRecipient, task, 0); err != nil {
			log.Warn("recipient enqueue failed, finishing batch in-process",
				"batch_id", b.ID, "remaining", len(tasks)-i, "error", err)
			if err := q.exec.RunBatch(ctx, tasks[i:]); err != nil {
				q.fail(ctx, b.ID, err)
			}
			return
		}
	}
	log.Debug("batch expanded", "batch_id", b.ID, "recipients", len(tasks))
}

func (q *DispatchQueue) handleRecipient(ctx context.Context, d *Delivery) bool {
	var task domain.SendTask
	if err := d.Decode(&task); err != nil {
		log.Error("undecodable recipient task", "id", d.ID, "error", err)
		return true
	}

	if _, err := q.exec.ProcessOne(ctx, task); err != nil {
		if ctx.Err() == nil {
			log.Error("recipient outcome not recorded, leaving task for recovery",
				"batch_id", task.BatchID, "task_id", task.ID, "error", err)
		}
		return false
	}
	return true
}

var (
	_ sending.Dispatcher = (*DispatchQueue)(nil)
	_ sending.Retrier    = (*RetryCoordinator)(nil)
)
