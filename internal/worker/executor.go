package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/pkg/ratelimit"
	"github.com/ignite/sendpipeline/internal/provider"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

// MessageRenderer builds the provider message for a task.
type MessageRenderer interface {
	Render(ctx context.Context, task domain.SendTask) (*provider.Message, error)
}

// Sender delivers a message through the configured providers.
type Sender interface {
	Send(ctx context.Context, msg *provider.Message, maxRounds int) provider.Result
}

// Tracker records outcomes and owns batch transitions.
type Tracker interface {
	RecordOutcome(ctx context.Context, task domain.SendTask, out domain.Outcome) error
	RecordRetry(ctx context.Context, task domain.SendTask, out domain.Outcome) error
	FlushBatch(ctx context.Context, batchID string) error
	FailBatch(ctx context.Context, batchID string, cause error) error
	Delivered(ctx context.Context, task domain.SendTask) (bool, error)
}

// ExecutorOptions tunes an Executor.
type ExecutorOptions struct {
	// Concurrency bounds RunBatch's in-process pool.
	Concurrency int
	// MaxRounds is passed to the router; 0 uses the router default.
	MaxRounds int
	// RecordAttempts bounds how often a failed outcome write is retried
	// before ProcessOne gives up.
	RecordAttempts int
	RecordBackoff  time.Duration
	Now            func() time.Time
}

// Executor processes send tasks. The recipient consumers, the in-process
// fallback and the retry coordinator all send through it.
type Executor struct {
	renderer  MessageRenderer
	router    Sender
	tracker   Tracker
	analytics sending.OutcomeRecorder
	limiter   ratelimit.Limiter
	opts      ExecutorOptions
	tracer    trace.Tracer
}

func NewExecutor(renderer MessageRenderer, router Sender, tracker Tracker,
	analytics sending.OutcomeRecorder, limiter ratelimit.Limiter, opts ExecutorOptions) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.RecordAttempts <= 0 {
		opts.RecordAttempts = 3
	}
	if opts.RecordBackoff <= 0 {
		opts.RecordBackoff = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Executor{
		renderer:  renderer,
		router:    router,
		tracker:   tracker,
		analytics: analytics,
		limiter:   limiter,
		opts:      opts,
		tracer:    otel.Tracer("github.com/ignite/sendpipeline/internal/worker"),
	}
}

// Tasks builds one send task per recipient of a batch.
func Tasks(b *domain.Batch, payload domain.Payload, recipients []domain.Recipient) []domain.SendTask {
	out := make([]domain.SendTask, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, domain.SendTask{
			ID:         uuid.NewString(),
			BatchID:    b.ID,
			CampaignID: b.CampaignID,
			BatchTotal: b.Progress.Total,
			Recipient:  r,
			Payload:    payload,
		})
	}
	return out
}

// Send renders and routes one task without recording anything.
func (e *Executor) Send(ctx context.Context, task domain.SendTask) domain.Outcome {
	ctx, span := e.tracer.Start(ctx, "send.task", trace.WithAttributes(
		attribute.String("campaign_id", task.CampaignID),
		attribute.String("batch_id", task.BatchID),
		attribute.String("task_id", task.ID),
	))
	defer span.End()

	out := e.send(ctx, task)
	span.SetAttributes(attribute.Int("attempts", out.Attempts), attribute.Bool("success", out.Success))
	if !out.Success {
		span.SetStatus(codes.Error, out.Error)
	}
	return out
}

func (e *Executor) send(ctx context.Context, task domain.SendTask) domain.Outcome {
	if err := e.limiter.Wait(ctx); err != nil {
		return domain.Outcome{Error: fmt.Sprintf("rate limit: %v", err), At: e.opts.Now()}
	}

	msg, err := e.renderer.Render(ctx, task)
	if err != nil {
		return domain.Outcome{Error: err.Error(), At: e.opts.Now()}
	}

	res := e.router.Send(ctx, msg, e.opts.MaxRounds)
	out := domain.Outcome{
		Success:   res.Success,
		Provider:  res.Provider,
		MessageID: res.MessageID,
		Attempts:  len(res.Attempts),
		At:        e.opts.Now(),
	}
	if !res.Success && res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// ProcessOne sends one task and records its outcome. A task interrupted by
// ctx is not recorded, so a durable delivery is picked up again by recovery.
// A task whose recipient already has an outcome is skipped without sending.
func (e *Executor) ProcessOne(ctx context.Context, task domain.SendTask) (domain.Outcome, error) {
	seen, err := e.tracker.Delivered(ctx, task)
	if err != nil {
		// Recording is deduplicated too, so sending is still safe.
		log.Warn("delivery check failed", "batch_id", task.BatchID, "task_id", task.ID, "error", err)
	}
	if seen {
		log.Info("recipient already has an outcome, skipping", "batch_id", task.BatchID, "task_id", task.ID)
		return domain.Outcome{}, nil
	}

	out := e.Send(ctx, task)
	if !out.Success && ctx.Err() != nil {
		return out, ctx.Err()
	}

	if err := e.record(ctx, task, out); err != nil {
		return out, fmt.Errorf("record outcome: %w", err)
	}
	e.recordAnalytics(ctx, task, out)
	return out, nil
}

// record writes an outcome, retrying transient store errors.
func (e *Executor) record(ctx context.Context, task domain.SendTask, out domain.Outcome) error {
	return e.withRetry(ctx, func() error {
		return e.tracker.RecordOutcome(ctx, task, out)
	}, "record outcome", "batch_id", task.BatchID, "task_id", task.ID)
}

// withRetry runs fn up to RecordAttempts times with doubling waits.
func (e *Executor) withRetry(ctx context.Context, fn func() error, what string, fields ...interface{}) error {
	wait := e.opts.RecordBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= e.opts.RecordAttempts {
			return err
		}
		log.Warn(what+" failed, retrying", append(fields, "attempt", attempt, "error", err)...)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (e *Executor) recordAnalytics(ctx context.Context, task domain.SendTask, out domain.Outcome) {
	if e.analytics == nil {
		return
	}
	if err := e.analytics.RecordOutcome(ctx, task, out); err != nil {
		log.Warn("analytics record failed", "task_id", task.ID, "batch_id", task.BatchID, "error", err)
	}
}

// RunBatch processes tasks in-process with at most Concurrency in flight,
// then flushes the batch so its completion check runs. It returns the first
// outcome that could not be recorded after retries.
func (e *Executor) RunBatch(ctx context.Context, tasks []domain.SendTask) error {
	if len(tasks) == 0 {
		return nil
	}

	sem := make(chan struct{}, e.opts.Concurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

loop:
	for _, task := range tasks {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			setErr(ctx.Err())
			break loop
		}
		wg.Add(1)
		go func(task domain.SendTask) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := e.ProcessOne(ctx, task); err != nil {
				setErr(err)
			}
		}(task)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	batchID := tasks[0].BatchID
	return e.withRetry(ctx, func() error {
		return e.tracker.FlushBatch(ctx, batchID)
	}, "flush batch", "batch_id", batchID)
}
