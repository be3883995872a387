// Package progress turns per-recipient outcomes into batch and campaign
// state. Counter updates are conditional writes in the store; the tracker
// only decides when to ask for a transition and which events to publish.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/pkg/logger"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

var log = logger.Component("progress")

// Options configures a Tracker.
type Options struct {
	// PerEmailEvents publishes email-sent / email-failed for every outcome.
	PerEmailEvents bool

	// Batching buffers outcomes and writes counters in groups.
	Batching      bool
	FlushEvery    int
	FlushInterval time.Duration

	Now func() time.Time
}

// Tracker records outcomes and drives batch and campaign completion.
type Tracker struct {
	store  sending.Store
	events sending.EventPublisher
	opts   Options
	buf    *Buffer

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
}

func NewTracker(store sending.Store, events sending.EventPublisher, opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	t := &Tracker{
		store:  store,
		events: events,
		opts:   opts,
		stop:   make(chan struct{}),
	}
	if opts.Batching {
		t.buf = NewBuffer(opts.FlushEvery)
	}
	return t
}

// RecordOutcome counts one processed recipient and runs the completion check
// when the batch may be done. Each recipient counts once per batch; a
// redelivered task finds its outcome already recorded and changes nothing.
func (t *Tracker) RecordOutcome(ctx context.Context, task domain.SendTask, out domain.Outcome) error {
	email := task.Recipient.Email

	if t.buf != nil {
		first, err := t.store.MarkDelivered(ctx, task.BatchID, email, out.Success)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		if !first {
			log.Warn("outcome already recorded", "batch_id", task.BatchID, "email", email)
			return nil
		}
		t.appendError(ctx, task, out)
		flush := t.buf.Add(task.CampaignID, task.BatchID, task.BatchTotal, out.Success)
		t.emailEvent(ctx, task, out, domain.Progress{Total: task.BatchTotal})
		if flush {
			// A failed flush keeps the delta buffered for the next one.
			if err := t.FlushBatch(ctx, task.BatchID); err != nil {
				log.Warn("flush failed, outcome stays buffered", "batch_id", task.BatchID, "error", err)
			}
		}
		return nil
	}

	p, applied, err := t.store.RecordDelivery(ctx, task.BatchID, email, out.Success)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if applied {
		t.appendError(ctx, task, out)
		t.emailEvent(ctx, task, out, p)
	} else {
		log.Warn("outcome already recorded", "batch_id", task.BatchID, "email", email)
	}
	// Rerun on duplicates too: the first writer may have failed before its
	// completion check.
	if p.Done() {
		return t.complete(ctx, task.CampaignID, task.BatchID)
	}
	return nil
}

func (t *Tracker) appendError(ctx context.Context, task domain.SendTask, out domain.Outcome) {
	if out.Success {
		return
	}
	entry := domain.ErrorLogEntry{BatchID: task.BatchID, Email: task.Recipient.Email, Message: out.Error}
	if err := t.store.AppendError(ctx, entry); err != nil {
		log.Error("append error entry failed", "batch_id", task.BatchID, "email", task.Recipient.Email, "error", err)
	}
}

// Delivered reports whether the task's recipient already has an outcome.
func (t *Tracker) Delivered(ctx context.Context, task domain.SendTask) (bool, error) {
	return t.store.Delivered(ctx, task.BatchID, task.Recipient.Email)
}

// FlushBatch writes the batch's buffered outcomes and runs the completion
// check. Without batching it only runs the check.
func (t *Tracker) FlushBatch(ctx context.Context, batchID string) error {
	var d Delta
	if t.buf != nil {
		d = t.buf.Take(batchID)
	}

	if d.Empty() {
		b, err := t.store.GetBatch(ctx, batchID)
		if err != nil {
			return fmt.Errorf("get batch: %w", err)
		}
		if b.Status.IsTerminal() {
			if t.buf != nil {
				t.buf.Forget(batchID)
			}
			return nil
		}
		if b.Progress.Done() {
			return t.complete(ctx, b.CampaignID, batchID)
		}
		return nil
	}

	p, err := t.flush(ctx, batchID, d)
	if err != nil {
		return err
	}
	if p.Done() {
		return t.complete(ctx, d.CampaignID, batchID)
	}
	return nil
}

func (t *Tracker) flush(ctx context.Context, batchID string, d Delta) (domain.Progress, error) {
	p, err := t.store.IncrementProgress(ctx, batchID, d.Sent, d.Failed)
	if err != nil {
		t.buf.Settle(batchID, d, -1)
		return p, fmt.Errorf("flush progress: %w", err)
	}
	t.buf.Settle(batchID, d, p.Sent+p.Failed)
	return p, nil
}

func (t *Tracker) flushAll(ctx context.Context) {
	if t.buf == nil {
		return
	}
	for batchID, d := range t.buf.TakeAll() {
		p, err := t.flush(ctx, batchID, d)
		if err != nil {
			log.Warn("periodic flush failed", "batch_id", batchID, "error", err)
			continue
		}
		if p.Done() {
			if err := t.complete(ctx, d.CampaignID, batchID); err != nil {
				log.Warn("completion check failed", "batch_id", batchID, "error", err)
			}
		}
	}
}

// complete asks the store to close the batch and, once it is terminal,
// tries to finalize the campaign. Every racer may call this; the store's
// conditional updates let only one of them perform each transition.
func (t *Tracker) complete(ctx context.Context, campaignID, batchID string) error {
	p, done, err := t.store.CompleteBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	if !done && !p.Done() {
		return nil
	}
	if done {
		log.Info("batch completed", "campaign_id", campaignID, "batch_id", batchID,
			"sent", p.Sent, "failed", p.Failed, "total", p.Total)
		t.publish(ctx, domain.Event{
			Name: domain.EventBatchCompleted, CampaignID: campaignID, JobID: batchID,
			Counts: p, Status: string(domain.BatchCompleted),
		})
	}
	return t.finalize(ctx, campaignID)
}

func (t *Tracker) finalize(ctx context.Context, campaignID string) error {
	status, done, err := t.store.FinalizeCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("finalize campaign: %w", err)
	}
	if !done {
		return nil
	}

	var counts domain.Progress
	if c, err := t.store.GetCampaign(ctx, campaignID); err == nil {
		counts = c.Stats
	}
	log.Info("campaign finished", "campaign_id", campaignID, "status", string(status),
		"sent", counts.Sent, "failed", counts.Failed)
	t.publish(ctx, domain.Event{
		Name: domain.EventCampaignCompleted, CampaignID: campaignID,
		Counts: counts, Status: string(status),
	})
	return nil
}

// FailBatch marks a batch failed with cause attached and runs the campaign
// finalization check. Buffered outcomes are written first so the partial
// counters roll up with the batch.
func (t *Tracker) FailBatch(ctx context.Context, batchID string, cause error) error {
	if t.buf != nil {
		if err := t.FlushBatch(ctx, batchID); err != nil {
			log.Warn("flush before fail", "batch_id", batchID, "error", err)
		}
	}

	b, err := t.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	done, err := t.store.FailBatch(ctx, batchID, reason)
	if err != nil {
		return fmt.Errorf("fail batch: %w", err)
	}
	if done {
		log.Error("batch failed", "campaign_id", b.CampaignID, "batch_id", batchID, "error", reason)
		t.publish(ctx, domain.Event{
			Name: domain.EventBatchFailed, CampaignID: b.CampaignID, JobID: batchID,
			Counts: b.Progress, Status: string(domain.BatchFailed),
		})
	}
	return t.finalize(ctx, b.CampaignID)
}

// RecordRetry applies the outcome of re-sending a logged failure. A success
// resolves the entry and moves the recipient from failed to sent; a failure
// bumps the retry count and keeps the entry open.
func (t *Tracker) RecordRetry(ctx context.Context, task domain.SendTask, out domain.Outcome) error {
	email := task.Recipient.Email
	if !out.Success {
		if err := t.store.RecordRetryFailure(ctx, task.BatchID, email, out.Error); err != nil {
			return fmt.Errorf("record retry failure: %w", err)
		}
		return nil
	}

	done, err := t.store.ResolveError(ctx, task.BatchID, email)
	if err != nil {
		return fmt.Errorf("resolve error: %w", err)
	}
	if done {
		t.publish(ctx, domain.Event{
			Name: domain.EventEmailSent, CampaignID: task.CampaignID, JobID: task.BatchID, Email: email,
		})
	}
	return nil
}

func (t *Tracker) emailEvent(ctx context.Context, task domain.SendTask, out domain.Outcome, p domain.Progress) {
	if !t.opts.PerEmailEvents {
		return
	}
	name := domain.EventEmailSent
	if !out.Success {
		name = domain.EventEmailFailed
	}
	t.publish(ctx, domain.Event{
		Name: name, CampaignID: task.CampaignID, JobID: task.BatchID,
		Email: task.Recipient.Email, Counts: p,
	})
}

// publish is best-effort.
func (t *Tracker) publish(ctx context.Context, ev domain.Event) {
	if t.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = t.opts.Now()
	}
	if err := t.events.Publish(ctx, ev); err != nil {
		log.Warn("event publish failed", "event", string(ev.Name), "campaign_id", ev.CampaignID, "error", err)
	}
}

// Start runs the periodic flush loop until ctx ends or Close is called. It
// is a no-op without batching.
func (t *Tracker) Start(ctx context.Context) {
	if t.buf == nil {
		return
	}
	t.startOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(t.opts.FlushInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.stop:
					return
				case <-ticker.C:
					t.flushAll(ctx)
				}
			}
		}()
	})
}

// Close stops the flush loop and writes everything still buffered.
func (t *Tracker) Close(ctx context.Context) {
	t.stopOnce.Do(func() { close(t.stop) })
	t.flushAll(ctx)
}

// Pending returns the number of buffered outcomes not yet written.
func (t *Tracker) Pending() int {
	if t.buf == nil {
		return 0
	}
	return t.buf.Pending()
}
