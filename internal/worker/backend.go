// Package worker runs the send pipeline's queues: batch expansion, per-recipient
// sends, scheduled retries, and the supporting recovery and backpressure loops.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ignite/sendpipeline/internal/pkg/logger"
)

var log = logger.Component("worker")

// Queue names a durable task queue.
type Queue string

const (
	QueueBatch     Queue = "batch"
	QueueRecipient Queue = "recipient"
	QueueRetry     Queue = "retry"
)

// Queues lists every queue the pipeline uses.
var Queues = []Queue{QueueBatch, QueueRecipient, QueueRetry}

var (
	// ErrQueueEmpty is returned by Dequeue when nothing arrived before the timeout.
	ErrQueueEmpty = errors.New("queue empty")

	// ErrCancelled is attached to batches whose campaign was cancelled
	// before they were expanded.
	ErrCancelled = errors.New("campaign cancelled")
)

// Envelope wraps a task body on the wire.
type Envelope struct {
	ID         string          `json:"id"`
	Queue      Queue           `json:"queue"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Delivery is a dequeued envelope. It stays owned by the consumer until Ack.
type Delivery struct {
	Envelope
	raw string
}

// Decode unmarshals the task body into v.
func (d *Delivery) Decode(v interface{}) error {
	return json.Unmarshal(d.Body, v)
}

// Backend is a durable, at-least-once task queue shared by every worker
// process.
type Backend interface {
	// Enqueue adds a task. A positive delay parks it until it is due.
	Enqueue(ctx context.Context, q Queue, body interface{}, delay time.Duration) error

	// Dequeue waits up to timeout for a task and marks it in progress.
	Dequeue(ctx context.Context, q Queue, timeout time.Duration) (*Delivery, error)

	// Ack removes a finished task.
	Ack(ctx context.Context, d *Delivery) error

	// Touch renews the claim on a delivery still being worked on, so
	// Recover leaves it alone. It does nothing once the delivery was acked
	// or recovered.
	Touch(ctx context.Context, d *Delivery) error

	// Depth returns ready plus in-progress tasks.
	Depth(ctx context.Context, q Queue) (int64, error)

	// PromoteDelayed moves due delayed tasks to the ready list.
	PromoteDelayed(ctx context.Context, q Queue) (int, error)

	// Recover returns tasks in progress for longer than staleAge to the
	// ready list, dead-lettering those recovered too often.
	Recover(ctx context.Context, q Queue, staleAge time.Duration) (requeued, dead int, err error)

	// SetCancelled flags a campaign as cancelled for every worker process.
	SetCancelled(ctx context.Context, campaignID string) error

	// IsCancelled reports whether a campaign was flagged.
	IsCancelled(ctx context.Context, campaignID string) (bool, error)
}
