// Package sending defines the contracts of the send pipeline.
//
// The planner, dispatch workers, progress tracker and retry coordinator depend
// only on these interfaces. Implementations live in repository/postgres,
// repository/memory, notify and analytics.
package sending

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/sendpipeline/internal/domain"
)

// Sentinel errors shared by every Store implementation.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CampaignStore reads campaigns and owns their status while sending.
type CampaignStore interface {
	// GetCampaign returns ErrNotFound if the campaign doesn't exist.
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// StartCampaign moves a draft campaign to sending and records the total
	// recipient count. Returns ErrInvalidTransition if it is not a draft.
	StartCampaign(ctx context.Context, id string, total int) error

	// FinalizeCampaign marks a sending campaign terminal once it has no
	// pending or processing batches. The status is failed if every batch
	// failed and completed otherwise. done is true only for the call that
	// performed the transition.
	FinalizeCampaign(ctx context.Context, id string) (status domain.CampaignStatus, done bool, err error)
}

// BatchStore persists batches and their counters. Every mutation is a single
// conditional update; implementations never read-modify-write.
type BatchStore interface {
	// CreateBatches persists all batches of a plan atomically.
	CreateBatches(ctx context.Context, batches []*domain.Batch) error

	GetBatch(ctx context.Context, id string) (*domain.Batch, error)

	// ListBatches returns a campaign's batches ordered by number.
	ListBatches(ctx context.Context, campaignID string) ([]domain.Batch, error)

	// ClaimBatch moves a pending batch to processing. It returns false when
	// the batch was already claimed, so only one execution path dispatches it.
	ClaimBatch(ctx context.Context, id string) (bool, error)

	// IncrementProgress adds to the counters, refusing to exceed Total, and
	// returns the counters after the update.
	IncrementProgress(ctx context.Context, batchID string, sent, failed int) (domain.Progress, error)

	// RecordDelivery marks a recipient's first outcome and adds it to the
	// counters in the same transaction. applied is false when the recipient
	// already had an outcome; the counters are then returned unchanged.
	RecordDelivery(ctx context.Context, batchID, email string, success bool) (p domain.Progress, applied bool, err error)

	// MarkDelivered marks a recipient's first outcome without touching the
	// counters. It returns false when an outcome was already marked.
	MarkDelivered(ctx context.Context, batchID, email string, success bool) (bool, error)

	// Delivered reports whether a recipient already has an outcome.
	Delivered(ctx context.Context, batchID, email string) (bool, error)

	// CompleteBatch marks a batch completed if every recipient has an outcome
	// and it is not already terminal, and rolls its counters into the
	// campaign aggregates in the same transaction. done is true only for the
	// call that performed the transition.
	CompleteBatch(ctx context.Context, batchID string) (p domain.Progress, done bool, err error)

	// FailBatch marks a non-terminal batch failed with reason attached.
	FailBatch(ctx context.Context, batchID, reason string) (done bool, err error)
}

// ErrorLog stores per-recipient failures and their retry state.
type ErrorLog interface {
	// AppendError records a failed delivery. A second failure for the same
	// recipient in the same batch updates the message.
	AppendError(ctx context.Context, entry domain.ErrorLogEntry) error

	// UnresolvedErrors returns the batch's unresolved entries with a retry
	// count below ceiling.
	UnresolvedErrors(ctx context.Context, batchID string, ceiling int) ([]domain.ErrorLogEntry, error)

	// ResolveError marks an entry resolved, bumps its retry count and moves
	// one unit from failed to sent on the batch (and on the campaign once
	// the batch has been rolled up). done is false if the entry was already
	// resolved.
	ResolveError(ctx context.Context, batchID, email string) (done bool, err error)

	// RecordRetryFailure bumps the retry count and replaces the message.
	RecordRetryFailure(ctx context.Context, batchID, email, message string) error

	// RetryCandidates lists batches with unresolved entries below ceiling
	// whose scheduled retry (if any) is due at now.
	RetryCandidates(ctx context.Context, ceiling int, now time.Time, limit int) ([]domain.RetryCandidate, error)

	// ScheduleRetry sets the batch's next retry time unless a later one is
	// already pending. It returns false if a retry is already scheduled.
	ScheduleRetry(ctx context.Context, batchID string, at, now time.Time) (bool, error)

	// ClearRetry removes the batch's retry schedule.
	ClearRetry(ctx context.Context, batchID string) error
}

// Store is everything the pipeline persists.
type Store interface {
	CampaignStore
	BatchStore
	ErrorLog
}

// ContactSource resolves a campaign's contact filter into recipients.
type ContactSource interface {
	Lookup(ctx context.Context, userID string, filter domain.ContactFilter) ([]domain.Recipient, error)
}

// EventPublisher delivers progress events. Delivery is best-effort: callers
// log errors and never roll back state because of them.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// OutcomeRecorder stores one analytics record per processed recipient.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, task domain.SendTask, out domain.Outcome) error
}

// DispatchMode tells how a submitted batch is being executed.
type DispatchMode string

const (
	ModeDurable  DispatchMode = "durable"
	ModeFallback DispatchMode = "fallback"
)

// Ack is the result of submitting a batch. Err is set when the in-process
// fallback could not finish and the batch was marked failed.
type Ack struct {
	BatchID string
	Mode    DispatchMode
	Err     error
}

// Dispatcher accepts persisted batches for sending.
type Dispatcher interface {
	Submit(ctx context.Context, batch *domain.Batch, payload domain.Payload) (Ack, error)
	Cancel(ctx context.Context, campaignID string) error
}

// Retrier re-sends a batch's logged failures.
type Retrier interface {
	RetryFailed(ctx context.Context, batchID string) (int, error)
}
