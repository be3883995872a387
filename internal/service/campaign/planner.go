package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

// Partition splits recipients into consecutive chunks of at most size,
// preserving input order.
func Partition(recipients []domain.Recipient, size int) ([][]domain.Recipient, error) {
	if size <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	chunks := make([][]domain.Recipient, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		chunk := make([]domain.Recipient, end-start)
		copy(chunk, recipients[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// Planner turns a recipient list into persisted pending batches.
type Planner struct {
	store sending.BatchStore
	now   func() time.Time
}

// NewPlanner creates a planner writing to store.
func NewPlanner(store sending.BatchStore) *Planner {
	return &Planner{store: store, now: time.Now}
}

// Plan partitions recipients and persists every batch in a single store call.
// Batches are numbered from 1 and nothing is dispatched here.
func (p *Planner) Plan(ctx context.Context, campaignID string, recipients []domain.Recipient, batchSize int) ([]*domain.Batch, error) {
	chunks, err := Partition(recipients, batchSize)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	batches := make([]*domain.Batch, len(chunks))
	for i, chunk := range chunks {
		batches[i] = &domain.Batch{
			ID:         uuid.New().String(),
			CampaignID: campaignID,
			Number:     i + 1,
			Recipients: chunk,
			Status:     domain.BatchPending,
			Progress:   domain.Progress{Total: len(chunk)},
			CreatedAt:  now,
		}
	}

	if err := p.store.CreateBatches(ctx, batches); err != nil {
		return nil, fmt.Errorf("persist %d batches: %w", len(batches), err)
	}
	log.Info("batches planned", "campaign_id", campaignID, "recipients", len(recipients), "batches", len(batches))
	return batches, nil
}
