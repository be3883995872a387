package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/pkg/distlock"
	"github.com/ignite/sendpipeline/internal/pkg/logger"
	"github.com/ignite/sendpipeline/internal/provider"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

var log = logger.Component("campaign")

// sendLockTTL bounds how long one Send may hold the per-campaign trigger lock.
const sendLockTTL = 10 * time.Minute

// ProviderSet reports the configured provider names in routing order.
type ProviderSet interface {
	Providers() []string
}

// Options configures a Service.
type Options struct {
	BatchSize int
	// Locks guards Send per campaign across processes. Nil disables locking.
	Locks distlock.Factory
}

// Service triggers campaign sends and reports their progress. All public
// methods are safe for concurrent use if the underlying store is.
type Service struct {
	store     sending.Store
	contacts  sending.ContactSource
	dispatch  sending.Dispatcher
	retrier   sending.Retrier
	providers ProviderSet
	planner   *Planner
	locks     distlock.Factory
	batchSize int
}

// NewService wires a campaign service.
func NewService(store sending.Store, contacts sending.ContactSource, dispatch sending.Dispatcher,
	retrier sending.Retrier, providers ProviderSet, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	return &Service{
		store:     store,
		contacts:  contacts,
		dispatch:  dispatch,
		retrier:   retrier,
		providers: providers,
		planner:   NewPlanner(store),
		locks:     opts.Locks,
		batchSize: opts.BatchSize,
	}
}

// SendRequest asks for a draft campaign to be sent to the contacts matching
// Filter.
type SendRequest struct {
	CampaignID string               `json:"campaign_id"`
	UserID     string               `json:"user_id"`
	Filter     domain.ContactFilter `json:"filter"`
}

// BatchSummary describes how one batch was handed off.
type BatchSummary struct {
	BatchID string               `json:"batch_id"`
	Number  int                  `json:"number"`
	Total   int                  `json:"total"`
	Mode    sending.DispatchMode `json:"mode,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// SendSummary is returned once every batch has been submitted.
type SendSummary struct {
	CampaignID    string         `json:"campaign_id"`
	TotalContacts int            `json:"total_contacts"`
	TotalBatches  int            `json:"total_batches"`
	Batches       []BatchSummary `json:"batches"`
}

// Send resolves the campaign's contacts, persists its batches and submits
// each one. Configuration errors return before anything is persisted. A batch
// that cannot be submitted is reported in its summary and does not stop the
// remaining batches.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendSummary, error) {
	if s.providers != nil && len(s.providers.Providers()) == 0 {
		return nil, provider.ErrNoProviders
	}
	if s.locks == nil {
		return s.send(ctx, req)
	}

	var summary *SendSummary
	err := distlock.Do(ctx, s.locks("campaign:send:"+req.CampaignID, sendLockTTL), func(ctx context.Context) error {
		var err error
		summary, err = s.send(ctx, req)
		return err
	})
	if errors.Is(err, distlock.ErrNotAcquired) {
		return nil, ErrAlreadySending
	}
	return summary, err
}

func (s *Service) send(ctx context.Context, req SendRequest) (*SendSummary, error) {
	c, err := s.store.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" && c.UserID != req.UserID {
		return nil, ErrNotFound
	}
	if c.Status != domain.CampaignDraft {
		return nil, ErrAlreadySending
	}

	recipients, err := s.contacts.Lookup(ctx, c.UserID, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("lookup contacts: %w", err)
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	if err := s.store.StartCampaign(ctx, c.ID, len(recipients)); err != nil {
		if errors.Is(err, sending.ErrInvalidTransition) {
			return nil, ErrAlreadySending
		}
		return nil, fmt.Errorf("transition to sending: %w", err)
	}

	batches, err := s.planner.Plan(ctx, c.ID, recipients, s.batchSize)
	if err != nil {
		// No batches exist, so finalizing moves the campaign to failed.
		if _, _, ferr := s.store.FinalizeCampaign(context.WithoutCancel(ctx), c.ID); ferr != nil {
			log.Error("finalize after plan failure", "campaign_id", c.ID, "error", ferr)
		}
		return nil, fmt.Errorf("plan batches: %w", err)
	}

	payload := c.Payload()
	summary := &SendSummary{
		CampaignID:    c.ID,
		TotalContacts: len(recipients),
		TotalBatches:  len(batches),
		Batches:       make([]BatchSummary, 0, len(batches)),
	}
	for _, b := range batches {
		bs := BatchSummary{BatchID: b.ID, Number: b.Number, Total: b.Progress.Total}
		ack, err := s.dispatch.Submit(ctx, b, payload)
		bs.Mode = ack.Mode
		switch {
		case err != nil:
			bs.Error = err.Error()
			log.Warn("batch not submitted", "campaign_id", c.ID, "batch", b.Number, "error", err)
		case ack.Err != nil:
			bs.Error = ack.Err.Error()
		}
		summary.Batches = append(summary.Batches, bs)
	}

	log.Info("campaign submitted", "campaign_id", c.ID, "contacts", len(recipients), "batches", len(batches))
	return summary, nil
}

// BatchStatusView is the externally visible state of one batch.
type BatchStatusView struct {
	BatchID     string             `json:"batch_id"`
	CampaignID  string             `json:"campaign_id"`
	Number      int                `json:"number"`
	Status      domain.BatchStatus `json:"status"`
	Progress    domain.Progress    `json:"progress"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// CampaignStatusView aggregates every batch of a campaign.
type CampaignStatusView struct {
	CampaignID string                `json:"campaign_id"`
	Status     domain.CampaignStatus `json:"status"`
	Batches    []BatchStatusView     `json:"batches"`
	Aggregate  domain.Progress       `json:"aggregate"`
}

func batchView(b *domain.Batch) BatchStatusView {
	return BatchStatusView{
		BatchID:     b.ID,
		CampaignID:  b.CampaignID,
		Number:      b.Number,
		Status:      b.Status,
		Progress:    b.Progress,
		Error:       b.Error,
		CreatedAt:   b.CreatedAt,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
	}
}

// GetStatus returns one batch's status and counters.
func (s *Service) GetStatus(ctx context.Context, batchID string) (*BatchStatusView, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	v := batchView(b)
	return &v, nil
}

// GetAllStatuses lists a campaign's batches with counters summed across them.
// The aggregate reflects live batch counters, not the rolled-up campaign stats.
func (s *Service) GetAllStatuses(ctx context.Context, campaignID string) (*CampaignStatusView, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	batches, err := s.store.ListBatches(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	view := &CampaignStatusView{
		CampaignID: campaignID,
		Status:     c.Status,
		Batches:    make([]BatchStatusView, 0, len(batches)),
	}
	for i := range batches {
		view.Batches = append(view.Batches, batchView(&batches[i]))
		view.Aggregate.Total += batches[i].Progress.Total
		view.Aggregate.Sent += batches[i].Progress.Sent
		view.Aggregate.Failed += batches[i].Progress.Failed
	}
	return view, nil
}

// RetryBatch re-sends the batch's unresolved failures now, without waiting for
// the scheduled scan.
func (s *Service) RetryBatch(ctx context.Context, batchID string) (int, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return 0, err
	}
	n, err := s.retrier.RetryFailed(ctx, batchID)
	if err != nil {
		return n, fmt.Errorf("retry batch %s: %w", batchID, err)
	}
	log.Info("manual retry", "batch_id", batchID, "retried", n)
	return n, nil
}

// Cancel stops further submission and expansion for the campaign. Tasks
// already enqueued or in flight run to completion.
func (s *Service) Cancel(ctx context.Context, campaignID string) error {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return err
	}
	if err := s.dispatch.Cancel(ctx, campaignID); err != nil {
		return fmt.Errorf("cancel campaign %s: %w", campaignID, err)
	}
	log.Info("campaign cancelled", "campaign_id", campaignID)
	return nil
}
