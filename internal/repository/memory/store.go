// Package memory is an in-process sending.Store. It backs tests and the
// sendctl dry-run mode; every method is safe for concurrent use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/service/sending"
)

type errKey struct{ batchID, email string }

// Store keeps campaigns, batches and the error log in maps under one mutex.
type Store struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	batches   map[string]*domain.Batch
	errors    map[errKey]*domain.ErrorLogEntry
	delivered map[errKey]bool
	now       func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		campaigns: make(map[string]*domain.Campaign),
		batches:   make(map[string]*domain.Batch),
		errors:    make(map[errKey]*domain.ErrorLogEntry),
		delivered: make(map[errKey]bool),
		now:       time.Now,
	}
}

var _ sending.Store = (*Store)(nil)

// PutCampaign inserts or replaces a campaign.
func (s *Store) PutCampaign(c domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.campaigns[c.ID] = &cp
}

func (s *Store) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, sending.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) StartCampaign(_ context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return sending.ErrNotFound
	}
	if c.Status != domain.CampaignDraft {
		return sending.ErrInvalidTransition
	}
	now := s.now()
	c.Status = domain.CampaignSending
	c.Stats = domain.Progress{Total: total}
	c.StartedAt = &now
	c.UpdatedAt = now
	return nil
}

func (s *Store) FinalizeCampaign(_ context.Context, id string) (domain.CampaignStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return "", false, sending.ErrNotFound
	}
	if c.Status != domain.CampaignSending {
		return c.Status, false, nil
	}

	total, failed := 0, 0
	for _, b := range s.batches {
		if b.CampaignID != id {
			continue
		}
		if !b.Status.IsTerminal() {
			return c.Status, false, nil
		}
		total++
		if b.Status == domain.BatchFailed {
			failed++
		}
	}

	now := s.now()
	// A campaign without batches never sent anything and counts as failed.
	c.Status = domain.CampaignCompleted
	if failed == total {
		c.Status = domain.CampaignFailed
	}
	c.CompletedAt = &now
	c.UpdatedAt = now
	return c.Status, true, nil
}

func (s *Store) CreateBatches(_ context.Context, batches []*domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range batches {
		cp := *b
		cp.Recipients = append([]domain.Recipient(nil), b.Recipients...)
		s.batches[b.ID] = &cp
	}
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, sending.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBatches(_ context.Context, campaignID string) ([]domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Batch
	for _, b := range s.batches {
		if b.CampaignID == campaignID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) ClaimBatch(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return false, sending.ErrNotFound
	}
	if b.Status != domain.BatchPending {
		return false, nil
	}
	now := s.now()
	b.Status = domain.BatchProcessing
	b.StartedAt = &now
	return true, nil
}

func (s *Store) IncrementProgress(_ context.Context, batchID string, sent, failed int) (domain.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.Progress{}, sending.ErrNotFound
	}
	increment(&b.Progress, sent, failed)
	return b.Progress, nil
}

// increment adds to p without letting sent+failed pass Total.
func increment(p *domain.Progress, sent, failed int) {
	room := p.Total - p.Sent - p.Failed
	if sent > room {
		sent = room
	}
	room -= sent
	if failed > room {
		failed = room
	}
	p.Sent += sent
	p.Failed += failed
}

func (s *Store) RecordDelivery(_ context.Context, batchID, email string, success bool) (domain.Progress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.Progress{}, false, sending.ErrNotFound
	}
	k := errKey{batchID, email}
	if _, seen := s.delivered[k]; seen {
		return b.Progress, false, nil
	}
	s.delivered[k] = success
	if success {
		increment(&b.Progress, 1, 0)
	} else {
		increment(&b.Progress, 0, 1)
	}
	return b.Progress, true, nil
}

func (s *Store) MarkDelivered(_ context.Context, batchID, email string, success bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batchID]; !ok {
		return false, sending.ErrNotFound
	}
	k := errKey{batchID, email}
	if _, seen := s.delivered[k]; seen {
		return false, nil
	}
	s.delivered[k] = success
	return true, nil
}

func (s *Store) Delivered(_ context.Context, batchID, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.delivered[errKey{batchID, email}]
	return seen, nil
}

func (s *Store) CompleteBatch(_ context.Context, batchID string) (domain.Progress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.Progress{}, false, sending.ErrNotFound
	}
	if b.Status.IsTerminal() || !b.Progress.Done() {
		return b.Progress, false, nil
	}
	now := s.now()
	b.Status = domain.BatchCompleted
	b.CompletedAt = &now
	if c, ok := s.campaigns[b.CampaignID]; ok {
		c.Stats.Sent += b.Progress.Sent
		c.Stats.Failed += b.Progress.Failed
		c.UpdatedAt = now
	}
	return b.Progress, true, nil
}

func (s *Store) FailBatch(_ context.Context, batchID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return false, sending.ErrNotFound
	}
	if b.Status.IsTerminal() {
		return false, nil
	}
	now := s.now()
	b.Status = domain.BatchFailed
	b.Error = reason
	b.CompletedAt = &now
	if c, ok := s.campaigns[b.CampaignID]; ok {
		c.Stats.Sent += b.Progress.Sent
		c.Stats.Failed += b.Progress.Failed
	}
	return true, nil
}

func (s *Store) AppendError(_ context.Context, e domain.ErrorLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	k := errKey{e.BatchID, e.Email}
	if cur, ok := s.errors[k]; ok {
		cur.Message = e.Message
		cur.UpdatedAt = now
		return nil
	}
	e.CreatedAt, e.UpdatedAt = now, now
	s.errors[k] = &e
	return nil
}

func (s *Store) UnresolvedErrors(_ context.Context, batchID string, ceiling int) ([]domain.ErrorLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ErrorLogEntry
	for k, e := range s.errors {
		if k.batchID == batchID && !e.Resolved && e.RetryCount < ceiling {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// Errors returns every entry of a batch, resolved or not.
func (s *Store) Errors(batchID string) []domain.ErrorLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ErrorLogEntry
	for k, e := range s.errors {
		if k.batchID == batchID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

func (s *Store) ResolveError(_ context.Context, batchID, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.errors[errKey{batchID, email}]
	if !ok {
		return false, sending.ErrNotFound
	}
	if e.Resolved {
		return false, nil
	}
	e.Resolved = true
	e.RetryCount++
	e.UpdatedAt = s.now()

	if b, ok := s.batches[batchID]; ok && b.Progress.Failed > 0 {
		b.Progress.Failed--
		b.Progress.Sent++
		if b.Status.IsTerminal() {
			if c, ok := s.campaigns[b.CampaignID]; ok && c.Stats.Failed > 0 {
				c.Stats.Failed--
				c.Stats.Sent++
			}
		}
	}
	return true, nil
}

func (s *Store) RecordRetryFailure(_ context.Context, batchID, email, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.errors[errKey{batchID, email}]
	if !ok {
		return sending.ErrNotFound
	}
	e.RetryCount++
	e.Message = message
	e.UpdatedAt = s.now()
	return nil
}

func (s *Store) RetryCandidates(_ context.Context, ceiling int, now time.Time, limit int) ([]domain.RetryCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byBatch := make(map[string]*domain.RetryCandidate)
	for k, e := range s.errors {
		if e.Resolved || e.RetryCount >= ceiling {
			continue
		}
		b, ok := s.batches[k.batchID]
		if !ok || (b.NextRetryAt != nil && b.NextRetryAt.After(now)) {
			continue
		}
		c, ok := byBatch[k.batchID]
		if !ok {
			c = &domain.RetryCandidate{BatchID: b.ID, CampaignID: b.CampaignID}
			byBatch[k.batchID] = c
		}
		c.Unresolved++
		if e.RetryCount > c.MaxRetryCount {
			c.MaxRetryCount = e.RetryCount
		}
	}
	out := make([]domain.RetryCandidate, 0, len(byBatch))
	for _, c := range byBatch {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchID < out[j].BatchID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ScheduleRetry(_ context.Context, batchID string, at, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return false, sending.ErrNotFound
	}
	if b.NextRetryAt != nil && b.NextRetryAt.After(now) {
		return false, nil
	}
	t := at
	b.NextRetryAt = &t
	return true, nil
}

func (s *Store) ClearRetry(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return sending.ErrNotFound
	}
	b.NextRetryAt = nil
	return nil
}
