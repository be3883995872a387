package progress

import "sync"

// Delta is a batch's buffered counter change taken out for flushing.
type Delta struct {
	CampaignID string
	Sent       int
	Failed     int
}

func (d Delta) Empty() bool { return d.Sent == 0 && d.Failed == 0 }

type entry struct {
	campaignID string
	total      int
	sent       int
	failed     int
	inflight   int // taken but not yet settled
	persisted  int // last sent+failed seen from the store
}

func (e *entry) known() int { return e.persisted + e.inflight + e.sent + e.failed }

// Buffer accumulates outcomes per batch between flushes. All access goes
// through one mutex; Take and TakeAll swap buffered counts out atomically
// so no outcome is flushed twice or lost.
type Buffer struct {
	mu         sync.Mutex
	flushEvery int
	entries    map[string]*entry
}

func NewBuffer(flushEvery int) *Buffer {
	if flushEvery <= 0 {
		flushEvery = 1
	}
	return &Buffer{flushEvery: flushEvery, entries: make(map[string]*entry)}
}

// Add buffers one outcome and reports whether the batch should be flushed
// now: either FlushEvery outcomes are waiting or the locally known count
// could reach the batch total.
func (b *Buffer) Add(campaignID, batchID string, total int, success bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[batchID]
	if !ok {
		e = &entry{campaignID: campaignID, total: total}
		b.entries[batchID] = e
	}
	if success {
		e.sent++
	} else {
		e.failed++
	}
	return e.sent+e.failed >= b.flushEvery || e.known() >= e.total
}

// Take moves the batch's buffered counts in flight and returns them.
func (b *Buffer) Take(batchID string) Delta {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[batchID]
	if !ok {
		return Delta{}
	}
	return e.take()
}

// TakeAll does Take for every batch with buffered outcomes.
func (b *Buffer) TakeAll() map[string]Delta {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Delta)
	for id, e := range b.entries {
		if e.sent+e.failed == 0 {
			continue
		}
		out[id] = e.take()
	}
	return out
}

func (e *entry) take() Delta {
	d := Delta{CampaignID: e.campaignID, Sent: e.sent, Failed: e.failed}
	e.inflight += e.sent + e.failed
	e.sent, e.failed = 0, 0
	return d
}

// Settle finishes a flush. persisted is the store's sent+failed after the
// increment; a negative value means the flush failed and d is buffered again.
func (b *Buffer) Settle(batchID string, d Delta, persisted int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[batchID]
	if !ok {
		return
	}
	e.inflight -= d.Sent + d.Failed
	if persisted < 0 {
		e.sent += d.Sent
		e.failed += d.Failed
		return
	}
	if persisted > e.persisted {
		e.persisted = persisted
	}
	if e.persisted >= e.total && e.inflight == 0 && e.sent+e.failed == 0 {
		delete(b.entries, batchID)
	}
}

// CampaignID returns the campaign of a buffered batch.
func (b *Buffer) CampaignID(batchID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[batchID]
	if !ok {
		return "", false
	}
	return e.campaignID, true
}

// Forget drops a batch that reached a terminal state elsewhere.
func (b *Buffer) Forget(batchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[batchID]; ok && e.inflight == 0 && e.sent+e.failed == 0 {
		delete(b.entries, batchID)
	}
}

// Pending returns the number of buffered, unflushed outcomes.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		n += e.sent + e.failed
	}
	return n
}
