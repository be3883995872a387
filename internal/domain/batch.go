package domain

import "time"

// BatchStatus enumerates the lifecycle of a batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// Progress holds outcome counters. Sent+Failed never exceeds Total.
type Progress struct {
	Total  int `json:"total" db:"total"`
	Sent   int `json:"sent" db:"sent"`
	Failed int `json:"failed" db:"failed"`
}

// Done reports whether every recipient has an outcome.
func (p Progress) Done() bool {
	return p.Total > 0 && p.Sent+p.Failed >= p.Total
}

// Pending returns the number of recipients still without an outcome.
func (p Progress) Pending() int {
	n := p.Total - p.Sent - p.Failed
	if n < 0 {
		return 0
	}
	return n
}

// Batch is a bounded, ordered slice of a campaign's recipients.
type Batch struct {
	ID          string      `json:"id" db:"id"`
	CampaignID  string      `json:"campaign_id" db:"campaign_id"`
	Number      int         `json:"number" db:"number"`
	Recipients  []Recipient `json:"recipients" db:"recipients"`
	Status      BatchStatus `json:"status" db:"status"`
	Progress    Progress    `json:"progress"`
	Error       string      `json:"error,omitempty" db:"error"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty" db:"next_retry_at"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// Recipient returns the batch member with the given address.
func (b *Batch) Recipient(email string) (Recipient, bool) {
	for _, r := range b.Recipients {
		if r.Email == email {
			return r, true
		}
	}
	return Recipient{}, false
}

// ErrorLogEntry records one failed delivery inside a batch.
type ErrorLogEntry struct {
	BatchID    string    `json:"batch_id" db:"batch_id"`
	Email      string    `json:"email" db:"email"`
	Message    string    `json:"message" db:"message"`
	RetryCount int       `json:"retry_count" db:"retry_count"`
	Resolved   bool      `json:"resolved" db:"resolved"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// RetryCandidate is a batch with unresolved failures still under the retry ceiling.
type RetryCandidate struct {
	BatchID       string `json:"batch_id"`
	CampaignID    string `json:"campaign_id"`
	Unresolved    int    `json:"unresolved"`
	MaxRetryCount int    `json:"max_retry_count"`
}
