package domain

import "time"

// ProviderType identifies the transport behind a configured provider.
type ProviderType string

const (
	ProviderSparkPost ProviderType = "sparkpost"
	ProviderSES       ProviderType = "ses"
	ProviderMailgun   ProviderType = "mailgun"
	ProviderSendGrid  ProviderType = "sendgrid"
	ProviderSMTP      ProviderType = "smtp"
)

// SendTask is the unit of work for one recipient. It is consumed exactly once.
type SendTask struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batch_id"`
	CampaignID string    `json:"campaign_id"`
	BatchTotal int       `json:"batch_total"`
	Recipient  Recipient `json:"recipient"`
	Payload    Payload   `json:"payload"`
}

// Outcome is the result of processing one SendTask.
type Outcome struct {
	Success   bool      `json:"success"`
	Provider  string    `json:"provider,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// EventName names a progress notification.
type EventName string

const (
	EventEmailSent         EventName = "email-sent"
	EventEmailFailed       EventName = "email-failed"
	EventBatchCompleted    EventName = "batch-completed"
	EventBatchFailed       EventName = "batch-failed"
	EventCampaignCompleted EventName = "campaign-completed"
)

// Event is a best-effort progress notification.
type Event struct {
	Name       EventName `json:"event"`
	CampaignID string    `json:"campaignId"`
	JobID      string    `json:"jobId,omitempty"`
	Email      string    `json:"email,omitempty"`
	Counts     Progress  `json:"counts"`
	Status     string    `json:"status,omitempty"`
	At         time.Time `json:"at"`
}
