package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// AttachmentRef points at a stored attachment that is resolved at send time.
type AttachmentRef struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// ContactFilter selects the contacts a campaign is sent to.
type ContactFilter struct {
	ListIDs []string `json:"list_ids,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Campaign represents an email campaign with its content and aggregate stats.
type Campaign struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Name        string          `json:"name" db:"name"`
	Subject     string          `json:"subject" db:"subject"`
	FromName    string          `json:"from_name" db:"from_name"`
	FromEmail   string          `json:"from_email" db:"from_email"`
	ReplyTo     string          `json:"reply_to" db:"reply_to"`
	HTMLBody    string          `json:"html_body" db:"html_body"`
	TextBody    string          `json:"text_body" db:"text_body"`
	Attachments []AttachmentRef `json:"attachments,omitempty" db:"attachments"`
	Status      CampaignStatus  `json:"status" db:"status"`

	// Aggregates rolled up from completed batches.
	Stats Progress `json:"stats"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignFailed
}

// Payload returns the content every recipient task of this campaign carries.
func (c *Campaign) Payload() Payload {
	return Payload{
		Subject:     c.Subject,
		FromName:    c.FromName,
		FromEmail:   c.FromEmail,
		ReplyTo:     c.ReplyTo,
		HTMLBody:    c.HTMLBody,
		TextBody:    c.TextBody,
		Attachments: c.Attachments,
	}
}

// Payload is the unrendered message content shared by a campaign's recipients.
type Payload struct {
	Subject     string          `json:"subject"`
	FromName    string          `json:"from_name"`
	FromEmail   string          `json:"from_email"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	HTMLBody    string          `json:"html_body,omitempty"`
	TextBody    string          `json:"text_body,omitempty"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// Recipient is a single addressee of a campaign.
type Recipient struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}
