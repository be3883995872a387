package provider

import (
	"context"
	"errors"

	"github.com/mailgun/mailgun-go/v4"
)

// Mailgun sends through the Mailgun messages API.
type Mailgun struct {
	client mailgun.Mailgun
	domain string
}

// NewMailgun creates a Mailgun transport. baseURL selects the region
// (e.g. https://api.eu.mailgun.net/v3); empty keeps the SDK default.
func NewMailgun(domain, apiKey, baseURL string) *Mailgun {
	client := mailgun.NewMailgun(domain, apiKey)
	if baseURL != "" {
		client.SetAPIBase(baseURL)
	}
	return &Mailgun{client: client, domain: domain}
}

// SendMessage delivers a single message through Mailgun.
func (m *Mailgun) SendMessage(ctx context.Context, msg *Message) (*Receipt, error) {
	if m.domain == "" {
		return nil, &SendError{Provider: "mailgun", Err: ErrNotConfigured}
	}

	message := mailgun.NewMessage(msg.From.String(), msg.Subject, msg.Text, msg.To.String())
	if msg.HTML != "" {
		message.SetHTML(msg.HTML)
	}
	if msg.ReplyTo != "" {
		message.SetReplyTo(msg.ReplyTo)
	}
	for key, value := range msg.Headers {
		message.AddHeader(key, value)
	}
	for key, value := range msg.Metadata {
		message.AddVariable(key, value)
	}
	for _, a := range msg.Attachments {
		message.AddBufferAttachment(a.Filename, a.Data)
	}

	_, id, err := m.client.Send(ctx, message)
	if err != nil {
		var ure *mailgun.UnexpectedResponseError
		if errors.As(err, &ure) {
			return nil, &SendError{Provider: "mailgun", StatusCode: ure.Actual, Body: string(ure.Data), Err: err}
		}
		return nil, &SendError{Provider: "mailgun", Err: err}
	}
	return &Receipt{MessageID: id}, nil
}
