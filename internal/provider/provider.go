// Package provider delivers rendered messages through external email
// providers and fails over between them in priority order.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
)

var (
	// ErrNoProviders means the router was built without any transports.
	// It is a configuration error and is never retried.
	ErrNoProviders = errors.New("no providers configured")

	// ErrAmbiguousPriority means two providers share a priority value.
	ErrAmbiguousPriority = errors.New("providers share a priority")

	// ErrNotConfigured is returned by a transport missing credentials.
	ErrNotConfigured = errors.New("provider not configured")
)

// Transport sends one message and returns the provider's message id.
type Transport interface {
	SendMessage(ctx context.Context, msg *Message) (*Receipt, error)
}

// Closer is implemented by transports holding connections.
type Closer interface {
	Close() error
}

// Address is a display name and mailbox.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Attachment is resolved file content attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a fully rendered email for a single recipient.
type Message struct {
	ID          string
	From        Address
	To          Address
	ReplyTo     string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
	Headers     map[string]string
	// Metadata is forwarded to providers that support tagging.
	Metadata map[string]string
}

// Receipt is what a provider returns on acceptance.
type Receipt struct {
	MessageID string
}

// SendError is a provider rejection or transport failure.
type SendError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *SendError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	default:
		return e.Provider + ": send failed"
	}
}

func (e *SendError) Unwrap() error { return e.Err }

// Temporary reports whether the provider signalled a retryable condition.
func (e *SendError) Temporary() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Config binds a transport to a name and a priority. Lower priorities are
// tried first.
type Config struct {
	Name      string
	Priority  int
	Transport Transport
}
