package provider

import (
	"context"
	"encoding/base64"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGrid sends through the SendGrid v3 mail/send endpoint.
type SendGrid struct {
	apiKey string
	host   string
}

// NewSendGrid creates a SendGrid transport. An empty host uses the public API.
func NewSendGrid(apiKey, host string) *SendGrid {
	if host == "" {
		host = "https://api.sendgrid.com"
	}
	return &SendGrid{apiKey: apiKey, host: host}
}

// SendMessage delivers a single message through SendGrid.
func (s *SendGrid) SendMessage(ctx context.Context, msg *Message) (*Receipt, error) {
	if s.apiKey == "" {
		return nil, &SendError{Provider: "sendgrid", Err: ErrNotConfigured}
	}

	from := mail.NewEmail(msg.From.Name, msg.From.Email)
	to := mail.NewEmail(msg.To.Name, msg.To.Email)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Text, msg.HTML)

	if msg.ReplyTo != "" {
		message.SetReplyTo(mail.NewEmail("", msg.ReplyTo))
	}
	if len(msg.Headers) > 0 {
		message.Headers = make(map[string]string, len(msg.Headers))
		for key, value := range msg.Headers {
			message.Headers[key] = value
		}
	}
	for key, value := range msg.Metadata {
		message.SetCustomArg(key, value)
	}
	for _, a := range msg.Attachments {
		att := mail.NewAttachment()
		att.SetFilename(a.Filename)
		att.SetType(a.ContentType)
		att.SetDisposition("attachment")
		att.SetContent(base64.StdEncoding.EncodeToString(a.Data))
		message.AddAttachment(att)
	}

	request := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	request.Method = "POST"
	request.Body = mail.GetRequestBody(message)

	response, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return nil, &SendError{Provider: "sendgrid", Err: err}
	}
	if response.StatusCode >= 400 {
		return nil, &SendError{Provider: "sendgrid", StatusCode: response.StatusCode, Body: response.Body}
	}

	// SendGrid returns the id in X-Message-Id
	messageID := ""
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		messageID = ids[0]
	}
	return &Receipt{MessageID: messageID}, nil
}
