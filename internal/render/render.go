// Package render turns a campaign payload and a recipient into a provider
// message: Liquid personalisation of subject and bodies plus attachment
// resolution.
package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/provider"
)

// AttachmentStore fetches attachment bytes by key.
type AttachmentStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Renderer personalises messages. Parsed templates are cached by content
// hash, so one campaign's templates are parsed once per process.
type Renderer struct {
	engine      *liquid.Engine
	cache       sync.Map // map[string]*liquid.Template
	attachments AttachmentStore
}

// New creates a Renderer. attachments may be nil when campaigns carry none.
func New(attachments AttachmentStore) *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "there" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return &Renderer{engine: engine, attachments: attachments}
}

// Render builds the message for one send task.
func (r *Renderer) Render(ctx context.Context, task domain.SendTask) (*provider.Message, error) {
	bindings := Bindings(task.CampaignID, task.Recipient)
	p := task.Payload

	subject, err := r.render(p.Subject, bindings)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	text, err := r.render(p.TextBody, bindings)
	if err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}
	html, err := r.render(p.HTMLBody, bindings)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	msg := &provider.Message{
		ID:      task.ID,
		From:    provider.Address{Name: p.FromName, Email: p.FromEmail},
		To:      provider.Address{Name: task.Recipient.Name, Email: task.Recipient.Email},
		ReplyTo: p.ReplyTo,
		Subject: subject,
		Text:    text,
		HTML:    html,
		Metadata: map[string]string{
			"campaign_id":  task.CampaignID,
			"batch_id":     task.BatchID,
			"recipient_id": task.Recipient.ID,
		},
	}

	for _, ref := range p.Attachments {
		if r.attachments == nil {
			return nil, fmt.Errorf("attachment %q: no attachment store configured", ref.Key)
		}
		data, err := r.attachments.Get(ctx, ref.Key)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", ref.Key, err)
		}
		msg.Attachments = append(msg.Attachments, provider.Attachment{
			Filename:    ref.Filename,
			ContentType: ref.ContentType,
			Data:        data,
		})
	}
	return msg, nil
}

// Bindings returns the template variables available for a recipient.
func Bindings(campaignID string, rcpt domain.Recipient) map[string]interface{} {
	first := rcpt.Name
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	return map[string]interface{}{
		"name":         rcpt.Name,
		"first_name":   first,
		"email":        rcpt.Email,
		"recipient_id": rcpt.ID,
		"campaign_id":  campaignID,
	}
}

func (r *Renderer) render(src string, bindings map[string]interface{}) (string, error) {
	if src == "" || !strings.Contains(src, "{") {
		return src, nil
	}

	sum := sha256.Sum256([]byte(src))
	key := hex.EncodeToString(sum[:])

	var tpl *liquid.Template
	if cached, ok := r.cache.Load(key); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		r.cache.Store(key, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}
