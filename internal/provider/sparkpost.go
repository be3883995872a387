package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SparkPost sends through the SparkPost Transmissions API.
type SparkPost struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSparkPost creates a transport targeting the SparkPost v1 API. An empty
// baseURL uses the US endpoint.
func NewSparkPost(apiKey, baseURL string, timeout time.Duration) *SparkPost {
	if baseURL == "" {
		baseURL = "https://api.sparkpost.com/api/v1"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SparkPost{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type sparkPostAttachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

// SendMessage delivers a single message through SparkPost.
func (s *SparkPost) SendMessage(ctx context.Context, msg *Message) (*Receipt, error) {
	if s.apiKey == "" {
		return nil, &SendError{Provider: "sparkpost", Err: ErrNotConfigured}
	}

	content := map[string]interface{}{
		"from":    map[string]string{"email": msg.From.Email, "name": msg.From.Name},
		"subject": msg.Subject,
		"html":    msg.HTML,
		"text":    msg.Text,
	}
	if msg.ReplyTo != "" {
		content["reply_to"] = msg.ReplyTo
	}
	if len(msg.Headers) > 0 {
		content["headers"] = msg.Headers
	}
	if len(msg.Attachments) > 0 {
		atts := make([]sparkPostAttachment, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			atts = append(atts, sparkPostAttachment{
				Name: a.Filename,
				Type: a.ContentType,
				Data: base64.StdEncoding.EncodeToString(a.Data),
			})
		}
		content["attachments"] = atts
	}

	transmission := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.To.Email, "name": msg.To.Name}},
		},
		"content":  content,
		"metadata": msg.Metadata,
	}

	jsonData, err := json.Marshal(transmission)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transmissions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &SendError{Provider: "sparkpost", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, &SendError{Provider: "sparkpost", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &SendError{Provider: "sparkpost", Err: fmt.Errorf("decode response: %w", err)}
	}

	return &Receipt{MessageID: result.Results.ID}, nil
}
