// Package notify delivers report lines to chat channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Publisher sends one line of text to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel, text string) error
}

// LogPublisher writes lines to the service log.
type LogPublisher struct {
	log *zap.SugaredLogger
}

// NewLogPublisher creates a publisher logging through log.
func NewLogPublisher(log *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, channel, text string) error {
	p.log.Infow("report", "channel", channel, "text", text)
	return nil
}

// WebhookPublisher posts lines as JSON to a chat bridge.
type WebhookPublisher struct {
	url    string
	client *http.Client
}

// WebhookOption configures a WebhookPublisher.
type WebhookOption func(*WebhookPublisher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) {
		p.client = c
	}
}

// NewWebhookPublisher creates a publisher posting to url.
func NewWebhookPublisher(url string, opts ...WebhookOption) *WebhookPublisher {
	p := &WebhookPublisher{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Message is the webhook request body.
type Message struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Publish implements Publisher. Non-2xx responses are errors.
func (p *WebhookPublisher) Publish(ctx context.Context, channel, text string) error {
	body, err := json.Marshal(Message{Channel: channel, Text: text})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("posting message: %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	return nil
}
