package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ashita-ai/musubi/internal/model"
)

// WebhookSubscriber POSTs each message as JSON to a fixed URL. Non-2xx
// responses count as delivery failures.
type WebhookSubscriber struct {
	client *http.Client
	url    string
}

// NewWebhookSubscriber validates the target URL and returns a subscriber
// delivering to it. A nil client falls back to http.DefaultClient.
func NewWebhookSubscriber(rawURL string, client *http.Client) (*WebhookSubscriber, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, model.E(model.KindValidation, "webhook url must be absolute http(s): %q", rawURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSubscriber{client: client, url: rawURL}, nil
}

// Deliver implements Subscriber.
func (w *WebhookSubscriber) Deliver(ctx context.Context, msg model.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("webhook: marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Musubi-Topic", msg.Headers.Topic)
	req.Header.Set("X-Musubi-Message-ID", msg.Headers.MessageID.String())

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post %s: %w", w.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: post %s: unexpected status %d", w.url, resp.StatusCode)
	}
	return nil
}
