package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tripwire/fim/internal/alert"
)

// DefaultWebhookTimeout bounds a single webhook request.
const DefaultWebhookTimeout = 10 * time.Second

// Webhook POSTs each alert as a JSON document. Any response status of 400 or
// above is a delivery failure.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns a Webhook posting to url. A zero timeout uses
// DefaultWebhookTimeout.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	alert.Alert
	Title string `json:"title"`
}

// Send implements alert.Channel.
func (w *Webhook) Send(ctx context.Context, a alert.Alert) error {
	body, err := json.Marshal(webhookPayload{Alert: a, Title: a.Title()})
	if err != nil {
		return fmt.Errorf("notify: webhook: marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notify: webhook: %s returned %s", w.url, resp.Status)
	}
	return nil
}
