package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"orb-trader/internal/models"
	"orb-trader/internal/security"
)

// WebhookNotifier posts each breakout event as JSON to a URL.
// It satisfies trading.EventSink and store.Recorder.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// URL returns the target URL.
func (w *WebhookNotifier) URL() string {
	return w.url
}

type webhookPayload struct {
	Type    string               `json:"type"`
	Message string               `json:"message"`
	Event   models.BreakoutEvent `json:"event"`
}

// Record posts the event. Any non-2xx status is an error.
func (w *WebhookNotifier) Record(ctx context.Context, event models.BreakoutEvent) error {
	body, err := json.Marshal(webhookPayload{
		Type:    "breakout",
		Message: event.LogLine(),
		Event:   event,
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ORBTrader/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = security.RedactURL(urlErr.URL)
		}
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
