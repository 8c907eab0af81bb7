package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"signal-kitchen/internal/domain"
)

// WebhookChannel posts the record JSON to a consumer-registered URL, with
// the consumer's webhook key as a bearer token.
type WebhookChannel struct {
	client *http.Client
}

func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Enabled(_ context.Context, c domain.Consumer) bool {
	return c.WebhookURL != ""
}

func (w *WebhookChannel) Send(ctx context.Context, c domain.Consumer, rec domain.SignalRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("webhook: marshal record: %w", err)
	}
	headers := map[string]string{"X-Signal-Key": rec.Key}
	if c.WebhookKey != "" {
		headers["Authorization"] = "Bearer " + c.WebhookKey
	}
	return postJSON(ctx, w.client, w.Name(), c.WebhookURL, body, headers)
}
