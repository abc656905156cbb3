package notify

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"jobsched/internal/platform/httpclient"
)

// Webhook POSTs each change as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *httpclient.Client
}

// NewWebhook creates a webhook notifier. A nil client gets the defaults.
func NewWebhook(url string, client *httpclient.Client) *Webhook {
	if client == nil {
		client = httpclient.New()
	}
	return &Webhook{url: url, client: client}
}

type webhookPayload struct {
	ID string `json:"id"`
	Change
}

// Notify sends c. Every delivery carries a fresh id, repeated across retries,
// so receivers can drop duplicates.
func (w *Webhook) Notify(ctx context.Context, c Change) error {
	id := uuid.NewString()
	body, err := json.Marshal(webhookPayload{ID: id, Change: c})
	if err != nil {
		return err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Idempotency-Key", id)
	_, err = w.client.Send(ctx, http.MethodPost, w.url, body, h)
	return err
}
