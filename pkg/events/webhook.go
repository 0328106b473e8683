package events

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chat-dispatch/pkg/callout"
	"chat-dispatch/pkg/models"
)

// WebhookDeliverer POSTs each event as JSON to the human-service endpoint
type WebhookDeliverer struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

func NewWebhookDeliverer(url string, timeout time.Duration, httpClient *http.Client) *WebhookDeliverer {
	if httpClient == nil {
		httpClient = callout.DefaultHTTPClient()
	}
	return &WebhookDeliverer{url: url, timeout: timeout, httpClient: httpClient}
}

func (w *WebhookDeliverer) Deliver(ctx context.Context, ev models.TicketEvent) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	if err := callout.DoJSON(ctx, w.httpClient, callout.JSONRequest{
		Method: http.MethodPost,
		URL:    w.url,
		Body:   ev,
	}); err != nil {
		return fmt.Errorf("webhook delivery of %s for ticket %s: %w", ev.Type, ev.TicketID, err)
	}
	return nil
}
