package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"servicedesk-notification/internal/batch"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
)

// webhookChannelConfig holds the endpoint for one stream.
type webhookChannelConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// WebhookChannel POSTs flushed batches as JSON to a configured endpoint.
// The batch id travels in a header as the idempotent delivery key.
type WebhookChannel struct {
	client *http.Client
	logger *logging.Logger
}

// NewWebhookChannel constructs the webhook channel.
func NewWebhookChannel(logger *logging.Logger) *WebhookChannel {
	return &WebhookChannel{
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (c *WebhookChannel) Name() string { return models.ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, b models.NotificationBatch, cfg models.BatchConfiguration) error {
	var wc webhookChannelConfig
	if err := decodeChannelConfig(cfg.ChannelConfig, &wc); err != nil {
		return fmt.Errorf("%w: invalid webhook configuration for %s: %v", batch.ErrPermanentDelivery, cfg.BatchKey, err)
	}
	if wc.URL == "" {
		return fmt.Errorf("%w: missing url in webhook configuration for %s", batch.ErrPermanentDelivery, cfg.BatchKey)
	}

	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal batch %s: %v", batch.ErrPermanentDelivery, b.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: invalid webhook url %q: %v", batch.ErrPermanentDelivery, wc.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Key", b.ID)
	if wc.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+wc.Secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST to %s failed: %w", wc.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: webhook %s rejected batch %s with status %d", batch.ErrPermanentDelivery, wc.URL, b.ID, resp.StatusCode)
	default:
		return fmt.Errorf("webhook %s returned status %d for batch %s", wc.URL, resp.StatusCode, b.ID)
	}
}
