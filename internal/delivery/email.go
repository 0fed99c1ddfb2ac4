package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"servicedesk-notification/internal/batch"
	"servicedesk-notification/internal/config"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
)

// emailChannelConfig is the per-stream channel configuration for email.
type emailChannelConfig struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
}

// EmailChannel sends batches as digest emails over SMTP.
type EmailChannel struct {
	cfg    config.Config
	dial   func(m ...*gomail.Message) error
	logger *logging.Logger
}

// NewEmailChannel constructs the email channel from the global SMTP
// settings.
func NewEmailChannel(cfg config.Config, logger *logging.Logger) *EmailChannel {
	dialer := gomail.NewDialer(cfg.Email.SMTPServer, cfg.Email.SMTPPort, cfg.Email.Username, cfg.Email.Password)
	return &EmailChannel{cfg: cfg, dial: dialer.DialAndSend, logger: logger}
}

func (c *EmailChannel) Name() string { return models.ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, b models.NotificationBatch, cfg models.BatchConfiguration) error {
	var ec emailChannelConfig
	if err := decodeChannelConfig(cfg.ChannelConfig, &ec); err != nil {
		return fmt.Errorf("%w: invalid email configuration for %s: %v", batch.ErrPermanentDelivery, cfg.BatchKey, err)
	}
	if len(ec.Recipients) == 0 {
		return fmt.Errorf("%w: email configuration for %s has no recipients", batch.ErrPermanentDelivery, cfg.BatchKey)
	}
	if c.cfg.Email.SMTPServer == "" || c.cfg.Email.Username == "" {
		return fmt.Errorf("%w: SMTP is not configured", batch.ErrPermanentDelivery)
	}

	subject := ec.Subject
	if subject == "" {
		subject = fmt.Sprintf("%d notification(s): %s", len(b.Notifications), b.BatchKey)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", c.cfg.Email.Username, c.cfg.Email.FromName)
	m.SetHeader("To", ec.Recipients...)
	m.SetHeader("Subject", subject)
	// Delivery key lets downstream filters drop resends of the same batch.
	m.SetHeader("X-Delivery-Key", b.ID)
	m.SetBody("text/plain", renderDigest(b))

	done := make(chan error, 1)
	go func() { done <- c.dial(m) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send digest for batch %s: %w", b.ID, err)
		}
	}
	return nil
}

// renderDigest flattens the batch into a plain-text digest, one line per
// notification in submission order.
func renderDigest(b models.NotificationBatch) string {
	var sb strings.Builder
	for i, n := range b.Notifications {
		fmt.Fprintf(&sb, "%d. [%s] %s", i+1, n.Priority, n.Type)
		if n.TicketID != nil {
			fmt.Fprintf(&sb, " (ticket #%d)", *n.TicketID)
		}
		if msg, ok := n.Payload["message"].(string); ok {
			sb.WriteString(": ")
			sb.WriteString(msg)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// decodeChannelConfig round-trips the loosely typed channel config into
// a channel-specific struct.
func decodeChannelConfig(raw map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
