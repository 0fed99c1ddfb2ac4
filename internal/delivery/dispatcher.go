package delivery

import (
	"context"
	"errors"
	"fmt"

	"servicedesk-notification/internal/batch"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/metrics"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/store"
)

// Channel sends one flushed batch over a concrete transport. The batch
// configuration carries the channel-specific settings.
type Channel interface {
	Name() string
	Send(ctx context.Context, b models.NotificationBatch, cfg models.BatchConfiguration) error
}

// Deduper remembers delivered batch ids so retries of an already
// delivered batch become no-ops. Marking happens only after a successful
// send, so a failed attempt stays retryable.
type Deduper interface {
	AlreadyDelivered(ctx context.Context, batchID string) (bool, error)
	MarkDelivered(ctx context.Context, batchID string) error
}

// Dispatcher routes ready batches to their configured channel. It
// implements the batching engine's Sink.
type Dispatcher struct {
	store    store.BatchStore
	channels map[string]Channel
	dedupe   Deduper
	logger   *logging.Logger
}

// NewDispatcher constructs a Dispatcher. dedupe may be nil, in which case
// idempotency relies solely on the channels.
func NewDispatcher(st store.BatchStore, dedupe Deduper, logger *logging.Logger, channels ...Channel) *Dispatcher {
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Dispatcher{store: st, channels: byName, dedupe: dedupe, logger: logger}
}

// Deliver hands the batch to its channel. The batch id is the delivery
// key: a batch already recorded by the deduper is skipped successfully.
func (d *Dispatcher) Deliver(ctx context.Context, b models.NotificationBatch) error {
	cfg, err := d.store.GetBatchConfigByKey(ctx, b.BatchKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to resolve configuration for batch %s: %w", b.ID, err)
		}
		cfg = models.BatchConfiguration{BatchKey: b.BatchKey, Channel: models.ChannelWebSocket}
	}

	ch, ok := d.channels[cfg.Channel]
	if !ok {
		return fmt.Errorf("%w: no channel %q configured", batch.ErrPermanentDelivery, cfg.Channel)
	}

	if d.dedupe != nil {
		done, err := d.dedupe.AlreadyDelivered(ctx, b.ID)
		if err != nil {
			// Dedupe cache trouble degrades to at-least-once.
			d.logger.Warnf("Dedupe check failed for batch %s, delivering anyway: %v", b.ID, err)
		} else if done {
			metrics.DeliveryDuplicates.Inc()
			d.logger.Infof("Batch %s already delivered, skipping", b.ID)
			return nil
		}
	}

	if err := ch.Send(ctx, b, cfg); err != nil {
		metrics.DeliveryAttempts.WithLabelValues(cfg.Channel, "error").Inc()
		return fmt.Errorf("channel %s: %w", cfg.Channel, err)
	}
	if d.dedupe != nil {
		if err := d.dedupe.MarkDelivered(ctx, b.ID); err != nil {
			d.logger.Warnf("Failed to record delivery of batch %s: %v", b.ID, err)
		}
	}
	metrics.DeliveryAttempts.WithLabelValues(cfg.Channel, "success").Inc()
	return nil
}
