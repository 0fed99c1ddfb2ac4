package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"servicedesk-notification/internal/clock"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/metrics"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/store"
)

// Sink is the external delivery boundary. Deliver must be idempotent
// given a stable batch id, since retries resend the same id.
type Sink interface {
	Deliver(ctx context.Context, batch models.NotificationBatch) error
}

// ErrPermanentDelivery marks delivery errors that retrying cannot fix
// (bad channel configuration, rejected payloads). Sinks wrap it; the
// engine fails such batches terminally instead of burning attempts.
var ErrPermanentDelivery = errors.New("permanent delivery error")

// Options bound delivery handoff behavior.
type Options struct {
	DeliveryTimeout   time.Duration
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
}

func (o *Options) fillDefaults() {
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 10 * time.Second
	}
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = 3
	}
	if o.RetryInitialDelay <= 0 {
		o.RetryInitialDelay = 2 * time.Second
	}
}

type deferredEvent struct {
	event models.NotificationEvent
	at    time.Time
}

// Engine groups allowed events into time and size bounded batches and
// flushes them to the delivery sink. Flush is idempotent: only the
// pending->ready transition triggers delivery, so the size-triggered and
// time-triggered paths race safely.
type Engine struct {
	store  store.BatchStore
	clock  clock.Clock
	logger *logging.Logger
	sink   Sink
	opts   Options

	mu       sync.Mutex
	open     map[string]string // (batchKey, groupKey) -> accumulating batch id
	deferred []deferredEvent

	wg sync.WaitGroup
}

// New constructs a batching Engine.
func New(st store.BatchStore, clk clock.Clock, sink Sink, logger *logging.Logger, opts Options) *Engine {
	opts.fillDefaults()
	return &Engine{
		store:  st,
		clock:  clk,
		logger: logger,
		sink:   sink,
		opts:   opts,
		open:   make(map[string]string),
	}
}

// Submit adds an event to its accumulating batch. It never waits on
// delivery I/O: a size-triggered flush runs asynchronously.
func (e *Engine) Submit(ctx context.Context, event models.NotificationEvent) error {
	cfg, err := e.store.GetBatchConfigByKey(ctx, event.Type)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to resolve batch configuration for %s: %w", event.Type, err)
		}
		// Streams without a configuration flush one event at a time.
		cfg = fallbackConfig(event.Type)
	}

	groupKey, err := e.groupKey(cfg, event)
	if err != nil {
		return err
	}

	batchID, full, err := e.accumulate(ctx, cfg, groupKey, event)
	if err != nil {
		return err
	}
	if full {
		e.flushAsync(batchID, "size")
	}
	return nil
}

// SubmitDelayed holds an event outside any batch until the given time;
// it enters accumulation on the first sweep after that.
func (e *Engine) SubmitDelayed(event models.NotificationEvent, until time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deferred = append(e.deferred, deferredEvent{event: event, at: until})
	e.logger.Debugf("Deferred event type=%s until %s", event.Type, until.Format(time.RFC3339))
}

// accumulate appends the event to the open batch for (batchKey, groupKey),
// creating the batch on first event. It reports whether the batch hit its
// size threshold.
func (e *Engine) accumulate(ctx context.Context, cfg models.BatchConfiguration, groupKey string, event models.NotificationEvent) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ref := cfg.BatchKey + "/" + groupKey
	now := e.clock.Now()

	if id, ok := e.open[ref]; ok {
		b, err := e.store.GetBatch(ctx, id)
		if err == nil && b.Status == models.BatchStatusPending {
			b.Notifications = append(b.Notifications, event)
			b.AddTargets(event.TargetUserIDs)
			// The append is guarded by the pending status: a flush CAS
			// landing between the read above and this write claims the
			// batch, and the event opens a fresh one instead.
			appended, err := e.store.AppendToBatch(ctx, b)
			if err != nil {
				return "", false, fmt.Errorf("failed to append to batch %s: %w", id, err)
			}
			if appended {
				full := len(b.Notifications) >= cfg.MaxBatchSize
				if full {
					// Retire the batch here, not in the async flush, so the
					// next submit cannot grow it past the size cap.
					delete(e.open, ref)
				}
				return id, full, nil
			}
		}
		// Already flushed by the timer or gone; fall through to a new batch.
		delete(e.open, ref)
	}

	b := models.NotificationBatch{
		ID:            uuid.New().String(),
		BatchKey:      cfg.BatchKey,
		GroupKey:      groupKey,
		Notifications: []models.NotificationEvent{event},
		CreatedAt:     now,
		ScheduledAt:   now.Add(cfg.MaxWait()),
		Status:        models.BatchStatusPending,
	}
	b.AddTargets(event.TargetUserIDs)
	if err := e.store.CreateBatch(ctx, b); err != nil {
		return "", false, fmt.Errorf("failed to create batch: %w", err)
	}
	if cfg.MaxBatchSize <= 1 {
		return b.ID, true, nil
	}
	e.open[ref] = b.ID
	return b.ID, false, nil
}

// FlushDue is the scheduler sweep: it re-submits deferred events whose
// hold time has passed and flushes pending batches past their deadline.
func (e *Engine) FlushDue(ctx context.Context, now time.Time) {
	for _, ev := range e.takeDueDeferred(now) {
		if err := e.Submit(ctx, ev); err != nil {
			e.logger.Errorf("Failed to submit deferred event type=%s: %v", ev.Type, err)
		}
	}

	due, err := e.store.ListDueBatches(ctx, now)
	if err != nil {
		e.logger.Errorf("Failed to list due batches: %v", err)
		return
	}
	for _, b := range due {
		// One bad batch never blocks the sweep from the rest.
		e.flush(ctx, b.ID, "time")
	}
}

// RetryDue re-attempts failed batches whose backoff delay has elapsed.
func (e *Engine) RetryDue(ctx context.Context, now time.Time) {
	retryable, err := e.store.ListRetryableBatches(ctx, now, e.opts.RetryMaxAttempts)
	if err != nil {
		e.logger.Errorf("Failed to list retryable batches: %v", err)
		return
	}
	for _, b := range retryable {
		ok, err := e.store.TransitionBatchStatus(ctx, b.ID, models.BatchStatusFailed, models.BatchStatusReady)
		if err != nil {
			e.logger.Errorf("Failed to mark batch %s for retry: %v", b.ID, err)
			continue
		}
		if !ok {
			continue
		}
		e.logger.Infof("Retrying batch %s (attempt %d)", b.ID, b.Attempts+1)
		e.deliver(b.ID)
	}
}

func (e *Engine) takeDueDeferred(now time.Time) []models.NotificationEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var due []models.NotificationEvent
	var remaining []deferredEvent
	for _, d := range e.deferred {
		if d.at.After(now) {
			remaining = append(remaining, d)
		} else {
			due = append(due, d.event)
		}
	}
	e.deferred = remaining
	return due
}

func (e *Engine) flushAsync(batchID, trigger string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.flush(context.Background(), batchID, trigger)
	}()
}

// flush transitions a batch pending->ready and hands it to the sink. A
// batch already past pending is someone else's flush; that attempt is
// a no-op.
func (e *Engine) flush(ctx context.Context, batchID, trigger string) {
	ok, err := e.store.TransitionBatchStatus(ctx, batchID, models.BatchStatusPending, models.BatchStatusReady)
	if err != nil {
		e.logger.Errorf("Failed to transition batch %s to ready: %v", batchID, err)
		return
	}
	if !ok {
		return
	}
	e.forget(batchID)
	metrics.BatchesFlushed.WithLabelValues(trigger).Inc()
	e.deliver(batchID)
}

// deliver hands a ready batch to the sink within the delivery timeout and
// records the outcome. On error the batch becomes failed with a doubling
// retry delay until the attempt budget is spent.
func (e *Engine) deliver(batchID string) {
	b, err := e.store.GetBatch(context.Background(), batchID)
	if err != nil {
		e.logger.Errorf("Failed to load ready batch %s: %v", batchID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.DeliveryTimeout)
	deliverErr := e.sink.Deliver(ctx, b)
	cancel()

	if deliverErr == nil {
		ok, err := e.store.TransitionBatchStatus(context.Background(), batchID, models.BatchStatusReady, models.BatchStatusProcessed)
		if err != nil {
			e.logger.Errorf("Failed to mark batch %s processed: %v", batchID, err)
		} else if !ok {
			e.logger.Warnf("Batch %s was no longer ready when marking processed", batchID)
		}
		e.logger.Infof("Batch %s delivered (%d notifications, %d recipients)", batchID, len(b.Notifications), len(b.TargetUserIDs))
		return
	}

	b.Attempts++
	b.LastError = deliverErr.Error()
	if errors.Is(deliverErr, ErrPermanentDelivery) {
		b.Attempts = e.opts.RetryMaxAttempts
	}
	if b.Attempts < e.opts.RetryMaxAttempts {
		delay := e.opts.RetryInitialDelay << (b.Attempts - 1)
		retryAt := e.clock.Now().Add(delay)
		b.RetryAt = &retryAt
		e.logger.Warnf("Batch %s delivery failed (attempt %d/%d), retrying at %s: %v",
			batchID, b.Attempts, e.opts.RetryMaxAttempts, retryAt.Format(time.RFC3339), deliverErr)
	} else {
		b.RetryAt = nil
		e.logger.Errorf("Batch %s delivery failed terminally after %d attempts: %v", batchID, b.Attempts, deliverErr)
	}
	// Bookkeeping lands while the batch is still ready, then the CAS moves
	// it to failed; ready batches are invisible to both sweeps, so the
	// intermediate state cannot be picked up with stale retry fields.
	if err := e.store.UpdateBatch(context.Background(), b); err != nil {
		e.logger.Errorf("Failed to record delivery failure for batch %s: %v", batchID, err)
		return
	}
	if ok, err := e.store.TransitionBatchStatus(context.Background(), batchID, models.BatchStatusReady, models.BatchStatusFailed); err != nil {
		e.logger.Errorf("Failed to mark batch %s failed: %v", batchID, err)
	} else if !ok {
		e.logger.Warnf("Batch %s was no longer ready when marking failed", batchID)
	}
}

func (e *Engine) forget(batchID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ref, id := range e.open {
		if id == batchID {
			delete(e.open, ref)
			return
		}
	}
}

// Wait blocks until in-flight asynchronous flushes settle. Used during
// shutdown and by tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) groupKey(cfg models.BatchConfiguration, event models.NotificationEvent) (string, error) {
	switch cfg.GroupBy {
	case models.GroupByUser:
		// Multi-recipient events group under their first target; the
		// batch still fans out to the full deduplicated recipient set.
		return strconv.FormatInt(event.TargetUserIDs[0], 10), nil
	case models.GroupByTicket:
		if event.TicketID == nil {
			return "no-ticket", nil
		}
		return strconv.FormatInt(*event.TicketID, 10), nil
	case models.GroupByType:
		return event.Type, nil
	case models.GroupByPriority:
		return models.PriorityBucket(event.Priority), nil
	case models.GroupByCustom:
		fn, ok := lookupGrouper(cfg.CustomGrouperID)
		if !ok {
			return "", fmt.Errorf("custom grouper %q is not registered", cfg.CustomGrouperID)
		}
		return fn(event), nil
	}
	return "", fmt.Errorf("unknown group_by %q", cfg.GroupBy)
}

func fallbackConfig(batchKey string) models.BatchConfiguration {
	return models.BatchConfiguration{
		BatchKey:     batchKey,
		MaxBatchSize: 1,
		GroupBy:      models.GroupByUser,
		Channel:      models.ChannelWebSocket,
		IsActive:     true,
	}
}
