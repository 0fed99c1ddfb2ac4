// Package scheduler drives the periodic sweeps: flushing batches whose wait
// window expired, retrying failed deliveries, and advancing escalations whose
// next action is due.
package scheduler

import (
	"context"
	"sync"
	"time"

	"servicedesk-notification/internal/batch"
	"servicedesk-notification/internal/clock"
	"servicedesk-notification/internal/escalation"
	"servicedesk-notification/internal/logging"
)

// Scheduler owns the sweep ticker. Each sweep kind runs at most once at a
// time; if a sweep is still in flight when the next tick fires, the tick is
// skipped for that kind rather than stacked behind it.
type Scheduler struct {
	batcher     *batch.Engine
	escalations *escalation.Manager
	clock       clock.Clock
	interval    time.Duration
	logger      *logging.Logger

	batchBusy      sync.Mutex
	escalationBusy sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler sweeping at the given interval.
func New(batcher *batch.Engine, escalations *escalation.Manager, clk clock.Clock, interval time.Duration, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		batcher:     batcher,
		escalations: escalations,
		clock:       clk,
		interval:    interval,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	s.logger.Infof("Scheduler started, sweeping every %s", s.interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs both sweep kinds once. Exported so tests and operators can
// force a sweep without waiting for the ticker.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.clock.Now()
	go s.sweepBatches(ctx, now)
	go s.sweepEscalations(ctx, now)
}

func (s *Scheduler) sweepBatches(ctx context.Context, now time.Time) {
	if !s.batchBusy.TryLock() {
		s.logger.Debugf("Batch sweep still running, skipping tick")
		return
	}
	defer s.batchBusy.Unlock()
	s.batcher.FlushDue(ctx, now)
	s.batcher.RetryDue(ctx, now)
}

func (s *Scheduler) sweepEscalations(ctx context.Context, now time.Time) {
	if !s.escalationBusy.TryLock() {
		s.logger.Debugf("Escalation sweep still running, skipping tick")
		return
	}
	defer s.escalationBusy.Unlock()
	s.escalations.Tick(ctx, now)
}
