package notification

import (
	"context"
	"sync"

	"servicedesk-notification/internal/batch"
	"servicedesk-notification/internal/escalation"
	"servicedesk-notification/internal/filter"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/metrics"
	"servicedesk-notification/internal/models"
)

// Service is the ingestion pipeline. Events queued from Kafka or the HTTP
// API pass through the filter engine, feed the escalation manager, and end
// up in the batching engine unless a rule blocks them.
type Service struct {
	filter      *filter.Engine
	batcher     *batch.Engine
	escalations *escalation.Manager
	logger      *logging.Logger

	events     chan queuedEvent
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         *sync.WaitGroup
}

type queuedEvent struct {
	event  models.NotificationEvent
	source string
}

// New constructs the ingestion Service.
func New(f *filter.Engine, b *batch.Engine, esc *escalation.Manager, logger *logging.Logger, queueSize, maxWorkers int) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		filter:      f,
		batcher:     b,
		escalations: esc,
		logger:      logger,
		events:      make(chan queuedEvent, queueSize),
		maxWorkers:  maxWorkers,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Logger exposes the Service's logger to the Kafka consumer or caller.
func (s *Service) Logger() *logging.Logger {
	return s.logger
}

// Start launches the worker pool.
func (s *Service) Start(wg *sync.WaitGroup) {
	s.wg = wg
	for i := 0; i < s.maxWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop signals the workers to drain and exit.
func (s *Service) Stop() {
	s.cancel()
}

// QueueEvent enqueues a validated event for processing. Events are dropped
// with an error log when the queue is full so producers never block.
func (s *Service) QueueEvent(event models.NotificationEvent, source string) {
	select {
	case s.events <- queuedEvent{event: event, source: source}:
		s.logger.Debugf("Queued event: type=%s source=%s", event.Type, source)
	default:
		s.logger.Errorf("Queue full, dropping event: type=%s source=%s", event.Type, source)
	}
}

// worker processes events until context is cancelled.
func (s *Service) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Infof("Worker %d stopped", id)
			return
		case qe := <-s.events:
			s.handleEvent(qe)
		}
	}
}

// handleEvent runs one event through the pipeline. Escalation rules see the
// event before filtering so that suppressing a user notification cannot hide
// a breached SLA from the escalation engine.
func (s *Service) handleEvent(qe queuedEvent) {
	metrics.EventsIngested.WithLabelValues(qe.source).Inc()

	s.escalations.EvaluateEvent(s.ctx, qe.event)

	decision := s.filter.Evaluate(s.ctx, qe.event)
	switch decision.Action {
	case models.FilterActionBlock:
		s.logger.Infof("Event blocked by rule %s: type=%s", decision.RuleID, qe.event.Type)
		return
	case models.FilterActionDelay:
		s.logger.Infof("Event delayed until %s by rule %s: type=%s", decision.DelayUntil, decision.RuleID, qe.event.Type)
		s.batcher.SubmitDelayed(decision.Event, *decision.DelayUntil)
		return
	}

	if err := s.batcher.Submit(s.ctx, decision.Event); err != nil {
		s.logger.Errorf("Failed to batch event type=%s: %v", qe.event.Type, err)
	}
}
