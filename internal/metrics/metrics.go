package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts events entering the pipeline by source
	// (http, kafka, escalation).
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_events_ingested_total",
		Help: "Notification events entering the pipeline.",
	}, []string{"source"})

	// FilterDecisions counts filter outcomes by action.
	FilterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_filter_decisions_total",
		Help: "Filter engine decisions by action.",
	}, []string{"action"})

	// BatchesFlushed counts flushed batches by trigger (size, time).
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_batches_flushed_total",
		Help: "Batches flushed to the delivery boundary.",
	}, []string{"trigger"})

	// DeliveryAttempts counts delivery handoffs by channel and outcome.
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_delivery_attempts_total",
		Help: "Delivery attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	// DeliveryDuplicates counts batches skipped by the dedupe cache.
	DeliveryDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_delivery_duplicates_total",
		Help: "Deliveries skipped because the batch id was already delivered.",
	})

	// EscalationActions counts executed escalation action steps by type
	// and outcome.
	EscalationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_escalation_actions_total",
		Help: "Escalation action steps executed by type and outcome.",
	}, []string{"action", "outcome"})

	// EscalationTransitions counts instance state transitions.
	EscalationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_escalation_transitions_total",
		Help: "Escalation instance transitions by target status.",
	}, []string{"status"})
)
