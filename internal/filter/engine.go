package filter

import (
	"context"
	"fmt"
	"time"

	"servicedesk-notification/internal/clock"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/metrics"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/store"
)

// Decision is the outcome of evaluating one event against the rule set.
// Event carries the possibly rewritten event to forward downstream.
type Decision struct {
	Action     string
	RuleID     string
	DelayUntil *time.Time
	Event      models.NotificationEvent
}

// Engine evaluates notification events against the ordered filter rule
// set. Evaluation is pure over the supplied rules: the first matching
// rule's action applies, no rule match defaults to allow, and malformed
// rules are skipped (fail-open).
type Engine struct {
	store  store.FilterRuleStore
	clock  clock.Clock
	logger *logging.Logger
}

// New constructs a filter Engine.
func New(st store.FilterRuleStore, clk clock.Clock, logger *logging.Logger) *Engine {
	return &Engine{store: st, clock: clk, logger: logger}
}

// Evaluate loads the active rules and returns the decision for event.
// Rule loading errors fail open to allow so notifications are never
// silently lost.
func (e *Engine) Evaluate(ctx context.Context, event models.NotificationEvent) Decision {
	rules, err := e.store.ListActiveFilterRules(ctx)
	if err != nil {
		e.logger.Errorf("Failed to load filter rules, allowing event type=%s: %v", event.Type, err)
		metrics.FilterDecisions.WithLabelValues(models.FilterActionAllow).Inc()
		return Decision{Action: models.FilterActionAllow, Event: event}
	}
	return e.EvaluateAgainst(event, rules)
}

// EvaluateAgainst applies an explicit rule set, assumed ordered by
// (priority asc, id asc). Exposed so callers holding a rule snapshot get
// deterministic decisions.
func (e *Engine) EvaluateAgainst(event models.NotificationEvent, rules []models.FilterRule) Decision {
	for _, rule := range rules {
		matched, err := ruleMatches(rule, event)
		if err != nil {
			// Malformed conditions never abort evaluation of the
			// remaining rules.
			e.logger.Warnf("Skipping filter rule %s (%s): %v", rule.ID, rule.Name, err)
			continue
		}
		if !matched {
			continue
		}
		d := e.apply(rule, event)
		metrics.FilterDecisions.WithLabelValues(d.Action).Inc()
		return d
	}
	metrics.FilterDecisions.WithLabelValues(models.FilterActionAllow).Inc()
	return Decision{Action: models.FilterActionAllow, Event: event}
}

func ruleMatches(rule models.FilterRule, event models.NotificationEvent) (bool, error) {
	if len(rule.Conditions) == 0 {
		return true, nil
	}
	for _, cond := range rule.Conditions {
		ok, err := cond.Matches(event)
		if err != nil {
			return false, fmt.Errorf("condition on %q: %w", cond.Field, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) apply(rule models.FilterRule, event models.NotificationEvent) Decision {
	d := Decision{Action: rule.Action, RuleID: rule.ID, Event: event}

	switch rule.Action {
	case models.FilterActionBlock, models.FilterActionAllow:

	case models.FilterActionDelay:
		until := e.clock.Now().Add(rule.DelayDuration())
		d.DelayUntil = &until

	case models.FilterActionPriorityChange:
		if p, ok := rule.ActionParams["priority"].(string); ok && models.ValidPriority(p) {
			d.Event.Priority = p
		} else {
			e.logger.Warnf("Filter rule %s has invalid priority_change params, forwarding unchanged", rule.ID)
			d.Action = models.FilterActionAllow
		}

	case models.FilterActionModify:
		d.Event = applyModification(rule.ActionParams, d.Event)

	default:
		e.logger.Warnf("Filter rule %s has unknown action %q, allowing", rule.ID, rule.Action)
		d.Action = models.FilterActionAllow
	}
	return d
}

// applyModification rewrites priority and payload fields from the rule's
// action params. Payload keys are set under "payload.<key>" params; the
// original event is not mutated.
func applyModification(params map[string]interface{}, event models.NotificationEvent) models.NotificationEvent {
	out := event
	out.Payload = make(map[string]interface{}, len(event.Payload))
	for k, v := range event.Payload {
		out.Payload[k] = v
	}
	for k, v := range params {
		switch {
		case k == "priority":
			if p, ok := v.(string); ok && models.ValidPriority(p) {
				out.Priority = p
			}
		case len(k) > 8 && k[:8] == "payload.":
			out.Payload[k[8:]] = v
		}
	}
	return out
}
