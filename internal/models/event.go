package models

import (
	"fmt"
	"time"
)

// Priority levels for notification events. Ordered low to urgent.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// priorityRank maps priorities to their sort order for bucketing.
var priorityRank = map[string]int{
	PriorityLow:    1,
	PriorityNormal: 2,
	PriorityHigh:   3,
	PriorityUrgent: 4,
}

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p string) bool {
	_, ok := priorityRank[p]
	return ok
}

// PriorityBucket returns the grouping bucket name for a priority,
// defaulting to normal for unknown values.
func PriorityBucket(p string) string {
	if ValidPriority(p) {
		return p
	}
	return PriorityNormal
}

// NotificationEvent is the ephemeral input to the pipeline. It is never
// persisted on its own: it is filtered out, merged into a batch, or used
// to seed an escalation instance.
type NotificationEvent struct {
	Type          string                 `json:"type"`
	TargetUserIDs []int64                `json:"target_user_ids"`
	TicketID      *int64                 `json:"ticket_id,omitempty"`
	Priority      string                 `json:"priority"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
}

// Validate checks the minimum shape required before an event enters the pipeline.
func (e NotificationEvent) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if len(e.TargetUserIDs) == 0 {
		return fmt.Errorf("event has no target users")
	}
	if e.Priority != "" && !ValidPriority(e.Priority) {
		return fmt.Errorf("unknown priority %q", e.Priority)
	}
	return nil
}

// Field resolves a named event field for rule condition evaluation.
// Payload keys are addressed as "payload.<key>".
func (e NotificationEvent) Field(name string) (interface{}, bool) {
	switch name {
	case "type":
		return e.Type, true
	case "priority":
		return e.Priority, true
	case "ticket_id":
		if e.TicketID == nil {
			return nil, false
		}
		return *e.TicketID, true
	}
	if len(name) > 8 && name[:8] == "payload." {
		v, ok := e.Payload[name[8:]]
		return v, ok
	}
	return nil, false
}
