package models

import (
	"fmt"
	"time"
)

// Filter actions. Exactly one rule's action applies per event: first match
// by ascending priority, ties broken by rule id.
const (
	FilterActionBlock          = "block"
	FilterActionAllow          = "allow"
	FilterActionDelay          = "delay"
	FilterActionModify         = "modify"
	FilterActionPriorityChange = "priority_change"
)

// FilterRule decides whether and how an event is forwarded. Admin-owned
// configuration, soft-disabled via IsActive.
type FilterRule struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Conditions   []Condition            `json:"conditions"`
	Action       string                 `json:"action"`
	ActionParams map[string]interface{} `json:"action_params,omitempty"`
	Priority     int                    `json:"priority"`
	IsActive     bool                   `json:"is_active"`
	OwnerUserID  *int64                 `json:"owner_user_id,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Validate checks rule shape on create/update.
func (r FilterRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	switch r.Action {
	case FilterActionBlock, FilterActionAllow:
	case FilterActionDelay:
		if _, ok := toFloat(r.ActionParams["delay_ms"]); !ok {
			return fmt.Errorf("delay action requires numeric action_params.delay_ms")
		}
	case FilterActionPriorityChange:
		p, _ := r.ActionParams["priority"].(string)
		if !ValidPriority(p) {
			return fmt.Errorf("priority_change action requires a valid action_params.priority")
		}
	case FilterActionModify:
		if len(r.ActionParams) == 0 {
			return fmt.Errorf("modify action requires action_params")
		}
	default:
		return fmt.Errorf("unknown filter action %q", r.Action)
	}
	for _, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DelayDuration returns the configured delay for a delay rule.
func (r FilterRule) DelayDuration() time.Duration {
	ms, _ := toFloat(r.ActionParams["delay_ms"])
	return time.Duration(ms) * time.Millisecond
}
