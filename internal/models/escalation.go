package models

import (
	"fmt"
	"time"
)

// Escalation action step types.
const (
	EscalationActionNotifyUsers   = "notify_users"
	EscalationActionNotifyRole    = "notify_role"
	EscalationActionReassign      = "reassign"
	EscalationActionRaisePriority = "raise_priority"
)

// Escalation instance statuses.
const (
	EscalationStatusPending   = "pending"
	EscalationStatusExecuting = "executing"
	EscalationStatusCompleted = "completed"
	EscalationStatusFailed    = "failed"
	EscalationStatusCancelled = "cancelled"
)

// TerminalEscalationStatus reports whether a status ends the instance
// lifecycle.
func TerminalEscalationStatus(s string) bool {
	switch s {
	case EscalationStatusCompleted, EscalationStatusFailed, EscalationStatusCancelled:
		return true
	}
	return false
}

// EscalationStep is one action in a rule's ordered action list, executed
// once per escalation level.
type EscalationStep struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Validate checks the step type is known.
func (s EscalationStep) Validate() error {
	switch s.Type {
	case EscalationActionNotifyUsers, EscalationActionNotifyRole,
		EscalationActionReassign, EscalationActionRaisePriority:
		return nil
	}
	return fmt.Errorf("unknown escalation action %q", s.Type)
}

// EscalationRule defines a multi-level escalation chain. Admin-owned
// configuration.
type EscalationRule struct {
	ID                    string           `json:"id"`
	Name                  string           `json:"name"`
	Conditions            []Condition      `json:"conditions"`
	Actions               []EscalationStep `json:"actions"`
	Priority              int              `json:"priority"`
	CooldownPeriodMinutes int              `json:"cooldown_period_minutes"`
	MaxEscalations        int              `json:"max_escalations"`
	IsActive              bool             `json:"is_active"`
	CreatedBy             int64            `json:"created_by"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Validate applies the admin-surface rules for escalation rules.
func (r EscalationRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.MaxEscalations < 1 {
		return fmt.Errorf("max_escalations must be >= 1")
	}
	if r.CooldownPeriodMinutes < 0 {
		return fmt.Errorf("cooldown_period_minutes must be >= 0")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	for _, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	for _, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Cooldown returns the minimum time between successive escalation levels.
func (r EscalationRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownPeriodMinutes) * time.Minute
}

// ExecutedAction is one entry in an instance's append-only audit log.
type ExecutedAction struct {
	Level      int       `json:"level"`
	ActionType string    `json:"action_type"`
	ExecutedAt time.Time `json:"executed_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// EscalationInstance is the engine-owned runtime state of one escalation
// chain for one subject. At most one active instance exists per
// (ruleID, subjectID).
type EscalationInstance struct {
	ID              string           `json:"id"`
	RuleID          string           `json:"rule_id"`
	SubjectID       int64            `json:"subject_id"`
	EscalationLevel int              `json:"escalation_level"`
	Status          string           `json:"status"`
	TriggeredAt     time.Time        `json:"triggered_at"`
	LastActionAt    *time.Time       `json:"last_action_at,omitempty"`
	NextActionAt    *time.Time       `json:"next_action_at,omitempty"`
	ExecutedActions []ExecutedAction `json:"executed_actions"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Active reports whether the instance still blocks new triggers for its
// (rule, subject) pair.
func (i EscalationInstance) Active() bool {
	return !TerminalEscalationStatus(i.Status)
}
