package escalation

import (
	"context"
	"fmt"

	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
)

// Notifier feeds notification events produced by escalation steps back
// into the filtering pipeline.
type Notifier interface {
	QueueEvent(event models.NotificationEvent)
}

// Tickets is the read/act boundary to the ticket system. The engine only
// reads subject state and applies the two mutating escalation actions.
type Tickets interface {
	IsSubjectResolved(ctx context.Context, subjectID int64) (bool, error)
	IsSubjectOpen(ctx context.Context, subjectID int64) (bool, error)
	UsersInRole(ctx context.Context, role string) ([]int64, error)
	Reassign(ctx context.Context, ticketID, assigneeID int64) error
	RaisePriority(ctx context.Context, ticketID int64) error
}

// StepExecutor runs one escalation action step.
type StepExecutor interface {
	Execute(ctx context.Context, rule models.EscalationRule, inst models.EscalationInstance, step models.EscalationStep) error
}

// Executor is the default StepExecutor. Notification steps emit events
// through the Notifier; ticket steps call through to the ticket boundary.
type Executor struct {
	notifier Notifier
	tickets  Tickets
	logger   *logging.Logger
}

// NewExecutor constructs the default step executor.
func NewExecutor(notifier Notifier, tickets Tickets, logger *logging.Logger) *Executor {
	return &Executor{notifier: notifier, tickets: tickets, logger: logger}
}

func (x *Executor) Execute(ctx context.Context, rule models.EscalationRule, inst models.EscalationInstance, step models.EscalationStep) error {
	switch step.Type {
	case models.EscalationActionNotifyUsers:
		userIDs := paramUserIDs(step.Params["user_ids"])
		if len(userIDs) == 0 {
			return fmt.Errorf("notify_users step has no user_ids")
		}
		x.notifier.QueueEvent(escalationEvent(rule, inst, userIDs))
		return nil

	case models.EscalationActionNotifyRole:
		role, _ := step.Params["role"].(string)
		if role == "" {
			return fmt.Errorf("notify_role step has no role")
		}
		userIDs, err := x.tickets.UsersInRole(ctx, role)
		if err != nil {
			return fmt.Errorf("failed to resolve role %q: %w", role, err)
		}
		if len(userIDs) == 0 {
			return fmt.Errorf("role %q has no members", role)
		}
		x.notifier.QueueEvent(escalationEvent(rule, inst, userIDs))
		return nil

	case models.EscalationActionReassign:
		assignee, ok := paramInt64(step.Params["assignee_id"])
		if !ok {
			return fmt.Errorf("reassign step has no assignee_id")
		}
		if err := x.tickets.Reassign(ctx, inst.SubjectID, assignee); err != nil {
			return fmt.Errorf("failed to reassign ticket %d: %w", inst.SubjectID, err)
		}
		return nil

	case models.EscalationActionRaisePriority:
		if err := x.tickets.RaisePriority(ctx, inst.SubjectID); err != nil {
			return fmt.Errorf("failed to raise priority of ticket %d: %w", inst.SubjectID, err)
		}
		return nil
	}
	return fmt.Errorf("unknown escalation action %q", step.Type)
}

// escalationEvent builds the notification an escalation cycle emits. It
// re-enters the pipeline through the filter engine like any other event.
func escalationEvent(rule models.EscalationRule, inst models.EscalationInstance, userIDs []int64) models.NotificationEvent {
	subject := inst.SubjectID
	return models.NotificationEvent{
		Type:          "ticket_escalated",
		TargetUserIDs: userIDs,
		TicketID:      &subject,
		Priority:      models.PriorityHigh,
		Payload: map[string]interface{}{
			"rule_id":          rule.ID,
			"rule_name":        rule.Name,
			"escalation_level": inst.EscalationLevel,
			"max_escalations":  rule.MaxEscalations,
		},
		OccurredAt: inst.TriggeredAt,
	}
}

func paramUserIDs(v interface{}) []int64 {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []int64
	for _, item := range list {
		if id, ok := paramInt64(item); ok {
			out = append(out, id)
		}
	}
	return out
}

func paramInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
