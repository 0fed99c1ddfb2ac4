package escalation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
)

type capturingNotifier struct {
	events []models.NotificationEvent
}

func (n *capturingNotifier) QueueEvent(e models.NotificationEvent) {
	n.events = append(n.events, e)
}

func executorFixture() (*Executor, *capturingNotifier, *fakeTickets, models.EscalationRule, models.EscalationInstance) {
	notifier := &capturingNotifier{}
	tickets := newFakeTickets()
	x := NewExecutor(notifier, tickets, logging.NewNop())
	rule := models.EscalationRule{ID: "r1", Name: "unattended urgent", MaxEscalations: 3}
	inst := models.EscalationInstance{ID: "i1", RuleID: "r1", SubjectID: 42, EscalationLevel: 2, TriggeredAt: testStart}
	return x, notifier, tickets, rule, inst
}

func TestExecuteNotifyUsers(t *testing.T) {
	x, notifier, _, rule, inst := executorFixture()

	// Params arrive JSON-decoded, so numbers are float64.
	step := models.EscalationStep{
		Type:   models.EscalationActionNotifyUsers,
		Params: map[string]interface{}{"user_ids": []interface{}{float64(5), float64(6)}},
	}
	require.NoError(t, x.Execute(context.Background(), rule, inst, step))

	require.Len(t, notifier.events, 1)
	e := notifier.events[0]
	assert.Equal(t, "ticket_escalated", e.Type)
	assert.Equal(t, []int64{5, 6}, e.TargetUserIDs)
	require.NotNil(t, e.TicketID)
	assert.Equal(t, int64(42), *e.TicketID)
	assert.Equal(t, models.PriorityHigh, e.Priority)
	assert.Equal(t, 2, e.Payload["escalation_level"])
	assert.Equal(t, "unattended urgent", e.Payload["rule_name"])
}

func TestExecuteNotifyUsersMissingIDs(t *testing.T) {
	x, notifier, _, rule, inst := executorFixture()
	step := models.EscalationStep{Type: models.EscalationActionNotifyUsers}
	assert.Error(t, x.Execute(context.Background(), rule, inst, step))
	assert.Empty(t, notifier.events)
}

func TestExecuteNotifyRole(t *testing.T) {
	x, notifier, tickets, rule, inst := executorFixture()
	tickets.roles["supervisor"] = []int64{11, 12}

	step := models.EscalationStep{
		Type:   models.EscalationActionNotifyRole,
		Params: map[string]interface{}{"role": "supervisor"},
	}
	require.NoError(t, x.Execute(context.Background(), rule, inst, step))

	require.Len(t, notifier.events, 1)
	assert.Equal(t, []int64{11, 12}, notifier.events[0].TargetUserIDs)
}

func TestExecuteNotifyRoleEmpty(t *testing.T) {
	x, notifier, _, rule, inst := executorFixture()
	step := models.EscalationStep{
		Type:   models.EscalationActionNotifyRole,
		Params: map[string]interface{}{"role": "night-shift"},
	}
	assert.Error(t, x.Execute(context.Background(), rule, inst, step))
	assert.Empty(t, notifier.events)
}

func TestExecuteReassign(t *testing.T) {
	x, _, tickets, rule, inst := executorFixture()
	step := models.EscalationStep{
		Type:   models.EscalationActionReassign,
		Params: map[string]interface{}{"assignee_id": float64(77)},
	}
	require.NoError(t, x.Execute(context.Background(), rule, inst, step))
	assert.Equal(t, []int64{77}, tickets.reassigned)
}

func TestExecuteRaisePriority(t *testing.T) {
	x, _, tickets, rule, inst := executorFixture()
	step := models.EscalationStep{Type: models.EscalationActionRaisePriority}
	require.NoError(t, x.Execute(context.Background(), rule, inst, step))
	assert.Equal(t, []int64{42}, tickets.raised)
}

func TestExecuteUnknownAction(t *testing.T) {
	x, _, _, rule, inst := executorFixture()
	step := models.EscalationStep{Type: "page_everyone"}
	assert.Error(t, x.Execute(context.Background(), rule, inst, step))
}
