package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() NotificationEvent {
	ticketID := int64(42)
	return NotificationEvent{
		Type:          "ticket_updated",
		TargetUserIDs: []int64{7},
		TicketID:      &ticketID,
		Priority:      PriorityHigh,
		Payload: map[string]interface{}{
			"category":    "network",
			"reopened":    true,
			"error_count": 3,
		},
		OccurredAt: time.Now(),
	}
}

func TestConditionEquality(t *testing.T) {
	e := testEvent()

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"type eq match", Condition{Field: "type", Operator: OpEQ, Value: "ticket_updated"}, true},
		{"type eq miss", Condition{Field: "type", Operator: OpEQ, Value: "ticket_created"}, false},
		{"type neq", Condition{Field: "type", Operator: OpNEQ, Value: "ticket_created"}, true},
		{"payload string", Condition{Field: "payload.category", Operator: OpEQ, Value: "network"}, true},
		{"payload bool", Condition{Field: "payload.reopened", Operator: OpEQ, Value: true}, true},
		{"ticket id", Condition{Field: "ticket_id", Operator: OpEQ, Value: 42}, true},
		// JSON decoding turns numbers into float64; eq must still match.
		{"numeric coercion", Condition{Field: "payload.error_count", Operator: OpEQ, Value: float64(3)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cond.Matches(e)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConditionPriorityOrdering(t *testing.T) {
	e := testEvent() // priority high

	gte, err := Condition{Field: "priority", Operator: OpGTE, Value: PriorityNormal}.Matches(e)
	require.NoError(t, err)
	assert.True(t, gte)

	gt, err := Condition{Field: "priority", Operator: OpGT, Value: PriorityUrgent}.Matches(e)
	require.NoError(t, err)
	assert.False(t, gt)

	lt, err := Condition{Field: "priority", Operator: OpLT, Value: PriorityUrgent}.Matches(e)
	require.NoError(t, err)
	assert.True(t, lt)
}

func TestConditionInAndContains(t *testing.T) {
	e := testEvent()

	in, err := Condition{Field: "type", Operator: OpIn, Value: []interface{}{"ticket_created", "ticket_updated"}}.Matches(e)
	require.NoError(t, err)
	assert.True(t, in)

	notIn, err := Condition{Field: "type", Operator: OpIn, Value: []interface{}{"comment_added"}}.Matches(e)
	require.NoError(t, err)
	assert.False(t, notIn)

	contains, err := Condition{Field: "payload.category", Operator: OpContains, Value: "net"}.Matches(e)
	require.NoError(t, err)
	assert.True(t, contains)
}

func TestConditionMissingFieldNeverMatches(t *testing.T) {
	e := testEvent()
	got, err := Condition{Field: "payload.absent", Operator: OpEQ, Value: "x"}.Matches(e)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestConditionMalformed(t *testing.T) {
	e := testEvent()

	_, err := Condition{Field: "type", Operator: "matches", Value: "x"}.Matches(e)
	assert.Error(t, err)

	_, err = Condition{Field: "payload.category", Operator: OpGT, Value: "network"}.Matches(e)
	assert.Error(t, err)

	_, err = Condition{Field: "type", Operator: OpIn, Value: "not-a-list"}.Matches(e)
	assert.Error(t, err)

	_, err = Condition{Field: "payload.reopened", Operator: OpContains, Value: "tr"}.Matches(e)
	assert.Error(t, err)
}

func TestEventValidate(t *testing.T) {
	e := testEvent()
	require.NoError(t, e.Validate())

	noType := e
	noType.Type = ""
	assert.Error(t, noType.Validate())

	noTargets := e
	noTargets.TargetUserIDs = nil
	assert.Error(t, noTargets.Validate())

	badPriority := e
	badPriority.Priority = "sev1"
	assert.Error(t, badPriority.Validate())
}
