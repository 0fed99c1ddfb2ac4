package escalation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"servicedesk-notification/internal/clock"
	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/metrics"
	"servicedesk-notification/internal/models"
	"servicedesk-notification/internal/store"
)

// Manager drives multi-level escalation instances through their state
// machine. All mutations to one instance are serialized behind a
// per-instance lock; cancellation wins over an in-flight tick because the
// status is re-checked via compare-and-set before every commit.
type Manager struct {
	store    store.EscalationStore
	clock    clock.Clock
	logger   *logging.Logger
	tickets  Tickets
	executor StepExecutor

	locks [lockStripes]sync.Mutex
}

// lockStripes bounds the per-key lock table: keys hash onto a fixed set
// of mutexes instead of growing a map entry per instance forever.
const lockStripes = 64

// NewManager constructs an escalation Manager.
func NewManager(st store.EscalationStore, clk clock.Clock, tickets Tickets, executor StepExecutor, logger *logging.Logger) *Manager {
	return &Manager{
		store:    st,
		clock:    clk,
		logger:   logger,
		tickets:  tickets,
		executor: executor,
	}
}

// EvaluateEvent matches an inbound ticket event against the active
// escalation rules and triggers instances for rules whose conditions
// hold. Events without a ticket reference cannot seed escalations.
func (m *Manager) EvaluateEvent(ctx context.Context, event models.NotificationEvent) {
	if event.TicketID == nil {
		return
	}
	rules, err := m.store.ListActiveEscalationRules(ctx)
	if err != nil {
		m.logger.Errorf("Failed to load escalation rules: %v", err)
		return
	}
	for _, rule := range rules {
		matched, err := ruleMatches(rule, event)
		if err != nil {
			m.logger.Warnf("Skipping escalation rule %s (%s): %v", rule.ID, rule.Name, err)
			continue
		}
		if !matched {
			continue
		}
		if _, err := m.Trigger(ctx, rule.ID, *event.TicketID); err != nil {
			m.logger.Errorf("Failed to trigger escalation rule %s for ticket %d: %v", rule.ID, *event.TicketID, err)
		}
	}
}

// Trigger opens an escalation instance for (ruleID, subjectID). It is
// idempotent: while an instance for the pair is still active, repeated
// triggers return it unchanged.
func (m *Manager) Trigger(ctx context.Context, ruleID string, subjectID int64) (models.EscalationInstance, error) {
	lock := m.lockFor(fmt.Sprintf("trigger/%s/%d", ruleID, subjectID))
	lock.Lock()
	defer lock.Unlock()

	if existing, err := m.store.GetActiveEscalationInstance(ctx, ruleID, subjectID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.EscalationInstance{}, fmt.Errorf("failed to check active instance: %w", err)
	}

	rule, err := m.store.GetEscalationRule(ctx, ruleID)
	if err != nil {
		return models.EscalationInstance{}, fmt.Errorf("failed to load escalation rule %s: %w", ruleID, err)
	}
	if !rule.IsActive {
		return models.EscalationInstance{}, fmt.Errorf("escalation rule %s is inactive", ruleID)
	}

	now := m.clock.Now()
	inst := models.EscalationInstance{
		ID:              uuid.New().String(),
		RuleID:          ruleID,
		SubjectID:       subjectID,
		EscalationLevel: 1,
		Status:          models.EscalationStatusPending,
		TriggeredAt:     now,
		NextActionAt:    &now, // level 1 fires on the next sweep
		UpdatedAt:       now,
	}
	if err := m.store.CreateEscalationInstance(ctx, inst); err != nil {
		return models.EscalationInstance{}, fmt.Errorf("failed to create escalation instance: %w", err)
	}
	metrics.EscalationTransitions.WithLabelValues(models.EscalationStatusPending).Inc()
	m.logger.Infof("Escalation instance %s opened (rule=%s subject=%d)", inst.ID, ruleID, subjectID)
	return inst, nil
}

// Tick advances every pending instance whose next action is due. Errors
// are isolated per instance; the returned slice holds the instances that
// were advanced, in no particular order.
func (m *Manager) Tick(ctx context.Context, now time.Time) []models.EscalationInstance {
	due, err := m.store.ListDueEscalationInstances(ctx, now)
	if err != nil {
		m.logger.Errorf("Failed to list due escalation instances: %v", err)
		return nil
	}

	var advanced []models.EscalationInstance
	for _, inst := range due {
		updated, err := m.advance(ctx, inst.ID, now)
		if err != nil {
			m.logger.Errorf("Failed to advance escalation instance %s: %v", inst.ID, err)
			continue
		}
		if updated != nil {
			advanced = append(advanced, *updated)
		}
	}
	return advanced
}

// Cancel forces an instance to cancelled from any non-terminal state.
// Cancellation is terminal and never revisited; cancelling a terminal
// instance is a benign no-op.
func (m *Manager) Cancel(ctx context.Context, instanceID string) error {
	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := m.store.GetEscalationInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if models.TerminalEscalationStatus(inst.Status) {
		return nil
	}
	ok, err := m.store.TransitionEscalationStatus(ctx, instanceID, inst.Status, models.EscalationStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to cancel escalation instance %s: %w", instanceID, err)
	}
	if ok {
		metrics.EscalationTransitions.WithLabelValues(models.EscalationStatusCancelled).Inc()
		m.logger.Infof("Escalation instance %s cancelled", instanceID)
	}
	return nil
}

// CancelForSubject cancels every active instance for a subject, used when
// the ticket is closed or deleted externally.
func (m *Manager) CancelForSubject(ctx context.Context, subjectID int64) error {
	instances, err := m.store.ListEscalationInstancesBySubject(ctx, subjectID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if !inst.Active() {
			continue
		}
		if err := m.Cancel(ctx, inst.ID); err != nil {
			m.logger.Errorf("Failed to cancel instance %s for subject %d: %v", inst.ID, subjectID, err)
		}
	}
	return nil
}

// advance runs one escalation cycle for an instance. The pending->executing
// compare-and-set claims the instance; losing it means the instance was
// cancelled or another sweep got there first, both benign.
func (m *Manager) advance(ctx context.Context, instanceID string, now time.Time) (*models.EscalationInstance, error) {
	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	ok, err := m.store.TransitionEscalationStatus(ctx, instanceID, models.EscalationStatusPending, models.EscalationStatusExecuting)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	metrics.EscalationTransitions.WithLabelValues(models.EscalationStatusExecuting).Inc()

	inst, err := m.store.GetEscalationInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	rule, err := m.store.GetEscalationRule(ctx, inst.RuleID)
	if err != nil || !rule.IsActive {
		// The rule was deleted or disabled under the instance; stop the chain.
		if cerr := m.commit(ctx, &inst, models.EscalationStatusCancelled); cerr != nil {
			return nil, cerr
		}
		m.logger.Warnf("Escalation instance %s cancelled, rule %s unavailable", inst.ID, inst.RuleID)
		return &inst, nil
	}

	// Subject state decides completion and cancellation before any step runs.
	if resolved, err := m.tickets.IsSubjectResolved(ctx, inst.SubjectID); err != nil {
		m.logger.Warnf("Cannot read subject %d state, keeping instance %s executing until next sweep: %v", inst.SubjectID, inst.ID, err)
		return nil, m.requeue(ctx, &inst, now.Add(time.Minute))
	} else if resolved {
		if err := m.commit(ctx, &inst, models.EscalationStatusCompleted); err != nil {
			return nil, err
		}
		m.logger.Infof("Escalation instance %s completed, subject %d resolved", inst.ID, inst.SubjectID)
		return &inst, nil
	}

	if open, err := m.tickets.IsSubjectOpen(ctx, inst.SubjectID); err == nil && !open {
		if err := m.commit(ctx, &inst, models.EscalationStatusCancelled); err != nil {
			return nil, err
		}
		m.logger.Infof("Escalation instance %s cancelled, subject %d closed", inst.ID, inst.SubjectID)
		return &inst, nil
	}

	// Run every step in this cycle even when earlier ones fail; the cycle
	// fails only when all of them do.
	allFailed := len(rule.Actions) > 0
	for _, step := range rule.Actions {
		stepErr := m.executor.Execute(ctx, rule, inst, step)
		record := models.ExecutedAction{
			Level:      inst.EscalationLevel,
			ActionType: step.Type,
			ExecutedAt: now,
			Success:    stepErr == nil,
		}
		outcome := "success"
		if stepErr != nil {
			record.Error = stepErr.Error()
			outcome = "error"
			m.logger.Warnf("Escalation step %s failed for instance %s level %d: %v", step.Type, inst.ID, inst.EscalationLevel, stepErr)
		} else {
			allFailed = false
		}
		metrics.EscalationActions.WithLabelValues(step.Type, outcome).Inc()
		inst.ExecutedActions = append(inst.ExecutedActions, record)
	}
	inst.LastActionAt = &now

	switch {
	case allFailed:
		if err := m.commit(ctx, &inst, models.EscalationStatusFailed); err != nil {
			return nil, err
		}
	case inst.EscalationLevel >= rule.MaxEscalations:
		// The last level's actions always run before completion.
		if err := m.commit(ctx, &inst, models.EscalationStatusCompleted); err != nil {
			return nil, err
		}
	default:
		inst.EscalationLevel++
		next := now.Add(rule.Cooldown())
		inst.NextActionAt = &next
		if err := m.commit(ctx, &inst, models.EscalationStatusPending); err != nil {
			return nil, err
		}
	}
	return &inst, nil
}

// commit persists the instance's fields and then compare-and-sets
// executing -> target. If the CAS loses, an external Cancel won the race
// and the terminal status stands.
func (m *Manager) commit(ctx context.Context, inst *models.EscalationInstance, target string) error {
	if err := m.store.UpdateEscalationInstance(ctx, *inst); err != nil {
		return err
	}
	ok, err := m.store.TransitionEscalationStatus(ctx, inst.ID, models.EscalationStatusExecuting, target)
	if err != nil {
		return err
	}
	if !ok {
		current, gerr := m.store.GetEscalationInstance(ctx, inst.ID)
		if gerr == nil {
			inst.Status = current.Status
		}
		m.logger.Infof("Escalation instance %s transition to %s lost to a concurrent %s", inst.ID, target, inst.Status)
		return nil
	}
	inst.Status = target
	metrics.EscalationTransitions.WithLabelValues(target).Inc()
	return nil
}

// requeue pushes an executing instance back to pending with a later
// next action, used when the subject state is temporarily unreadable.
func (m *Manager) requeue(ctx context.Context, inst *models.EscalationInstance, at time.Time) error {
	inst.NextActionAt = &at
	return m.commit(ctx, inst, models.EscalationStatusPending)
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.locks[h.Sum32()%lockStripes]
}

func ruleMatches(rule models.EscalationRule, event models.NotificationEvent) (bool, error) {
	if len(rule.Conditions) == 0 {
		return false, nil // escalation rules never match implicitly
	}
	for _, cond := range rule.Conditions {
		ok, err := cond.Matches(event)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
