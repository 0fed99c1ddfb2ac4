package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"servicedesk-notification/internal/models"
)

// Memory is an in-memory Store used by tests and local development. All
// methods are safe for concurrent use; values are copied on read so
// callers never share slices with the store.
type Memory struct {
	mu           sync.RWMutex
	filterRules  map[string]models.FilterRule
	batchConfigs map[string]models.BatchConfiguration
	batches      map[string]models.NotificationBatch
	escRules     map[string]models.EscalationRule
	escInstances map[string]models.EscalationInstance
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		filterRules:  make(map[string]models.FilterRule),
		batchConfigs: make(map[string]models.BatchConfiguration),
		batches:      make(map[string]models.NotificationBatch),
		escRules:     make(map[string]models.EscalationRule),
		escInstances: make(map[string]models.EscalationInstance),
	}
}

// --- filter rules ---

func (m *Memory) CreateFilterRule(_ context.Context, r models.FilterRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filterRules[r.ID] = copyFilterRule(r)
	return nil
}

func (m *Memory) GetFilterRule(_ context.Context, id string) (models.FilterRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.filterRules[id]
	if !ok {
		return models.FilterRule{}, ErrNotFound
	}
	return copyFilterRule(r), nil
}

func (m *Memory) ListActiveFilterRules(_ context.Context) ([]models.FilterRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rules []models.FilterRule
	for _, r := range m.filterRules {
		if r.IsActive {
			rules = append(rules, copyFilterRule(r))
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

func (m *Memory) ListFilterRules(_ context.Context) ([]models.FilterRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rules []models.FilterRule
	for _, r := range m.filterRules {
		rules = append(rules, copyFilterRule(r))
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (m *Memory) UpdateFilterRule(_ context.Context, r models.FilterRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.filterRules[r.ID]; !ok {
		return ErrNotFound
	}
	m.filterRules[r.ID] = copyFilterRule(r)
	return nil
}

func (m *Memory) DisableFilterRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.filterRules[id]
	if !ok {
		return ErrNotFound
	}
	r.IsActive = false
	m.filterRules[id] = r
	return nil
}

// --- batch configurations ---

func (m *Memory) CreateBatchConfig(_ context.Context, c models.BatchConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchConfigs[c.ID] = c
	return nil
}

func (m *Memory) GetBatchConfig(_ context.Context, id string) (models.BatchConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.batchConfigs[id]
	if !ok {
		return models.BatchConfiguration{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetBatchConfigByKey(_ context.Context, batchKey string) (models.BatchConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.batchConfigs {
		if c.BatchKey == batchKey && c.IsActive {
			return c, nil
		}
	}
	return models.BatchConfiguration{}, ErrNotFound
}

func (m *Memory) ListBatchConfigs(_ context.Context) ([]models.BatchConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var configs []models.BatchConfiguration
	for _, c := range m.batchConfigs {
		configs = append(configs, c)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].BatchKey < configs[j].BatchKey })
	return configs, nil
}

func (m *Memory) UpdateBatchConfig(_ context.Context, c models.BatchConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batchConfigs[c.ID]; !ok {
		return ErrNotFound
	}
	m.batchConfigs[c.ID] = c
	return nil
}

func (m *Memory) DisableBatchConfig(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.batchConfigs[id]
	if !ok {
		return ErrNotFound
	}
	c.IsActive = false
	m.batchConfigs[id] = c
	return nil
}

// --- batches ---

func (m *Memory) CreateBatch(_ context.Context, b models.NotificationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = copyBatch(b)
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (models.NotificationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return models.NotificationBatch{}, ErrNotFound
	}
	return copyBatch(b), nil
}

func (m *Memory) UpdateBatch(_ context.Context, b models.NotificationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.batches[b.ID]
	if !ok {
		return ErrNotFound
	}
	// Status moves only through TransitionBatchStatus.
	b.Status = existing.Status
	m.batches[b.ID] = copyBatch(b)
	return nil
}

func (m *Memory) AppendToBatch(_ context.Context, b models.NotificationBatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.batches[b.ID]
	if !ok || existing.Status != models.BatchStatusPending {
		return false, nil
	}
	existing.Notifications = append([]models.NotificationEvent(nil), b.Notifications...)
	existing.TargetUserIDs = append([]int64(nil), b.TargetUserIDs...)
	m.batches[b.ID] = existing
	return true, nil
}

func (m *Memory) ListDueBatches(_ context.Context, now time.Time) ([]models.NotificationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []models.NotificationBatch
	for _, b := range m.batches {
		if b.Status == models.BatchStatusPending && !b.ScheduledAt.After(now) {
			due = append(due, copyBatch(b))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	return due, nil
}

func (m *Memory) ListRetryableBatches(_ context.Context, now time.Time, maxAttempts int) ([]models.NotificationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []models.NotificationBatch
	for _, b := range m.batches {
		if b.Status == models.BatchStatusFailed && b.Attempts < maxAttempts &&
			b.RetryAt != nil && !b.RetryAt.After(now) {
			due = append(due, copyBatch(b))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RetryAt.Before(*due[j].RetryAt) })
	return due, nil
}

func (m *Memory) ListBatchesByStatus(_ context.Context, status string, limit int) ([]models.NotificationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.NotificationBatch
	for _, b := range m.batches {
		if b.Status == status {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TransitionBatchStatus(_ context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status != from {
		return false, nil
	}
	b.Status = to
	m.batches[id] = b
	return true, nil
}

// --- escalation rules ---

func (m *Memory) CreateEscalationRule(_ context.Context, r models.EscalationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escRules[r.ID] = copyEscalationRule(r)
	return nil
}

func (m *Memory) GetEscalationRule(_ context.Context, id string) (models.EscalationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.escRules[id]
	if !ok {
		return models.EscalationRule{}, ErrNotFound
	}
	return copyEscalationRule(r), nil
}

func (m *Memory) ListActiveEscalationRules(_ context.Context) ([]models.EscalationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rules []models.EscalationRule
	for _, r := range m.escRules {
		if r.IsActive {
			rules = append(rules, copyEscalationRule(r))
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

func (m *Memory) UpdateEscalationRule(_ context.Context, r models.EscalationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escRules[r.ID]; !ok {
		return ErrNotFound
	}
	m.escRules[r.ID] = copyEscalationRule(r)
	return nil
}

func (m *Memory) DisableEscalationRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.escRules[id]
	if !ok {
		return ErrNotFound
	}
	r.IsActive = false
	m.escRules[id] = r
	return nil
}

// --- escalation instances ---

func (m *Memory) CreateEscalationInstance(_ context.Context, inst models.EscalationInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escInstances[inst.ID] = copyInstance(inst)
	return nil
}

func (m *Memory) GetEscalationInstance(_ context.Context, id string) (models.EscalationInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.escInstances[id]
	if !ok {
		return models.EscalationInstance{}, ErrNotFound
	}
	return copyInstance(inst), nil
}

func (m *Memory) GetActiveEscalationInstance(_ context.Context, ruleID string, subjectID int64) (models.EscalationInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.escInstances {
		if inst.RuleID == ruleID && inst.SubjectID == subjectID && inst.Active() {
			return copyInstance(inst), nil
		}
	}
	return models.EscalationInstance{}, ErrNotFound
}

func (m *Memory) UpdateEscalationInstance(_ context.Context, inst models.EscalationInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.escInstances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	// Status moves only through TransitionEscalationStatus.
	inst.Status = existing.Status
	m.escInstances[inst.ID] = copyInstance(inst)
	return nil
}

func (m *Memory) ListDueEscalationInstances(_ context.Context, now time.Time) ([]models.EscalationInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []models.EscalationInstance
	for _, inst := range m.escInstances {
		if inst.Status == models.EscalationStatusPending &&
			inst.NextActionAt != nil && !inst.NextActionAt.After(now) {
			due = append(due, copyInstance(inst))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextActionAt.Before(*due[j].NextActionAt) })
	return due, nil
}

func (m *Memory) ListEscalationInstancesBySubject(_ context.Context, subjectID int64) ([]models.EscalationInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EscalationInstance
	for _, inst := range m.escInstances {
		if inst.SubjectID == subjectID {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out, nil
}

func (m *Memory) TransitionEscalationStatus(_ context.Context, id, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.escInstances[id]
	if !ok {
		return false, ErrNotFound
	}
	if inst.Status != from {
		return false, nil
	}
	inst.Status = to
	m.escInstances[id] = inst
	return true, nil
}

// --- copying helpers ---

func copyFilterRule(r models.FilterRule) models.FilterRule {
	r.Conditions = append([]models.Condition(nil), r.Conditions...)
	r.ActionParams = copyMap(r.ActionParams)
	return r
}

func copyEscalationRule(r models.EscalationRule) models.EscalationRule {
	r.Conditions = append([]models.Condition(nil), r.Conditions...)
	r.Actions = append([]models.EscalationStep(nil), r.Actions...)
	return r
}

func copyBatch(b models.NotificationBatch) models.NotificationBatch {
	b.Notifications = append([]models.NotificationEvent(nil), b.Notifications...)
	b.TargetUserIDs = append([]int64(nil), b.TargetUserIDs...)
	return b
}

func copyInstance(inst models.EscalationInstance) models.EscalationInstance {
	inst.ExecutedActions = append([]models.ExecutedAction(nil), inst.ExecutedActions...)
	return inst
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
