package store

import (
	"context"
	"errors"
	"time"

	"servicedesk-notification/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist or is
// not visible to the query (e.g. soft-deleted).
var ErrNotFound = errors.New("not found")

// FilterRuleStore persists admin-owned filter rules.
type FilterRuleStore interface {
	CreateFilterRule(ctx context.Context, r models.FilterRule) error
	GetFilterRule(ctx context.Context, id string) (models.FilterRule, error)
	// ListActiveFilterRules returns active rules ordered by priority
	// ascending, then id ascending.
	ListActiveFilterRules(ctx context.Context) ([]models.FilterRule, error)
	ListFilterRules(ctx context.Context) ([]models.FilterRule, error)
	UpdateFilterRule(ctx context.Context, r models.FilterRule) error
	DisableFilterRule(ctx context.Context, id string) error
}

// BatchStore persists batch configurations and engine-owned batches.
type BatchStore interface {
	CreateBatchConfig(ctx context.Context, c models.BatchConfiguration) error
	GetBatchConfig(ctx context.Context, id string) (models.BatchConfiguration, error)
	// GetBatchConfigByKey resolves the active configuration for a batch key.
	GetBatchConfigByKey(ctx context.Context, batchKey string) (models.BatchConfiguration, error)
	ListBatchConfigs(ctx context.Context) ([]models.BatchConfiguration, error)
	UpdateBatchConfig(ctx context.Context, c models.BatchConfiguration) error
	DisableBatchConfig(ctx context.Context, id string) error

	CreateBatch(ctx context.Context, b models.NotificationBatch) error
	GetBatch(ctx context.Context, id string) (models.NotificationBatch, error)
	// UpdateBatch persists batch fields. Status is not written; it moves
	// only through TransitionBatchStatus.
	UpdateBatch(ctx context.Context, b models.NotificationBatch) error
	// AppendToBatch writes the accumulating fields only while the batch is
	// still pending. A false return means a flush claimed the batch between
	// the caller's read and this write.
	AppendToBatch(ctx context.Context, b models.NotificationBatch) (bool, error)
	// ListDueBatches returns pending batches whose flush deadline has passed.
	ListDueBatches(ctx context.Context, now time.Time) ([]models.NotificationBatch, error)
	// ListRetryableBatches returns failed batches eligible for another
	// delivery attempt.
	ListRetryableBatches(ctx context.Context, now time.Time, maxAttempts int) ([]models.NotificationBatch, error)
	ListBatchesByStatus(ctx context.Context, status string, limit int) ([]models.NotificationBatch, error)
	// TransitionBatchStatus performs an atomic compare-and-set on the batch
	// status. It returns false when the batch is no longer in the expected
	// state, which callers treat as a benign no-op.
	TransitionBatchStatus(ctx context.Context, id, from, to string) (bool, error)
}

// EscalationStore persists escalation rules and instances.
type EscalationStore interface {
	CreateEscalationRule(ctx context.Context, r models.EscalationRule) error
	GetEscalationRule(ctx context.Context, id string) (models.EscalationRule, error)
	ListActiveEscalationRules(ctx context.Context) ([]models.EscalationRule, error)
	UpdateEscalationRule(ctx context.Context, r models.EscalationRule) error
	DisableEscalationRule(ctx context.Context, id string) error

	CreateEscalationInstance(ctx context.Context, inst models.EscalationInstance) error
	GetEscalationInstance(ctx context.Context, id string) (models.EscalationInstance, error)
	// GetActiveEscalationInstance returns the non-terminal instance for a
	// (rule, subject) pair, or ErrNotFound.
	GetActiveEscalationInstance(ctx context.Context, ruleID string, subjectID int64) (models.EscalationInstance, error)
	// UpdateEscalationInstance persists instance fields. Status is not
	// written; it moves only through TransitionEscalationStatus.
	UpdateEscalationInstance(ctx context.Context, inst models.EscalationInstance) error
	// ListDueEscalationInstances returns pending instances whose
	// next_action_at has passed.
	ListDueEscalationInstances(ctx context.Context, now time.Time) ([]models.EscalationInstance, error)
	ListEscalationInstancesBySubject(ctx context.Context, subjectID int64) ([]models.EscalationInstance, error)
	// TransitionEscalationStatus performs an atomic compare-and-set on the
	// instance status.
	TransitionEscalationStatus(ctx context.Context, id, from, to string) (bool, error)
}

// Store is the full persistence surface the engines depend on.
type Store interface {
	FilterRuleStore
	BatchStore
	EscalationStore
}
