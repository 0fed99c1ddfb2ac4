package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"servicedesk-notification/internal/models"
)

func (p *Postgres) CreateEscalationRule(ctx context.Context, r models.EscalationRule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	query := `
        INSERT INTO escalation_rules (
            id, name, conditions, actions, priority, cooldown_period_minutes,
            max_escalations, is_active, created_by, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = p.Pool.Exec(ctx, query,
		r.ID, r.Name, conditions, actions, r.Priority, r.CooldownPeriodMinutes,
		r.MaxEscalations, r.IsActive, r.CreatedBy, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create escalation rule: %w", err)
	}
	return nil
}

func (p *Postgres) GetEscalationRule(ctx context.Context, id string) (models.EscalationRule, error) {
	query := escalationRuleSelect + ` WHERE id = $1`
	r, err := scanEscalationRule(p.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EscalationRule{}, ErrNotFound
		}
		return models.EscalationRule{}, fmt.Errorf("failed to get escalation rule %s: %w", id, err)
	}
	return r, nil
}

func (p *Postgres) ListActiveEscalationRules(ctx context.Context) ([]models.EscalationRule, error) {
	query := escalationRuleSelect + `
        WHERE is_active = true
        ORDER BY priority ASC, id ASC`
	rows, err := p.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation rules: %w", err)
	}
	defer rows.Close()

	var rules []models.EscalationRule
	for rows.Next() {
		r, err := scanEscalationRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *Postgres) UpdateEscalationRule(ctx context.Context, r models.EscalationRule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	query := `
        UPDATE escalation_rules
        SET name = $2, conditions = $3, actions = $4, priority = $5,
            cooldown_period_minutes = $6, max_escalations = $7,
            is_active = $8, updated_at = NOW()
        WHERE id = $1`
	result, err := p.Pool.Exec(ctx, query,
		r.ID, r.Name, conditions, actions, r.Priority,
		r.CooldownPeriodMinutes, r.MaxEscalations, r.IsActive)
	if err != nil {
		return fmt.Errorf("failed to update escalation rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DisableEscalationRule(ctx context.Context, id string) error {
	query := `
        UPDATE escalation_rules
        SET is_active = false, updated_at = NOW()
        WHERE id = $1`
	result, err := p.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to disable escalation rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateEscalationInstance(ctx context.Context, inst models.EscalationInstance) error {
	executed, err := json.Marshal(inst.ExecutedActions)
	if err != nil {
		return fmt.Errorf("failed to marshal executed actions: %w", err)
	}

	query := `
        INSERT INTO escalation_instances (
            id, rule_id, subject_id, escalation_level,
            status, triggered_at, last_action_at, next_action_at,
            executed_actions, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = p.Pool.Exec(ctx, query,
		inst.ID, inst.RuleID, inst.SubjectID,
		inst.EscalationLevel, inst.Status, inst.TriggeredAt,
		inst.LastActionAt, inst.NextActionAt, executed, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create escalation instance: %w", err)
	}
	return nil
}

func (p *Postgres) GetEscalationInstance(ctx context.Context, id string) (models.EscalationInstance, error) {
	query := escalationInstanceSelect + ` WHERE id = $1`
	inst, err := scanEscalationInstance(p.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EscalationInstance{}, ErrNotFound
		}
		return models.EscalationInstance{}, fmt.Errorf("failed to get escalation instance %s: %w", id, err)
	}
	return inst, nil
}

func (p *Postgres) GetActiveEscalationInstance(ctx context.Context, ruleID string, subjectID int64) (models.EscalationInstance, error) {
	query := escalationInstanceSelect + `
        WHERE rule_id = $1 AND subject_id = $2 AND status IN ('pending', 'executing')
        LIMIT 1`
	inst, err := scanEscalationInstance(p.Pool.QueryRow(ctx, query, ruleID, subjectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EscalationInstance{}, ErrNotFound
		}
		return models.EscalationInstance{}, fmt.Errorf("failed to get active escalation instance for rule %s subject %d: %w", ruleID, subjectID, err)
	}
	return inst, nil
}

func (p *Postgres) UpdateEscalationInstance(ctx context.Context, inst models.EscalationInstance) error {
	executed, err := json.Marshal(inst.ExecutedActions)
	if err != nil {
		return fmt.Errorf("failed to marshal executed actions: %w", err)
	}

	// Status is deliberately not written here: status moves only through
	// TransitionEscalationStatus so cancellation always wins races.
	query := `
        UPDATE escalation_instances
        SET escalation_level = $2, last_action_at = $3,
            next_action_at = $4, executed_actions = $5, updated_at = NOW()
        WHERE id = $1`
	result, err := p.Pool.Exec(ctx, query,
		inst.ID, inst.EscalationLevel, inst.LastActionAt,
		inst.NextActionAt, executed)
	if err != nil {
		return fmt.Errorf("failed to update escalation instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListDueEscalationInstances(ctx context.Context, now time.Time) ([]models.EscalationInstance, error) {
	query := escalationInstanceSelect + `
        WHERE status = $1 AND next_action_at IS NOT NULL AND next_action_at <= $2
        ORDER BY next_action_at ASC`
	return p.queryEscalationInstances(ctx, query, models.EscalationStatusPending, now)
}

func (p *Postgres) ListEscalationInstancesBySubject(ctx context.Context, subjectID int64) ([]models.EscalationInstance, error) {
	query := escalationInstanceSelect + `
        WHERE subject_id = $1
        ORDER BY triggered_at ASC`
	return p.queryEscalationInstances(ctx, query, subjectID)
}

func (p *Postgres) TransitionEscalationStatus(ctx context.Context, id, from, to string) (bool, error) {
	query := `
        UPDATE escalation_instances
        SET status = $3, updated_at = NOW()
        WHERE id = $1 AND status = $2`
	result, err := p.Pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition escalation instance %s: %w", id, err)
	}
	return result.RowsAffected() > 0, nil
}

func (p *Postgres) queryEscalationInstances(ctx context.Context, query string, args ...interface{}) ([]models.EscalationInstance, error) {
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation instances: %w", err)
	}
	defer rows.Close()

	var instances []models.EscalationInstance
	for rows.Next() {
		inst, err := scanEscalationInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

const escalationRuleSelect = `
        SELECT id, name, conditions, actions, priority, cooldown_period_minutes,
               max_escalations, is_active, created_by, created_at, updated_at
        FROM escalation_rules`

const escalationInstanceSelect = `
        SELECT id, rule_id, subject_id, escalation_level,
               status, triggered_at, last_action_at, next_action_at,
               executed_actions, updated_at
        FROM escalation_instances`

func scanEscalationRule(row pgx.Row) (models.EscalationRule, error) {
	var r models.EscalationRule
	var conditions, actions []byte
	err := row.Scan(&r.ID, &r.Name, &conditions, &actions, &r.Priority,
		&r.CooldownPeriodMinutes, &r.MaxEscalations, &r.IsActive,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.EscalationRule{}, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			return models.EscalationRule{}, fmt.Errorf("failed to decode conditions: %w", err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &r.Actions); err != nil {
			return models.EscalationRule{}, fmt.Errorf("failed to decode actions: %w", err)
		}
	}
	return r, nil
}

func scanEscalationInstance(row pgx.Row) (models.EscalationInstance, error) {
	var inst models.EscalationInstance
	var executed []byte
	err := row.Scan(&inst.ID, &inst.RuleID, &inst.SubjectID, &inst.EscalationLevel, &inst.Status,
		&inst.TriggeredAt, &inst.LastActionAt, &inst.NextActionAt,
		&executed, &inst.UpdatedAt)
	if err != nil {
		return models.EscalationInstance{}, err
	}
	if len(executed) > 0 {
		if err := json.Unmarshal(executed, &inst.ExecutedActions); err != nil {
			return models.EscalationInstance{}, fmt.Errorf("failed to decode executed actions: %w", err)
		}
	}
	return inst, nil
}
