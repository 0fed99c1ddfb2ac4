package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"servicedesk-notification/internal/models"
)

func (p *Postgres) CreateFilterRule(ctx context.Context, r models.FilterRule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	params, err := json.Marshal(r.ActionParams)
	if err != nil {
		return fmt.Errorf("failed to marshal action params: %w", err)
	}

	query := `
        INSERT INTO filter_rules (
            id, name, conditions, action, action_params, priority,
            is_active, owner_user_id, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = p.Pool.Exec(ctx, query,
		r.ID, r.Name, conditions, r.Action, params, r.Priority,
		r.IsActive, r.OwnerUserID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create filter rule: %w", err)
	}
	return nil
}

func (p *Postgres) GetFilterRule(ctx context.Context, id string) (models.FilterRule, error) {
	query := `
        SELECT id, name, conditions, action, action_params, priority,
               is_active, owner_user_id, created_at, updated_at
        FROM filter_rules
        WHERE id = $1`
	r, err := scanFilterRule(p.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.FilterRule{}, ErrNotFound
		}
		return models.FilterRule{}, fmt.Errorf("failed to get filter rule %s: %w", id, err)
	}
	return r, nil
}

func (p *Postgres) ListActiveFilterRules(ctx context.Context) ([]models.FilterRule, error) {
	query := `
        SELECT id, name, conditions, action, action_params, priority,
               is_active, owner_user_id, created_at, updated_at
        FROM filter_rules
        WHERE is_active = true
        ORDER BY priority ASC, id ASC`
	return p.queryFilterRules(ctx, query)
}

func (p *Postgres) ListFilterRules(ctx context.Context) ([]models.FilterRule, error) {
	query := `
        SELECT id, name, conditions, action, action_params, priority,
               is_active, owner_user_id, created_at, updated_at
        FROM filter_rules
        ORDER BY id ASC`
	return p.queryFilterRules(ctx, query)
}

func (p *Postgres) queryFilterRules(ctx context.Context, query string, args ...interface{}) ([]models.FilterRule, error) {
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query filter rules: %w", err)
	}
	defer rows.Close()

	var rules []models.FilterRule
	for rows.Next() {
		r, err := scanFilterRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan filter rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *Postgres) UpdateFilterRule(ctx context.Context, r models.FilterRule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	params, err := json.Marshal(r.ActionParams)
	if err != nil {
		return fmt.Errorf("failed to marshal action params: %w", err)
	}

	query := `
        UPDATE filter_rules
        SET name = $2, conditions = $3, action = $4, action_params = $5,
            priority = $6, is_active = $7, owner_user_id = $8, updated_at = NOW()
        WHERE id = $1`
	result, err := p.Pool.Exec(ctx, query,
		r.ID, r.Name, conditions, r.Action, params, r.Priority, r.IsActive, r.OwnerUserID)
	if err != nil {
		return fmt.Errorf("failed to update filter rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DisableFilterRule(ctx context.Context, id string) error {
	query := `
        UPDATE filter_rules
        SET is_active = false, updated_at = NOW()
        WHERE id = $1`
	result, err := p.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to disable filter rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanFilterRule(row pgx.Row) (models.FilterRule, error) {
	var r models.FilterRule
	var conditions, params []byte
	err := row.Scan(&r.ID, &r.Name, &conditions, &r.Action, &params,
		&r.Priority, &r.IsActive, &r.OwnerUserID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.FilterRule{}, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			return models.FilterRule{}, fmt.Errorf("failed to decode conditions: %w", err)
		}
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.ActionParams); err != nil {
			return models.FilterRule{}, fmt.Errorf("failed to decode action params: %w", err)
		}
	}
	return r, nil
}
