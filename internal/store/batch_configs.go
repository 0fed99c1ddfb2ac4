package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"servicedesk-notification/internal/models"
)

func (p *Postgres) CreateBatchConfig(ctx context.Context, c models.BatchConfiguration) error {
	channelConfig, err := json.Marshal(c.ChannelConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal channel config: %w", err)
	}

	query := `
        INSERT INTO batch_configurations (
            id, batch_key, max_batch_size, max_wait_time_ms, group_by,
            custom_grouper_id, channel, channel_config, is_active,
            created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = p.Pool.Exec(ctx, query,
		c.ID, c.BatchKey, c.MaxBatchSize, c.MaxWaitTimeMs, c.GroupBy,
		c.CustomGrouperID, c.Channel, channelConfig, c.IsActive,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch configuration: %w", err)
	}
	return nil
}

func (p *Postgres) GetBatchConfig(ctx context.Context, id string) (models.BatchConfiguration, error) {
	query := batchConfigSelect + ` WHERE id = $1`
	c, err := scanBatchConfig(p.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.BatchConfiguration{}, ErrNotFound
		}
		return models.BatchConfiguration{}, fmt.Errorf("failed to get batch configuration %s: %w", id, err)
	}
	return c, nil
}

func (p *Postgres) GetBatchConfigByKey(ctx context.Context, batchKey string) (models.BatchConfiguration, error) {
	query := batchConfigSelect + ` WHERE batch_key = $1 AND is_active = true`
	c, err := scanBatchConfig(p.Pool.QueryRow(ctx, query, batchKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.BatchConfiguration{}, ErrNotFound
		}
		return models.BatchConfiguration{}, fmt.Errorf("failed to get batch configuration for key %s: %w", batchKey, err)
	}
	return c, nil
}

func (p *Postgres) ListBatchConfigs(ctx context.Context) ([]models.BatchConfiguration, error) {
	rows, err := p.Pool.Query(ctx, batchConfigSelect+` ORDER BY batch_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch configurations: %w", err)
	}
	defer rows.Close()

	var configs []models.BatchConfiguration
	for rows.Next() {
		c, err := scanBatchConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch configuration: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (p *Postgres) UpdateBatchConfig(ctx context.Context, c models.BatchConfiguration) error {
	channelConfig, err := json.Marshal(c.ChannelConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal channel config: %w", err)
	}

	query := `
        UPDATE batch_configurations
        SET batch_key = $2, max_batch_size = $3, max_wait_time_ms = $4,
            group_by = $5, custom_grouper_id = $6, channel = $7,
            channel_config = $8, is_active = $9, updated_at = NOW()
        WHERE id = $1`
	result, err := p.Pool.Exec(ctx, query,
		c.ID, c.BatchKey, c.MaxBatchSize, c.MaxWaitTimeMs, c.GroupBy,
		c.CustomGrouperID, c.Channel, channelConfig, c.IsActive)
	if err != nil {
		return fmt.Errorf("failed to update batch configuration: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DisableBatchConfig(ctx context.Context, id string) error {
	query := `
        UPDATE batch_configurations
        SET is_active = false, updated_at = NOW()
        WHERE id = $1`
	result, err := p.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to disable batch configuration: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const batchConfigSelect = `
        SELECT id, batch_key, max_batch_size, max_wait_time_ms, group_by,
               custom_grouper_id, channel, channel_config, is_active,
               created_at, updated_at
        FROM batch_configurations`

func scanBatchConfig(row pgx.Row) (models.BatchConfiguration, error) {
	var c models.BatchConfiguration
	var channelConfig []byte
	err := row.Scan(&c.ID, &c.BatchKey, &c.MaxBatchSize, &c.MaxWaitTimeMs,
		&c.GroupBy, &c.CustomGrouperID, &c.Channel, &channelConfig,
		&c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.BatchConfiguration{}, err
	}
	if len(channelConfig) > 0 {
		if err := json.Unmarshal(channelConfig, &c.ChannelConfig); err != nil {
			return models.BatchConfiguration{}, fmt.Errorf("failed to decode channel config: %w", err)
		}
	}
	return c, nil
}
