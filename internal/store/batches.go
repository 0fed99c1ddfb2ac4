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

func (p *Postgres) CreateBatch(ctx context.Context, b models.NotificationBatch) error {
	notifications, targets, err := encodeBatchPayload(b)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO notification_batches (
            id, batch_key, group_key, notifications, target_user_ids,
            created_at, scheduled_at, status, attempts, retry_at,
            last_error, processed_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = p.Pool.Exec(ctx, query,
		b.ID, b.BatchKey, b.GroupKey, notifications, targets,
		b.CreatedAt, b.ScheduledAt, b.Status, b.Attempts, b.RetryAt,
		b.LastError, b.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (p *Postgres) GetBatch(ctx context.Context, id string) (models.NotificationBatch, error) {
	query := batchSelect + ` WHERE id = $1`
	b, err := scanBatch(p.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.NotificationBatch{}, ErrNotFound
		}
		return models.NotificationBatch{}, fmt.Errorf("failed to get batch %s: %w", id, err)
	}
	return b, nil
}

func (p *Postgres) UpdateBatch(ctx context.Context, b models.NotificationBatch) error {
	notifications, targets, err := encodeBatchPayload(b)
	if err != nil {
		return err
	}

	// Status is deliberately not written here: status moves only through
	// TransitionBatchStatus so a claimed batch never reverts.
	query := `
        UPDATE notification_batches
        SET notifications = $2, target_user_ids = $3, scheduled_at = $4,
            attempts = $5, retry_at = $6, last_error = $7, processed_at = $8
        WHERE id = $1`
	result, err := p.Pool.Exec(ctx, query,
		b.ID, notifications, targets, b.ScheduledAt,
		b.Attempts, b.RetryAt, b.LastError, b.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendToBatch writes the accumulating fields guarded by the pending
// status, so an append racing a flush cannot touch a claimed batch.
func (p *Postgres) AppendToBatch(ctx context.Context, b models.NotificationBatch) (bool, error) {
	notifications, targets, err := encodeBatchPayload(b)
	if err != nil {
		return false, err
	}

	query := `
        UPDATE notification_batches
        SET notifications = $2, target_user_ids = $3
        WHERE id = $1 AND status = $4`
	result, err := p.Pool.Exec(ctx, query,
		b.ID, notifications, targets, models.BatchStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to append to batch %s: %w", b.ID, err)
	}
	return result.RowsAffected() > 0, nil
}

func (p *Postgres) ListDueBatches(ctx context.Context, now time.Time) ([]models.NotificationBatch, error) {
	query := batchSelect + `
        WHERE status = $1 AND scheduled_at <= $2
        ORDER BY scheduled_at ASC`
	return p.queryBatches(ctx, query, models.BatchStatusPending, now)
}

func (p *Postgres) ListRetryableBatches(ctx context.Context, now time.Time, maxAttempts int) ([]models.NotificationBatch, error) {
	query := batchSelect + `
        WHERE status = $1 AND attempts < $2 AND retry_at IS NOT NULL AND retry_at <= $3
        ORDER BY retry_at ASC`
	return p.queryBatches(ctx, query, models.BatchStatusFailed, maxAttempts, now)
}

func (p *Postgres) ListBatchesByStatus(ctx context.Context, status string, limit int) ([]models.NotificationBatch, error) {
	query := batchSelect + `
        WHERE status = $1
        ORDER BY created_at DESC
        LIMIT $2`
	return p.queryBatches(ctx, query, status, limit)
}

// TransitionBatchStatus performs the atomic single-row status CAS the
// flush race depends on. A zero row count means another writer got there
// first.
func (p *Postgres) TransitionBatchStatus(ctx context.Context, id, from, to string) (bool, error) {
	query := `
        UPDATE notification_batches
        SET status = $3,
            processed_at = CASE WHEN $3 = 'processed' THEN NOW() ELSE processed_at END
        WHERE id = $1 AND status = $2`
	result, err := p.Pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition batch %s: %w", id, err)
	}
	return result.RowsAffected() > 0, nil
}

func (p *Postgres) queryBatches(ctx context.Context, query string, args ...interface{}) ([]models.NotificationBatch, error) {
	rows, err := p.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []models.NotificationBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

const batchSelect = `
        SELECT id, batch_key, group_key, notifications, target_user_ids,
               created_at, scheduled_at, status, attempts, retry_at,
               last_error, processed_at
        FROM notification_batches`

func encodeBatchPayload(b models.NotificationBatch) ([]byte, []byte, error) {
	notifications, err := json.Marshal(b.Notifications)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal notifications: %w", err)
	}
	targets, err := json.Marshal(b.TargetUserIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal target user ids: %w", err)
	}
	return notifications, targets, nil
}

func scanBatch(row pgx.Row) (models.NotificationBatch, error) {
	var b models.NotificationBatch
	var notifications, targets []byte
	err := row.Scan(&b.ID, &b.BatchKey, &b.GroupKey, &notifications, &targets,
		&b.CreatedAt, &b.ScheduledAt, &b.Status, &b.Attempts, &b.RetryAt,
		&b.LastError, &b.ProcessedAt)
	if err != nil {
		return models.NotificationBatch{}, err
	}
	if len(notifications) > 0 {
		if err := json.Unmarshal(notifications, &b.Notifications); err != nil {
			return models.NotificationBatch{}, fmt.Errorf("failed to decode notifications: %w", err)
		}
	}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &b.TargetUserIDs); err != nil {
			return models.NotificationBatch{}, fmt.Errorf("failed to decode target user ids: %w", err)
		}
	}
	return b, nil
}
