package models

import (
	"fmt"
	"time"
)

// Batch grouping strategies.
const (
	GroupByUser     = "user"
	GroupByTicket   = "ticket"
	GroupByType     = "type"
	GroupByPriority = "priority"
	GroupByCustom   = "custom"
)

// Batch lifecycle statuses. A batch is engine-owned until processed or
// failed; after that it is immutable history.
const (
	BatchStatusPending   = "pending"
	BatchStatusReady     = "ready"
	BatchStatusProcessed = "processed"
	BatchStatusFailed    = "failed"
)

// Delivery channels a batch configuration can route to.
const (
	ChannelEmail     = "email"
	ChannelTelegram  = "telegram"
	ChannelWebhook   = "webhook"
	ChannelWebSocket = "websocket"
)

// BatchConfiguration defines the grouping and flush policy for one logical
// notification stream, selected by event type. Mutated only by
// configuration, never by the engine.
type BatchConfiguration struct {
	ID              string                 `json:"id"`
	BatchKey        string                 `json:"batch_key"`
	MaxBatchSize    int                    `json:"max_batch_size"`
	MaxWaitTimeMs   int64                  `json:"max_wait_time_ms"`
	GroupBy         string                 `json:"group_by"`
	CustomGrouperID string                 `json:"custom_grouper_id,omitempty"`
	Channel         string                 `json:"channel"`
	ChannelConfig   map[string]interface{} `json:"channel_config,omitempty"`
	IsActive        bool                   `json:"is_active"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Validate applies the admin-surface rules for batch configurations.
func (c BatchConfiguration) Validate() error {
	if c.BatchKey == "" {
		return fmt.Errorf("batch_key is required")
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be >= 1")
	}
	if c.MaxWaitTimeMs < 0 {
		return fmt.Errorf("max_wait_time_ms must be >= 0")
	}
	switch c.GroupBy {
	case GroupByUser, GroupByTicket, GroupByType, GroupByPriority:
	case GroupByCustom:
		if c.CustomGrouperID == "" {
			return fmt.Errorf("group_by custom requires custom_grouper_id")
		}
	default:
		return fmt.Errorf("unknown group_by %q", c.GroupBy)
	}
	switch c.Channel {
	case ChannelEmail, ChannelTelegram, ChannelWebhook, ChannelWebSocket:
	default:
		return fmt.Errorf("unknown channel %q", c.Channel)
	}
	return nil
}

// MaxWait returns the flush deadline interval.
func (c BatchConfiguration) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitTimeMs) * time.Millisecond
}

// NotificationBatch accumulates events for one (batchKey, groupKey) pair.
// Notifications preserve submission order.
type NotificationBatch struct {
	ID            string              `json:"id"`
	BatchKey      string              `json:"batch_key"`
	GroupKey      string              `json:"group_key"`
	Notifications []NotificationEvent `json:"notifications"`
	TargetUserIDs []int64             `json:"target_user_ids"`
	CreatedAt     time.Time           `json:"created_at"`
	ScheduledAt   time.Time           `json:"scheduled_at"`
	Status        string              `json:"status"`
	Attempts      int                 `json:"attempts"`
	RetryAt       *time.Time          `json:"retry_at,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
}

// AddTargets merges user ids into the batch's deduplicated target set.
func (b *NotificationBatch) AddTargets(userIDs []int64) {
	for _, id := range userIDs {
		seen := false
		for _, existing := range b.TargetUserIDs {
			if existing == id {
				seen = true
				break
			}
		}
		if !seen {
			b.TargetUserIDs = append(b.TargetUserIDs, id)
		}
	}
}
