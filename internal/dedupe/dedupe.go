// Package dedupe records delivered batch ids in Redis so that a flush
// retried after a crash does not reach recipients twice.
package dedupe

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "delivery:"

// RedisDeduper marks delivery keys in Redis with a TTL. Keys are written
// only after a successful send, so a failed delivery stays retryable.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper wraps an existing Redis client. Keys expire after ttl.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

// AlreadyDelivered reports whether the key was marked by a prior delivery.
func (d *RedisDeduper) AlreadyDelivered(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkDelivered records the key after a successful send.
func (d *RedisDeduper) MarkDelivered(ctx context.Context, key string) error {
	return d.client.Set(ctx, keyPrefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Err()
}
