// Package progress maintains short-lived stage progress records in Redis and
// publishes status notifications on the document status channel. Progress is
// advisory: records expire after a TTL and the object store remains the
// source of truth for completion.
package progress

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTTL is applied to every progress record.
const DefaultTTL = 30 * time.Second

// Notification is the payload published on the status channel.
type Notification struct {
	DocumentID     string  `json:"documentId"`
	Status         string  `json:"status"`
	StatusProgress float64 `json:"statusProgress"`
	StatusInfo     *string `json:"statusInfo"`
	Progress       float64 `json:"progress"`
	Sync           bool    `json:"sync"`
}

// Registry records stage progress and emits status notifications.
type Registry interface {
	// SetProgress stores value under key with the registry TTL and publishes
	// a notification for the document. An empty info becomes a null
	// statusInfo in the notification.
	SetProgress(ctx context.Context, key string, value float64, documentID, status, info string) error
	// Get returns the stored progress value. The second return is false when
	// no record exists (or it expired).
	Get(ctx context.Context, key string) (float64, bool, error)
	// IncrParts atomically increments the parts counter under key, refreshes
	// its TTL, and returns the new count.
	IncrParts(ctx context.Context, key string) (int64, error)
	// Publish sends a notification on the status channel without touching
	// any record.
	Publish(ctx context.Context, n Notification) error
}

// RedisRegistry implements Registry on a Redis client.
type RedisRegistry struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
	log     zerolog.Logger
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a registry publishing on channel. A zero ttl means
// DefaultTTL.
func NewRedisRegistry(client *redis.Client, channel string, ttl time.Duration, log zerolog.Logger) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, channel: channel, ttl: ttl, log: log}
}

// SetProgress stores the record and publishes the matching notification.
func (r *RedisRegistry) SetProgress(ctx context.Context, key string, value float64, documentID, status, info string) error {
	if err := r.client.Set(ctx, key, fmt.Sprintf("%g", value), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set progress %s: %w", key, err)
	}

	r.log.Debug().
		Str("documentId", documentID).
		Str("status", status).
		Float64("progress", value).
		Msg("document status update")

	n := Notification{
		DocumentID:     documentID,
		Status:         status,
		StatusProgress: value,
		Progress:       value,
		Sync:           true,
	}
	if info != "" {
		n.StatusInfo = &info
	}
	return r.Publish(ctx, n)
}

// Get returns the stored progress value, if any.
func (r *RedisRegistry) Get(ctx context.Context, key string) (float64, bool, error) {
	value, err := r.client.Get(ctx, key).Float64()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get progress %s: %w", key, err)
	}
	return value, true, nil
}

// IncrParts increments the counter and refreshes its TTL.
func (r *RedisRegistry) IncrParts(ctx context.Context, key string) (int64, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to incr %s: %w", key, err)
	}
	if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		return 0, fmt.Errorf("failed to expire %s: %w", key, err)
	}
	return count, nil
}

// Publish sends the notification on the status channel.
func (r *RedisRegistry) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
