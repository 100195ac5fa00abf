package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"replicator/internal/envelope"
)

const defaultRedisKey = "replicator:deadletter"

// Redis keeps parked envelopes in a hash, one field per idempotency key.
// It serves deployments where the replicator has no writable local disk.
type Redis struct {
	client  *redis.Client
	hashKey string
}

// NewRedis wraps an existing client. hashKey may be empty for the default.
func NewRedis(client *redis.Client, hashKey string) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if hashKey == "" {
		hashKey = defaultRedisKey
	}
	return &Redis{client: client, hashKey: hashKey}, nil
}

func (r *Redis) Write(ctx context.Context, env *envelope.Envelope, reason string, attempts int) error {
	entry := Entry{
		Envelope:    env,
		Reason:      reason,
		Attempts:    attempts,
		LastAttempt: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	if err := r.client.HSet(ctx, r.hashKey, env.IdempotencyKey(), data).Err(); err != nil {
		return fmt.Errorf("write dead-letter entry: %w", err)
	}
	return nil
}

func (r *Redis) Replay(ctx context.Context, fn func(Entry) error) error {
	fields, err := r.client.HGetAll(ctx, r.hashKey).Result()
	if err != nil {
		return fmt.Errorf("read dead-letter hash: %w", err)
	}
	for key, raw := range fields {
		if err := ctx.Err(); err != nil {
			return err
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return fmt.Errorf("decode dead-letter entry %s: %w", key, err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, idempotencyKey string) error {
	if err := r.client.HDel(ctx, r.hashKey, idempotencyKey).Err(); err != nil {
		return fmt.Errorf("remove dead-letter entry: %w", err)
	}
	return nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, r.hashKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead-letter entries: %w", err)
	}
	return int(n), nil
}
