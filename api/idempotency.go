package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper records idempotency keys in Redis so every server instance
// sees the same set of accepted moves.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupeKey(scope, key string) string {
	return "dedupe:" + scope + ":" + key
}

// Add records key under scope. It reports false when the key was already present.
func (r *RedisDeduper) Add(ctx context.Context, scope, key string) (bool, error) {
	return r.client.SetNX(ctx, dedupeKey(scope, key), 1, r.ttl).Result()
}

// Remove forgets key so a failed move can be retried with it.
func (r *RedisDeduper) Remove(ctx context.Context, scope, key string) error {
	return r.client.Del(ctx, dedupeKey(scope, key)).Err()
}

// dedupeScope scopes idempotency keys to one user within a workspace.
func dedupeScope(workspaceID, userID string) string {
	return workspaceID + ":" + userID
}
