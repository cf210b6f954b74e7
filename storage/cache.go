package storage

import (
	"context"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"portfolio-kanban/domain"
)

// Backend is the store a Cache reads through.
type Backend interface {
	FetchTypes(ctx context.Context, workspaceID string) ([]domain.WorkflowType, error)
	FetchStates(ctx context.Context, workspaceID, typeRef string) ([]domain.StateRecord, error)
	FetchItems(ctx context.Context, workspaceID, typeRef string, fields []string) ([]domain.ItemRecord, error)
	FetchItem(ctx context.Context, workspaceID, itemRef string) (domain.ItemRecord, error)
	FetchSettings(ctx context.Context, userID string) (domain.Settings, error)
	SaveSettings(ctx context.Context, userID string, settings domain.Settings) error
	EnqueueCommands(ctx context.Context, workspaceID, userID string, cmds []domain.Command) error
}

// Cache wraps a Backend with Redis-backed caching of items and settings.
type Cache struct {
	base  Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

// FetchTypes reads through. Types and states are small and edited outside
// the command path, so every board load sees the stored records.
func (c *Cache) FetchTypes(ctx context.Context, workspaceID string) ([]domain.WorkflowType, error) {
	return c.base.FetchTypes(ctx, workspaceID)
}

func (c *Cache) FetchStates(ctx context.Context, workspaceID, typeRef string) ([]domain.StateRecord, error) {
	return c.base.FetchStates(ctx, workspaceID, typeRef)
}

func (c *Cache) FetchItems(ctx context.Context, workspaceID, typeRef string, fields []string) ([]domain.ItemRecord, error) {
	key := itemsCacheKey(workspaceID, typeRef, fields)
	var items []domain.ItemRecord
	if c.load(ctx, key, &items) {
		return items, nil
	}
	items, err := c.base.FetchItems(ctx, workspaceID, typeRef, fields)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, items)
	return items, nil
}

// FetchItem always reads through so moves are validated against fresh data.
func (c *Cache) FetchItem(ctx context.Context, workspaceID, itemRef string) (domain.ItemRecord, error) {
	return c.base.FetchItem(ctx, workspaceID, itemRef)
}

func (c *Cache) FetchSettings(ctx context.Context, userID string) (domain.Settings, error) {
	key := settingsCacheKey(userID)
	var settings domain.Settings
	if c.load(ctx, key, &settings) {
		return settings, nil
	}
	settings, err := c.base.FetchSettings(ctx, userID)
	if err != nil {
		return domain.Settings{}, err
	}
	c.store(ctx, key, settings)
	return settings, nil
}

func (c *Cache) SaveSettings(ctx context.Context, userID string, settings domain.Settings) error {
	if err := c.base.SaveSettings(ctx, userID, settings); err != nil {
		return err
	}
	c.del(ctx, settingsCacheKey(userID))
	return nil
}

func (c *Cache) EnqueueCommands(ctx context.Context, workspaceID, userID string, cmds []domain.Command) error {
	return c.base.EnqueueCommands(ctx, workspaceID, userID, cmds)
}

// EvictBoard drops the cached items of a type. It is called once a command
// touching the board has been applied.
func (c *Cache) EvictBoard(ctx context.Context, workspaceID, typeRef string) {
	if c.redis == nil {
		return
	}
	var keys []string
	iter := c.redis.Scan(ctx, 0, itemsCacheKeyPrefix(workspaceID, typeRef)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) == 0 {
		return
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func (c *Cache) load(ctx context.Context, key string, out any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) del(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, key).Err()
}

func itemsCacheKeyPrefix(workspaceID, typeRef string) string {
	return "items:" + workspaceID + ":" + typeRef + ":"
}

func itemsCacheKey(workspaceID, typeRef string, fields []string) string {
	return itemsCacheKeyPrefix(workspaceID, typeRef) + strings.Join(fields, ",")
}

func settingsCacheKey(userID string) string {
	return "settings:" + userID
}
