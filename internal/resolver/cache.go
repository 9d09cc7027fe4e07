package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// LocalCache is an in-process entity cache with expiry
type LocalCache struct {
	cache *cache.Cache
}

// NewLocalCache creates a local cache whose entries live for ttl
func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{cache: cache.New(ttl, 2*ttl)}
}

func (c *LocalCache) Get(_ context.Context, scope notification.Scope, id string) (Entity, bool) {
	v, found := c.cache.Get(cacheKey(scope, id))
	if !found {
		return Entity{}, false
	}
	e, ok := v.(Entity)
	return e, ok
}

func (c *LocalCache) Set(_ context.Context, e Entity) {
	c.cache.Set(cacheKey(e.Scope, e.ID), e, cache.DefaultExpiration)
}

func (c *LocalCache) Delete(_ context.Context, scope notification.Scope, id string) {
	c.cache.Delete(cacheKey(scope, id))
}

// RedisCache shares resolved entities between engine nodes. Failures are
// logged and treated as misses.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache creates a Redis-backed entity cache
func NewRedisCache(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, scope notification.Scope, id string) (Entity, bool) {
	data, err := c.client.Get(ctx, cacheKey(scope, id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Entity cache read failed", zap.String("id", id), zap.Error(err))
		}
		return Entity{}, false
	}
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("Dropping undecodable cached entity", zap.String("id", id), zap.Error(err))
		return Entity{}, false
	}
	return e, true
}

func (c *RedisCache) Set(ctx context.Context, e Entity) {
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("Failed to encode entity for cache", zap.String("id", e.ID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, cacheKey(e.Scope, e.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Entity cache write failed", zap.String("id", e.ID), zap.Error(err))
	}
}

func (c *RedisCache) Delete(ctx context.Context, scope notification.Scope, id string) {
	if err := c.client.Del(ctx, cacheKey(scope, id)).Err(); err != nil {
		c.logger.Warn("Entity cache delete failed", zap.String("id", id), zap.Error(err))
	}
}
