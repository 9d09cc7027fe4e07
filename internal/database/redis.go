package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alexnthnz/contract-reminders/internal/config"
)

// RedisClient wraps redis.Client for caching and coordination
type RedisClient struct {
	*redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{Client: rdb}, nil
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

// AcquireLock takes the named lock for owner until ttl elapses. It reports
// false if another owner holds it. Locks are never released early: a lock
// taken for one interval keeps other nodes out for that whole interval.
func (r *RedisClient) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	return r.SetNX(ctx, lockKey(name), owner, ttl).Result()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}
