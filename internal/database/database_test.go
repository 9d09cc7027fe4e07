package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/contract-reminders/internal/config"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host: "db", Port: 5432, User: "reminders", Password: "pw", Database: "reminders", SSLMode: "disable",
	})
	assert.Equal(t, "host=db port=5432 user=reminders password=pw dbname=reminders sslmode=disable", dsn)
}

func TestSchemaDeclaresPartialSlotIndex(t *testing.T) {
	assert.Contains(t, Schema, "ON scheduled_notifications(rule_id, target_id, event, scheduled_for) WHERE parent_id IS NULL")
	assert.Contains(t, Schema, "ON scheduled_notifications(parent_id) WHERE parent_id IS NOT NULL")
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	r, err := NewRedisClient(config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()
	name := "test-" + uuid.New().String()

	ok, err := r.AcquireLock(ctx, name, "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AcquireLock(ctx, name, "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.AcquireLock(ctx, name+"-other", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := r.TTL(ctx, lockKey(name)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)
}
