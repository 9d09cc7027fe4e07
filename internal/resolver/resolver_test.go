package resolver

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

type countingStore struct {
	*MemoryEntityStore
	loads atomic.Int32
}

func (s *countingStore) GetEntity(ctx context.Context, scope notification.Scope, id string) (Entity, error) {
	s.loads.Add(1)
	return s.MemoryEntityStore.GetEntity(ctx, scope, id)
}

func ptr(t time.Time) *time.Time { return &t }

func seed() *countingStore {
	mem := NewMemoryEntityStore()
	mem.Put(Entity{
		Scope:      notification.ScopeContract,
		ID:         "c-1",
		ContractID: "c-1",
		Status:     StatusActive,
		StartAt:    ptr(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		DueAt:      ptr(time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)),
	})
	mem.Put(Entity{
		Scope:      notification.ScopeTask,
		ID:         "t-2",
		ContractID: "c-1",
		Status:     StatusActive,
		DueAt:      ptr(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)),
	})
	mem.Put(Entity{
		Scope:      notification.ScopeTask,
		ID:         "t-1",
		ContractID: "c-1",
		Status:     StatusCompleted,
	})
	return &countingStore{MemoryEntityStore: mem}
}

func TestResolveAnchor(t *testing.T) {
	r := New(seed(), zap.NewNop())
	ctx := context.Background()

	a, err := r.ResolveAnchor(ctx, notification.ScopeTask, "t-2", notification.EventEnd)
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC).Equal(a.At))
	assert.Equal(t, StatusActive, a.Status)

	overdue, err := r.ResolveAnchor(ctx, notification.ScopeTask, "t-2", notification.EventOverdue)
	require.NoError(t, err)
	assert.True(t, a.At.Equal(overdue.At))

	a, err = r.ResolveAnchor(ctx, notification.ScopeTask, "t-2", notification.EventAssigned)
	assert.ErrorIs(t, err, notification.ErrNoAnchor)
	assert.Equal(t, StatusActive, a.Status)

	_, err = r.ResolveAnchor(ctx, notification.ScopeTask, "missing", notification.EventEnd)
	assert.ErrorIs(t, err, notification.ErrTargetNotFound)
}

func TestResolver_CachesAndInvalidates(t *testing.T) {
	store := seed()
	r := New(store, zap.NewNop(), NewLocalCache(time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.ResolveAnchor(ctx, notification.ScopeTask, "t-2", notification.EventEnd)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), store.loads.Load())

	moved := time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
	e, err := store.MemoryEntityStore.GetEntity(ctx, notification.ScopeTask, "t-2")
	require.NoError(t, err)
	e.DueAt = &moved
	store.Put(e)

	r.Invalidate(ctx, notification.ScopeTask, "t-2")
	a, err := r.ResolveAnchor(ctx, notification.ScopeTask, "t-2", notification.EventEnd)
	require.NoError(t, err)
	assert.True(t, moved.Equal(a.At))
	assert.Equal(t, int32(2), store.loads.Load())
}

func TestResolver_PromotesToEarlierCaches(t *testing.T) {
	store := seed()
	l1 := NewLocalCache(time.Minute)
	l2 := NewLocalCache(time.Minute)
	ctx := context.Background()

	e, err := store.MemoryEntityStore.GetEntity(ctx, notification.ScopeContract, "c-1")
	require.NoError(t, err)
	l2.Set(ctx, e)

	r := New(store, zap.NewNop(), l1, l2)
	_, err = r.Entity(ctx, notification.ScopeContract, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int32(0), store.loads.Load())

	_, ok := l1.Get(ctx, notification.ScopeContract, "c-1")
	assert.True(t, ok)
}

func TestResolver_Targets(t *testing.T) {
	r := New(seed(), zap.NewNop())
	ctx := context.Background()

	ids, err := r.Targets(ctx, notification.Rule{ContractID: "c-1", Scope: notification.ScopeTask})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1", "t-2"}, ids)

	ids, err = r.Targets(ctx, notification.Rule{ContractID: "c-1", Scope: notification.ScopeTask, TargetID: "t-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-2"}, ids)

	ids, err = r.Targets(ctx, notification.Rule{ContractID: "c-1", Scope: notification.ScopeContract})
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1"}, ids)
}

func TestResolver_Exists(t *testing.T) {
	r := New(seed(), zap.NewNop())
	ctx := context.Background()

	ok, err := r.Exists(ctx, notification.ScopeTask, "t-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Exists(ctx, notification.ScopeMilestone, "t-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatus_Closed(t *testing.T) {
	assert.False(t, StatusActive.Closed())
	assert.True(t, StatusCompleted.Closed())
	assert.True(t, StatusCancelled.Closed())
}

// TestRedisCache runs against a live Redis when REDIS_ADDR is set.
func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	c := NewRedisCache(client, time.Minute, zap.NewNop())
	e := Entity{Scope: notification.ScopeTask, ID: "redis-test-task", ContractID: "c-1", Status: StatusActive,
		DueAt: ptr(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))}

	c.Set(ctx, e)
	got, ok := c.Get(ctx, e.Scope, e.ID)
	require.True(t, ok)
	assert.Equal(t, e.ID, got.ID)
	assert.True(t, e.DueAt.Equal(*got.DueAt))

	c.Delete(ctx, e.Scope, e.ID)
	_, ok = c.Get(ctx, e.Scope, e.ID)
	assert.False(t, ok)
}
