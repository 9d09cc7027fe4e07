package scheduler

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWaker struct {
	mu  sync.Mutex
	got []time.Time
}

func (w *recordingWaker) Wake(_ context.Context, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got = append(w.got, at)
}

func (w *recordingWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.got)
}

func TestRedisWaker_NilLocalOnlyPublishes(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer client.Close()
	w := NewRedisWaker(client, nil, "api", zap.NewNop())
	assert.NotPanics(t, func() { w.Wake(context.Background(), time.Now()) })
}

func TestRedisWaker_CrossNode(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localA, localB := &recordingWaker{}, &recordingWaker{}
	a := NewRedisWaker(client, localA, "node-a", zap.NewNop())
	b := NewRedisWaker(client, localB, "node-b", zap.NewNop())
	go a.Listen(ctx)
	go b.Listen(ctx)

	// Wait for both subscriptions to be live.
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(ctx, WakeChannel).Result()
		return err == nil && n[WakeChannel] >= 2
	}, 5*time.Second, 20*time.Millisecond)

	a.Wake(ctx, time.Now())

	require.Eventually(t, func() bool { return localB.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, localA.count(), "the publishing node is woken directly, not through Redis")
}
