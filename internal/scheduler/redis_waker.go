package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WakeChannel is the Redis pub/sub channel carrying wake-ups between nodes
const WakeChannel = "reminders:wake"

type wakeMessage struct {
	Node string    `json:"node"`
	At   time.Time `json:"at"`
}

// RedisWaker fans wake-ups out to every scheduler node. The local loop is
// woken directly; other nodes receive the wake over Redis pub/sub.
type RedisWaker struct {
	client redis.UniversalClient
	local  Waker
	node   string
	logger *zap.Logger
}

// NewRedisWaker creates a Redis-backed waker for node
func NewRedisWaker(client redis.UniversalClient, local Waker, node string, logger *zap.Logger) *RedisWaker {
	return &RedisWaker{client: client, local: local, node: node, logger: logger}
}

// Wake wakes the local loop and publishes the wake-up to other nodes. local
// may be nil on nodes that only plan, such as the API server.
func (w *RedisWaker) Wake(ctx context.Context, at time.Time) {
	if w.local != nil {
		w.local.Wake(ctx, at)
	}

	payload, err := json.Marshal(wakeMessage{Node: w.node, At: at})
	if err != nil {
		return
	}
	if err := w.client.Publish(ctx, WakeChannel, payload).Err(); err != nil {
		w.logger.Warn("Failed to publish wake-up", zap.Error(err))
	}
}

// Listen forwards wake-ups published by other nodes to the local loop until
// ctx is cancelled.
func (w *RedisWaker) Listen(ctx context.Context) error {
	sub := w.client.Subscribe(ctx, WakeChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	w.logger.Info("Listening for wake-ups", zap.String("channel", WakeChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m wakeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				w.logger.Warn("Dropping malformed wake-up", zap.Error(err))
				continue
			}
			if m.Node == w.node || w.local == nil {
				continue
			}
			w.local.Wake(ctx, m.At)
		}
	}
}
