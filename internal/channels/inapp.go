package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

const inboxSize = 200

// InAppMessage is what the in-app channel stores and publishes
type InAppMessage struct {
	notification.Message
	Recipient string    `json:"recipient"`
	CreatedAt time.Time `json:"created_at"`
}

// InAppChannel delivers to a per-recipient Redis inbox and publishes each
// message for connected clients.
type InAppChannel struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewInAppChannel creates a new in-app channel
func NewInAppChannel(client redis.UniversalClient) *InAppChannel {
	return &InAppChannel{client: client, now: time.Now}
}

// InboxKey is the Redis list holding a recipient's recent messages
func InboxKey(recipient string) string {
	return "reminders:inbox:" + recipient
}

// FeedChannel is the pub/sub channel of a recipient
func FeedChannel(recipient string) string {
	return "reminders:feed:" + recipient
}

// Send stores msg in the recipient's inbox and publishes it
func (c *InAppChannel) Send(ctx context.Context, recipient string, msg notification.Message) (string, error) {
	payload, err := json.Marshal(InAppMessage{Message: msg, Recipient: recipient, CreatedAt: c.now().UTC()})
	if err != nil {
		return "", notification.PermanentChannelError(notification.ChannelInApp, recipient, fmt.Errorf("failed to encode message: %w", err))
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, InboxKey(recipient), payload)
		pipe.LTrim(ctx, InboxKey(recipient), 0, inboxSize-1)
		pipe.Publish(ctx, FeedChannel(recipient), payload)
		return nil
	})
	if err != nil {
		return "", notification.TransientChannelError(notification.ChannelInApp, recipient, err)
	}
	return msg.NotificationID, nil
}

// Inbox returns the most recent in-app messages of a recipient
func (c *InAppChannel) Inbox(ctx context.Context, recipient string, limit int64) ([]InAppMessage, error) {
	if limit <= 0 || limit > inboxSize {
		limit = inboxSize
	}
	raw, err := c.client.LRange(ctx, InboxKey(recipient), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	out := make([]InAppMessage, 0, len(raw))
	for _, r := range raw {
		var m InAppMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Type returns the channel type
func (c *InAppChannel) Type() notification.Channel {
	return notification.ChannelInApp
}
