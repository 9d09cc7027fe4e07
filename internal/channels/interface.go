// Package channels holds the concrete delivery channels and the Manager that
// routes sends to them.
package channels

import (
	"context"
	"fmt"
	"net/http"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// Channel represents a notification channel interface
type Channel interface {
	Send(ctx context.Context, recipient string, msg notification.Message) (string, error)
	Type() notification.Channel
}

// Manager manages all notification channels. It satisfies dispatch.Sender.
type Manager struct {
	channels map[notification.Channel]Channel
}

// NewManager creates a new channel manager
func NewManager() *Manager {
	return &Manager{
		channels: make(map[notification.Channel]Channel),
	}
}

// RegisterChannel registers a channel with the manager
func (m *Manager) RegisterChannel(channel Channel) {
	m.channels[channel.Type()] = channel
}

// GetChannel retrieves a channel by type
func (m *Manager) GetChannel(channelType notification.Channel) (Channel, bool) {
	channel, exists := m.channels[channelType]
	return channel, exists
}

// Send sends msg to recipient through the channel of the given type
func (m *Manager) Send(ctx context.Context, channelType notification.Channel, recipient string, msg notification.Message) (string, error) {
	channel, exists := m.GetChannel(channelType)
	if !exists {
		return "", notification.PermanentChannelError(channelType, recipient, fmt.Errorf("unsupported channel type: %s", channelType))
	}
	return channel.Send(ctx, recipient, msg)
}

// statusError classifies a provider HTTP status. Throttling and server errors
// are retried; other client errors mean the request or recipient is bad.
func statusError(ch notification.Channel, recipient string, status int, detail string) error {
	err := fmt.Errorf("provider returned status %d: %s", status, detail)
	if status == http.StatusTooManyRequests || status >= 500 {
		return notification.TransientChannelError(ch, recipient, err)
	}
	return notification.PermanentChannelError(ch, recipient, err)
}
