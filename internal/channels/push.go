package channels

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// PushChannel handles push notifications using Firebase Cloud Messaging.
// Recipients are FCM registration tokens.
type PushChannel struct {
	client *messaging.Client
	logger *zap.Logger
}

// NewPushChannel creates a new push notification channel
func NewPushChannel(ctx context.Context, cfg config.FirebaseConfig, logger *zap.Logger) (*PushChannel, error) {
	if _, err := os.Stat(cfg.CredentialsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("firebase credentials file not found at %s", cfg.CredentialsPath)
	}

	opt := option.WithCredentialsFile(cfg.CredentialsPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}

	return &PushChannel{client: client, logger: logger}, nil
}

// Send sends a push notification and returns the FCM message name
func (p *PushChannel) Send(ctx context.Context, recipient string, msg notification.Message) (string, error) {
	response, err := p.client.Send(ctx, pushMessage(recipient, msg))
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) || messaging.IsSenderIDMismatch(err) {
			return "", notification.PermanentChannelError(notification.ChannelPush, recipient, err)
		}
		return "", notification.TransientChannelError(notification.ChannelPush, recipient, err)
	}

	p.logger.Debug("Sent push notification",
		zap.String("notification_id", msg.NotificationID),
		zap.String("fcm_response", response),
	)
	return response, nil
}

func pushMessage(token string, msg notification.Message) *messaging.Message {
	data := make(map[string]string, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		data[k] = v
	}
	data["notification_id"] = msg.NotificationID

	priority := "normal"
	apnsPriority := "5"
	if msg.Metadata["critical"] == "true" {
		priority = "high"
		apnsPriority = "10"
	}

	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: msg.Subject,
			Body:  msg.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: priority,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": apnsPriority,
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: msg.Subject,
						Body:  msg.Body,
					},
					Sound: "default",
				},
			},
		},
	}
}

// Type returns the channel type
func (p *PushChannel) Type() notification.Channel {
	return notification.ChannelPush
}
