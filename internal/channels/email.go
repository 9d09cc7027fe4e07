package channels

import (
	"context"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// EmailChannel handles email notifications using SendGrid
type EmailChannel struct {
	client *sendgrid.Client
	config config.SendGridConfig
	logger *zap.Logger
}

// NewEmailChannel creates a new email channel
func NewEmailChannel(cfg config.SendGridConfig, logger *zap.Logger) *EmailChannel {
	if cfg.FromEmail == "" {
		cfg.FromEmail = "noreply@example.com"
	}
	if cfg.FromName == "" {
		cfg.FromName = "Contract Reminders"
	}
	return &EmailChannel{
		client: sendgrid.NewSendClient(cfg.APIKey),
		config: cfg,
		logger: logger,
	}
}

// Send sends an email and returns the SendGrid message id
func (e *EmailChannel) Send(ctx context.Context, recipient string, msg notification.Message) (string, error) {
	from := mail.NewEmail(e.config.FromName, e.config.FromEmail)
	to := mail.NewEmail("", recipient)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, msg.Body)

	// Custom headers for tracking
	message.SetHeader("X-Notification-ID", msg.NotificationID)
	if ruleID := msg.Metadata["rule_id"]; ruleID != "" {
		message.SetHeader("X-Rule-ID", ruleID)
	}

	response, err := e.client.SendWithContext(ctx, message)
	if err != nil {
		return "", notification.TransientChannelError(notification.ChannelEmail, recipient, err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		var messageID string
		if msgIDs, ok := response.Headers["X-Message-Id"]; ok && len(msgIDs) > 0 {
			messageID = msgIDs[0]
		}
		e.logger.Debug("Sent email",
			zap.String("notification_id", msg.NotificationID),
			zap.String("sendgrid_id", messageID),
		)
		return messageID, nil
	}

	return "", statusError(notification.ChannelEmail, recipient, response.StatusCode, strings.TrimSpace(response.Body))
}

// Type returns the channel type
func (e *EmailChannel) Type() notification.Channel {
	return notification.ChannelEmail
}
