package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/notification"
)

const twilioBaseURL = "https://api.twilio.com"

// SMSChannel handles SMS notifications using the Twilio REST API
type SMSChannel struct {
	config  config.TwilioConfig
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewSMSChannel creates a new SMS channel
func NewSMSChannel(cfg config.TwilioConfig, logger *zap.Logger) *SMSChannel {
	return &SMSChannel{
		config:  cfg,
		client:  &http.Client{},
		baseURL: twilioBaseURL,
		logger:  logger,
	}
}

// WithBaseURL points the channel at a different API host
func (s *SMSChannel) WithBaseURL(baseURL string) *SMSChannel {
	s.baseURL = strings.TrimRight(baseURL, "/")
	return s
}

// TwilioResponse represents the response from Twilio API
type TwilioResponse struct {
	SID       string `json:"sid"`
	Status    string `json:"status"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorCode *int   `json:"error_code,omitempty"`
}

// Send sends an SMS and returns the Twilio message SID
func (s *SMSChannel) Send(ctx context.Context, recipient string, msg notification.Message) (string, error) {
	data := url.Values{}
	data.Set("To", recipient)
	data.Set("From", s.config.FromNumber)
	data.Set("Body", smsBody(msg))

	twilioURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.config.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, twilioURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", notification.PermanentChannelError(notification.ChannelSMS, recipient, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", notification.TransientChannelError(notification.ChannelSMS, recipient, err)
	}
	defer resp.Body.Close()

	var twilioResp TwilioResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&twilioResp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr != nil {
			return "", notification.TransientChannelError(notification.ChannelSMS, recipient,
				fmt.Errorf("failed to parse Twilio response: %w", decodeErr))
		}
		s.logger.Debug("Sent SMS",
			zap.String("notification_id", msg.NotificationID),
			zap.String("twilio_sid", twilioResp.SID),
		)
		return twilioResp.SID, nil
	}

	detail := twilioResp.Message
	if detail == "" {
		detail = resp.Status
	}
	return "", statusError(notification.ChannelSMS, recipient, resp.StatusCode, detail)
}

// smsBody keeps SMS short: the subject alone, or the body if there is none.
func smsBody(msg notification.Message) string {
	if msg.Subject != "" {
		return msg.Subject
	}
	return msg.Body
}

// Type returns the channel type
func (s *SMSChannel) Type() notification.Channel {
	return notification.ChannelSMS
}
