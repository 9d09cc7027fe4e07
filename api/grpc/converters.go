package grpc

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// toStruct converts a JSON-serializable value to a protobuf Struct
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a protobuf Struct into dst using its JSON field names
func fromStruct(s *structpb.Struct, dst interface{}) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// IDRequest addresses a rule or notification by ID
type IDRequest struct {
	ID string `json:"id"`
}

// UpdateRuleRequest is the UpdateRule request message
type UpdateRuleRequest struct {
	ID string `json:"id"`
	notification.UpdateRuleRequest
}

// RuleList is the ListRules response message
type RuleList struct {
	Rules []notification.Rule `json:"rules"`
}

// NotificationFilter is the ListNotifications request message
type NotificationFilter struct {
	RuleID     string               `json:"rule_id,omitempty"`
	ContractID string               `json:"contract_id,omitempty"`
	TargetID   string               `json:"target_id,omitempty"`
	Event      notification.Event   `json:"event,omitempty"`
	States     []notification.State `json:"states,omitempty"`
	From       *time.Time           `json:"from,omitempty"`
	To         *time.Time           `json:"to,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
	Offset     int                  `json:"offset,omitempty"`
}

func (f NotificationFilter) filter() notification.Filter {
	return notification.Filter{
		RuleID:     f.RuleID,
		ContractID: f.ContractID,
		TargetID:   f.TargetID,
		Event:      f.Event,
		States:     f.States,
		From:       f.From,
		To:         f.To,
		Limit:      f.Limit,
		Offset:     f.Offset,
	}
}

// Notification is a scheduled notification message
type Notification struct {
	notification.ScheduledNotification
	Undelivered bool                           `json:"undelivered"`
	Attempts    []notification.DeliveryAttempt `json:"attempts,omitempty"`
}

// NotificationList is the ListNotifications response message
type NotificationList struct {
	Notifications []Notification `json:"notifications"`
}

func notificationMessage(n notification.ScheduledNotification, attempts []notification.DeliveryAttempt) Notification {
	return Notification{ScheduledNotification: n, Undelivered: n.Undelivered(), Attempts: attempts}
}
