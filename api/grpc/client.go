package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// Client is a typed client for the reminder service
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client on an established connection
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) call(ctx context.Context, method string, in, out interface{}) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

// CreateRule creates a rule
func (c *Client) CreateRule(ctx context.Context, req notification.CreateRuleRequest) (notification.Rule, error) {
	var rule notification.Rule
	err := c.call(ctx, "CreateRule", req, &rule)
	return rule, err
}

// GetRule retrieves a rule
func (c *Client) GetRule(ctx context.Context, id string) (notification.Rule, error) {
	var rule notification.Rule
	err := c.call(ctx, "GetRule", IDRequest{ID: id}, &rule)
	return rule, err
}

// UpdateRule updates a rule
func (c *Client) UpdateRule(ctx context.Context, id string, req notification.UpdateRuleRequest) (notification.Rule, error) {
	var rule notification.Rule
	err := c.call(ctx, "UpdateRule", UpdateRuleRequest{ID: id, UpdateRuleRequest: req}, &rule)
	return rule, err
}

// DeactivateRule deactivates a rule
func (c *Client) DeactivateRule(ctx context.Context, id string) (notification.Rule, error) {
	var rule notification.Rule
	err := c.call(ctx, "DeactivateRule", IDRequest{ID: id}, &rule)
	return rule, err
}

// ListRules lists the rules of a contract
func (c *Client) ListRules(ctx context.Context, contractID string, activeOnly bool) ([]notification.Rule, error) {
	var out RuleList
	err := c.call(ctx, "ListRules", map[string]interface{}{"contract_id": contractID, "active_only": activeOnly}, &out)
	return out.Rules, err
}

// ListNotifications lists scheduled notifications
func (c *Client) ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, error) {
	var out NotificationList
	err := c.call(ctx, "ListNotifications", filter, &out)
	return out.Notifications, err
}

// GetNotification retrieves a notification with its delivery attempts
func (c *Client) GetNotification(ctx context.Context, id string) (Notification, error) {
	var n Notification
	err := c.call(ctx, "GetNotification", IDRequest{ID: id}, &n)
	return n, err
}

// Acknowledge acknowledges a sent notification
func (c *Client) Acknowledge(ctx context.Context, id string) (Notification, error) {
	var n Notification
	err := c.call(ctx, "Acknowledge", IDRequest{ID: id}, &n)
	return n, err
}
