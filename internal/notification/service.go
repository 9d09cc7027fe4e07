package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/config"
)

// RuleRepository persists rules
type RuleRepository interface {
	CreateRule(ctx context.Context, rule Rule) error
	UpdateRule(ctx context.Context, rule Rule) error
	GetRule(ctx context.Context, id string) (Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error)
}

// NotificationRepository is the read/ack surface of the scheduled
// notification store used by the service
type NotificationRepository interface {
	Get(ctx context.Context, id string) (ScheduledNotification, error)
	List(ctx context.Context, filter Filter) ([]ScheduledNotification, error)
	Transition(ctx context.Context, t Transition) (ScheduledNotification, error)
	Attempts(ctx context.Context, notificationID string) ([]DeliveryAttempt, error)
}

// Planner materializes and retracts occurrences for rules
type Planner interface {
	PlanRule(ctx context.Context, rule Rule, reconcile bool) (int, error)
	RetractRule(ctx context.Context, ruleID string) (int, error)
}

// Service exposes the engine operations: rule lifecycle, acknowledgment and
// the read API used by operator dashboards.
type Service struct {
	rules         RuleRepository
	notifications NotificationRepository
	planner       Planner
	validator     *RuleValidator
	settings      *config.SettingsStore
	logger        *zap.Logger
	now           func() time.Time
}

// NewService creates a new notification service
func NewService(
	rules RuleRepository,
	notifications NotificationRepository,
	planner Planner,
	validator *RuleValidator,
	settings *config.SettingsStore,
	logger *zap.Logger,
) *Service {
	return &Service{
		rules:         rules,
		notifications: notifications,
		planner:       planner,
		validator:     validator,
		settings:      settings,
		logger:        logger,
		now:           time.Now,
	}
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRule validates and stores a new rule, then materializes its first
// occurrences.
func (s *Service) CreateRule(ctx context.Context, req CreateRuleRequest) (*Rule, error) {
	if err := s.validator.ValidateCreate(ctx, req, s.settings.Current()); err != nil {
		return nil, err
	}

	now := s.now()
	rule := Rule{
		ID:                  uuid.New().String(),
		Version:             1,
		ContractID:          req.ContractID,
		Scope:               req.Scope,
		TargetID:            req.TargetID,
		Trigger:             req.Trigger,
		Offset:              req.Offset,
		Frequency:           req.Frequency,
		Channels:            req.Channels,
		Events:              req.Events,
		Recipients:          req.Recipients,
		CustomMessage:       req.CustomMessage,
		IsActive:            !req.Inactive,
		RespectWorkingHours: req.RespectWorkingHours,
		Critical:            req.Critical,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if rule.Scope == ScopeContract && rule.TargetID == "" {
		rule.TargetID = rule.ContractID
	}

	if err := s.rules.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	s.plan(ctx, rule, false)

	s.logger.Info("Created rule",
		zap.String("rule_id", rule.ID),
		zap.String("scope", string(rule.Scope)),
		zap.String("target_id", rule.TargetID),
	)
	return &rule, nil
}

// UpdateRule replaces the mutable fields of a rule, bumping its version.
// Pending occurrences that no longer match are cancelled and new ones
// materialized.
func (s *Service) UpdateRule(ctx context.Context, id string, req UpdateRuleRequest) (*Rule, error) {
	if err := s.validator.ValidateUpdate(req, s.settings.Current()); err != nil {
		return nil, err
	}

	rule, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	rule.Version++
	rule.Trigger = req.Trigger
	rule.Offset = req.Offset
	rule.Frequency = req.Frequency
	rule.Channels = req.Channels
	rule.Events = req.Events
	rule.Recipients = req.Recipients
	rule.CustomMessage = req.CustomMessage
	rule.RespectWorkingHours = req.RespectWorkingHours
	rule.Critical = req.Critical
	rule.IsActive = req.IsActive
	rule.UpdatedAt = s.now()

	if err := s.rules.UpdateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	if rule.IsActive {
		s.plan(ctx, rule, true)
	} else {
		s.retract(ctx, rule.ID)
	}

	s.logger.Info("Updated rule", zap.String("rule_id", rule.ID), zap.Int("version", rule.Version))
	return &rule, nil
}

// DeactivateRule stops a rule from producing occurrences and cancels its
// pending ones. Already delivered notifications are untouched.
func (s *Service) DeactivateRule(ctx context.Context, id string) (*Rule, error) {
	rule, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	if rule.IsActive {
		rule.IsActive = false
		rule.Version++
		rule.UpdatedAt = s.now()
		if err := s.rules.UpdateRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("failed to deactivate rule: %w", err)
		}
	}

	s.retract(ctx, rule.ID)

	s.logger.Info("Deactivated rule", zap.String("rule_id", rule.ID))
	return &rule, nil
}

// GetRule retrieves a rule by ID
func (s *Service) GetRule(ctx context.Context, id string) (*Rule, error) {
	rule, err := s.rules.GetRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &rule, nil
}

// ListRules lists rules matching filter
func (s *Service) ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error) {
	rules, err := s.rules.ListRules(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// Acknowledge marks a sent notification as acknowledged, which stops its
// escalation. Acknowledging twice is a no-op.
func (s *Service) Acknowledge(ctx context.Context, id string) (*ScheduledNotification, error) {
	now := s.now()
	n, err := s.notifications.Transition(ctx, Transition{
		ID:   id,
		From: StateSent,
		To:   StateAcknowledged,
		At:   now,
	})
	if err == nil {
		s.logger.Info("Acknowledged notification", zap.String("id", id))
		return &n, nil
	}
	if !errors.Is(err, ErrClaimConflict) {
		return nil, fmt.Errorf("failed to acknowledge notification: %w", err)
	}

	current, getErr := s.notifications.Get(ctx, id)
	if getErr != nil {
		return nil, fmt.Errorf("failed to get notification: %w", getErr)
	}
	if current.State == StateAcknowledged {
		return &current, nil
	}
	return nil, fmt.Errorf("cannot acknowledge notification in state %s: %w", current.State, ErrInvalidState)
}

// ListScheduledNotifications lists scheduled notifications matching filter
func (s *Service) ListScheduledNotifications(ctx context.Context, filter Filter) ([]ScheduledNotification, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	list, err := s.notifications.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return list, nil
}

// GetScheduledNotification retrieves a notification and its delivery attempts
func (s *Service) GetScheduledNotification(ctx context.Context, id string) (*ScheduledNotification, []DeliveryAttempt, error) {
	n, err := s.notifications.Get(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get notification: %w", err)
	}
	attempts, err := s.notifications.Attempts(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get delivery attempts: %w", err)
	}
	return &n, attempts, nil
}

// plan materializes occurrences for rule. Failures are logged rather than
// returned: the rule is stored and the periodic sweep will pick it up.
func (s *Service) plan(ctx context.Context, rule Rule, reconcile bool) {
	if s.planner == nil || !rule.IsActive {
		return
	}
	count, err := s.planner.PlanRule(ctx, rule, reconcile)
	if err != nil {
		s.logger.Warn("Failed to plan rule, deferring to sweep", zap.String("rule_id", rule.ID), zap.Error(err))
		return
	}
	s.logger.Debug("Planned rule", zap.String("rule_id", rule.ID), zap.Int("materialized", count))
}

func (s *Service) retract(ctx context.Context, ruleID string) {
	if s.planner == nil {
		return
	}
	cancelled, err := s.planner.RetractRule(ctx, ruleID)
	if err != nil {
		s.logger.Warn("Failed to cancel pending occurrences", zap.String("rule_id", ruleID), zap.Error(err))
		return
	}
	if cancelled > 0 {
		s.logger.Info("Cancelled pending occurrences", zap.String("rule_id", ruleID), zap.Int("count", cancelled))
	}
}
