// Package escalation turns Sent notifications that were not acknowledged in
// time into one follow-up notification for the escalation recipients.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/dispatch"
	"github.com/alexnthnz/contract-reminders/internal/monitoring"
	"github.com/alexnthnz/contract-reminders/internal/notification"
	"github.com/alexnthnz/contract-reminders/internal/scheduler"
	"github.com/alexnthnz/contract-reminders/internal/store"
)

// Controller periodically escalates overdue Sent notifications. Escalate is
// atomic in the store, so controllers may run on every node.
type Controller struct {
	store    store.Store
	settings *config.SettingsStore
	policy   scheduler.PolicySource
	alerts   dispatch.AlertPublisher
	waker    scheduler.Waker
	poll     time.Duration
	batch    int
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewController creates an escalation controller
func NewController(
	st store.Store,
	settings *config.SettingsStore,
	pol scheduler.PolicySource,
	cfg config.EscalationConfig,
	logger *zap.Logger,
) *Controller {
	c := &Controller{
		store:    st,
		settings: settings,
		policy:   pol,
		poll:     cfg.PollInterval,
		batch:    cfg.BatchSize,
		logger:   logger,
		now:      time.Now,
	}
	if c.poll <= 0 {
		c.poll = time.Minute
	}
	if c.batch <= 0 {
		c.batch = 100
	}
	return c
}

// WithAlerts sets the operator alert publisher
func (c *Controller) WithAlerts(p dispatch.AlertPublisher) *Controller {
	c.alerts = p
	return c
}

// WithWaker sets the waker told about new follow-ups
func (c *Controller) WithWaker(w scheduler.Waker) *Controller {
	c.waker = w
	return c
}

// WithMetrics sets the metrics sink
func (c *Controller) WithMetrics(m *monitoring.Metrics) *Controller {
	c.metrics = m
	return c
}

// WithClock overrides the controller clock
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Run ticks every poll interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Escalation controller started", zap.Duration("poll_interval", c.poll))
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Escalation controller stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Tick(ctx); err != nil {
				c.logger.Error("Escalation tick failed", zap.Error(err))
			}
		}
	}
}

// Tick escalates every notification whose deadline passed and returns the
// follow-ups it created.
func (c *Controller) Tick(ctx context.Context) ([]notification.ScheduledNotification, error) {
	start := time.Now()
	defer func() { c.metrics.RecordTick("escalation", time.Since(start).Seconds()) }()

	gs := c.settings.Current()
	if !gs.Escalation.Enabled || len(gs.Escalation.EscalateTo) == 0 {
		return nil, nil
	}

	now := c.now()
	candidates, err := c.store.ListEscalationDue(ctx, now, c.batch)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalation candidates: %w", err)
	}

	var created []notification.ScheduledNotification
	var errs []error
	for _, parent := range candidates {
		child, err := c.escalate(ctx, parent, gs, now)
		if errors.Is(err, notification.ErrClaimConflict) {
			// Acknowledged meanwhile, or another node escalated it.
			c.metrics.RecordClaimConflict()
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("notification %s: %w", parent.ID, err))
			continue
		}
		created = append(created, child)
	}
	return created, errors.Join(errs...)
}

func (c *Controller) escalate(ctx context.Context, parent notification.ScheduledNotification, gs config.GlobalSettings, now time.Time) (notification.ScheduledNotification, error) {
	scheduled := c.policy.Adjuster().AdjustQuiet(now).UTC()
	child, err := c.store.Escalate(ctx, parent.ID, notification.ScheduledNotification{
		RuleID:       parent.RuleID,
		RuleVersion:  parent.RuleVersion,
		ContractID:   parent.ContractID,
		Scope:        parent.Scope,
		TargetID:     parent.TargetID,
		Event:        notification.EventEscalation,
		AnchorAt:     parent.AnchorAt,
		OccurrenceAt: now,
		ScheduledFor: scheduled,
		DueAt:        scheduled,
		Recipients:   gs.Escalation.EscalateTo,
		Critical:     parent.Critical,
		CreatedAt:    now,
	}, now)
	if err != nil {
		return notification.ScheduledNotification{}, err
	}

	c.metrics.RecordEscalation()
	c.logger.Info("Escalated unacknowledged notification",
		zap.String("notification_id", parent.ID),
		zap.String("escalation_id", child.ID),
		zap.Strings("escalate_to", child.Recipients),
		zap.Time("scheduled_for", child.ScheduledFor),
	)
	if c.waker != nil {
		c.waker.Wake(ctx, child.DueAt)
	}

	if c.alerts != nil {
		severity := notification.SeverityWarning
		if parent.Critical {
			severity = notification.SeverityCritical
		}
		err := c.alerts.PublishAlert(ctx, notification.Alert{
			Kind:           notification.AlertEscalated,
			Severity:       severity,
			NotificationID: parent.ID,
			RuleID:         parent.RuleID,
			ContractID:     parent.ContractID,
			Scope:          parent.Scope,
			TargetID:       parent.TargetID,
			Event:          parent.Event,
			Recipients:     child.Recipients,
			Reason:         "not acknowledged",
			At:             now,
		})
		if err != nil {
			c.logger.Error("Failed to publish escalation alert", zap.String("notification_id", parent.ID), zap.Error(err))
		}
	}
	return child, nil
}
