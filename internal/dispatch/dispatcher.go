// Package dispatch delivers claimed notifications through channel senders
// and requests the resulting state transition from the store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/monitoring"
	"github.com/alexnthnz/contract-reminders/internal/notification"
	"github.com/alexnthnz/contract-reminders/internal/policy"
	"github.com/alexnthnz/contract-reminders/internal/store"
)

// Sender sends one message to one recipient over one channel and returns the
// provider's message id. Errors should be classified with
// notification.TransientChannelError or notification.PermanentChannelError;
// unclassified errors are retried.
type Sender interface {
	Send(ctx context.Context, channel notification.Channel, recipient string, msg notification.Message) (string, error)
}

// AlertPublisher reports terminal failures and escalations to operators
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert notification.Alert) error
}

// PolicySource provides the compiled policy, whose timezone messages are
// rendered in
type PolicySource interface {
	Adjuster() *policy.Adjuster
}

// RuleGetter loads the rule a notification was materialized from
type RuleGetter interface {
	GetRule(ctx context.Context, id string) (notification.Rule, error)
}

// Dispatcher fans a claimed notification out to its recipients and channels,
// records every attempt and moves the notification to Sent, back to Pending
// for a retry, or to Failed.
type Dispatcher struct {
	rules    RuleGetter
	store    store.Store
	sender   Sender
	alerts   AlertPublisher
	policy   PolicySource
	settings *config.SettingsStore
	limiters map[notification.Channel]*rate.Limiter
	cfg      config.DispatchConfig
	owner    string
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a dispatcher. owner must be the name the scheduler loop claims
// notifications under.
func New(
	rules RuleGetter,
	st store.Store,
	sender Sender,
	settings *config.SettingsStore,
	cfg config.DispatchConfig,
	owner string,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{
		rules:    rules,
		store:    st,
		sender:   sender,
		settings: settings,
		limiters: make(map[notification.Channel]*rate.Limiter),
		cfg:      cfg,
		owner:    owner,
		logger:   logger,
		now:      time.Now,
	}
}

// WithAlerts sets the operator alert publisher
func (d *Dispatcher) WithAlerts(p AlertPublisher) *Dispatcher {
	d.alerts = p
	return d
}

// WithPolicy sets the policy source. Without one, messages render in UTC.
func (d *Dispatcher) WithPolicy(p PolicySource) *Dispatcher {
	d.policy = p
	return d
}

// WithRateLimits throttles each configured channel to its send rate
func (d *Dispatcher) WithRateLimits(limits map[string]config.RateLimitConfig) *Dispatcher {
	for name, l := range limits {
		if l.PerSecond <= 0 {
			continue
		}
		d.limiters[notification.Channel(name)] = rate.NewLimiter(rate.Limit(l.PerSecond), max(l.Burst, 1))
	}
	return d
}

// WithMetrics sets the metrics sink
func (d *Dispatcher) WithMetrics(m *monitoring.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithClock overrides the dispatcher clock
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch delivers n, which must be claimed by the dispatcher's owner, and
// returns the attempts it made. Losing the notification to another worker is
// not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, n notification.ScheduledNotification) ([]notification.DeliveryAttempt, error) {
	logger := d.logger.With(zap.String("notification_id", n.ID), zap.String("rule_id", n.RuleID))

	rule, err := d.rules.GetRule(ctx, n.RuleID)
	if errors.Is(err, notification.ErrNotFound) {
		return nil, d.finish(ctx, logger, n, notification.Transition{To: notification.StateCancelled, LastError: "rule deleted"})
	}
	if err != nil {
		// The lease expires and another tick retries.
		return nil, fmt.Errorf("failed to load rule %s: %w", n.RuleID, err)
	}
	if !rule.IsActive && !n.IsEscalation() {
		return nil, d.finish(ctx, logger, n, notification.Transition{To: notification.StateCancelled, LastError: "rule deactivated"})
	}

	gs := d.settings.Current()
	recipients := resolveRecipients(n, rule, gs)
	channels := enabledChannels(rule.Channels, gs.Channels)
	switch {
	case len(recipients) == 0:
		return nil, d.fail(ctx, logger, n, rule, "no recipients")
	case len(channels) == 0:
		return nil, d.fail(ctx, logger, n, rule, "no enabled channels")
	}

	msg := Render(rule, n, d.location())
	attempts := make([]notification.DeliveryAttempt, 0, len(recipients)*len(channels))
	var succeeded, retryable bool
	var failures []string
	for _, recipient := range recipients {
		for _, ch := range channels {
			a := d.send(ctx, ch, recipient, msg)
			a.ScheduledNotificationID = n.ID
			attempts = append(attempts, a)
			switch a.Result {
			case notification.ResultSuccess:
				succeeded = true
			case notification.ResultTransientFailure:
				retryable = true
				failures = append(failures, a.Error)
			default:
				failures = append(failures, a.Error)
			}
		}
	}

	if err := d.store.AppendAttempts(ctx, attempts); err != nil {
		logger.Error("Failed to record delivery attempts", zap.Int("count", len(attempts)), zap.Error(err))
	}

	now := d.now()
	lastError := strings.Join(failures, "; ")
	switch {
	case succeeded:
		t := notification.Transition{To: notification.StateSent, LastError: lastError, CountAttempt: true}
		if at, ok := escalateAt(gs, n, now); ok {
			t.EscalateAt = &at
		}
		return attempts, d.finish(ctx, logger, n, t)
	case retryable && n.Attempts+1 < d.cfg.MaxAttempts:
		due := now.Add(Backoff(d.cfg.BackoffBase, d.cfg.BackoffMax, n.Attempts))
		d.metrics.RecordRetry("transient")
		logger.Info("Retrying notification",
			zap.Int("attempt", n.Attempts+1),
			zap.Time("due_at", due),
			zap.String("error", lastError),
		)
		return attempts, d.finish(ctx, logger, n, notification.Transition{
			To:           notification.StatePending,
			LastError:    lastError,
			DueAt:        &due,
			CountAttempt: true,
		})
	default:
		return attempts, d.fail(ctx, logger, n, rule, lastError)
	}
}

func (d *Dispatcher) send(ctx context.Context, ch notification.Channel, recipient string, msg notification.Message) notification.DeliveryAttempt {
	attempt := notification.DeliveryAttempt{
		ID:        uuid.New().String(),
		Channel:   ch,
		Recipient: recipient,
	}

	start := time.Now()
	err := d.wait(ctx, ch)
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		attempt.ExternalID, err = d.sender.Send(sendCtx, ch, recipient, msg)
		cancel()
	}
	attempt.Timestamp = d.now()

	switch {
	case err == nil:
		attempt.Result = notification.ResultSuccess
	case notification.IsPermanent(err):
		attempt.Result = notification.ResultPermanentFailure
		attempt.Error = err.Error()
	default:
		attempt.Result = notification.ResultTransientFailure
		attempt.Error = err.Error()
	}
	d.metrics.RecordAttempt(string(ch), string(attempt.Result), time.Since(start).Seconds())
	return attempt
}

func (d *Dispatcher) wait(ctx context.Context, ch notification.Channel) error {
	lim, ok := d.limiters[ch]
	if !ok {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return notification.TransientChannelError(ch, "", fmt.Errorf("rate limiter: %w", err))
	}
	return nil
}

// fail moves n to Failed and reports it to operators.
func (d *Dispatcher) fail(ctx context.Context, logger *zap.Logger, n notification.ScheduledNotification, rule notification.Rule, reason string) error {
	if err := d.finish(ctx, logger, n, notification.Transition{
		To:           notification.StateFailed,
		LastError:    reason,
		CountAttempt: true,
	}); err != nil {
		return err
	}

	severity := notification.SeverityWarning
	if rule.Critical || n.Critical {
		severity = notification.SeverityCritical
	}
	logger.Warn("Notification failed",
		zap.String("severity", string(severity)),
		zap.String("reason", reason),
	)
	if d.alerts == nil {
		return nil
	}
	err := d.alerts.PublishAlert(ctx, notification.Alert{
		Kind:           notification.AlertFailed,
		Severity:       severity,
		NotificationID: n.ID,
		RuleID:         n.RuleID,
		ContractID:     n.ContractID,
		Scope:          n.Scope,
		TargetID:       n.TargetID,
		Event:          n.Event,
		Recipients:     n.Recipients,
		Reason:         reason,
		At:             d.now(),
	})
	if err != nil {
		logger.Error("Failed to publish failure alert", zap.Error(err))
	}
	return nil
}

// finish requests the transition out of Claimed.
func (d *Dispatcher) finish(ctx context.Context, logger *zap.Logger, n notification.ScheduledNotification, t notification.Transition) error {
	t.ID = n.ID
	t.From = notification.StateClaimed
	t.Owner = d.owner
	t.At = d.now()

	if _, err := d.store.Transition(ctx, t); err != nil {
		if errors.Is(err, notification.ErrClaimConflict) {
			d.metrics.RecordClaimConflict()
			logger.Debug("Notification moved by another worker", zap.String("to", string(t.To)))
			return nil
		}
		return fmt.Errorf("failed to transition notification to %s: %w", t.To, err)
	}
	d.metrics.RecordDispatched(string(t.To))
	return nil
}

func resolveRecipients(n notification.ScheduledNotification, rule notification.Rule, gs config.GlobalSettings) []string {
	switch {
	case len(n.Recipients) > 0:
		return n.Recipients
	case len(rule.Recipients) > 0:
		return rule.Recipients
	default:
		return gs.DefaultRecipients
	}
}

func enabledChannels(channels []notification.Channel, toggles config.ChannelToggles) []notification.Channel {
	out := make([]notification.Channel, 0, len(channels))
	for _, ch := range channels {
		if toggles.Enabled(string(ch)) {
			out = append(out, ch)
		}
	}
	return out
}

// escalateAt returns when an unacknowledged n escalates. Escalation
// follow-ups never escalate again.
func escalateAt(gs config.GlobalSettings, n notification.ScheduledNotification, sentAt time.Time) (time.Time, bool) {
	if !gs.Escalation.Enabled || n.IsEscalation() || len(gs.Escalation.EscalateTo) == 0 {
		return time.Time{}, false
	}
	after, err := gs.Escalation.EscalateAfter.Duration()
	if err != nil || after <= 0 {
		return time.Time{}, false
	}
	return sentAt.Add(after), true
}

func (d *Dispatcher) location() *time.Location {
	if d.policy == nil {
		return time.UTC
	}
	return d.policy.Adjuster().Location()
}

// Backoff returns the delay before retry number attempts+1: base doubled per
// previous attempt, capped at limit.
func Backoff(base, limit time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
