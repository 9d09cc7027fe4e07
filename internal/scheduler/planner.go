package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/monitoring"
	"github.com/alexnthnz/contract-reminders/internal/notification"
	"github.com/alexnthnz/contract-reminders/internal/policy"
	"github.com/alexnthnz/contract-reminders/internal/recurrence"
	"github.com/alexnthnz/contract-reminders/internal/resolver"
	"github.com/alexnthnz/contract-reminders/internal/store"
)

// AnchorResolver is the part of the reference resolver the planner uses
type AnchorResolver interface {
	ResolveAnchor(ctx context.Context, scope notification.Scope, targetID string, event notification.Event) (resolver.Anchor, error)
	Entity(ctx context.Context, scope notification.Scope, id string) (resolver.Entity, error)
	Targets(ctx context.Context, rule notification.Rule) ([]string, error)
	Invalidate(ctx context.Context, scope notification.Scope, id string)
}

// PolicySource provides the current policy adjuster
type PolicySource interface {
	Adjuster() *policy.Adjuster
}

// Waker is told about newly materialized notifications so the loop can fire
// before its next poll.
type Waker interface {
	Wake(ctx context.Context, at time.Time)
}

// Planner materializes rule occurrences into the store. It runs on rule
// changes, entity change events and the periodic sweep.
type Planner struct {
	rules    store.RuleStore
	store    store.Store
	resolver AnchorResolver
	expander *recurrence.Expander
	policy   PolicySource
	waker    Waker
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewPlanner creates a planner
func NewPlanner(
	rules store.RuleStore,
	st store.Store,
	res AnchorResolver,
	expander *recurrence.Expander,
	pol PolicySource,
	logger *zap.Logger,
) *Planner {
	return &Planner{
		rules:    rules,
		store:    st,
		resolver: res,
		expander: expander,
		policy:   pol,
		logger:   logger,
		now:      time.Now,
	}
}

// WithWaker sets the waker notified of early occurrences
func (p *Planner) WithWaker(w Waker) *Planner {
	p.waker = w
	return p
}

// WithMetrics sets the metrics sink
func (p *Planner) WithMetrics(m *monitoring.Metrics) *Planner {
	p.metrics = m
	return p
}

// WithClock overrides the planner clock
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// PlanRule materializes the occurrences of rule for all of its targets and
// returns how many Pending notifications were written. With reconcile set,
// pending occurrences the rule no longer produces are cancelled; without it,
// occurrences whose raw instant already has a record are left alone.
func (p *Planner) PlanRule(ctx context.Context, rule notification.Rule, reconcile bool) (int, error) {
	if !rule.IsActive {
		return 0, nil
	}
	targets, err := p.resolver.Targets(ctx, rule)
	if err != nil {
		return 0, err
	}
	return p.plan(ctx, rule, targets, "", reconcile)
}

// plan materializes rule for targets. When only is set the reconcile pass is
// limited to that target.
func (p *Planner) plan(ctx context.Context, rule notification.Rule, targets []string, only string, reconcile bool) (int, error) {
	now := p.now()
	run := &planRun{
		rule:      rule,
		reconcile: reconcile,
		now:       now,
		kept:      make(map[string]bool),
		anchors:   make(map[anchorKey]*time.Time),
		planned:   make(map[string]bool),
	}

	total := 0
	var errs []error
	for _, target := range targets {
		n, err := p.planTarget(ctx, run, target)
		total += n
		switch {
		case errors.Is(err, notification.ErrTargetNotFound):
			p.cancelTarget(ctx, rule.Scope, target, now)
		case err != nil:
			errs = append(errs, fmt.Errorf("%s %s: %w", rule.Scope, target, err))
		default:
			run.planned[target] = true
		}
	}

	if reconcile {
		if err := p.reconcile(ctx, run, targets, only); err != nil {
			errs = append(errs, err)
		}
	}

	if total > 0 {
		p.logger.Debug("Materialized occurrences", zap.String("rule_id", rule.ID), zap.Int("count", total))
	}
	return total, errors.Join(errs...)
}

type anchorKey struct {
	target string
	event  notification.Event
}

// planRun carries the state of one planning pass over a rule
type planRun struct {
	rule      notification.Rule
	reconcile bool
	now       time.Time
	kept      map[string]bool
	anchors   map[anchorKey]*time.Time
	planned   map[string]bool
}

func (p *Planner) planTarget(ctx context.Context, run *planRun, target string) (int, error) {
	rule := run.rule
	adj := p.policy.Adjuster()
	enforce := rule.EnforcesWorkingHours(adj.EnforcesWorkingHours())

	count := 0
	for _, event := range rule.Events {
		key := anchorKey{target: target, event: event}
		anchor, err := p.resolver.ResolveAnchor(ctx, rule.Scope, target, event)
		switch {
		case errors.Is(err, notification.ErrNoAnchor):
			run.anchors[key] = nil
			continue
		case err != nil:
			return count, err
		}
		if anchor.Status.Closed() && event != notification.EventCompleted {
			run.anchors[key] = nil
			continue
		}
		at := anchor.At
		run.anchors[key] = &at

		existing, err := p.store.List(ctx, notification.Filter{RuleID: rule.ID, TargetID: target, Event: event})
		if err != nil {
			return count, err
		}
		live := make(map[int64]bool)
		pending := make(map[int64]bool)
		for _, n := range existing {
			if n.IsEscalation() {
				continue
			}
			raw := n.OccurrenceAt.UnixMicro()
			switch n.State {
			case notification.StatePending:
				pending[raw] = true
				if !run.reconcile {
					run.kept[n.ID] = true
				}
			case notification.StateCancelled:
			default:
				live[raw] = true
			}
		}

		created := 0
		for raw := range p.expander.Expand(rule, at, run.now, anchor.Status.Closed()) {
			k := raw.UnixMicro()
			if live[k] || (!run.reconcile && pending[k]) {
				continue
			}
			scheduled := adj.Adjust(raw, enforce)
			stored, isNew, err := p.store.Materialize(ctx, notification.ScheduledNotification{
				RuleID:       rule.ID,
				RuleVersion:  rule.Version,
				ContractID:   rule.ContractID,
				Scope:        rule.Scope,
				TargetID:     target,
				Event:        event,
				AnchorAt:     at,
				OccurrenceAt: raw,
				ScheduledFor: scheduled.UTC(),
				DueAt:        scheduled.UTC(),
				Critical:     rule.Critical,
				CreatedAt:    run.now,
			})
			if err != nil {
				return count, err
			}
			if stored.State == notification.StatePending {
				run.kept[stored.ID] = true
			}
			if isNew {
				created++
				p.wake(ctx, stored.DueAt)
			}
		}
		p.metrics.RecordMaterialized(string(event), created)
		count += created
	}
	return count, nil
}

// reconcile cancels pending occurrences of run.rule that the planning pass
// did not reproduce.
func (p *Planner) reconcile(ctx context.Context, run *planRun, targets []string, only string) error {
	pendings, err := p.store.List(ctx, notification.Filter{
		RuleID:   run.rule.ID,
		TargetID: only,
		States:   []notification.State{notification.StatePending},
	})
	if err != nil {
		return fmt.Errorf("failed to list pending occurrences: %w", err)
	}

	lower := run.now.Add(-p.expander.Grace)
	var stale []string
	for _, n := range pendings {
		if run.kept[n.ID] || n.IsEscalation() {
			continue
		}
		if !run.planned[n.TargetID] {
			// Resolution failed transiently; keep what we have unless the
			// target left the rule.
			if !slices.Contains(targets, n.TargetID) {
				stale = append(stale, n.ID)
			}
			continue
		}
		if !slices.Contains(run.rule.Events, n.Event) {
			stale = append(stale, n.ID)
			continue
		}
		anchor := run.anchors[anchorKey{target: n.TargetID, event: n.Event}]
		switch {
		case anchor == nil, !n.AnchorAt.Equal(*anchor):
			stale = append(stale, n.ID)
		case !n.OccurrenceAt.Before(lower):
			// Inside the expansion window but not reproduced: the policy
			// moved it.
			stale = append(stale, n.ID)
		}
	}

	if len(stale) == 0 {
		return nil
	}
	cancelled, err := p.store.CancelPending(ctx, store.CancelFilter{IDs: stale}, run.now)
	if err != nil {
		return fmt.Errorf("failed to cancel stale occurrences: %w", err)
	}
	p.metrics.RecordCancelled("reconcile", cancelled)
	p.logger.Info("Cancelled stale occurrences", zap.String("rule_id", run.rule.ID), zap.Int("count", cancelled))
	return nil
}

// RetractRule cancels every pending occurrence of a rule.
func (p *Planner) RetractRule(ctx context.Context, ruleID string) (int, error) {
	cancelled, err := p.store.CancelPending(ctx, store.CancelFilter{RuleID: ruleID}, p.now())
	if err != nil {
		return 0, err
	}
	p.metrics.RecordCancelled("rule_deactivated", cancelled)
	return cancelled, nil
}

// Sweep plans every active rule without disturbing existing occurrences. It
// fills the horizon as time advances.
func (p *Planner) Sweep(ctx context.Context) (int, error) {
	return p.planAll(ctx, false)
}

// Readjust re-plans every active rule against the current settings,
// replacing pending occurrences whose adjusted time changed.
func (p *Planner) Readjust(ctx context.Context) (int, error) {
	return p.planAll(ctx, true)
}

func (p *Planner) planAll(ctx context.Context, reconcile bool) (int, error) {
	start := time.Now()
	rules, err := p.rules.ListRules(ctx, notification.RuleFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list active rules: %w", err)
	}

	total := 0
	var errs []error
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.PlanRule(ctx, rule, reconcile)
		total += n
		if err != nil {
			p.logger.Warn("Failed to plan rule", zap.String("rule_id", rule.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
	}

	task := "sweep"
	if reconcile {
		task = "readjust"
	}
	p.metrics.RecordTick(task, time.Since(start).Seconds())
	p.logger.Info("Planning pass complete",
		zap.String("task", task),
		zap.Int("rules", len(rules)),
		zap.Int("materialized", total),
		zap.Int("failed", len(errs)),
	)
	return total, errors.Join(errs...)
}

// HandleChange applies an entity change event: the cached entity is dropped,
// pending occurrences that no longer apply are cancelled and the affected
// rules are re-planned.
func (p *Planner) HandleChange(ctx context.Context, ev notification.ChangeEvent) error {
	p.resolver.Invalidate(ctx, ev.Scope, ev.TargetID)
	now := p.now()

	logger := p.logger.With(
		zap.String("scope", string(ev.Scope)),
		zap.String("target_id", ev.TargetID),
		zap.String("kind", string(ev.Kind)),
	)

	switch ev.Kind {
	case notification.ChangeDeleted:
		p.cancelTarget(ctx, ev.Scope, ev.TargetID, now)
		return nil
	case notification.ChangeCompleted:
		cancelled, err := p.store.CancelPending(ctx, store.CancelFilter{
			Scope:       ev.Scope,
			TargetID:    ev.TargetID,
			ExceptEvent: notification.EventCompleted,
		}, now)
		if err != nil {
			return fmt.Errorf("failed to cancel occurrences of completed %s: %w", ev.Scope, err)
		}
		p.metrics.RecordCancelled("completed", cancelled)
		logger.Info("Cancelled occurrences of completed entity", zap.Int("count", cancelled))
	case notification.ChangeDateChanged:
	default:
		return fmt.Errorf("unknown change kind %q", ev.Kind)
	}

	contractID := ev.ContractID
	if contractID == "" {
		entity, err := p.resolver.Entity(ctx, ev.Scope, ev.TargetID)
		if errors.Is(err, notification.ErrTargetNotFound) {
			p.cancelTarget(ctx, ev.Scope, ev.TargetID, now)
			return nil
		}
		if err != nil {
			return err
		}
		contractID = entity.ContractID
	}

	rules, err := p.affectedRules(ctx, ev.Scope, ev.TargetID, contractID)
	if err != nil {
		return err
	}

	reconcile := ev.Kind == notification.ChangeDateChanged
	total := 0
	var errs []error
	for _, rule := range rules {
		n, err := p.plan(ctx, rule, []string{ev.TargetID}, ev.TargetID, reconcile)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
	}

	logger.Info("Handled change event", zap.Int("rules", len(rules)), zap.Int("materialized", total))
	return errors.Join(errs...)
}

// affectedRules returns the active rules that target the entity directly or
// apply to every entity of its scope under its contract.
func (p *Planner) affectedRules(ctx context.Context, scope notification.Scope, targetID, contractID string) ([]notification.Rule, error) {
	direct, err := p.rules.ListRules(ctx, notification.RuleFilter{Scope: scope, TargetID: targetID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for %s %s: %w", scope, targetID, err)
	}
	if contractID == "" || scope == notification.ScopeContract {
		return direct, nil
	}

	all, err := p.rules.ListRules(ctx, notification.RuleFilter{ContractID: contractID, Scope: scope, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for contract %s: %w", contractID, err)
	}
	for _, r := range all {
		if r.AppliesToAll() {
			direct = append(direct, r)
		}
	}
	return direct, nil
}

func (p *Planner) cancelTarget(ctx context.Context, scope notification.Scope, targetID string, now time.Time) {
	cancelled, err := p.store.CancelPending(ctx, store.CancelFilter{Scope: scope, TargetID: targetID}, now)
	if err != nil {
		p.logger.Error("Failed to cancel occurrences of vanished target",
			zap.String("scope", string(scope)), zap.String("target_id", targetID), zap.Error(err))
		return
	}
	p.metrics.RecordCancelled("target_not_found", cancelled)
	if cancelled > 0 {
		p.logger.Info("Cancelled occurrences of vanished target",
			zap.String("scope", string(scope)), zap.String("target_id", targetID), zap.Int("count", cancelled))
	}
}

func (p *Planner) wake(ctx context.Context, at time.Time) {
	if p.waker != nil {
		p.waker.Wake(ctx, at)
	}
}
