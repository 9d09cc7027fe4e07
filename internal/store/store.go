// Package store persists notification rules, scheduled notifications and
// delivery attempts. The Store owns every state transition of a scheduled
// notification; callers request transitions and handle conflicts.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// Store is the scheduled notification store
type Store interface {
	// Materialize inserts n unless its slot already exists. A Cancelled slot
	// is revived to Pending. created reports whether a Pending record was
	// written.
	Materialize(ctx context.Context, n notification.ScheduledNotification) (stored notification.ScheduledNotification, created bool, err error)
	Get(ctx context.Context, id string) (notification.ScheduledNotification, error)
	List(ctx context.Context, filter notification.Filter) ([]notification.ScheduledNotification, error)
	// ListDue returns Pending notifications due at or before now and Claimed
	// ones whose lease expired, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]notification.ScheduledNotification, error)
	// Claim leases a due notification to owner. It returns
	// notification.ErrClaimConflict if another worker holds it or it left
	// Pending.
	Claim(ctx context.Context, id, owner string, lease time.Duration, now time.Time) (notification.ScheduledNotification, error)
	// RenewLease extends owner's lease on a Claimed notification to now+lease.
	// It returns notification.ErrClaimConflict if owner no longer holds it.
	RenewLease(ctx context.Context, id, owner string, lease time.Duration, now time.Time) error
	Transition(ctx context.Context, t notification.Transition) (notification.ScheduledNotification, error)
	// CancelPending cancels Pending notifications matching filter. Escalation
	// follow-ups are never matched.
	CancelPending(ctx context.Context, filter CancelFilter, at time.Time) (int, error)
	AppendAttempts(ctx context.Context, attempts []notification.DeliveryAttempt) error
	Attempts(ctx context.Context, notificationID string) ([]notification.DeliveryAttempt, error)
	// ListEscalationDue returns Sent notifications whose escalation deadline
	// passed.
	ListEscalationDue(ctx context.Context, now time.Time, limit int) ([]notification.ScheduledNotification, error)
	// Escalate moves parent from Sent to Escalated and stores child in one
	// step. It returns notification.ErrClaimConflict if parent left Sent or
	// was already escalated.
	Escalate(ctx context.Context, parentID string, child notification.ScheduledNotification, at time.Time) (notification.ScheduledNotification, error)
}

// RuleStore persists notification rules. It satisfies
// notification.RuleRepository.
type RuleStore interface {
	CreateRule(ctx context.Context, rule notification.Rule) error
	UpdateRule(ctx context.Context, rule notification.Rule) error
	GetRule(ctx context.Context, id string) (notification.Rule, error)
	ListRules(ctx context.Context, filter notification.RuleFilter) ([]notification.Rule, error)
}

// CancelFilter selects Pending notifications to cancel. Empty fields match
// everything; at least one field must be set.
type CancelFilter struct {
	IDs         []string
	RuleID      string
	Scope       notification.Scope
	TargetID    string
	ExceptEvent notification.Event
}

func (f CancelFilter) empty() bool {
	return len(f.IDs) == 0 && f.RuleID == "" && f.TargetID == ""
}

func (f CancelFilter) matches(n notification.ScheduledNotification) bool {
	if n.State != notification.StatePending || n.IsEscalation() {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, n.ID) {
		return false
	}
	if f.RuleID != "" && n.RuleID != f.RuleID {
		return false
	}
	if f.Scope != "" && n.Scope != f.Scope {
		return false
	}
	if f.TargetID != "" && n.TargetID != f.TargetID {
		return false
	}
	if f.ExceptEvent != "" && n.Event == f.ExceptEvent {
		return false
	}
	return true
}

func matchesFilter(f notification.Filter, n notification.ScheduledNotification) bool {
	if f.RuleID != "" && n.RuleID != f.RuleID {
		return false
	}
	if f.ContractID != "" && n.ContractID != f.ContractID {
		return false
	}
	if f.TargetID != "" && n.TargetID != f.TargetID {
		return false
	}
	if f.Event != "" && n.Event != f.Event {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, n.State) {
		return false
	}
	if f.From != nil && n.ScheduledFor.Before(*f.From) {
		return false
	}
	if f.To != nil && n.ScheduledFor.After(*f.To) {
		return false
	}
	return true
}

func matchesRule(f notification.RuleFilter, r notification.Rule) bool {
	if f.ContractID != "" && r.ContractID != f.ContractID {
		return false
	}
	if f.Scope != "" && r.Scope != f.Scope {
		return false
	}
	if f.TargetID != "" && r.TargetID != f.TargetID {
		return false
	}
	if f.ActiveOnly && !r.IsActive {
		return false
	}
	return true
}
