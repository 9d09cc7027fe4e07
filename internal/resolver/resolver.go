package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// Status is the lifecycle status of a contract, milestone or task
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Closed reports whether the entity no longer produces reminders for its
// open events.
func (s Status) Closed() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Entity is the read-only view of a contract, milestone or task the engine
// needs: its status and the timestamps its events are anchored on.
type Entity struct {
	Scope       notification.Scope `json:"scope"`
	ID          string             `json:"id"`
	ContractID  string             `json:"contract_id"`
	Status      Status             `json:"status"`
	StartAt     *time.Time         `json:"start_at,omitempty"`
	DueAt       *time.Time         `json:"due_at,omitempty"`
	AssignedAt  *time.Time         `json:"assigned_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// AnchorFor returns the timestamp event is anchored on. Overdue reminders are
// anchored on the due date.
func (e Entity) AnchorFor(event notification.Event) (time.Time, bool) {
	var at *time.Time
	switch event {
	case notification.EventStart:
		at = e.StartAt
	case notification.EventEnd, notification.EventOverdue:
		at = e.DueAt
	case notification.EventAssigned:
		at = e.AssignedAt
	case notification.EventCompleted:
		at = e.CompletedAt
	}
	if at == nil {
		return time.Time{}, false
	}
	return *at, true
}

// Anchor is the result of resolving a rule event against its target
type Anchor struct {
	At     time.Time
	Status Status
}

// EntityStore is the contract/milestone/task store the engine reads from
type EntityStore interface {
	// GetEntity returns notification.ErrTargetNotFound when the entity does
	// not exist.
	GetEntity(ctx context.Context, scope notification.Scope, id string) (Entity, error)
	// ListTargets returns the IDs of every entity of scope under a contract.
	ListTargets(ctx context.Context, contractID string, scope notification.Scope) ([]string, error)
}

// Cache stores entities between resolutions
type Cache interface {
	Get(ctx context.Context, scope notification.Scope, id string) (Entity, bool)
	Set(ctx context.Context, entity Entity)
	Delete(ctx context.Context, scope notification.Scope, id string)
}

// Resolver resolves rule anchors against the entity store, consulting caches
// in order before the store.
type Resolver struct {
	store  EntityStore
	caches []Cache
	logger *zap.Logger
}

// New creates a resolver. Caches are consulted in the given order.
func New(store EntityStore, logger *zap.Logger, caches ...Cache) *Resolver {
	return &Resolver{store: store, caches: caches, logger: logger}
}

// ResolveAnchor returns the anchor time and entity status for event on the
// target. It returns notification.ErrTargetNotFound when the target vanished
// and notification.ErrNoAnchor when the event has no timestamp yet.
func (r *Resolver) ResolveAnchor(ctx context.Context, scope notification.Scope, targetID string, event notification.Event) (Anchor, error) {
	entity, err := r.Entity(ctx, scope, targetID)
	if err != nil {
		return Anchor{}, err
	}
	at, ok := entity.AnchorFor(event)
	if !ok {
		return Anchor{Status: entity.Status}, fmt.Errorf("%s %s has no %s date: %w", scope, targetID, event, notification.ErrNoAnchor)
	}
	return Anchor{At: at, Status: entity.Status}, nil
}

// Entity loads an entity through the caches.
func (r *Resolver) Entity(ctx context.Context, scope notification.Scope, id string) (Entity, error) {
	for i, c := range r.caches {
		if e, ok := c.Get(ctx, scope, id); ok {
			for _, earlier := range r.caches[:i] {
				earlier.Set(ctx, e)
			}
			return e, nil
		}
	}

	e, err := r.store.GetEntity(ctx, scope, id)
	if err != nil {
		if errors.Is(err, notification.ErrTargetNotFound) {
			return Entity{}, err
		}
		return Entity{}, fmt.Errorf("failed to load %s %s: %w", scope, id, err)
	}

	for _, c := range r.caches {
		c.Set(ctx, e)
	}
	return e, nil
}

// Targets returns the IDs of the entities a rule applies to.
func (r *Resolver) Targets(ctx context.Context, rule notification.Rule) ([]string, error) {
	if !rule.AppliesToAll() {
		return []string{rule.TargetID}, nil
	}
	if rule.Scope == notification.ScopeContract {
		return []string{rule.ContractID}, nil
	}
	ids, err := r.store.ListTargets(ctx, rule.ContractID, rule.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s targets of contract %s: %w", rule.Scope, rule.ContractID, err)
	}
	return ids, nil
}

// Exists reports whether the entity exists. It satisfies
// notification.TargetChecker.
func (r *Resolver) Exists(ctx context.Context, scope notification.Scope, id string) (bool, error) {
	_, err := r.Entity(ctx, scope, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, notification.ErrTargetNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Invalidate drops a cached entity after a change event.
func (r *Resolver) Invalidate(ctx context.Context, scope notification.Scope, id string) {
	for _, c := range r.caches {
		c.Delete(ctx, scope, id)
	}
	r.logger.Debug("Invalidated cached entity", zap.String("scope", string(scope)), zap.String("id", id))
}

func cacheKey(scope notification.Scope, id string) string {
	return "entity:" + string(scope) + ":" + id
}
