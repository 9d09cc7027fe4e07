package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

var errEmptyCancelFilter = errors.New("cancel filter must select by id, rule or target")

// MemoryStore is an in-process Store. A single mutex makes every operation
// atomic, which is the property the engine relies on.
type MemoryStore struct {
	mu            sync.Mutex
	notifications map[string]*notification.ScheduledNotification
	slots         map[notification.SlotKey]string
	children      map[string]string
	attempts      map[string][]notification.DeliveryAttempt
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[string]*notification.ScheduledNotification),
		slots:         make(map[notification.SlotKey]string),
		children:      make(map[string]string),
		attempts:      make(map[string][]notification.DeliveryAttempt),
	}
}

func (s *MemoryStore) Materialize(_ context.Context, n notification.ScheduledNotification) (notification.ScheduledNotification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.slots[n.Slot()]; ok {
		existing := s.notifications[id]
		if existing.State != notification.StateCancelled {
			return clone(existing), false, nil
		}
		revive(existing, n)
		return clone(existing), true, nil
	}

	s.insert(&n)
	return clone(&n), true, nil
}

// insert stores n as a new Pending record. The caller holds the lock.
func (s *MemoryStore) insert(n *notification.ScheduledNotification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.DueAt.IsZero() {
		n.DueAt = n.ScheduledFor
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	n.State = notification.StatePending
	n.Recipients = slices.Clone(n.Recipients)
	s.notifications[n.ID] = n
	if n.ParentID != "" {
		s.children[n.ParentID] = n.ID
		return
	}
	s.slots[n.Slot()] = n.ID
}

// revive resets a cancelled record to Pending with the fields of a fresh
// materialization of the same slot.
func revive(existing *notification.ScheduledNotification, n notification.ScheduledNotification) {
	existing.State = notification.StatePending
	existing.RuleVersion = n.RuleVersion
	existing.AnchorAt = n.AnchorAt
	existing.OccurrenceAt = n.OccurrenceAt
	existing.DueAt = n.ScheduledFor
	existing.Attempts = 0
	existing.LastError = ""
	existing.Recipients = slices.Clone(n.Recipients)
	existing.Critical = n.Critical
	existing.UpdatedAt = n.CreatedAt
}

func (s *MemoryStore) Get(_ context.Context, id string) (notification.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return notification.ScheduledNotification{}, fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	return clone(n), nil
}

func (s *MemoryStore) List(_ context.Context, filter notification.Filter) ([]notification.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []notification.ScheduledNotification
	for _, n := range s.notifications {
		if matchesFilter(filter, *n) {
			out = append(out, clone(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]notification.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []notification.ScheduledNotification
	for _, n := range s.notifications {
		if due(n, now) {
			out = append(out, clone(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return page(out, 0, limit), nil
}

func due(n *notification.ScheduledNotification, now time.Time) bool {
	switch n.State {
	case notification.StatePending:
		return !n.DueAt.After(now)
	case notification.StateClaimed:
		return n.LeaseExpiresAt != nil && n.LeaseExpiresAt.Before(now)
	default:
		return false
	}
}

func (s *MemoryStore) Claim(_ context.Context, id, owner string, lease time.Duration, now time.Time) (notification.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return notification.ScheduledNotification{}, fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	if !due(n, now) {
		return notification.ScheduledNotification{}, fmt.Errorf("notification %s is %s: %w", id, n.State, notification.ErrClaimConflict)
	}

	expires := now.Add(lease)
	n.State = notification.StateClaimed
	n.ClaimedBy = owner
	n.LeaseExpiresAt = &expires
	n.UpdatedAt = now
	return clone(n), nil
}

func (s *MemoryStore) RenewLease(_ context.Context, id, owner string, lease time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	if n.State != notification.StateClaimed || n.ClaimedBy != owner {
		return fmt.Errorf("notification %s is %s by %q: %w", id, n.State, n.ClaimedBy, notification.ErrClaimConflict)
	}
	expires := now.Add(lease)
	n.LeaseExpiresAt = &expires
	return nil
}

func (s *MemoryStore) Transition(_ context.Context, t notification.Transition) (notification.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[t.ID]
	if !ok {
		return notification.ScheduledNotification{}, fmt.Errorf("notification %s: %w", t.ID, notification.ErrNotFound)
	}
	if err := checkTransition(n, t); err != nil {
		return notification.ScheduledNotification{}, err
	}
	apply(n, t)
	return clone(n), nil
}

func checkTransition(n *notification.ScheduledNotification, t notification.Transition) error {
	if n.State != t.From {
		return fmt.Errorf("notification %s is %s, not %s: %w", n.ID, n.State, t.From, notification.ErrClaimConflict)
	}
	if t.From == notification.StateClaimed && t.Owner != "" && n.ClaimedBy != t.Owner {
		return fmt.Errorf("notification %s is leased to %s: %w", n.ID, n.ClaimedBy, notification.ErrClaimConflict)
	}
	return nil
}

func apply(n *notification.ScheduledNotification, t notification.Transition) {
	n.State = t.To
	n.UpdatedAt = t.At
	n.LastError = t.LastError
	if t.CountAttempt {
		n.Attempts++
	}
	if t.DueAt != nil {
		n.DueAt = *t.DueAt
	}
	if t.EscalateAt != nil {
		at := *t.EscalateAt
		n.EscalateAt = &at
	}
	switch t.To {
	case notification.StateSent:
		at := t.At
		n.SentAt = &at
	case notification.StateAcknowledged:
		at := t.At
		n.AcknowledgedAt = &at
	}
	if t.From == notification.StateClaimed {
		n.ClaimedBy = ""
		n.LeaseExpiresAt = nil
	}
}

func (s *MemoryStore) CancelPending(_ context.Context, filter CancelFilter, at time.Time) (int, error) {
	if filter.empty() {
		return 0, errEmptyCancelFilter
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, n := range s.notifications {
		if filter.matches(*n) {
			n.State = notification.StateCancelled
			n.UpdatedAt = at
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AppendAttempts(_ context.Context, attempts []notification.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range attempts {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		s.attempts[a.ScheduledNotificationID] = append(s.attempts[a.ScheduledNotificationID], a)
	}
	return nil
}

func (s *MemoryStore) Attempts(_ context.Context, notificationID string) ([]notification.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.attempts[notificationID]), nil
}

func (s *MemoryStore) ListEscalationDue(_ context.Context, now time.Time, limit int) ([]notification.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []notification.ScheduledNotification
	for _, n := range s.notifications {
		if n.State == notification.StateSent && !n.IsEscalation() &&
			n.EscalateAt != nil && !n.EscalateAt.After(now) {
			out = append(out, clone(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscalateAt.Before(*out[j].EscalateAt) })
	return page(out, 0, limit), nil
}

func (s *MemoryStore) Escalate(_ context.Context, parentID string, child notification.ScheduledNotification, at time.Time) (notification.ScheduledNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.notifications[parentID]
	if !ok {
		return notification.ScheduledNotification{}, fmt.Errorf("notification %s: %w", parentID, notification.ErrNotFound)
	}
	if parent.State != notification.StateSent {
		return notification.ScheduledNotification{}, fmt.Errorf("notification %s is %s: %w", parentID, parent.State, notification.ErrClaimConflict)
	}
	if _, exists := s.children[parentID]; exists {
		return notification.ScheduledNotification{}, fmt.Errorf("notification %s already escalated: %w", parentID, notification.ErrClaimConflict)
	}

	parent.State = notification.StateEscalated
	parent.UpdatedAt = at

	child.ParentID = parentID
	s.insert(&child)
	return clone(&child), nil
}

// MemoryRuleStore is an in-process RuleStore
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]notification.Rule
}

// NewMemoryRuleStore creates an empty rule store
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: make(map[string]notification.Rule)}
}

func (s *MemoryRuleStore) CreateRule(_ context.Context, rule notification.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s already exists", rule.ID)
	}
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (s *MemoryRuleStore) UpdateRule(_ context.Context, rule notification.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[rule.ID]; !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, notification.ErrNotFound)
	}
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (s *MemoryRuleStore) GetRule(_ context.Context, id string) (notification.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return notification.Rule{}, fmt.Errorf("rule %s: %w", id, notification.ErrNotFound)
	}
	return cloneRule(rule), nil
}

func (s *MemoryRuleStore) ListRules(_ context.Context, filter notification.RuleFilter) ([]notification.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []notification.Rule
	for _, r := range s.rules {
		if matchesRule(filter, r) {
			out = append(out, cloneRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func clone(n *notification.ScheduledNotification) notification.ScheduledNotification {
	c := *n
	c.Recipients = slices.Clone(n.Recipients)
	return c
}

func cloneRule(r notification.Rule) notification.Rule {
	r.Channels = slices.Clone(r.Channels)
	r.Events = slices.Clone(r.Events)
	r.Recipients = slices.Clone(r.Recipients)
	return r
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
