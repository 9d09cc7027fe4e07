package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func pending(ruleID string, at time.Time) notification.ScheduledNotification {
	return notification.ScheduledNotification{
		RuleID:       ruleID,
		RuleVersion:  1,
		ContractID:   "c-1",
		Scope:        notification.ScopeTask,
		TargetID:     "t-1",
		Event:        notification.EventEnd,
		AnchorAt:     at,
		OccurrenceAt: at,
		ScheduledFor: at,
		Recipients:   []string{"owner@example.com"},
		CreatedAt:    base.Add(-time.Hour),
	}
}

// stores returns the implementations under test. The PostgreSQL store is
// included when TEST_DATABASE_URL points at a database with the schema.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemoryStore()}
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		db, err := sqlx.Connect("postgres", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		out["postgres"] = NewPostgresStore(db)
	}
	return out
}

// unique returns a rule id that does not collide across test runs against a
// shared database.
func unique() string {
	return uuid.New().String()
}

func TestMaterialize_Dedupes(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := pending(unique(), base)

			first, created, err := s.Materialize(ctx, n)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, notification.StatePending, first.State)
			assert.True(t, base.Equal(first.DueAt))

			second, created, err := s.Materialize(ctx, n)
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, first.ID, second.ID)

			list, err := s.List(ctx, notification.Filter{RuleID: n.RuleID})
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestMaterialize_RevivesCancelledSlot(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n := pending(unique(), base)

			first, _, err := s.Materialize(ctx, n)
			require.NoError(t, err)

			cancelled, err := s.CancelPending(ctx, CancelFilter{RuleID: n.RuleID}, base)
			require.NoError(t, err)
			assert.Equal(t, 1, cancelled)

			revived, created, err := s.Materialize(ctx, n)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, first.ID, revived.ID)
			assert.Equal(t, notification.StatePending, revived.State)
		})
	}
}

func TestClaim_Exclusive(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, _, err := s.Materialize(ctx, pending(unique(), base))
			require.NoError(t, err)

			const workers = 16
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.Claim(ctx, n.ID, fmt.Sprintf("node-%d", i), time.Minute, base)
					if err == nil {
						wins.Add(1)
						return
					}
					assert.ErrorIs(t, err, notification.ErrClaimConflict)
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestClaim_NotDueAndExpiredLease(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, _, err := s.Materialize(ctx, pending(unique(), base))
			require.NoError(t, err)

			_, err = s.Claim(ctx, n.ID, "node-a", time.Minute, base.Add(-time.Second))
			assert.ErrorIs(t, err, notification.ErrClaimConflict, "not yet due")

			claimed, err := s.Claim(ctx, n.ID, "node-a", time.Minute, base)
			require.NoError(t, err)
			assert.Equal(t, "node-a", claimed.ClaimedBy)

			_, err = s.Claim(ctx, n.ID, "node-b", time.Minute, base.Add(30*time.Second))
			assert.ErrorIs(t, err, notification.ErrClaimConflict, "lease still held")

			taken, err := s.Claim(ctx, n.ID, "node-b", time.Minute, base.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, "node-b", taken.ClaimedBy)

			// The original owner lost its lease and may not complete.
			_, err = s.Transition(ctx, notification.Transition{
				ID: n.ID, From: notification.StateClaimed, To: notification.StateSent,
				Owner: "node-a", At: base.Add(2 * time.Minute),
			})
			assert.ErrorIs(t, err, notification.ErrClaimConflict)
		})
	}
}

func TestRenewLease(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, _, err := s.Materialize(ctx, pending(unique(), base))
			require.NoError(t, err)

			err = s.RenewLease(ctx, n.ID, "node-a", time.Minute, base)
			assert.ErrorIs(t, err, notification.ErrClaimConflict, "pending notifications have no lease")

			_, err = s.Claim(ctx, n.ID, "node-a", time.Minute, base)
			require.NoError(t, err)

			// Renewed at 50s, the lease holds past the original minute.
			require.NoError(t, s.RenewLease(ctx, n.ID, "node-a", time.Minute, base.Add(50*time.Second)))
			_, err = s.Claim(ctx, n.ID, "node-b", time.Minute, base.Add(90*time.Second))
			assert.ErrorIs(t, err, notification.ErrClaimConflict)

			got, err := s.Get(ctx, n.ID)
			require.NoError(t, err)
			require.NotNil(t, got.LeaseExpiresAt)
			assert.True(t, base.Add(110*time.Second).Equal(*got.LeaseExpiresAt))

			err = s.RenewLease(ctx, n.ID, "node-b", time.Minute, base.Add(90*time.Second))
			assert.ErrorIs(t, err, notification.ErrClaimConflict, "only the owner renews")

			err = s.RenewLease(ctx, uuid.New().String(), "node-a", time.Minute, base)
			assert.ErrorIs(t, err, notification.ErrNotFound)
		})
	}
}

func TestClaim_Missing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Claim(context.Background(), uuid.New().String(), "node", time.Minute, base)
			assert.ErrorIs(t, err, notification.ErrNotFound)
		})
	}
}

func TestListDue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rule := unique()

	early, _, _ := s.Materialize(ctx, pending(rule, base.Add(-time.Hour)))
	onTime, _, _ := s.Materialize(ctx, pending(rule, base))
	_, _, _ = s.Materialize(ctx, pending(rule, base.Add(time.Hour)))

	due, err := s.ListDue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, onTime.ID, due[1].ID)

	due, err = s.ListDue(ctx, base, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestTransition(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, _, err := s.Materialize(ctx, pending(unique(), base))
			require.NoError(t, err)
			_, err = s.Claim(ctx, n.ID, "node-a", time.Minute, base)
			require.NoError(t, err)

			retryAt := base.Add(30 * time.Second)
			retried, err := s.Transition(ctx, notification.Transition{
				ID: n.ID, From: notification.StateClaimed, To: notification.StatePending,
				Owner: "node-a", At: base, LastError: "smtp timeout", DueAt: &retryAt, CountAttempt: true,
			})
			require.NoError(t, err)
			assert.Equal(t, notification.StatePending, retried.State)
			assert.Equal(t, 1, retried.Attempts)
			assert.Equal(t, "smtp timeout", retried.LastError)
			assert.True(t, retryAt.Equal(retried.DueAt))
			assert.True(t, base.Equal(retried.ScheduledFor), "slot must not move on retry")
			assert.Empty(t, retried.ClaimedBy)
			assert.Nil(t, retried.LeaseExpiresAt)

			_, err = s.Claim(ctx, n.ID, "node-a", time.Minute, retryAt)
			require.NoError(t, err)

			escalateAt := retryAt.Add(2 * time.Hour)
			sent, err := s.Transition(ctx, notification.Transition{
				ID: n.ID, From: notification.StateClaimed, To: notification.StateSent,
				Owner: "node-a", At: retryAt, EscalateAt: &escalateAt, CountAttempt: true,
			})
			require.NoError(t, err)
			assert.Equal(t, notification.StateSent, sent.State)
			assert.Equal(t, 2, sent.Attempts)
			require.NotNil(t, sent.SentAt)
			require.NotNil(t, sent.EscalateAt)
			assert.True(t, escalateAt.Equal(*sent.EscalateAt))

			_, err = s.Transition(ctx, notification.Transition{
				ID: n.ID, From: notification.StatePending, To: notification.StateCancelled, At: retryAt,
			})
			assert.ErrorIs(t, err, notification.ErrClaimConflict)
		})
	}
}

func TestCancelPending_Filters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rule := unique()

	end, _, _ := s.Materialize(ctx, pending(rule, base))
	done := pending(rule, base)
	done.Event = notification.EventCompleted
	completed, _, _ := s.Materialize(ctx, done)

	other := pending(rule, base)
	other.TargetID = "t-2"
	untouched, _, _ := s.Materialize(ctx, other)

	_, err := s.CancelPending(ctx, CancelFilter{}, base)
	assert.Error(t, err, "an empty filter must not cancel everything")

	n, err := s.CancelPending(ctx, CancelFilter{TargetID: "t-1", ExceptEvent: notification.EventCompleted}, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.Get(ctx, end.ID)
	assert.Equal(t, notification.StateCancelled, got.State)
	got, _ = s.Get(ctx, completed.ID)
	assert.Equal(t, notification.StatePending, got.State)
	got, _ = s.Get(ctx, untouched.ID)
	assert.Equal(t, notification.StatePending, got.State)
}

func sendNow(t *testing.T, s Store, n notification.ScheduledNotification, escalateAt time.Time) notification.ScheduledNotification {
	t.Helper()
	ctx := context.Background()
	_, err := s.Claim(ctx, n.ID, "node", time.Minute, n.DueAt)
	require.NoError(t, err)
	sent, err := s.Transition(ctx, notification.Transition{
		ID: n.ID, From: notification.StateClaimed, To: notification.StateSent,
		Owner: "node", At: n.DueAt, EscalateAt: &escalateAt, CountAttempt: true,
	})
	require.NoError(t, err)
	return sent
}

func TestEscalate_OneShot(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, _, err := s.Materialize(ctx, pending(unique(), base))
			require.NoError(t, err)
			escalateAt := base.Add(2 * time.Hour)
			sendNow(t, s, n, escalateAt)

			due, err := s.ListEscalationDue(ctx, escalateAt.Add(-time.Second), 10)
			require.NoError(t, err)
			for _, d := range due {
				assert.NotEqual(t, n.ID, d.ID, "not yet due for escalation")
			}

			due, err = s.ListEscalationDue(ctx, escalateAt, 1000)
			require.NoError(t, err)
			found := false
			for _, d := range due {
				found = found || d.ID == n.ID
			}
			assert.True(t, found)

			child := n
			child.ID = ""
			child.Event = notification.EventEscalation
			child.ScheduledFor = escalateAt
			child.DueAt = escalateAt
			child.Recipients = []string{"manager@example.com"}

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.Escalate(ctx, n.ID, child, escalateAt); err == nil {
						wins.Add(1)
					} else {
						assert.ErrorIs(t, err, notification.ErrClaimConflict)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())

			parent, err := s.Get(ctx, n.ID)
			require.NoError(t, err)
			assert.Equal(t, notification.StateEscalated, parent.State)

			children, err := s.List(ctx, notification.Filter{RuleID: n.RuleID, Event: notification.EventEscalation})
			require.NoError(t, err)
			require.Len(t, children, 1)
			assert.Equal(t, n.ID, children[0].ParentID)
			assert.Equal(t, []string{"manager@example.com"}, children[0].Recipients)
		})
	}
}

func TestEscalate_AfterAcknowledgeConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	n, _, _ := s.Materialize(ctx, pending(unique(), base))
	sendNow(t, s, n, base.Add(time.Hour))

	_, err := s.Transition(ctx, notification.Transition{
		ID: n.ID, From: notification.StateSent, To: notification.StateAcknowledged, At: base,
	})
	require.NoError(t, err)

	_, err = s.Escalate(ctx, n.ID, notification.ScheduledNotification{Event: notification.EventEscalation}, base.Add(time.Hour))
	assert.ErrorIs(t, err, notification.ErrClaimConflict)
}

func TestAttempts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, _, err := s.Materialize(ctx, pending(unique(), base))
			require.NoError(t, err)

			err = s.AppendAttempts(ctx, []notification.DeliveryAttempt{
				{ScheduledNotificationID: n.ID, Channel: notification.ChannelEmail, Recipient: "a@example.com",
					Timestamp: base, Result: notification.ResultSuccess, ExternalID: "msg-1"},
				{ScheduledNotificationID: n.ID, Channel: notification.ChannelSMS, Recipient: "+100",
					Timestamp: base.Add(time.Second), Result: notification.ResultPermanentFailure, Error: "invalid number"},
			})
			require.NoError(t, err)

			attempts, err := s.Attempts(ctx, n.ID)
			require.NoError(t, err)
			require.Len(t, attempts, 2)
			assert.Equal(t, notification.ResultSuccess, attempts[0].Result)
			assert.Equal(t, "invalid number", attempts[1].Error)
			assert.NotEmpty(t, attempts[0].ID)
		})
	}
}

func TestRuleStore(t *testing.T) {
	rs := map[string]RuleStore{"memory": NewMemoryRuleStore()}
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		db, err := sqlx.Connect("postgres", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		rs["postgres"] = NewPostgresRuleStore(db)
	}

	for name, s := range rs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			respect := true
			contract := unique()
			rule := notification.Rule{
				ID: unique(), Version: 1, ContractID: contract, Scope: notification.ScopeTask,
				Trigger: notification.TriggerBefore, Offset: notification.Offset{Value: 1, Unit: notification.UnitDays},
				Frequency: notification.FrequencyOnce, Channels: []notification.Channel{notification.ChannelEmail},
				Events: []notification.Event{notification.EventEnd}, IsActive: true,
				RespectWorkingHours: &respect, CreatedAt: base, UpdatedAt: base,
			}
			require.NoError(t, s.CreateRule(ctx, rule))

			got, err := s.GetRule(ctx, rule.ID)
			require.NoError(t, err)
			assert.Equal(t, rule.Channels, got.Channels)
			require.NotNil(t, got.RespectWorkingHours)
			assert.True(t, *got.RespectWorkingHours)
			assert.True(t, got.AppliesToAll())

			rule.Version = 2
			rule.IsActive = false
			require.NoError(t, s.UpdateRule(ctx, rule))

			active, err := s.ListRules(ctx, notification.RuleFilter{ContractID: contract, ActiveOnly: true})
			require.NoError(t, err)
			assert.Empty(t, active)

			all, err := s.ListRules(ctx, notification.RuleFilter{ContractID: contract})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, 2, all[0].Version)

			_, err = s.GetRule(ctx, unique())
			assert.ErrorIs(t, err, notification.ErrNotFound)
			assert.ErrorIs(t, s.UpdateRule(ctx, notification.Rule{ID: unique()}), notification.ErrNotFound)
		})
	}
}
