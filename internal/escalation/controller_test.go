package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/notification"
	"github.com/alexnthnz/contract-reminders/internal/policy"
	"github.com/alexnthnz/contract-reminders/internal/store"
)

var sentAt = time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)

func escalationSettings(enabled bool) config.GlobalSettings {
	return config.GlobalSettings{
		WorkingHours: config.WorkingHours{
			Start:       "09:00",
			End:         "17:00",
			Timezone:    "UTC",
			WorkingDays: []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		},
		QuietHours: config.QuietHours{Enabled: true, Start: "22:00", End: "08:00"},
		Escalation: config.EscalationSettings{
			Enabled:       enabled,
			EscalateAfter: config.Span{Value: 2, Unit: "hours"},
			EscalateTo:    []string{"manager@example.com"},
		},
	}
}

type alertSink struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (a *alertSink) PublishAlert(_ context.Context, alert notification.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func newController(t *testing.T, st store.Store, gs config.GlobalSettings, now *time.Time) (*Controller, *alertSink) {
	t.Helper()
	settings := config.NewSettingsStore(gs)
	src, err := policy.NewSource(settings, zap.NewNop())
	require.NoError(t, err)
	alerts := &alertSink{}
	c := NewController(st, settings, src, config.EscalationConfig{}, zap.NewNop()).
		WithAlerts(alerts).
		WithClock(func() time.Time { return *now })
	return c, alerts
}

// sentNotification stores a notification Sent at sentAt that escalates two
// hours later.
func sentNotification(t *testing.T, st store.Store) notification.ScheduledNotification {
	t.Helper()
	ctx := context.Background()
	n, _, err := st.Materialize(ctx, notification.ScheduledNotification{
		RuleID:       "r-1",
		ContractID:   "c-1",
		Scope:        notification.ScopeTask,
		TargetID:     "t-1",
		Event:        notification.EventEnd,
		AnchorAt:     sentAt,
		OccurrenceAt: sentAt,
		ScheduledFor: sentAt,
		Recipients:   []string{"alice@example.com"},
	})
	require.NoError(t, err)
	_, err = st.Claim(ctx, n.ID, "node-a", time.Minute, sentAt)
	require.NoError(t, err)
	escalateAt := sentAt.Add(2 * time.Hour)
	sent, err := st.Transition(ctx, notification.Transition{
		ID:         n.ID,
		From:       notification.StateClaimed,
		To:         notification.StateSent,
		Owner:      "node-a",
		At:         sentAt,
		EscalateAt: &escalateAt,
	})
	require.NoError(t, err)
	return sent
}

func TestTick_EscalatesOnceAfterDeadline(t *testing.T) {
	st := store.NewMemoryStore()
	parent := sentNotification(t, st)
	now := sentAt.Add(2*time.Hour - time.Minute)
	c, alerts := newController(t, st, escalationSettings(true), &now)
	ctx := context.Background()

	created, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, created, "not yet due at 11:59")

	now = sentAt.Add(2 * time.Hour)
	created, err = c.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)

	child := created[0]
	assert.Equal(t, notification.EventEscalation, child.Event)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, []string{"manager@example.com"}, child.Recipients)
	assert.Equal(t, notification.StatePending, child.State)
	assert.True(t, time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC).Equal(child.ScheduledFor))

	got, err := st.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StateEscalated, got.State)

	// One-shot: later ticks create nothing.
	now = now.Add(time.Hour)
	created, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, created)

	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, notification.AlertEscalated, alerts.alerts[0].Kind)
	assert.Equal(t, parent.ID, alerts.alerts[0].NotificationID)
}

func TestTick_AcknowledgedDoesNotEscalate(t *testing.T) {
	st := store.NewMemoryStore()
	parent := sentNotification(t, st)
	ctx := context.Background()

	_, err := st.Transition(ctx, notification.Transition{
		ID:   parent.ID,
		From: notification.StateSent,
		To:   notification.StateAcknowledged,
		At:   sentAt.Add(time.Hour),
	})
	require.NoError(t, err)

	now := sentAt.Add(3 * time.Hour)
	c, _ := newController(t, st, escalationSettings(true), &now)
	created, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestTick_ConcurrentControllersEscalateOnce(t *testing.T) {
	st := store.NewMemoryStore()
	sentNotification(t, st)
	now := sentAt.Add(2 * time.Hour)

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		c, _ := newController(t, st, escalationSettings(true), &now)
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := c.Tick(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			total += len(created)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestTick_DisabledDoesNothing(t *testing.T) {
	st := store.NewMemoryStore()
	sentNotification(t, st)
	now := sentAt.Add(3 * time.Hour)
	c, _ := newController(t, st, escalationSettings(false), &now)

	created, err := c.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestTick_FollowUpRespectsQuietHours(t *testing.T) {
	st := store.NewMemoryStore()
	sentNotification(t, st)
	now := time.Date(2024, 3, 11, 23, 0, 0, 0, time.UTC)
	c, _ := newController(t, st, escalationSettings(true), &now)

	created, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.True(t, time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC).Equal(created[0].ScheduledFor))
}
