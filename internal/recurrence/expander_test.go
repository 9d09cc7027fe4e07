package recurrence

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

func rule(trigger notification.Trigger, value int, unit notification.Unit, freq notification.Frequency) notification.Rule {
	return notification.Rule{
		ID:        "rule-1",
		Trigger:   trigger,
		Offset:    notification.Offset{Value: value, Unit: unit},
		Frequency: freq,
	}
}

func TestFirst(t *testing.T) {
	anchor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rule notification.Rule
		want time.Time
	}{
		{"before", rule(notification.TriggerBefore, 2, notification.UnitDays, notification.FrequencyOnce), anchor.Add(-48 * time.Hour)},
		{"after", rule(notification.TriggerAfter, 3, notification.UnitHours, notification.FrequencyOnce), anchor.Add(3 * time.Hour)},
		{"on ignores offset", rule(notification.TriggerOn, 5, notification.UnitWeeks, notification.FrequencyOnce), anchor},
		{"zero offset", rule(notification.TriggerBefore, 0, notification.UnitMinutes, notification.FrequencyOnce), anchor},
		{"oversized offset is clamped", rule(notification.TriggerBefore, 20000, notification.UnitWeeks, notification.FrequencyOnce), anchor.Add(-notification.MaxOffset)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(First(tt.rule, anchor)))
		})
	}
}

func TestExpand_Once(t *testing.T) {
	e := New(time.Hour, 90*24*time.Hour)
	anchor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	r := rule(notification.TriggerBefore, 1, notification.UnitDays, notification.FrequencyOnce)

	t.Run("future", func(t *testing.T) {
		now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		got := slices.Collect(e.Expand(r, anchor, now, false))
		require.Len(t, got, 1)
		assert.True(t, time.Date(2025, 3, 9, 9, 0, 0, 0, time.UTC).Equal(got[0]))
	})

	t.Run("within grace", func(t *testing.T) {
		now := time.Date(2025, 3, 9, 9, 30, 0, 0, time.UTC)
		assert.Len(t, slices.Collect(e.Expand(r, anchor, now, false)), 1)
	})

	t.Run("older than grace is dropped", func(t *testing.T) {
		now := time.Date(2025, 3, 9, 11, 0, 0, 0, time.UTC)
		assert.Empty(t, slices.Collect(e.Expand(r, anchor, now, false)))
	})

	t.Run("beyond horizon still yielded", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		assert.Len(t, slices.Collect(e.Expand(r, anchor, now, false)), 1)
	})

	t.Run("stopped does not suppress once", func(t *testing.T) {
		now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		assert.Len(t, slices.Collect(e.Expand(r, anchor, now, true)), 1)
	})
}

func TestExpand_Daily(t *testing.T) {
	e := New(0, 5*24*time.Hour)
	anchor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	r := rule(notification.TriggerOn, 0, notification.UnitDays, notification.FrequencyDaily)
	now := time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC)

	got := slices.Collect(e.Expand(r, anchor, now, false))
	want := []time.Time{
		time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 13, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 16, 9, 0, 0, 0, time.UTC),
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "index %d: want %s got %s", i, want[i], got[i])
	}
}

func TestExpand_DailyKeepsWallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	e := New(0, 4*24*time.Hour)
	// DST starts 2025-03-09 in New York.
	anchor := time.Date(2025, 3, 7, 9, 0, 0, 0, loc)
	r := rule(notification.TriggerOn, 0, notification.UnitDays, notification.FrequencyDaily)

	for got := range e.Expand(r, anchor, anchor, false) {
		assert.Equal(t, 9, got.In(loc).Hour(), "occurrence %s", got)
	}
}

func TestExpand_Weekly(t *testing.T) {
	e := New(0, 23*24*time.Hour)
	anchor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	r := rule(notification.TriggerBefore, 1, notification.UnitDays, notification.FrequencyWeekly)
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	got := slices.Collect(e.Expand(r, anchor, now, false))
	require.Len(t, got, 3)
	assert.True(t, time.Date(2025, 3, 9, 9, 0, 0, 0, time.UTC).Equal(got[0]))
	assert.True(t, time.Date(2025, 3, 16, 9, 0, 0, 0, time.UTC).Equal(got[1]))
	assert.True(t, time.Date(2025, 3, 23, 9, 0, 0, 0, time.UTC).Equal(got[2]))
}

func TestExpand_MonthlyClampsToMonthEnd(t *testing.T) {
	e := New(0, 100*24*time.Hour)
	anchor := time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC)
	r := rule(notification.TriggerOn, 0, notification.UnitDays, notification.FrequencyMonthly)

	got := slices.Collect(e.Expand(r, anchor, anchor, false))
	require.Len(t, got, 4)
	assert.Equal(t, 31, got[0].Day())
	assert.Equal(t, time.February, got[1].Month())
	assert.Equal(t, 28, got[1].Day())
	assert.Equal(t, time.March, got[2].Month())
	assert.Equal(t, 31, got[2].Day(), "clamping must not accumulate")
	assert.Equal(t, 30, got[3].Day())
}

func TestExpand_SkipsOldOccurrences(t *testing.T) {
	e := New(time.Hour, 3*24*time.Hour)
	anchor := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	r := rule(notification.TriggerOn, 0, notification.UnitDays, notification.FrequencyDaily)
	now := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)

	got := slices.Collect(e.Expand(r, anchor, now, false))
	require.NotEmpty(t, got)
	assert.True(t, time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC).Equal(got[0]), "got %s", got[0])
	assert.Len(t, got, 4)
}

func TestExpand_StoppedRecurringYieldsNothing(t *testing.T) {
	e := New(0, 30*24*time.Hour)
	anchor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	r := rule(notification.TriggerOn, 0, notification.UnitDays, notification.FrequencyDaily)

	assert.Empty(t, slices.Collect(e.Expand(r, anchor, anchor, true)))
}

func TestExpand_EarlyBreak(t *testing.T) {
	e := New(0, 365*24*time.Hour)
	anchor := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	r := rule(notification.TriggerOn, 0, notification.UnitDays, notification.FrequencyDaily)

	n := 0
	for range e.Expand(r, anchor, anchor, false) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}
