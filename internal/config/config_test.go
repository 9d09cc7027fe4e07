package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
scheduler:
  poll_interval: 45s
  workers: 8
  grace_window: 30m
dispatch:
  max_attempts: 3
  backoff_base: 1m
channels:
  rate_limits:
    sms:
      per_second: 1.5
      burst: 3
settings:
  channels:
    email: true
    sms: true
  default_recipients: [ops@example.com]
  working_hours:
    start: "08:30"
    end: "18:00"
    timezone: Asia/Bangkok
    working_days: [mon, tue, wed, thu, fri]
  quiet_hours:
    enabled: true
    start: "22:00"
    end: "07:00"
  escalation:
    enabled: true
    escalate_after:
      value: 4
      unit: hours
    escalate_to: [manager@example.com]
`

func TestLoadConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.GraceWindow)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.LeaseDuration, "default")
	assert.Equal(t, 2160*time.Hour, cfg.Scheduler.Horizon, "default")
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Dispatch.BackoffBase)
	assert.Equal(t, RateLimitConfig{PerSecond: 1.5, Burst: 3}, cfg.Channels.RateLimits["sms"])

	gs := cfg.Settings
	assert.True(t, gs.Channels.Enabled("email"))
	assert.True(t, gs.Channels.Enabled("sms"))
	assert.Equal(t, []string{"ops@example.com"}, gs.DefaultRecipients)
	assert.Equal(t, "Asia/Bangkok", gs.WorkingHours.Timezone)
	assert.Equal(t, []string{"mon", "tue", "wed", "thu", "fri"}, gs.WorkingHours.WorkingDays)
	assert.True(t, gs.QuietHours.Enabled)
	assert.Equal(t, "07:00", gs.QuietHours.End)

	after, err := gs.Escalation.EscalateAfter.Duration()
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, after)
	assert.Equal(t, []string{"manager@example.com"}, gs.Escalation.EscalateTo)
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"08:30", 8*3600 + 30*60, false},
		{" 23:59 ", 23*3600 + 59*60, false},
		{"24:00", 24 * 3600, false},
		{"24:01", 0, true},
		{"7", 0, true},
		{"ab:cd", 0, true},
		{"12:60", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseWeekday(t *testing.T) {
	for in, want := range map[string]time.Weekday{
		"monday": time.Monday,
		"Sun":    time.Sunday,
		"FRI":    time.Friday,
	} {
		got, err := ParseWeekday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseWeekday("someday")
	assert.Error(t, err)
}

func TestSpanDuration(t *testing.T) {
	d, err := Span{Value: 2, Unit: "weeks"}.Duration()
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, d)

	_, err = Span{Value: 2, Unit: "fortnights"}.Duration()
	assert.Error(t, err)
	_, err = Span{Value: -1, Unit: "hours"}.Duration()
	assert.Error(t, err)
}

func TestChannelToggles(t *testing.T) {
	c := ChannelToggles{Email: true, Push: true}
	assert.True(t, c.Enabled("email"))
	assert.True(t, c.Enabled("push"))
	assert.False(t, c.Enabled("sms"))
	assert.False(t, c.Enabled("in_app"))
	assert.False(t, c.Enabled("fax"))
}

func TestSettingsStore(t *testing.T) {
	s := NewSettingsStore(GlobalSettings{DefaultRecipients: []string{"a@example.com"}})
	var seen []GlobalSettings
	s.Subscribe(func(gs GlobalSettings) { seen = append(seen, gs) })

	assert.Equal(t, []string{"a@example.com"}, s.Current().DefaultRecipients)

	s.Replace(GlobalSettings{EnforceWorkingHours: true})
	assert.True(t, s.Current().EnforceWorkingHours)
	assert.Empty(t, s.Current().DefaultRecipients)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].EnforceWorkingHours)
}
