package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// GlobalSettings is the process-wide notification policy. It is injected into
// every component that needs it through a SettingsStore.
type GlobalSettings struct {
	Channels            ChannelToggles     `mapstructure:"channels" json:"channels"`
	DefaultRecipients   []string           `mapstructure:"default_recipients" json:"default_recipients"`
	WorkingHours        WorkingHours       `mapstructure:"working_hours" json:"working_hours"`
	QuietHours          QuietHours         `mapstructure:"quiet_hours" json:"quiet_hours"`
	Escalation          EscalationSettings `mapstructure:"escalation" json:"escalation"`
	EnforceWorkingHours bool               `mapstructure:"enforce_working_hours" json:"enforce_working_hours"`
}

// ChannelToggles holds the enable flag of every delivery channel
type ChannelToggles struct {
	Email bool `mapstructure:"email" json:"email"`
	SMS   bool `mapstructure:"sms" json:"sms"`
	InApp bool `mapstructure:"in_app" json:"in_app"`
	Push  bool `mapstructure:"push" json:"push"`
}

// Enabled reports whether the named channel is switched on.
func (c ChannelToggles) Enabled(channel string) bool {
	switch channel {
	case "email":
		return c.Email
	case "sms":
		return c.SMS
	case "in_app":
		return c.InApp
	case "push":
		return c.Push
	default:
		return false
	}
}

// WorkingHours is a daily wall-clock window in a timezone
type WorkingHours struct {
	Start       string   `mapstructure:"start" json:"start"`
	End         string   `mapstructure:"end" json:"end"`
	Timezone    string   `mapstructure:"timezone" json:"timezone"`
	WorkingDays []string `mapstructure:"working_days" json:"working_days"`
}

// QuietHours is a wall-clock window that may wrap midnight
type QuietHours struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Start   string `mapstructure:"start" json:"start"`
	End     string `mapstructure:"end" json:"end"`
}

// EscalationSettings configures follow-ups for unacknowledged notifications
type EscalationSettings struct {
	Enabled       bool     `mapstructure:"enabled" json:"enabled"`
	EscalateAfter Span     `mapstructure:"escalate_after" json:"escalate_after"`
	EscalateTo    []string `mapstructure:"escalate_to" json:"escalate_to"`
}

// Span is an amount of a calendar-free unit such as {2, "hours"}
type Span struct {
	Value int    `mapstructure:"value" json:"value"`
	Unit  string `mapstructure:"unit" json:"unit"`
}

// Duration converts the span to a time.Duration.
func (s Span) Duration() (time.Duration, error) {
	unit, ok := UnitDuration(s.Unit)
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", s.Unit)
	}
	if s.Value < 0 {
		return 0, fmt.Errorf("negative span value %d", s.Value)
	}
	return time.Duration(s.Value) * unit, nil
}

// UnitDuration returns the length of one offset unit.
func UnitDuration(unit string) (time.Duration, bool) {
	switch unit {
	case "minutes":
		return time.Minute, true
	case "hours":
		return time.Hour, true
	case "days":
		return 24 * time.Hour, true
	case "weeks":
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// ParseClock parses "HH:MM" into seconds since midnight. "24:00" is accepted
// as the end of the day.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	if h == 24 && m == 0 {
		return 24 * 3600, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q: out of range", s)
	}
	return h*3600 + m*60, nil
}

// ParseWeekday parses an English weekday name, case-insensitively.
func ParseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// SettingsStore holds the current GlobalSettings and swaps them atomically on
// reload. Readers always get a consistent snapshot.
type SettingsStore struct {
	current atomic.Pointer[GlobalSettings]

	mu        sync.Mutex
	listeners []func(GlobalSettings)
}

// NewSettingsStore creates a store seeded with initial settings
func NewSettingsStore(initial GlobalSettings) *SettingsStore {
	s := &SettingsStore{}
	s.current.Store(&initial)
	return s
}

// Current returns the active settings snapshot.
func (s *SettingsStore) Current() GlobalSettings {
	return *s.current.Load()
}

// Replace swaps in new settings and notifies subscribers.
func (s *SettingsStore) Replace(gs GlobalSettings) {
	s.current.Store(&gs)

	s.mu.Lock()
	listeners := append([]func(GlobalSettings){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(gs)
	}
}

// Subscribe registers fn to run after every successful Replace.
func (s *SettingsStore) Subscribe(fn func(GlobalSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// WatchSettings re-reads the "settings" section whenever the config file
// changes. Settings that fail validate are logged and dropped; the previous
// snapshot stays active.
func WatchSettings(store *SettingsStore, validate func(GlobalSettings) error, logger *zap.Logger) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		var gs GlobalSettings
		if err := viper.UnmarshalKey("settings", &gs); err != nil {
			logger.Error("Failed to decode reloaded settings", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if validate != nil {
			if err := validate(gs); err != nil {
				logger.Error("Rejected reloaded settings", zap.String("file", e.Name), zap.Error(err))
				return
			}
		}
		store.Replace(gs)
		logger.Info("Global settings reloaded", zap.String("file", e.Name))
	})
	viper.WatchConfig()
}
