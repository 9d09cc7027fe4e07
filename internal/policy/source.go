package policy

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/config"
)

// Source keeps the Adjuster compiled from the current settings and recompiles
// it whenever the settings store is replaced.
type Source struct {
	current atomic.Pointer[Adjuster]
	logger  *zap.Logger
}

// NewSource compiles the store's current settings and subscribes to reloads.
func NewSource(store *config.SettingsStore, logger *zap.Logger) (*Source, error) {
	a, err := Compile(store.Current())
	if err != nil {
		return nil, err
	}
	s := &Source{logger: logger}
	s.current.Store(a)
	store.Subscribe(s.reload)
	return s, nil
}

// Adjuster returns the active adjuster.
func (s *Source) Adjuster() *Adjuster {
	return s.current.Load()
}

func (s *Source) reload(gs config.GlobalSettings) {
	a, err := Compile(gs)
	if err != nil {
		s.logger.Error("Keeping previous policy, new settings do not compile", zap.Error(err))
		return
	}
	s.current.Store(a)
	s.logger.Info("Policy recompiled",
		zap.String("timezone", a.Location().String()),
		zap.Bool("enforce_working_hours", a.EnforcesWorkingHours()),
	)
}
