package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepLock is the lock name guarding the periodic sweep
const SweepLock = "reminders:sweep"

// Locker hands a named lock to one owner at a time
type Locker interface {
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
}

// Sweeper runs Planner.Sweep every interval on at most one node. Without a
// Locker every node sweeps, which is safe but wasteful.
type Sweeper struct {
	planner  *Planner
	lock     Locker
	node     string
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a sweeper for node
func NewSweeper(planner *Planner, lock Locker, node string, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{planner: planner, lock: lock, node: node, interval: interval, logger: logger}
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce sweeps if this node wins the lock for the current interval. It
// reports whether the sweep ran.
func (s *Sweeper) SweepOnce(ctx context.Context) (bool, error) {
	if s.lock != nil {
		ok, err := s.lock.AcquireLock(ctx, SweepLock, s.node, s.interval)
		if err != nil {
			return false, err
		}
		if !ok {
			s.logger.Debug("Sweep held by another node", zap.String("node_id", s.node))
			return false, nil
		}
	}
	_, err := s.planner.Sweep(ctx)
	return true, err
}
