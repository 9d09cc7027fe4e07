package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/contract-reminders/internal/config"
	"github.com/alexnthnz/contract-reminders/internal/monitoring"
	"github.com/alexnthnz/contract-reminders/internal/notification"
	"github.com/alexnthnz/contract-reminders/internal/store"
)

// Dispatcher delivers a claimed notification and moves it out of Claimed
type Dispatcher interface {
	Dispatch(ctx context.Context, n notification.ScheduledNotification) ([]notification.DeliveryAttempt, error)
}

// TickResult summarizes one scheduler tick
type TickResult struct {
	Due        int
	Claimed    int
	Conflicts  int
	Dispatched int
	Errors     []string
	Duration   time.Duration
}

// Summary returns a one-line description of the tick
func (r TickResult) Summary() string {
	return fmt.Sprintf("due=%d claimed=%d conflicts=%d dispatched=%d errors=%d duration=%s",
		r.Due, r.Claimed, r.Conflicts, r.Dispatched, len(r.Errors), r.Duration)
}

// Loop finds due notifications, claims them and hands them to the
// dispatcher. Any number of loops may run against one store; the claim
// guarantees each notification is dispatched by a single node at a time.
type Loop struct {
	store      store.Store
	dispatcher Dispatcher
	nodeID     string
	poll       time.Duration
	lease      time.Duration
	batch      int
	workers    int
	wake       chan time.Time
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewLoop creates a scheduler loop
func NewLoop(st store.Store, d Dispatcher, cfg config.SchedulerConfig, logger *zap.Logger) *Loop {
	l := &Loop{
		store:      st,
		dispatcher: d,
		nodeID:     cfg.NodeID,
		poll:       cfg.PollInterval,
		lease:      cfg.LeaseDuration,
		batch:      cfg.BatchSize,
		workers:    cfg.Workers,
		wake:       make(chan time.Time, 1),
		logger:     logger,
		now:        time.Now,
	}
	if l.poll <= 0 {
		l.poll = 30 * time.Second
	}
	if l.lease <= 0 {
		l.lease = 2 * time.Minute
	}
	if l.batch <= 0 {
		l.batch = 100
	}
	if l.workers < 1 {
		l.workers = 1
	}
	return l
}

// WithMetrics sets the metrics sink
func (l *Loop) WithMetrics(m *monitoring.Metrics) *Loop {
	l.metrics = m
	return l
}

// WithClock overrides the loop clock
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	return l
}

// NodeID returns the owner name used for claims
func (l *Loop) NodeID() string {
	return l.nodeID
}

// Wake asks the loop to fire at or before at. It never blocks.
func (l *Loop) Wake(_ context.Context, at time.Time) {
	select {
	case l.wake <- at:
	default:
		// A wake is already queued; the loop re-evaluates on the next
		// tick anyway.
		select {
		case prev := <-l.wake:
			if prev.Before(at) {
				at = prev
			}
		default:
		}
		select {
		case l.wake <- at:
		default:
		}
	}
}

// Run ticks until ctx is cancelled. Ticks happen every poll interval, and
// earlier when Wake reports a notification due before the next tick.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Scheduler loop started",
		zap.String("node_id", l.nodeID),
		zap.Duration("poll_interval", l.poll),
		zap.Int("workers", l.workers),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()
	next := l.now()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Scheduler loop stopped", zap.String("node_id", l.nodeID))
			return ctx.Err()
		case at := <-l.wake:
			if at.Before(next) {
				next = at
				timer.Reset(max(time.Until(at), 0))
			}
		case <-timer.C:
			result := l.Tick(ctx)
			if len(result.Errors) > 0 {
				l.logger.Warn("Scheduler tick finished with errors", zap.String("summary", result.Summary()))
			} else if result.Due > 0 {
				l.logger.Debug("Scheduler tick", zap.String("summary", result.Summary()))
			}
			next = l.now().Add(l.poll)
			timer.Reset(l.poll)
		}
	}
}

// Tick processes one batch of due notifications.
func (l *Loop) Tick(ctx context.Context) (result TickResult) {
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		l.metrics.RecordTick("dispatch", result.Duration.Seconds())
	}()

	now := l.now()
	due, err := l.store.ListDue(ctx, now, l.batch)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.Due = len(due)
	l.metrics.SetDueBacklog(len(due))
	if len(due) == 0 {
		return result
	}

	claimed := make([]leased, 0, len(due))
	for _, n := range due {
		c, err := l.store.Claim(ctx, n.ID, l.nodeID, l.lease, now)
		if errors.Is(err, notification.ErrClaimConflict) {
			result.Conflicts++
			l.metrics.RecordClaimConflict()
			continue
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("claim %s: %v", n.ID, err))
			continue
		}
		claimed = append(claimed, leased{n: c, release: l.holdLease(ctx, c.ID)})
	}
	result.Claimed = len(claimed)
	if len(claimed) == 0 {
		return result
	}

	// Worker pool: one channel of claimed notifications, N workers
	workers := min(l.workers, len(claimed))
	ch := make(chan leased, len(claimed))
	for _, c := range claimed {
		ch <- c
	}
	close(ch)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range ch {
				n := c.n
				_, err := l.dispatcher.Dispatch(ctx, n)
				c.release()

				mu.Lock()
				if err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("dispatch %s: %v", n.ID, err))
				} else {
					result.Dispatched++
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return result
}

// leased is a claimed notification and the function that stops renewing
// its lease.
type leased struct {
	n       notification.ScheduledNotification
	release func()
}

// holdLease renews the lease on id every third of the lease period until
// release is called.
func (l *Loop) holdLease(ctx context.Context, id string) (release func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := l.store.RenewLease(ctx, id, l.nodeID, l.lease, l.now())
				switch {
				case err == nil:
				case errors.Is(err, notification.ErrClaimConflict), errors.Is(err, notification.ErrNotFound):
					// Already moved out of Claimed.
					return
				case ctx.Err() != nil:
					return
				default:
					l.logger.Warn("Failed to renew lease", zap.String("notification_id", id), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
