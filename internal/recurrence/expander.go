package recurrence

import (
	"iter"
	"time"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

// Expander turns a rule and an anchor into the raw, unadjusted fire instants
// of the rule.
type Expander struct {
	// Grace is how far in the past an instant may be and still be yielded.
	Grace time.Duration
	// Horizon bounds recurring rules: no instant later than now+Horizon.
	Horizon time.Duration
}

// New creates an Expander.
func New(grace, horizon time.Duration) *Expander {
	return &Expander{Grace: grace, Horizon: horizon}
}

// First returns the first fire instant of rule for anchor.
func First(rule notification.Rule, anchor time.Time) time.Time {
	switch rule.Trigger {
	case notification.TriggerBefore:
		return anchor.Add(-rule.Offset.Duration())
	case notification.TriggerAfter:
		return anchor.Add(rule.Offset.Duration())
	default:
		return anchor
	}
}

// Expand yields the fire instants of rule in ascending order, starting with
// the first instant not older than now-Grace. Once rules yield at most one
// instant. Recurring rules stop at now+Horizon and yield nothing once stopped
// is set (the entity completed).
func (e *Expander) Expand(rule notification.Rule, anchor, now time.Time, stopped bool) iter.Seq[time.Time] {
	first := First(rule, anchor)
	lower := now.Add(-e.Grace)

	return func(yield func(time.Time) bool) {
		if rule.Frequency == notification.FrequencyOnce || rule.Frequency == "" {
			if !first.Before(lower) {
				yield(first)
			}
			return
		}
		if stopped {
			return
		}

		upper := now.Add(e.Horizon)
		for k := startIndex(rule.Frequency, first, lower); ; k++ {
			t := step(rule.Frequency, first, k)
			if t.After(upper) {
				return
			}
			if t.Before(lower) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// step returns the k-th occurrence after first, keeping first's wall-clock
// time in its own location.
func step(freq notification.Frequency, first time.Time, k int) time.Time {
	switch freq {
	case notification.FrequencyDaily:
		return first.AddDate(0, 0, k)
	case notification.FrequencyWeekly:
		return first.AddDate(0, 0, 7*k)
	case notification.FrequencyMonthly:
		return addMonthsClamped(first, k)
	default:
		return first
	}
}

// startIndex estimates the first k whose occurrence is not before lower. It
// may undershoot by one; Expand skips the extra element.
func startIndex(freq notification.Frequency, first, lower time.Time) int {
	if !first.Before(lower) {
		return 0
	}
	var k int
	switch freq {
	case notification.FrequencyDaily:
		k = int(lower.Sub(first) / (24 * time.Hour))
	case notification.FrequencyWeekly:
		k = int(lower.Sub(first) / (7 * 24 * time.Hour))
	case notification.FrequencyMonthly:
		l := lower.In(first.Location())
		k = (l.Year()-first.Year())*12 + int(l.Month()) - int(first.Month())
	}
	if k--; k < 0 {
		k = 0
	}
	return k
}

// addMonthsClamped adds k months to t, clamping the day to the end of the
// target month: Jan 31 + 1 month is Feb 28 (or 29).
func addMonthsClamped(t time.Time, k int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	last := time.Date(y, m+time.Month(k)+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if d > last {
		d = last
	}
	return time.Date(y, m+time.Month(k), d, hh, mm, ss, t.Nanosecond(), t.Location())
}
