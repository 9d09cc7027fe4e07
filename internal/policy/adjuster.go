package policy

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // settings timezones must resolve in slim containers

	"github.com/alexnthnz/contract-reminders/internal/config"
)

// maxShifts bounds the quiet/working fixpoint iteration.
const maxShifts = 32

// window is a wall-clock interval [start, end) in seconds since midnight.
// start > end means the window wraps midnight.
type window struct {
	start, end int
}

func (w window) wraps() bool {
	return w.start > w.end
}

// Adjuster moves raw fire instants out of quiet hours and, when asked, into
// working hours. It is immutable once compiled.
type Adjuster struct {
	loc            *time.Location
	quiet          *window
	work           window
	workdays       [7]bool
	enforceDefault bool
}

// Compile builds an Adjuster from global settings, rejecting settings whose
// windows could never be satisfied.
func Compile(gs config.GlobalSettings) (*Adjuster, error) {
	tz := gs.WorkingHours.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	a := &Adjuster{loc: loc, enforceDefault: gs.EnforceWorkingHours}

	ws, err := config.ParseClock(gs.WorkingHours.Start)
	if err != nil {
		return nil, fmt.Errorf("working_hours.start: %w", err)
	}
	we, err := config.ParseClock(gs.WorkingHours.End)
	if err != nil {
		return nil, fmt.Errorf("working_hours.end: %w", err)
	}
	if ws >= we {
		return nil, errors.New("working_hours.start must be before working_hours.end")
	}
	a.work = window{start: ws, end: we}

	if len(gs.WorkingHours.WorkingDays) == 0 {
		return nil, errors.New("working_hours.working_days must not be empty")
	}
	for _, name := range gs.WorkingHours.WorkingDays {
		d, err := config.ParseWeekday(name)
		if err != nil {
			return nil, fmt.Errorf("working_hours.working_days: %w", err)
		}
		a.workdays[d] = true
	}

	if gs.QuietHours.Enabled {
		qs, err := config.ParseClock(gs.QuietHours.Start)
		if err != nil {
			return nil, fmt.Errorf("quiet_hours.start: %w", err)
		}
		qe, err := config.ParseClock(gs.QuietHours.End)
		if err != nil {
			return nil, fmt.Errorf("quiet_hours.end: %w", err)
		}
		if qs != qe {
			q := window{start: qs, end: qe}
			if covers(q, a.work) {
				return nil, errors.New("working hours lie entirely inside quiet hours")
			}
			a.quiet = &q
		}
	}

	return a, nil
}

// Validate reports whether gs compiles.
func Validate(gs config.GlobalSettings) error {
	_, err := Compile(gs)
	return err
}

// covers reports whether quiet contains the whole of work.
func covers(quiet, work window) bool {
	if quiet.wraps() {
		return work.end <= quiet.end || work.start >= quiet.start
	}
	return quiet.start <= work.start && work.end <= quiet.end
}

// Location returns the timezone the windows are evaluated in.
func (a *Adjuster) Location() *time.Location {
	return a.loc
}

// EnforcesWorkingHours returns the global working-hours default.
func (a *Adjuster) EnforcesWorkingHours() bool {
	return a.enforceDefault
}

// Adjust returns the earliest instant at or after raw that is outside quiet
// hours and, if enforceWorkingHours, inside working hours on a working day.
// Adjust is idempotent.
func (a *Adjuster) Adjust(raw time.Time, enforceWorkingHours bool) time.Time {
	t := raw.In(a.loc)
	for i := 0; i < maxShifts; i++ {
		next := a.shiftQuiet(t)
		if enforceWorkingHours {
			next = a.shiftWorking(next)
		}
		if next.Equal(t) {
			break
		}
		t = next
	}
	return t
}

// AdjustQuiet applies quiet hours only.
func (a *Adjuster) AdjustQuiet(raw time.Time) time.Time {
	return a.shiftQuiet(raw.In(a.loc))
}

func (a *Adjuster) shiftQuiet(t time.Time) time.Time {
	if a.quiet == nil {
		return t
	}
	q, tod := *a.quiet, clock(t)
	if !q.wraps() {
		if tod >= q.start && tod < q.end {
			return at(t, 0, q.end, a.loc)
		}
		return t
	}
	switch {
	case tod >= q.start:
		return at(t, 1, q.end, a.loc)
	case tod < q.end:
		return at(t, 0, q.end, a.loc)
	default:
		return t
	}
}

func (a *Adjuster) shiftWorking(t time.Time) time.Time {
	tod := clock(t)
	if a.workdays[t.Weekday()] {
		if tod >= a.work.start && tod < a.work.end {
			return t
		}
		if tod < a.work.start {
			return at(t, 0, a.work.start, a.loc)
		}
	}
	for offset := 1; offset <= 7; offset++ {
		if a.workdays[t.AddDate(0, 0, offset).Weekday()] {
			return at(t, offset, a.work.start, a.loc)
		}
	}
	return t
}

// clock returns seconds since local midnight.
func clock(t time.Time) int {
	h, m, s := t.Clock()
	return h*3600 + m*60 + s
}

// at returns the instant secs after midnight of t's date plus days, never
// earlier than t. A wall clock repeated by a DST fall-back resolves to its
// later occurrence when the earlier one precedes t.
func at(t time.Time, days, secs int, loc *time.Location) time.Time {
	y, m, d := t.Date()
	out := time.Date(y, m, d+days, 0, 0, secs, 0, loc)
	if !out.Before(t) {
		return out
	}
	_, from := out.Zone()
	_, to := t.Zone()
	if later := out.Add(time.Duration(from-to) * time.Second); !later.Before(t) {
		return later
	}
	return t
}
