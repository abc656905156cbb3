// Package planner turns a job's trigger configuration into a concrete dispatch plan.
//
// Build is pure: it reads no clock and touches no state. Callers pass "now" in the Input
// so the same configuration always yields the same plan under simulated time.
package planner

import (
	"time"

	"jobsched/internal/domain"
	"jobsched/internal/shared"
)

// Day is the recurrence period of daily plans.
const Day = 24 * time.Hour

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Kind identifies the shape of a plan.
type Kind int

const (
	OneShot Kind = iota + 1
	DailyRecurring
	EventBound
)

func (k Kind) String() string {
	switch k {
	case OneShot:
		return "one-shot"
	case DailyRecurring:
		return "daily"
	case EventBound:
		return "event-bound"
	default:
		return "unknown"
	}
}

// Plan is the dispatch schedule derived from a job's configuration.
type Plan struct {
	Kind Kind
	// At is the firing instant for OneShot and the anchor (today + TimeOfDay) for DailyRecurring.
	At time.Time
	// TimeOfDay is the offset from local midnight; DailyRecurring only.
	TimeOfDay time.Duration
	// MappingID is the bound event mapping; EventBound only.
	MappingID int64
}

// Input is everything Build looks at.
type Input struct {
	Execution      domain.ExecutionKind
	Recurring      bool
	ExecutionTime  *time.Time
	EventMappingID *int64
	Now            time.Time
	// Location is where time of day is read for daily plans. Defaults to time.Local.
	Location *time.Location
}

// Build computes the plan. Invalid combinations are validation errors; whether an
// execution time lies in the future is the caller's concern.
func Build(in Input) (Plan, error) {
	switch in.Execution {
	case domain.TimeSpecific:
		if in.EventMappingID != nil {
			return Plan{}, shared.Newf(shared.KindValidation, "time-specific jobs cannot have an event mapping")
		}
		if in.ExecutionTime == nil || in.ExecutionTime.IsZero() {
			return Plan{}, shared.Newf(shared.KindValidation, "execution time is required for time-specific jobs")
		}
		if !in.Recurring {
			return Plan{Kind: OneShot, At: *in.ExecutionTime}, nil
		}
		loc := in.Location
		if loc == nil {
			loc = time.Local
		}
		t := in.ExecutionTime.In(loc)
		tod := time.Duration(t.Hour())*time.Hour +
			time.Duration(t.Minute())*time.Minute +
			time.Duration(t.Second())*time.Second +
			time.Duration(t.Nanosecond())
		now := in.Now.In(loc)
		anchor := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
		return Plan{Kind: DailyRecurring, At: anchor, TimeOfDay: tod}, nil

	case domain.EventBased:
		if in.EventMappingID == nil {
			return Plan{}, shared.Newf(shared.KindValidation, "event mapping is mandatory for EVENT_BASED jobs")
		}
		return Plan{Kind: EventBound, MappingID: *in.EventMappingID}, nil

	default:
		return Plan{}, shared.Newf(shared.KindValidation, "unknown execution type %q", in.Execution)
	}
}

// First returns the first firing instant not before now. The anchor of a daily plan
// is kept as computed; when it has already passed today the first firing is the next
// whole period after it. EventBound plans have no timer and return the zero time.
func (p Plan) First(now time.Time) time.Time {
	switch p.Kind {
	case OneShot:
		return p.At
	case DailyRecurring:
		if !p.At.Before(now) {
			return p.At
		}
		periods := (now.Sub(p.At) + Day - 1) / Day
		return p.At.Add(periods * Day)
	default:
		return time.Time{}
	}
}

// After returns the occurrence following prev. Only daily plans repeat.
func (p Plan) After(prev time.Time) time.Time {
	if p.Kind != DailyRecurring {
		return time.Time{}
	}
	return prev.Add(Day)
}

// Timed reports whether the plan needs a wall-clock timer.
func (p Plan) Timed() bool {
	return p.Kind == OneShot || p.Kind == DailyRecurring
}
