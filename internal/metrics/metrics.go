// Package metrics records scheduler activity. Sinks are fire-and-forget: they never
// block and never fail the caller.
package metrics

import (
	"time"

	"jobsched/internal/domain"
)

// Sink receives scheduler, executor and router events.
type Sink interface {
	FiringStarted(jobID int64)
	FiringFinished(jobID int64, status domain.Status, d time.Duration)
	// FiringSkipped counts firings dropped before running, by reason.
	FiringSkipped(reason string)
	EventNotified(result string)
	Transition(from, to domain.Status)
}

// Firing skip reasons.
const (
	SkipOverlap   = "overlap"
	SkipStale     = "stale"
	SkipNotFound  = "not_found"
	SkipCancelled = "cancelled"
)

// Noop discards everything.
type Noop struct{}

func (Noop) FiringStarted(int64)                                {}
func (Noop) FiringFinished(int64, domain.Status, time.Duration) {}
func (Noop) FiringSkipped(string)                               {}
func (Noop) EventNotified(string)                               {}
func (Noop) Transition(domain.Status, domain.Status)            {}

var _ Sink = Noop{}
