package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/domain"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg, nil), reg
}

// value returns the counter or gauge value of the series matching labels.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestPrometheusSink_Firings(t *testing.T) {
	s, reg := newTestSink(t)

	s.FiringStarted(1)
	s.FiringStarted(2)
	assert.Equal(t, 2.0, value(t, reg, "jobsched_executor_firings_in_flight", nil))

	s.FiringFinished(1, domain.StatusCompleted, 20*time.Millisecond)
	s.FiringFinished(2, domain.StatusFailed, time.Second)
	assert.Zero(t, value(t, reg, "jobsched_executor_firings_in_flight", nil))
	assert.Equal(t, 1.0, value(t, reg, "jobsched_executor_firings_total", map[string]string{"status": "Completed"}))
	assert.Equal(t, 1.0, value(t, reg, "jobsched_executor_firings_total", map[string]string{"status": "Failed"}))

	s.FiringSkipped(SkipOverlap)
	s.FiringSkipped(SkipOverlap)
	assert.Equal(t, 2.0, value(t, reg, "jobsched_executor_firings_skipped_total", map[string]string{"reason": SkipOverlap}))
}

func TestPrometheusSink_EventsAndTransitions(t *testing.T) {
	s, reg := newTestSink(t)

	s.EventNotified("executed")
	s.EventNotified("not_found")
	s.Transition(domain.StatusScheduled, domain.StatusRunning)

	assert.Equal(t, 1.0, value(t, reg, "jobsched_router_events_total", map[string]string{"result": "executed"}))
	assert.Equal(t, 1.0, value(t, reg, "jobsched_lifecycle_transitions_total",
		map[string]string{"from": "Scheduled", "to": "Running"}))
}

func TestPrometheusSink_EntriesGauge(t *testing.T) {
	s, reg := newTestSink(t)
	n := 3
	s.RegisterEntriesGauge(func() int { return n })

	assert.Equal(t, 3.0, value(t, reg, "jobsched_scheduler_entries", nil))
	n = 1
	assert.Equal(t, 1.0, value(t, reg, "jobsched_scheduler_entries", nil))
}

func TestPrometheusSink_DuplicateRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg, nil)
	assert.NotPanics(t, func() { NewPrometheusSink(reg, nil) })
}

func TestNoop(t *testing.T) {
	var s Sink = Noop{}
	assert.NotPanics(t, func() {
		s.FiringStarted(1)
		s.FiringFinished(1, domain.StatusCompleted, time.Second)
		s.FiringSkipped(SkipStale)
		s.EventNotified("x")
		s.Transition(domain.StatusScheduled, domain.StatusCancelled)
	})
}
