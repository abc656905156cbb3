package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"jobsched/internal/domain"
)

// PrometheusSink implements Sink with client_golang collectors.
// Registration errors are logged and never propagated.
type PrometheusSink struct {
	log *slog.Logger
	reg prometheus.Registerer

	firingsInFlight  prometheus.Gauge
	firingsTotal     *prometheus.CounterVec
	firingDuration   prometheus.Histogram
	firingsSkipped   *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
}

var _ Sink = (*PrometheusSink)(nil)

func NewPrometheusSink(reg prometheus.Registerer, log *slog.Logger) *PrometheusSink {
	if log == nil {
		log = slog.Default()
	}
	s := &PrometheusSink{log: log.With("component", "metrics"), reg: reg}

	s.firingsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobsched_executor_firings_in_flight",
		Help: "Number of job firings currently running.",
	})
	s.firingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobsched_executor_firings_total",
		Help: "Finished job firings by resulting status.",
	}, []string{"status"})
	s.firingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobsched_executor_firing_duration_seconds",
		Help:    "Wall time of a job firing in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
	})
	s.firingsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobsched_executor_firings_skipped_total",
		Help: "Firings dropped before running.",
	}, []string{"reason"})
	s.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobsched_router_events_total",
		Help: "Event notifications by result.",
	}, []string{"result"})
	s.transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobsched_lifecycle_transitions_total",
		Help: "Committed job status transitions.",
	}, []string{"from", "to"})

	s.register(s.firingsInFlight, "jobsched_executor_firings_in_flight")
	s.register(s.firingsTotal, "jobsched_executor_firings_total")
	s.register(s.firingDuration, "jobsched_executor_firing_duration_seconds")
	s.register(s.firingsSkipped, "jobsched_executor_firings_skipped_total")
	s.register(s.eventsTotal, "jobsched_router_events_total")
	s.register(s.transitionsTotal, "jobsched_lifecycle_transitions_total")
	return s
}

// RegisterEntriesGauge exposes the live scheduler entry count.
func (s *PrometheusSink) RegisterEntriesGauge(count func() int) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "jobsched_scheduler_entries",
		Help: "Scheduler entries currently registered, parked ones included.",
	}, func() float64 { return float64(count()) })
	s.register(g, "jobsched_scheduler_entries")
}

func (s *PrometheusSink) register(c prometheus.Collector, name string) {
	if err := s.reg.Register(c); err != nil {
		s.log.Warn("failed to register metric", "metric", name, "error", err)
	}
}

func (s *PrometheusSink) FiringStarted(int64) {
	s.firingsInFlight.Inc()
}

func (s *PrometheusSink) FiringFinished(_ int64, status domain.Status, d time.Duration) {
	s.firingsInFlight.Dec()
	s.firingsTotal.WithLabelValues(string(status)).Inc()
	s.firingDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) FiringSkipped(reason string) {
	s.firingsSkipped.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) EventNotified(result string) {
	s.eventsTotal.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) Transition(from, to domain.Status) {
	s.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}
