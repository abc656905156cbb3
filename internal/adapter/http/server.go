// Package http serves the scheduler's REST API with gin.
package http

import (
	"context"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"jobsched/internal/domain"
	"jobsched/internal/executor"
	"jobsched/internal/lifecycle"
	"jobsched/internal/store"
)

// Jobs is the lifecycle surface behind /jobs.
type Jobs interface {
	Get(ctx context.Context, id int64) (domain.Job, error)
	List(ctx context.Context, f store.JobFilter) ([]domain.Job, error)
	Statuses(ctx context.Context) ([]domain.Status, error)
	Create(ctx context.Context, spec lifecycle.JobSpec) (domain.Job, error)
	Update(ctx context.Context, id int64, spec lifecycle.JobSpec) (domain.Job, error)
	Delete(ctx context.Context, id int64) error
	Reschedule(ctx context.Context, id int64) (domain.Job, error)
	Cancel(ctx context.Context, id int64) (domain.Job, error)
}

// Events delivers a named event synchronously.
type Events interface {
	Notify(ctx context.Context, name string) (executor.Outcome, error)
}

// Publisher queues a named event for asynchronous delivery.
type Publisher interface {
	Publish(ctx context.Context, name string) (string, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API fronts. Bus, Gatherer and Entries are optional.
type Deps struct {
	Jobs      Jobs
	Reference store.Reference
	Events    Events
	Bus       Publisher
	Store     Pinger
	Gatherer  prometheus.Gatherer
	Entries   func() int
}

type Config struct {
	Logger *slog.Logger
	// Location interprets execution times sent without a zone.
	Location *time.Location
	// EventRate caps event notifications per second; 0 disables the cap.
	EventRate  float64
	EventBurst int
}

type handler struct {
	Deps
	log *slog.Logger
	loc *time.Location
}

var registerTagName sync.Once

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps, cfg Config) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "http")
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	// report json field names in binding errors
	registerTagName.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterTagNameFunc(jsonName)
		}
	})

	h := &handler{Deps: d, log: log, loc: loc}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/health", h.health)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	jobs := r.Group("/jobs")
	jobs.GET("", h.listJobs)
	jobs.POST("", h.createJob)
	jobs.GET("/status", h.jobStatuses)
	jobs.GET("/:id", h.getJob)
	jobs.PUT("/:id", h.updateJob)
	jobs.DELETE("/:id", h.deleteJob)
	jobs.POST("/:id/schedule", h.rescheduleJob)
	jobs.POST("/:id/stop", h.stopJob)

	jt := r.Group("/job_types")
	jt.GET("", h.listJobTypes)
	jt.POST("", h.createJobType)
	jt.GET("/:id", h.getJobType)
	jt.PUT("/:id", h.updateJobType)
	jt.DELETE("/:id", h.deleteJobType)

	et := r.Group("/execution_types")
	et.GET("", h.listExecutionTypes)
	et.POST("", h.createExecutionType)
	et.GET("/:id", h.getExecutionType)

	em := r.Group("/event_mappings")
	em.GET("", h.listEventMappings)
	em.POST("", h.createEventMapping)
	em.GET("/:id", h.getEventMapping)
	em.PUT("/:id", h.updateEventMapping)
	em.DELETE("/:id", h.deleteEventMapping)

	ev := r.Group("/events")
	if cfg.EventRate > 0 {
		burst := cfg.EventBurst
		if burst < 1 {
			burst = int(math.Ceil(cfg.EventRate))
		}
		ev.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.EventRate), burst), log))
	}
	ev.POST("/:name", h.notifyEvent)
	if d.Bus != nil {
		ev.POST("/:name/async", h.publishEvent)
	}

	return r
}

func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return f.Name
	}
	return name
}
