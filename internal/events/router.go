// Package events bridges named external events to the job bound to them.
package events

import (
	"context"
	"log/slog"

	"jobsched/internal/domain"
	"jobsched/internal/executor"
	"jobsched/internal/metrics"
	"jobsched/internal/shared"
)

// Store is the lookup side the router needs.
type Store interface {
	GetEventMappingByName(ctx context.Context, name string) (domain.EventMapping, error)
	ActiveJobForMapping(ctx context.Context, mappingID int64) (domain.Job, error)
}

// Executor runs a firing synchronously.
type Executor interface {
	Execute(ctx context.Context, jobID int64) (executor.Outcome, error)
}

// Notification results reported to metrics.
const (
	ResultExecuted = "executed"
	ResultNotFound = "not_found"
	ResultRejected = "rejected"
	ResultError    = "error"
)

type Config struct {
	Logger  *slog.Logger
	Metrics metrics.Sink
}

type Router struct {
	store   Store
	exec    Executor
	log     *slog.Logger
	metrics metrics.Sink
}

func New(st Store, exec Executor, cfg Config) *Router {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := cfg.Metrics
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Router{store: st, exec: exec, log: log.With("component", "events"), metrics: sink}
}

// Notify fires the job bound to the named event and waits for the outcome.
// Unknown events and events with no live job are NotFound and change nothing.
// A Failed job must be rescheduled first; a Running one is a conflict.
func (r *Router) Notify(ctx context.Context, name string) (executor.Outcome, error) {
	out, err := r.notify(ctx, name)
	r.metrics.EventNotified(resultOf(err))
	if err != nil {
		r.log.Warn("event not delivered", "event", name, "error", err)
		return out, err
	}
	r.log.Info("event delivered", "event", name, "job_id", out.JobID, "status", out.Status)
	return out, nil
}

func (r *Router) notify(ctx context.Context, name string) (executor.Outcome, error) {
	em, err := r.store.GetEventMappingByName(ctx, name)
	if err != nil {
		return executor.Outcome{}, err
	}
	job, err := r.store.ActiveJobForMapping(ctx, em.ID)
	if shared.IsNotFound(err) {
		return executor.Outcome{}, shared.Newf(shared.KindNotFound, "no active job is bound to event %q", name)
	}
	if err != nil {
		return executor.Outcome{}, err
	}

	switch job.Status {
	case domain.StatusFailed:
		return executor.Outcome{JobID: job.ID, Status: job.Status},
			shared.Newf(shared.KindValidation, "job %q bound to event %q failed, reschedule it first", job.Name, name)
	case domain.StatusRunning:
		return executor.Outcome{JobID: job.ID, Status: job.Status},
			shared.Newf(shared.KindConflict, "job %q bound to event %q is already running", job.Name, name)
	}
	return r.exec.Execute(ctx, job.ID)
}

func resultOf(err error) string {
	switch shared.KindOf(err) {
	case shared.KindUnknown:
		if err == nil {
			return ResultExecuted
		}
		return ResultError
	case shared.KindNotFound:
		return ResultNotFound
	case shared.KindValidation, shared.KindConflict:
		return ResultRejected
	default:
		return ResultError
	}
}
