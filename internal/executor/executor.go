// Package executor runs the body bound to a fired job and reports the outcome
// through the lifecycle controller.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jobsched/internal/domain"
	"jobsched/internal/metrics"
	"jobsched/internal/shared"
)

// Store is the read side the executor needs.
type Store interface {
	GetJob(ctx context.Context, id int64) (domain.Job, error)
	GetJobType(ctx context.Context, id int64) (domain.JobType, error)
	GetExecutionType(ctx context.Context, id int64) (domain.ExecutionType, error)
}

// Lifecycle applies status changes. The executor never writes status itself.
type Lifecycle interface {
	Transition(ctx context.Context, id int64, to domain.Status) (domain.Job, error)
	Rearm(ctx context.Context, id int64) (domain.Job, error)
}

// OverlapPolicy decides what happens to a firing while the same job is still running.
type OverlapPolicy string

const (
	// OverlapSkip drops the later firing with a conflict error.
	OverlapSkip OverlapPolicy = "skip"
	// OverlapDelay queues the later firing behind the running one.
	OverlapDelay OverlapPolicy = "delay"
)

// Outcome is the result of one firing. Err holds the body's failure, if any;
// it is absorbed into Status and not returned by Execute.
type Outcome struct {
	JobID    int64         `json:"job_id"`
	Status   domain.Status `json:"status"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

type Config struct {
	Logger   *slog.Logger
	Routines *Registry
	Scripts  ScriptRunner
	Metrics  metrics.Sink
	Overlap  OverlapPolicy
}

type Executor struct {
	store    Store
	life     Lifecycle
	routines *Registry
	scripts  ScriptRunner
	metrics  metrics.Sink
	overlap  OverlapPolicy
	log      *slog.Logger

	mu    sync.Mutex
	slots map[int64]*slot
}

// slot admits one firing per job at a time.
type slot struct {
	sem  chan struct{}
	refs int
}

func New(st Store, life Lifecycle, cfg Config) *Executor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "executor")
	routines := cfg.Routines
	if routines == nil {
		routines = DefaultRegistry(log)
	}
	scripts := cfg.Scripts
	if scripts == nil {
		scripts = ShellRunner{Logger: log}
	}
	sink := cfg.Metrics
	if sink == nil {
		sink = metrics.Noop{}
	}
	overlap := cfg.Overlap
	if overlap == "" {
		overlap = OverlapSkip
	}
	return &Executor{
		store:    st,
		life:     life,
		routines: routines,
		scripts:  scripts,
		metrics:  sink,
		overlap:  overlap,
		log:      log,
		slots:    make(map[int64]*slot),
	}
}

// Fire is the scheduler callback. Errors are logged here since nobody waits for them.
// It returns an error only when the firing never started and the job is still
// Scheduled, so the scheduler can keep a recurring entry armed.
func (e *Executor) Fire(ctx context.Context, jobID int64) error {
	out, err := e.Execute(ctx, jobID)
	switch {
	case err == nil:
		return nil
	case shared.IsConflict(err):
		e.log.Warn("firing skipped, job still running", "job_id", jobID)
		return nil
	case shared.IsValidation(err):
		e.log.Info("stale firing ignored", "job_id", jobID, "status", out.Status)
		return nil
	case shared.IsNotFound(err):
		e.log.Info("fired job no longer exists", "job_id", jobID)
		return nil
	}
	e.log.Error("firing failed", "job_id", jobID, "status", out.Status, "error", err)
	if out.Status == "" || out.Status == domain.StatusScheduled {
		return err
	}
	return nil
}

// Execute runs one firing of the job synchronously. Body failures end in the
// Failed status and are reported in Outcome.Err, not as the returned error.
// The returned error covers firings that could not run: unknown job (NotFound),
// job not Scheduled (Validation), overlap (Conflict), store failures.
//
// Cancelling ctx before the job starts leaves it Scheduled. Once it is Running,
// ctx only reaches the body: the outcome is recorded even if ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, jobID int64) (Outcome, error) {
	release, err := e.acquire(ctx, jobID)
	if err != nil {
		e.metrics.FiringSkipped(metrics.SkipOverlap)
		return Outcome{JobID: jobID, Status: domain.StatusRunning}, err
	}
	defer release()

	record := context.WithoutCancel(ctx)
	job, err := e.store.GetJob(record, jobID)
	if err != nil {
		if shared.IsNotFound(err) {
			e.metrics.FiringSkipped(metrics.SkipNotFound)
		}
		e.log.Error("cannot load fired job", "job_id", jobID, "error", err)
		return Outcome{JobID: jobID}, err
	}
	if job.Status != domain.StatusScheduled {
		e.metrics.FiringSkipped(metrics.SkipStale)
		return Outcome{JobID: jobID, Status: job.Status},
			shared.Newf(shared.KindValidation, "job %d is %s, not Scheduled", jobID, job.Status)
	}
	et, err := e.store.GetExecutionType(record, job.ExecutionTypeID)
	if err != nil {
		return Outcome{JobID: jobID, Status: job.Status}, err
	}

	if err := ctx.Err(); err != nil {
		e.metrics.FiringSkipped(metrics.SkipCancelled)
		return Outcome{JobID: jobID, Status: job.Status}, err
	}
	if _, err := e.life.Transition(record, jobID, domain.StatusRunning); err != nil {
		return Outcome{JobID: jobID, Status: job.Status}, err
	}

	log := e.log.With("job_id", jobID, "job", job.Name)
	log.Info("job started")
	e.metrics.FiringStarted(jobID)
	started := time.Now()

	runErr := e.run(ctx, job, et.Name)

	out := Outcome{JobID: jobID, Duration: time.Since(started), Err: runErr}
	out.Status, err = e.finish(record, job, et.Name, runErr)
	e.metrics.FiringFinished(jobID, out.Status, out.Duration)

	if runErr != nil {
		log.Warn("job failed", "status", out.Status, "duration", out.Duration, "error", runErr)
	} else {
		log.Info("job finished", "status", out.Status, "duration", out.Duration)
	}
	return out, err
}

// finish records the outcome. A recurring time job that succeeded is re-armed.
func (e *Executor) finish(ctx context.Context, job domain.Job, kind domain.ExecutionKind, runErr error) (domain.Status, error) {
	to := domain.StatusCompleted
	if runErr != nil {
		to = domain.StatusFailed
	}

	var err error
	if runErr == nil && job.Recurring && kind == domain.TimeSpecific {
		_, err = e.life.Rearm(ctx, job.ID)
		to = domain.StatusScheduled
	} else {
		_, err = e.life.Transition(ctx, job.ID, to)
	}
	if err == nil {
		return to, nil
	}

	// the job may have been cancelled or deleted while it ran
	cur, getErr := e.store.GetJob(ctx, job.ID)
	switch {
	case shared.IsNotFound(getErr):
		e.log.Info("job deleted while running, outcome dropped", "job_id", job.ID, "outcome", to)
		return to, nil
	case getErr == nil && cur.Status == domain.StatusCancelled:
		e.log.Info("job cancelled while running, outcome dropped", "job_id", job.ID, "outcome", to)
		return domain.StatusCancelled, nil
	}
	e.log.Error("failed to record job outcome", "job_id", job.ID, "outcome", to, "error", err)
	return domain.StatusRunning, err
}

// run dispatches the body. Panics become execution errors.
func (e *Executor) run(ctx context.Context, job domain.Job, kind domain.ExecutionKind) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("job body panicked", "job_id", job.ID, "panic", fmt.Sprint(r))
			err = shared.Newf(shared.KindExecution, "job %d panicked: %v", job.ID, r)
		}
	}()

	if job.JobTypeID == nil {
		if kind == domain.EventBased {
			e.log.Info("event acknowledged", "job_id", job.ID, "job", job.Name)
			return nil
		}
		return shared.Newf(shared.KindExecution, "job %d has no job type", job.ID)
	}

	jt, err := e.store.GetJobType(ctx, *job.JobTypeID)
	if err != nil {
		return shared.MarkKind(shared.Wrap(err, "load job type"), shared.KindExecution)
	}

	switch jt.Kind {
	case domain.KindCode:
		rt, ok := e.routines.Lookup(jt.Name)
		if !ok {
			return shared.Newf(shared.KindExecution, "no routine registered for %q", jt.Name)
		}
		return rt.Run(ctx, job)
	case domain.KindScript:
		return e.scripts.Run(ctx, jt.Script)
	default:
		return shared.Newf(shared.KindExecution, "unknown job type kind %q", jt.Kind)
	}
}

// acquire takes the job's slot according to the overlap policy.
func (e *Executor) acquire(ctx context.Context, jobID int64) (func(), error) {
	e.mu.Lock()
	s, ok := e.slots[jobID]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		e.slots[jobID] = s
	}
	s.refs++
	e.mu.Unlock()

	drop := func() {
		e.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(e.slots, jobID)
		}
		e.mu.Unlock()
	}

	if e.overlap == OverlapDelay {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			drop()
			return nil, ctx.Err()
		}
	} else {
		select {
		case s.sem <- struct{}{}:
		default:
			drop()
			return nil, shared.Newf(shared.KindConflict, "job %d is already running", jobID)
		}
	}
	return func() {
		<-s.sem
		drop()
	}, nil
}
