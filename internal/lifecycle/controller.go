// Package lifecycle owns job state: it validates and persists jobs, enforces the
// status table and keeps scheduler entries in step with what is stored.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"jobsched/internal/domain"
	"jobsched/internal/planner"
	"jobsched/internal/scheduler"
	"jobsched/internal/shared"
	"jobsched/internal/store"
)

// Scheduler is the part of the timer registry the controller drives.
type Scheduler interface {
	Schedule(job domain.Job, kind domain.ExecutionKind) (scheduler.Handle, error)
	Reschedule(h scheduler.Handle, job domain.Job, kind domain.ExecutionKind) (scheduler.Handle, error)
	Advance(h scheduler.Handle) (time.Time, error)
	Cancel(h scheduler.Handle) error
	Entry(h scheduler.Handle) (scheduler.Entry, bool)
}

// Hook observes a committed status change. job carries the new status.
type Hook func(ctx context.Context, job domain.Job, from domain.Status)

// JobSpec is the caller-settable part of a job.
type JobSpec struct {
	Name            string
	ExecutionTypeID int64
	JobTypeID       *int64
	EventMappingID  *int64
	ExecutionTime   *time.Time
	Recurring       bool
	Priority        int
}

func (s JobSpec) apply(j domain.Job) domain.Job {
	j.Name = s.Name
	j.ExecutionTypeID = s.ExecutionTypeID
	j.JobTypeID = s.JobTypeID
	j.EventMappingID = s.EventMappingID
	j.ExecutionTime = nil
	if s.ExecutionTime != nil {
		t := s.ExecutionTime.UTC()
		j.ExecutionTime = &t
	}
	j.Recurring = s.Recurring
	j.Priority = s.Priority
	return j
}

type Config struct {
	Logger *slog.Logger
	Clock  planner.Clock
}

// Controller is the only writer of job records.
type Controller struct {
	store store.Store
	sched Scheduler
	clock planner.Clock
	log   *slog.Logger
	locks *keyedMutex

	hooksMu sync.RWMutex
	hooks   []Hook
}

func New(st store.Store, sched Scheduler, cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = planner.SystemClock
	}
	return &Controller{
		store: st,
		sched: sched,
		clock: clock,
		log:   log.With("component", "lifecycle"),
		locks: newKeyedMutex(),
	}
}

// OnTransition registers a hook run after every committed status change.
func (c *Controller) OnTransition(h Hook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, h)
}

func (c *Controller) Get(ctx context.Context, id int64) (domain.Job, error) {
	return c.store.GetJob(ctx, id)
}

func (c *Controller) List(ctx context.Context, f store.JobFilter) ([]domain.Job, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, shared.Newf(shared.KindValidation, "unknown status %q", *f.Status)
	}
	return c.store.ListJobs(ctx, f)
}

// Statuses lists the statuses currently held by at least one job.
func (c *Controller) Statuses(ctx context.Context) ([]domain.Status, error) {
	return c.store.JobStatuses(ctx)
}

// Create validates spec, stores the job as Scheduled and installs its scheduler entry
// once the row is committed. A failure at any step leaves neither a row nor an entry behind.
func (c *Controller) Create(ctx context.Context, spec JobSpec) (domain.Job, error) {
	job, kind, err := c.insert(ctx, spec)
	if err != nil {
		c.log.Warn("job create rejected", "job", spec.Name, "error", err)
		return domain.Job{}, err
	}

	defer c.locks.Lock(jobKey(job.ID))()
	h, err := c.sched.Schedule(job, kind)
	if err != nil {
		c.discard(ctx, job)
		c.log.Warn("job create rejected", "job", spec.Name, "error", err)
		return domain.Job{}, err
	}
	job.SchedulerHandle = string(h)
	err = c.store.WithinTx(ctx, func(ctx context.Context) error {
		return c.store.UpdateJob(ctx, job)
	})
	if err != nil {
		c.dropEntry(job.ID, h)
		c.discard(ctx, job)
		c.log.Warn("job create rejected", "job", spec.Name, "error", err)
		return domain.Job{}, err
	}

	c.log.Info("job created", "job_id", job.ID, "job", job.Name, "handle", job.SchedulerHandle)
	return job, nil
}

// insert validates and commits the row under the mapping lock.
func (c *Controller) insert(ctx context.Context, spec JobSpec) (domain.Job, domain.ExecutionKind, error) {
	if spec.EventMappingID != nil {
		defer c.locks.Lock(mappingKey(*spec.EventMappingID))()
	}

	now := c.clock.Now().UTC()
	var (
		job  domain.Job
		kind domain.ExecutionKind
	)
	err := c.store.WithinTx(ctx, func(ctx context.Context) error {
		job = spec.apply(domain.Job{Status: domain.StatusScheduled, CreatedAt: now, UpdatedAt: now})
		var err error
		if kind, err = c.validate(ctx, job, now, true); err != nil {
			return err
		}
		return c.store.CreateJob(ctx, &job)
	})
	return job, kind, err
}

// discard removes a row whose entry could not be installed.
func (c *Controller) discard(ctx context.Context, job domain.Job) {
	err := c.store.WithinTx(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return c.store.DeleteJob(ctx, job.ID)
	})
	if err != nil && !shared.IsNotFound(err) {
		c.log.Error("failed to remove unscheduled job", "job_id", job.ID, "job", job.Name, "error", err)
	}
}

// Update re-validates and stores field changes. It never touches the scheduler entry;
// call Reschedule for that.
func (c *Controller) Update(ctx context.Context, id int64, spec JobSpec) (domain.Job, error) {
	defer c.locks.Lock(jobKey(id))()
	if spec.EventMappingID != nil {
		defer c.locks.Lock(mappingKey(*spec.EventMappingID))()
	}

	var job domain.Job
	err := c.store.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := c.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		now := c.clock.Now().UTC()
		job = spec.apply(cur)
		job.UpdatedAt = now
		if _, err := c.validate(ctx, job, now, !sameTime(cur.ExecutionTime, job.ExecutionTime)); err != nil {
			return err
		}
		return c.store.UpdateJob(ctx, job)
	})
	if err != nil {
		return domain.Job{}, err
	}
	c.log.Info("job updated", "job_id", id, "job", job.Name)
	return job, nil
}

// Transition moves a job along one edge of the status table and stamps updated_at.
// Entering Completed or Cancelled releases the scheduler entry.
func (c *Controller) Transition(ctx context.Context, id int64, to domain.Status) (domain.Job, error) {
	defer c.locks.Lock(jobKey(id))()

	var (
		job  domain.Job
		from domain.Status
	)
	err := c.store.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := c.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(cur.Status, to) {
			return shared.Newf(shared.KindValidation, "illegal status transition %s -> %s", cur.Status, to)
		}
		from = cur.Status
		job = cur
		job.Status = to
		job.UpdatedAt = c.clock.Now().UTC()
		return c.store.UpdateJob(ctx, job)
	})
	if err != nil {
		return domain.Job{}, err
	}

	if to.Terminal() {
		c.releaseEntry(job)
	}
	c.log.Info("job status changed", "job_id", id, "job", job.Name, "from", from, "to", to)
	c.fireHooks(ctx, job, from)
	return job, nil
}

// Rearm returns a Running recurring job to Scheduled and installs its next daily
// occurrence, which becomes the stored execution time. The entry moves exactly once
// per call; the transaction only records the result.
func (c *Controller) Rearm(ctx context.Context, id int64) (domain.Job, error) {
	defer c.locks.Lock(jobKey(id))()

	cur, err := c.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if cur.Status != domain.StatusRunning || !cur.Recurring {
		return domain.Job{}, shared.Newf(shared.KindValidation, "only a running recurring job can be re-armed, job %d is %s", id, cur.Status)
	}
	h := scheduler.Handle(cur.SchedulerHandle)
	next, err := c.sched.Advance(h)
	if shared.IsNotFound(err) {
		next, h, err = c.replant(ctx, cur)
	}
	if err != nil {
		return domain.Job{}, err
	}

	job := cur
	next = next.UTC()
	job.ExecutionTime = &next
	job.SchedulerHandle = string(h)
	job.Status = domain.StatusScheduled
	job.UpdatedAt = c.clock.Now().UTC()
	err = c.store.WithinTx(ctx, func(ctx context.Context) error {
		return c.store.UpdateJob(ctx, job)
	})
	if err != nil {
		return domain.Job{}, err
	}

	c.log.Info("recurring job re-armed", "job_id", id, "job", job.Name, "next", job.ExecutionTime)
	c.fireHooks(ctx, job, domain.StatusRunning)
	return job, nil
}

// replant installs a fresh entry for a job whose entry is gone.
func (c *Controller) replant(ctx context.Context, job domain.Job) (time.Time, scheduler.Handle, error) {
	kind, err := c.kindOf(ctx, job.ExecutionTypeID)
	if err != nil {
		return time.Time{}, "", err
	}
	h, err := c.sched.Reschedule(scheduler.Handle(job.SchedulerHandle), job, kind)
	if err != nil {
		return time.Time{}, "", err
	}
	e, _ := c.sched.Entry(h)
	return e.Next, h, nil
}

// Reschedule recomputes the plan and returns the job to Scheduled. The existing
// entry is modified in place when it still exists.
func (c *Controller) Reschedule(ctx context.Context, id int64) (domain.Job, error) {
	defer c.locks.Lock(jobKey(id))()

	cur, err := c.store.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if cur.EventMappingID != nil {
		defer c.locks.Lock(mappingKey(*cur.EventMappingID))()
	}
	switch cur.Status {
	case domain.StatusCompleted:
		return domain.Job{}, shared.Newf(shared.KindValidation, "job %d is completed and cannot be rescheduled", id)
	case domain.StatusRunning:
		return domain.Job{}, shared.Newf(shared.KindConflict, "job %d is running", id)
	}
	kind, err := c.kindOf(ctx, cur.ExecutionTypeID)
	if err != nil {
		return domain.Job{}, err
	}
	if cur.EventMappingID != nil && cur.Status == domain.StatusCancelled {
		n, err := c.store.CountActiveForMapping(ctx, *cur.EventMappingID, cur.ID)
		if err != nil {
			return domain.Job{}, err
		}
		if n > 0 {
			return domain.Job{}, store.ErrEventMapped()
		}
	}

	now := c.clock.Now().UTC()
	if kind == domain.TimeSpecific && !cur.Recurring && cur.ExecutionTime != nil && !cur.ExecutionTime.After(now) {
		if cur.Status == domain.StatusCancelled {
			return domain.Job{}, shared.Newf(shared.KindValidation, "execution time of job %d has passed, update it before rescheduling", id)
		}
		cur.ExecutionTime = &now
	}

	old := scheduler.Handle(cur.SchedulerHandle)
	h, err := c.sched.Reschedule(old, cur, kind)
	if err != nil {
		return domain.Job{}, err
	}
	from := cur.Status
	job := cur
	job.SchedulerHandle = string(h)
	job.Status = domain.StatusScheduled
	job.UpdatedAt = now
	err = c.store.WithinTx(ctx, func(ctx context.Context) error {
		return c.store.UpdateJob(ctx, job)
	})
	if err != nil {
		// the stored job stays non-Scheduled or points at the old handle
		if from != domain.StatusScheduled || h != old {
			c.dropEntry(id, h)
		}
		return domain.Job{}, err
	}

	c.log.Info("job rescheduled", "job_id", id, "job", job.Name, "from", from, "handle", job.SchedulerHandle)
	if from != domain.StatusScheduled {
		c.fireHooks(ctx, job, from)
	}
	return job, nil
}

// Cancel marks the job Cancelled and removes its scheduler entry. Cancelling a
// cancelled job returns it unchanged. An in-flight firing is not interrupted.
func (c *Controller) Cancel(ctx context.Context, id int64) (domain.Job, error) {
	defer c.locks.Lock(jobKey(id))()

	var (
		job  domain.Job
		from domain.Status
		noop bool
	)
	err := c.store.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := c.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == domain.StatusCancelled {
			job, noop = cur, true
			return nil
		}
		if !domain.CanTransition(cur.Status, domain.StatusCancelled) {
			return shared.Newf(shared.KindValidation, "job %d is %s and cannot be cancelled", id, cur.Status)
		}
		from = cur.Status
		job = cur
		job.Status = domain.StatusCancelled
		job.UpdatedAt = c.clock.Now().UTC()
		return c.store.UpdateJob(ctx, job)
	})
	if err != nil {
		return domain.Job{}, err
	}
	if noop {
		c.log.Debug("job already cancelled", "job_id", id)
		return job, nil
	}

	c.releaseEntry(job)
	c.log.Info("job cancelled", "job_id", id, "job", job.Name, "from", from)
	c.fireHooks(ctx, job, from)
	return job, nil
}

// Delete removes the job and cancels its scheduler entry.
func (c *Controller) Delete(ctx context.Context, id int64) error {
	defer c.locks.Lock(jobKey(id))()

	var job domain.Job
	err := c.store.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if job, err = c.store.GetJob(ctx, id); err != nil {
			return err
		}
		return c.store.DeleteJob(ctx, id)
	})
	if err != nil {
		return err
	}
	c.releaseEntry(job)
	c.log.Info("job deleted", "job_id", id, "job", job.Name)
	return nil
}

// validate applies the create/update rules in order and returns the execution kind.
func (c *Controller) validate(ctx context.Context, job domain.Job, now time.Time, checkTime bool) (domain.ExecutionKind, error) {
	if job.Name == "" {
		return "", shared.Newf(shared.KindValidation, "job name is required")
	}
	switch other, err := c.store.GetJobByName(ctx, job.Name); {
	case err == nil && other.ID != job.ID:
		return "", shared.Newf(shared.KindValidation, "A job with the same name already exists")
	case err != nil && !shared.IsNotFound(err):
		return "", err
	}

	kind, err := c.kindOf(ctx, job.ExecutionTypeID)
	if err != nil {
		return "", err
	}
	if job.JobTypeID != nil {
		if _, err := c.store.GetJobType(ctx, *job.JobTypeID); err != nil {
			return "", err
		}
	}
	if _, err := planner.Build(planner.Input{
		Execution:      kind,
		Recurring:      job.Recurring,
		ExecutionTime:  job.ExecutionTime,
		EventMappingID: job.EventMappingID,
		Now:            now,
	}); err != nil {
		return "", err
	}
	if kind == domain.TimeSpecific && checkTime && !job.ExecutionTime.After(now) {
		return "", shared.Newf(shared.KindValidation, "Please select an execution time greater than the current time")
	}

	if job.EventMappingID != nil {
		if _, err := c.store.GetEventMapping(ctx, *job.EventMappingID); err != nil {
			return "", err
		}
		if job.Status.Active() {
			n, err := c.store.CountActiveForMapping(ctx, *job.EventMappingID, job.ID)
			if err != nil {
				return "", err
			}
			if n > 0 {
				return "", store.ErrEventMapped()
			}
		}
	}
	return kind, nil
}

func (c *Controller) kindOf(ctx context.Context, executionTypeID int64) (domain.ExecutionKind, error) {
	et, err := c.store.GetExecutionType(ctx, executionTypeID)
	if err != nil {
		return "", err
	}
	if !et.Name.Valid() {
		return "", shared.Newf(shared.KindValidation, "unknown execution type %q", et.Name)
	}
	return et.Name, nil
}

// releaseEntry cancels the job's scheduler entry. Failures are logged, never returned.
func (c *Controller) releaseEntry(job domain.Job) {
	if job.SchedulerHandle == "" {
		return
	}
	c.dropEntry(job.ID, scheduler.Handle(job.SchedulerHandle))
}

func (c *Controller) dropEntry(jobID int64, h scheduler.Handle) {
	err := c.sched.Cancel(h)
	switch {
	case err == nil:
	case shared.IsNotFound(err):
		c.log.Debug("scheduler entry already gone", "job_id", jobID, "handle", h)
	default:
		c.log.Warn("failed to remove scheduler entry", "job_id", jobID, "handle", h, "error", err)
	}
}

func (c *Controller) fireHooks(ctx context.Context, job domain.Job, from domain.Status) {
	c.hooksMu.RLock()
	hooks := c.hooks
	c.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, job, from)
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
