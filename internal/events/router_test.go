package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/domain"
	"jobsched/internal/executor"
	"jobsched/internal/lifecycle"
	sqlitedb "jobsched/internal/platform/sqlite"
	"jobsched/internal/scheduler"
	"jobsched/internal/shared"
	"jobsched/internal/store"
	sqlitestore "jobsched/internal/store/sqlite"
)

type fixture struct {
	router *Router
	ctl    *lifecycle.Controller
	store  *sqlitestore.Store
	runs   *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tdb := sqlitedb.NewTestDB(t, sqlitestore.Migrations, sqlitestore.MigrationsDir)
	st := sqlitestore.New(tdb.DB)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New(scheduler.Config{Logger: log})
	t.Cleanup(sched.Stop)
	ctl := lifecycle.New(st, sched, lifecycle.Config{Logger: log})

	runs := &atomic.Int32{}
	routines := executor.NewRegistry()
	routines.MustRegister("COUNT", executor.RoutineFunc(func(context.Context, domain.Job) error {
		runs.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}))
	exec := executor.New(st, ctl, executor.Config{Logger: log, Routines: routines})

	return &fixture{
		router: New(st, exec, Config{Logger: log}),
		ctl:    ctl,
		store:  st,
		runs:   runs,
	}
}

func (f *fixture) bind(t *testing.T, event, job string) domain.Job {
	t.Helper()
	ctx := context.Background()
	em := domain.EventMapping{Name: event}
	require.NoError(t, f.store.CreateEventMapping(ctx, &em))
	jt := domain.JobType{Name: "COUNT", Kind: domain.KindCode}
	require.NoError(t, f.store.CreateJobType(ctx, &jt))
	j, err := f.ctl.Create(ctx, lifecycle.JobSpec{Name: job, ExecutionTypeID: 2, EventMappingID: &em.ID, JobTypeID: &jt.ID})
	require.NoError(t, err)
	return j
}

func TestNotify_RunsBoundJob(t *testing.T) {
	f := newFixture(t)
	job := f.bind(t, "ORDER_PAID", "n1")

	out, err := f.router.Notify(context.Background(), "ORDER_PAID")
	require.NoError(t, err)
	assert.Equal(t, job.ID, out.JobID)
	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.EqualValues(t, 1, f.runs.Load())

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestNotify_UnknownEventChangesNothing(t *testing.T) {
	f := newFixture(t)
	job := f.bind(t, "ORDER_PAID", "n1")

	_, err := f.router.Notify(context.Background(), "ORDER_SHIPPED")
	require.Error(t, err)
	assert.True(t, shared.IsNotFound(err))

	jobs, err := f.store.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.Status, jobs[0].Status)
	assert.True(t, job.UpdatedAt.Equal(jobs[0].UpdatedAt))
	assert.Zero(t, f.runs.Load())
}

func TestNotify_NoLiveJob(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "ORDER_PAID", "n1")

	_, err := f.router.Notify(context.Background(), "ORDER_PAID")
	require.NoError(t, err)

	_, err = f.router.Notify(context.Background(), "ORDER_PAID")
	assert.True(t, shared.IsNotFound(err), "completed job no longer answers its event")
	assert.EqualValues(t, 1, f.runs.Load())
}

func TestNotify_FailedJobNeedsReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.bind(t, "ORDER_PAID", "n1")
	_, err := f.ctl.Transition(ctx, job.ID, domain.StatusRunning)
	require.NoError(t, err)
	_, err = f.ctl.Transition(ctx, job.ID, domain.StatusFailed)
	require.NoError(t, err)

	_, err = f.router.Notify(ctx, "ORDER_PAID")
	assert.True(t, shared.IsValidation(err))

	_, err = f.ctl.Reschedule(ctx, job.ID)
	require.NoError(t, err)
	out, err := f.router.Notify(ctx, "ORDER_PAID")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, out.Status)
}

func TestNotify_RunningJobConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.bind(t, "ORDER_PAID", "n1")
	_, err := f.ctl.Transition(ctx, job.ID, domain.StatusRunning)
	require.NoError(t, err)

	_, err = f.router.Notify(ctx, "ORDER_PAID")
	assert.True(t, shared.IsConflict(err))
	assert.Zero(t, f.runs.Load())
}

func TestNotify_ConcurrentDeliveriesRunOnce(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "ORDER_PAID", "n1")

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.router.Notify(context.Background(), "ORDER_PAID"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.runs.Load())
	assert.EqualValues(t, 1, ok.Load())
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, ResultExecuted, resultOf(nil))
	assert.Equal(t, ResultNotFound, resultOf(shared.Newf(shared.KindNotFound, "x")))
	assert.Equal(t, ResultRejected, resultOf(shared.Newf(shared.KindConflict, "x")))
	assert.Equal(t, ResultError, resultOf(shared.Newf(shared.KindDependencyFailure, "x")))
}
