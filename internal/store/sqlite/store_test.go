package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/domain"
	sqlitedb "jobsched/internal/platform/sqlite"
	"jobsched/internal/shared"
	"jobsched/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	tdb := sqlitedb.NewTestDB(t, Migrations, MigrationsDir)
	return New(tdb.DB)
}

func newJob(name string, at *time.Time, priority int) domain.Job {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Job{
		Name:            name,
		ExecutionTypeID: 1,
		ExecutionTime:   at,
		Priority:        priority,
		Status:          domain.StatusScheduled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestSeededExecutionTypes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	types, err := s.ListExecutionTypes(ctx)
	require.NoError(t, err)
	require.Len(t, types, 2)
	assert.Equal(t, domain.TimeSpecific, types[0].Name)
	assert.Equal(t, domain.EventBased, types[1].Name)

	et, err := s.GetExecutionType(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.EventBased, et.Name)
}

func TestJobRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	jt := domain.JobType{Name: "count", Kind: domain.KindCode}
	require.NoError(t, s.CreateJobType(ctx, &jt))

	at := time.Date(2025, 3, 10, 2, 0, 0, 500, time.FixedZone("X", 3*3600))
	j := newJob("nightly", &at, 3)
	j.JobTypeID = &jt.ID
	j.Recurring = true
	j.SchedulerHandle = "h-1"
	require.NoError(t, s.CreateJob(ctx, &j))
	require.NotZero(t, j.ID)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.Name)
	require.NotNil(t, got.ExecutionTime)
	assert.True(t, at.Equal(*got.ExecutionTime))
	require.NotNil(t, got.JobTypeID)
	assert.Equal(t, jt.ID, *got.JobTypeID)
	assert.Nil(t, got.EventMappingID)
	assert.True(t, got.Recurring)
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	assert.Equal(t, "h-1", got.SchedulerHandle)
	assert.True(t, j.CreatedAt.Equal(got.CreatedAt))

	got.Status = domain.StatusRunning
	got.ExecutionTime = nil
	require.NoError(t, s.UpdateJob(ctx, got))

	byName, err := s.GetJobByName(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, byName.Status)
	assert.Nil(t, byName.ExecutionTime)

	require.NoError(t, s.DeleteJob(ctx, j.ID))
	_, err = s.GetJob(ctx, j.ID)
	assert.True(t, shared.IsNotFound(err))
}

func TestListJobs_OrderAndFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	later := base.Add(time.Hour)

	em := domain.EventMapping{Name: "deploy"}
	require.NoError(t, s.CreateEventMapping(ctx, &em))

	jobs := []domain.Job{
		newJob("later", &later, 0),
		newJob("early-low", &base, 5),
		newJob("early-high", &base, 1),
	}
	ev := newJob("event", nil, 0)
	ev.ExecutionTypeID = 2
	ev.EventMappingID = &em.ID
	jobs = append(jobs, ev)
	for i := range jobs {
		require.NoError(t, s.CreateJob(ctx, &jobs[i]))
	}

	list, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	var names []string
	for _, j := range list {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"early-high", "early-low", "later", "event"}, names)

	jobs[0].Status = domain.StatusFailed
	require.NoError(t, s.UpdateJob(ctx, jobs[0]))

	failed := domain.StatusFailed
	list, err = s.ListJobs(ctx, store.JobFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "later", list[0].Name)

	statuses, err := s.JobStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Status{domain.StatusFailed, domain.StatusScheduled}, statuses)
}

func TestActiveJobForMapping(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	em := domain.EventMapping{Name: "deploy"}
	require.NoError(t, s.CreateEventMapping(ctx, &em))

	_, err := s.ActiveJobForMapping(ctx, em.ID)
	assert.True(t, shared.IsNotFound(err))

	done := newJob("old", nil, 0)
	done.ExecutionTypeID = 2
	done.EventMappingID = &em.ID
	done.Status = domain.StatusCompleted
	require.NoError(t, s.CreateJob(ctx, &done))

	live := newJob("live", nil, 0)
	live.ExecutionTypeID = 2
	live.EventMappingID = &em.ID
	require.NoError(t, s.CreateJob(ctx, &live))

	got, err := s.ActiveJobForMapping(ctx, em.ID)
	require.NoError(t, err)
	assert.Equal(t, live.ID, got.ID)

	n, err := s.CountActiveForMapping(ctx, em.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountActiveForMapping(ctx, em.ID, live.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestActiveMappingIsUnique(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	em := domain.EventMapping{Name: "deploy"}
	require.NoError(t, s.CreateEventMapping(ctx, &em))

	first := newJob("first", nil, 0)
	first.ExecutionTypeID = 2
	first.EventMappingID = &em.ID
	require.NoError(t, s.CreateJob(ctx, &first))

	second := newJob("second", nil, 0)
	second.ExecutionTypeID = 2
	second.EventMappingID = &em.ID
	second.Status = domain.StatusCancelled
	require.NoError(t, s.CreateJob(ctx, &second), "terminal jobs do not hold the mapping")

	second.Status = domain.StatusScheduled
	err := s.UpdateJob(ctx, second)
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err), "got %v", err)
	assert.Contains(t, err.Error(), "event already mapped")

	first.Status = domain.StatusCompleted
	require.NoError(t, s.UpdateJob(ctx, first))
	require.NoError(t, s.UpdateJob(ctx, second))
}

func TestConstraintErrors(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	j := newJob("dup", nil, 0)
	require.NoError(t, s.CreateJob(ctx, &j))
	again := newJob("dup", nil, 0)
	err := s.CreateJob(ctx, &again)
	assert.True(t, shared.IsValidation(err), "got %v", err)

	missing := int64(999)
	bad := newJob("bad-ref", nil, 0)
	bad.JobTypeID = &missing
	assert.True(t, shared.IsValidation(s.CreateJob(ctx, &bad)))

	jt := domain.JobType{Name: "script", Kind: domain.KindScript, Script: "echo hi"}
	require.NoError(t, s.CreateJobType(ctx, &jt))
	j.JobTypeID = &jt.ID
	require.NoError(t, s.UpdateJob(ctx, j))
	assert.True(t, shared.IsValidation(s.DeleteJobType(ctx, jt.ID)), "job type in use")

	assert.True(t, shared.IsNotFound(s.UpdateJob(ctx, domain.Job{ID: 42, Name: "x", ExecutionTypeID: 1, Status: domain.StatusScheduled})))
	assert.True(t, shared.IsNotFound(s.DeleteEventMapping(ctx, 42)))
}

func TestReferenceCRUD(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	jt := domain.JobType{Name: "a", Kind: domain.KindCode, Description: "first"}
	require.NoError(t, s.CreateJobType(ctx, &jt))
	jt.Description = "changed"
	require.NoError(t, s.UpdateJobType(ctx, jt))
	got, err := s.GetJobType(ctx, jt.ID)
	require.NoError(t, err)
	assert.Equal(t, "changed", got.Description)
	list, err := s.ListJobTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, s.DeleteJobType(ctx, jt.ID))

	em := domain.EventMapping{Name: "push"}
	require.NoError(t, s.CreateEventMapping(ctx, &em))
	em.Name = "pushed"
	require.NoError(t, s.UpdateEventMapping(ctx, em))
	byName, err := s.GetEventMappingByName(ctx, "pushed")
	require.NoError(t, err)
	assert.Equal(t, em.ID, byName.ID)
	_, err = s.GetEventMappingByName(ctx, "push")
	assert.True(t, shared.IsNotFound(err))

	et := domain.ExecutionType{Name: "CUSTOM"}
	require.NoError(t, s.CreateExecutionType(ctx, &et))
	assert.EqualValues(t, 3, et.ID)
}

func TestWithinTx_RollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		j := newJob("tx", nil, 0)
		require.NoError(t, s.CreateJob(ctx, &j))
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.GetJobByName(ctx, "tx")
	assert.True(t, shared.IsNotFound(err))
	require.NoError(t, s.Ping(ctx))
}

func TestDriverFailureIsDependencyFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db)

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \?`).
		WithArgs(int64(7)).
		WillReturnError(errors.New("disk I/O error"))

	_, err = s.GetJob(context.Background(), 7)
	assert.True(t, shared.IsDependencyFailure(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnError(errors.New("readonly database"))
	mock.ExpectRollback()

	err = s.WithinTx(context.Background(), func(ctx context.Context) error {
		return s.UpdateJob(ctx, newJob("x", nil, 0))
	})
	assert.True(t, shared.IsDependencyFailure(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanTextTimestamps(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db)

	cols := []string{"id", "name", "execution_type_id", "job_type_id", "event_mapping_id", "execution_time",
		"recurring", "priority", "status", "scheduler_handle", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM jobs WHERE name = \?`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			1, "j", 1, nil, nil, "2025-03-10 02:00:00.000000000+00:00",
			true, 0, "Scheduled", "", "2025-03-01T12:00:00Z", []byte("2025-03-01 12:00:00+00:00")))

	j, err := s.GetJobByName(context.Background(), "j")
	require.NoError(t, err)
	require.NotNil(t, j.ExecutionTime)
	assert.Equal(t, time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC), j.ExecutionTime.UTC())
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), j.UpdatedAt.UTC())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "jobs.db")
	db, err := sqlitedb.NewDB(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	v1, err := Migrate(path)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v1)

	v2, err := Migrate(path)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}
