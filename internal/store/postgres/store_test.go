package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/domain"
	"jobsched/internal/platform/pg"
	"jobsched/internal/shared"
	"jobsched/internal/store"
)

// newStore connects to TEST_PG_DSN, migrates and wipes user tables.
func newStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()

	_, err := Migrate(dsn)
	require.NoError(t, err)

	pool, err := pg.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE jobs, job_types, event_mappings RESTART IDENTITY`)
	require.NoError(t, err)
	return New(pool)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newStore(t)
	info, err := Migrate(os.Getenv("TEST_PG_DSN"))
	require.NoError(t, err)
	assert.False(t, info.Applied)
	assert.EqualValues(t, 2, info.FinalVersion)

	types, err := s.ListExecutionTypes(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, domain.TimeSpecific, types[0].Name)
}

func TestJobLifecycleRows(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	em := domain.EventMapping{Name: "deploy"}
	require.NoError(t, s.CreateEventMapping(ctx, &em))

	at := now.Add(time.Hour)
	timed := domain.Job{Name: "timed", ExecutionTypeID: 1, ExecutionTime: &at,
		Status: domain.StatusScheduled, CreatedAt: now, UpdatedAt: now}
	event := domain.Job{Name: "event", ExecutionTypeID: 2, EventMappingID: &em.ID,
		Status: domain.StatusScheduled, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateJob(ctx, &event))
	require.NoError(t, s.CreateJob(ctx, &timed))

	list, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "timed", list[0].Name, "jobs without a time sort last")
	assert.True(t, at.Equal(*list[0].ExecutionTime))

	active, err := s.ActiveJobForMapping(ctx, em.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ID, active.ID)

	twin := domain.Job{Name: "twin", ExecutionTypeID: 2, EventMappingID: &em.ID,
		Status: domain.StatusScheduled, CreatedAt: now, UpdatedAt: now}
	err = s.CreateJob(ctx, &twin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event already mapped")

	event.Status = domain.StatusCompleted
	require.NoError(t, s.UpdateJob(ctx, event))
	_, err = s.ActiveJobForMapping(ctx, em.ID)
	assert.True(t, shared.IsNotFound(err))

	dup := timed
	assert.True(t, shared.IsValidation(s.CreateJob(ctx, &dup)))
	assert.True(t, shared.IsNotFound(s.DeleteJob(ctx, 9999)))
}

func TestWithinTx_Rollback(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		jt := domain.JobType{Name: "gone", Kind: domain.KindCode}
		require.NoError(t, s.CreateJobType(ctx, &jt))
		return shared.Newf(shared.KindValidation, "abort")
	})
	require.Error(t, err)

	types, err := s.ListJobTypes(ctx)
	require.NoError(t, err)
	assert.Empty(t, types)
}
