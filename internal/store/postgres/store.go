// Package postgres implements the Job Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"jobsched/internal/domain"
	"jobsched/internal/platform/pg"
	"jobsched/internal/shared"
	"jobsched/internal/store"
)

//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"

// Migrate brings the database behind dsn up to the latest schema.
func Migrate(dsn string) (pg.MigrationInfo, error) {
	return pg.ApplyMigrationsFS(dsn, Migrations, MigrationsDir)
}

type Store struct {
	tx *pg.TxRunner
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{tx: pg.NewTxRunner(pool)}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.WithinTx(ctx, fn)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.tx.Pool.Ping(ctx); err != nil {
		return shared.MarkKind(shared.Wrap(err, "postgres ping"), shared.KindDependencyFailure)
	}
	return nil
}

// Stats exposes pool counters for verbose health output.
func (s *Store) Stats() pg.Stats {
	return pg.PoolStats(s.tx.Pool)
}

func (s *Store) q(ctx context.Context) pg.Querier {
	return s.tx.GetQuerier(ctx)
}

const jobColumns = `id, name, execution_type_id, job_type_id, event_mapping_id, execution_time,
	recurring, priority, status, scheduler_handle, created_at, updated_at`

const activeStatuses = `status NOT IN ('Completed', 'Cancelled')`

func scanJob(r pgx.Row) (domain.Job, error) {
	var (
		j        domain.Job
		execTime *time.Time
		status   string
	)
	err := r.Scan(&j.ID, &j.Name, &j.ExecutionTypeID, &j.JobTypeID, &j.EventMappingID, &execTime,
		&j.Recurring, &j.Priority, &status, &j.SchedulerHandle, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if execTime != nil {
		t := execTime.UTC()
		j.ExecutionTime = &t
	}
	j.Status = domain.Status(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	j, err := scanJob(s.q(ctx).QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	return j, mapErr(err, fmt.Sprintf("job %d", id))
}

func (s *Store) GetJobByName(ctx context.Context, name string) (domain.Job, error) {
	j, err := scanJob(s.q(ctx).QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name = $1`, name))
	return j, mapErr(err, fmt.Sprintf("job %q", name))
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if f.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*f.Status))
	}
	query += ` ORDER BY execution_time ASC NULLS LAST, priority, id`

	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "jobs")
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, mapErr(err, "jobs")
		}
		jobs = append(jobs, j)
	}
	return jobs, mapErr(rows.Err(), "jobs")
}

func (s *Store) ActiveJobForMapping(ctx context.Context, mappingID int64) (domain.Job, error) {
	j, err := scanJob(s.q(ctx).QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE event_mapping_id = $1 AND `+activeStatuses+` ORDER BY id LIMIT 1`,
		mappingID))
	return j, mapErr(err, fmt.Sprintf("active job for event mapping %d", mappingID))
}

func (s *Store) CountActiveForMapping(ctx context.Context, mappingID, excludeID int64) (int, error) {
	var n int
	err := s.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE event_mapping_id = $1 AND id <> $2 AND `+activeStatuses,
		mappingID, excludeID).Scan(&n)
	return n, mapErr(err, "jobs")
}

func (s *Store) JobStatuses(ctx context.Context) ([]domain.Status, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT DISTINCT status FROM jobs ORDER BY status`)
	if err != nil {
		return nil, mapErr(err, "job statuses")
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapErr(err, "job statuses")
	}
	statuses := make([]domain.Status, 0, len(names))
	for _, n := range names {
		statuses = append(statuses, domain.Status(n))
	}
	return statuses, nil
}

func (s *Store) CreateJob(ctx context.Context, j *domain.Job) error {
	err := s.q(ctx).QueryRow(ctx,
		`INSERT INTO jobs (name, execution_type_id, job_type_id, event_mapping_id, execution_time,
			recurring, priority, status, scheduler_handle, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		j.Name, j.ExecutionTypeID, j.JobTypeID, j.EventMappingID, utcPtr(j.ExecutionTime),
		j.Recurring, j.Priority, string(j.Status), j.SchedulerHandle, j.CreatedAt.UTC(), j.UpdatedAt.UTC()).
		Scan(&j.ID)
	return mapErr(err, fmt.Sprintf("job %q", j.Name))
}

func (s *Store) UpdateJob(ctx context.Context, j domain.Job) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE jobs SET name = $1, execution_type_id = $2, job_type_id = $3, event_mapping_id = $4,
			execution_time = $5, recurring = $6, priority = $7, status = $8, scheduler_handle = $9, updated_at = $10
		 WHERE id = $11`,
		j.Name, j.ExecutionTypeID, j.JobTypeID, j.EventMappingID, utcPtr(j.ExecutionTime),
		j.Recurring, j.Priority, string(j.Status), j.SchedulerHandle, j.UpdatedAt.UTC(), j.ID)
	return affected(tag.RowsAffected(), err, fmt.Sprintf("job %d", j.ID))
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, fmt.Sprintf("job %d", id))
}

func (s *Store) GetJobType(ctx context.Context, id int64) (domain.JobType, error) {
	var jt domain.JobType
	var kind string
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, name, kind, script, description FROM job_types WHERE id = $1`, id).
		Scan(&jt.ID, &jt.Name, &kind, &jt.Script, &jt.Description)
	jt.Kind = domain.JobKind(kind)
	return jt, mapErr(err, fmt.Sprintf("job type %d", id))
}

func (s *Store) ListJobTypes(ctx context.Context) ([]domain.JobType, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT id, name, kind, script, description FROM job_types ORDER BY id`)
	if err != nil {
		return nil, mapErr(err, "job types")
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.JobType, error) {
		var jt domain.JobType
		var kind string
		err := r.Scan(&jt.ID, &jt.Name, &kind, &jt.Script, &jt.Description)
		jt.Kind = domain.JobKind(kind)
		return jt, err
	})
	return out, mapErr(err, "job types")
}

func (s *Store) CreateJobType(ctx context.Context, jt *domain.JobType) error {
	err := s.q(ctx).QueryRow(ctx,
		`INSERT INTO job_types (name, kind, script, description) VALUES ($1, $2, $3, $4) RETURNING id`,
		jt.Name, string(jt.Kind), jt.Script, jt.Description).Scan(&jt.ID)
	return mapErr(err, fmt.Sprintf("job type %q", jt.Name))
}

func (s *Store) UpdateJobType(ctx context.Context, jt domain.JobType) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE job_types SET name = $1, kind = $2, script = $3, description = $4 WHERE id = $5`,
		jt.Name, string(jt.Kind), jt.Script, jt.Description, jt.ID)
	return affected(tag.RowsAffected(), err, fmt.Sprintf("job type %d", jt.ID))
}

func (s *Store) DeleteJobType(ctx context.Context, id int64) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM job_types WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, fmt.Sprintf("job type %d", id))
}

func (s *Store) GetExecutionType(ctx context.Context, id int64) (domain.ExecutionType, error) {
	var et domain.ExecutionType
	var name string
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, name, description FROM execution_types WHERE id = $1`, id).
		Scan(&et.ID, &name, &et.Description)
	et.Name = domain.ExecutionKind(name)
	return et, mapErr(err, fmt.Sprintf("execution type %d", id))
}

func (s *Store) ListExecutionTypes(ctx context.Context) ([]domain.ExecutionType, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT id, name, description FROM execution_types ORDER BY id`)
	if err != nil {
		return nil, mapErr(err, "execution types")
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.ExecutionType, error) {
		var et domain.ExecutionType
		var name string
		err := r.Scan(&et.ID, &name, &et.Description)
		et.Name = domain.ExecutionKind(name)
		return et, err
	})
	return out, mapErr(err, "execution types")
}

func (s *Store) CreateExecutionType(ctx context.Context, et *domain.ExecutionType) error {
	err := s.q(ctx).QueryRow(ctx,
		`INSERT INTO execution_types (name, description) VALUES ($1, $2) RETURNING id`,
		string(et.Name), et.Description).Scan(&et.ID)
	return mapErr(err, fmt.Sprintf("execution type %q", et.Name))
}

func (s *Store) GetEventMapping(ctx context.Context, id int64) (domain.EventMapping, error) {
	var em domain.EventMapping
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, name, description FROM event_mappings WHERE id = $1`, id).
		Scan(&em.ID, &em.Name, &em.Description)
	return em, mapErr(err, fmt.Sprintf("event mapping %d", id))
}

func (s *Store) GetEventMappingByName(ctx context.Context, name string) (domain.EventMapping, error) {
	var em domain.EventMapping
	err := s.q(ctx).QueryRow(ctx,
		`SELECT id, name, description FROM event_mappings WHERE name = $1`, name).
		Scan(&em.ID, &em.Name, &em.Description)
	return em, mapErr(err, fmt.Sprintf("event %q", name))
}

func (s *Store) ListEventMappings(ctx context.Context) ([]domain.EventMapping, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT id, name, description FROM event_mappings ORDER BY id`)
	if err != nil {
		return nil, mapErr(err, "event mappings")
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[domain.EventMapping])
	return out, mapErr(err, "event mappings")
}

func (s *Store) CreateEventMapping(ctx context.Context, em *domain.EventMapping) error {
	err := s.q(ctx).QueryRow(ctx,
		`INSERT INTO event_mappings (name, description) VALUES ($1, $2) RETURNING id`,
		em.Name, em.Description).Scan(&em.ID)
	return mapErr(err, fmt.Sprintf("event mapping %q", em.Name))
}

func (s *Store) UpdateEventMapping(ctx context.Context, em domain.EventMapping) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE event_mappings SET name = $1, description = $2 WHERE id = $3`, em.Name, em.Description, em.ID)
	return affected(tag.RowsAffected(), err, fmt.Sprintf("event mapping %d", em.ID))
}

func (s *Store) DeleteEventMapping(ctx context.Context, id int64) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM event_mappings WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, fmt.Sprintf("event mapping %d", id))
}

func affected(n int64, err error, what string) error {
	if err != nil {
		return mapErr(err, what)
	}
	if n == 0 {
		return mapErr(pgx.ErrNoRows, what)
	}
	return nil
}

func mapErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return shared.Newf(shared.KindNotFound, "%s not found", what)
	case pg.IsUniqueViolation(err) && pg.ConstraintName(err) == store.MappingIndex:
		return store.ErrEventMapped()
	case pg.IsUniqueViolation(err):
		return shared.Newf(shared.KindValidation, "%s already exists", what)
	case pg.IsForeignKeyViolation(err):
		return shared.Newf(shared.KindValidation, "%s references a missing record or is still in use", what)
	case pg.IsConstraintViolation(err):
		return shared.Newf(shared.KindValidation, "%s violates a constraint", what)
	case shared.IsCanceled(err) || shared.IsTimeout(err):
		return err
	default:
		return shared.MarkKind(shared.Wrap(err, what), shared.KindDependencyFailure)
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
