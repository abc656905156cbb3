// Package sqlite implements the Job Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"jobsched/internal/domain"
	sqlitedb "jobsched/internal/platform/sqlite"
	"jobsched/internal/shared"
	"jobsched/internal/store"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations holding the scripts.
const MigrationsDir = "migrations"

// Migrate brings the database file at dbPath up to the latest schema and
// returns the resulting version.
func Migrate(dbPath string) (uint, error) {
	if err := sqlitedb.ApplyMigrationsFS(dbPath, Migrations, MigrationsDir); err != nil {
		return 0, err
	}
	v, _, err := sqlitedb.MigrationVersion(dbPath, Migrations, MigrationsDir)
	return v, err
}

// timeLayout has fixed-width fractions so stored values sort lexicographically.
const timeLayout = "2006-01-02 15:04:05.000000000-07:00"

// Store is the SQLite Job Store.
type Store struct {
	tx *sqlitedb.TxRunner
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{tx: sqlitedb.NewTxRunner(db)}
}

// NewWithRunner uses a preconfigured transaction runner.
func NewWithRunner(r *sqlitedb.TxRunner) *Store {
	return &Store{tx: r}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.WithinTx(ctx, fn)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.tx.DB.PingContext(ctx); err != nil {
		return shared.MarkKind(shared.Wrap(err, "sqlite ping"), shared.KindDependencyFailure)
	}
	return nil
}

func (s *Store) q(ctx context.Context) sqlitedb.Querier {
	return s.tx.GetQuerier(ctx)
}

// ---- jobs ----

const jobColumns = `id, name, execution_type_id, job_type_id, event_mapping_id, execution_time,
	recurring, priority, status, scheduler_handle, created_at, updated_at`

const activeStatuses = `status NOT IN ('Completed', 'Cancelled')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (domain.Job, error) {
	var (
		j                domain.Job
		jobType, mapping sql.NullInt64
		execTime         nullTime
		created, updated nullTime
		status           string
	)
	err := r.Scan(&j.ID, &j.Name, &j.ExecutionTypeID, &jobType, &mapping, &execTime,
		&j.Recurring, &j.Priority, &status, &j.SchedulerHandle, &created, &updated)
	if err != nil {
		return domain.Job{}, err
	}
	if jobType.Valid {
		j.JobTypeID = &jobType.Int64
	}
	if mapping.Valid {
		j.EventMappingID = &mapping.Int64
	}
	if execTime.Valid {
		t := execTime.Time
		j.ExecutionTime = &t
	}
	j.Status = domain.Status(status)
	j.CreatedAt = created.Time
	j.UpdatedAt = updated.Time
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	return j, mapErr(err, fmt.Sprintf("job %d", id))
}

func (s *Store) GetJobByName(ctx context.Context, name string) (domain.Job, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name)
	j, err := scanJob(row)
	return j, mapErr(err, fmt.Sprintf("job %q", name))
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if f.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*f.Status))
	}
	query += ` ORDER BY execution_time IS NULL, execution_time, priority, id`
	return s.queryJobs(ctx, query, args...)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
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
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE event_mapping_id = ? AND `+activeStatuses+` ORDER BY id LIMIT 1`,
		mappingID)
	j, err := scanJob(row)
	return j, mapErr(err, fmt.Sprintf("active job for event mapping %d", mappingID))
}

func (s *Store) CountActiveForMapping(ctx context.Context, mappingID, excludeID int64) (int, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE event_mapping_id = ? AND id != ? AND `+activeStatuses,
		mappingID, excludeID).Scan(&n)
	return n, mapErr(err, "jobs")
}

func (s *Store) JobStatuses(ctx context.Context) ([]domain.Status, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT DISTINCT status FROM jobs ORDER BY status`)
	if err != nil {
		return nil, mapErr(err, "job statuses")
	}
	defer rows.Close()

	statuses := []domain.Status{}
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, mapErr(err, "job statuses")
		}
		statuses = append(statuses, domain.Status(st))
	}
	return statuses, mapErr(rows.Err(), "job statuses")
}

func (s *Store) CreateJob(ctx context.Context, j *domain.Job) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO jobs (name, execution_type_id, job_type_id, event_mapping_id, execution_time,
			recurring, priority, status, scheduler_handle, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.Name, j.ExecutionTypeID, j.JobTypeID, j.EventMappingID, timeArg(j.ExecutionTime),
		j.Recurring, j.Priority, string(j.Status), j.SchedulerHandle, fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt))
	if err != nil {
		return mapErr(err, fmt.Sprintf("job %q", j.Name))
	}
	j.ID, err = res.LastInsertId()
	return mapErr(err, "job id")
}

func (s *Store) UpdateJob(ctx context.Context, j domain.Job) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE jobs SET name = ?, execution_type_id = ?, job_type_id = ?, event_mapping_id = ?,
			execution_time = ?, recurring = ?, priority = ?, status = ?, scheduler_handle = ?, updated_at = ?
		 WHERE id = ?`,
		j.Name, j.ExecutionTypeID, j.JobTypeID, j.EventMappingID, timeArg(j.ExecutionTime),
		j.Recurring, j.Priority, string(j.Status), j.SchedulerHandle, fmtTime(j.UpdatedAt), j.ID)
	return affected(res, err, fmt.Sprintf("job %d", j.ID))
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return affected(res, err, fmt.Sprintf("job %d", id))
}

// ---- job types ----

func (s *Store) GetJobType(ctx context.Context, id int64) (domain.JobType, error) {
	var jt domain.JobType
	var kind string
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, name, kind, script, description FROM job_types WHERE id = ?`, id).
		Scan(&jt.ID, &jt.Name, &kind, &jt.Script, &jt.Description)
	jt.Kind = domain.JobKind(kind)
	return jt, mapErr(err, fmt.Sprintf("job type %d", id))
}

func (s *Store) ListJobTypes(ctx context.Context) ([]domain.JobType, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT id, name, kind, script, description FROM job_types ORDER BY id`)
	if err != nil {
		return nil, mapErr(err, "job types")
	}
	defer rows.Close()

	out := []domain.JobType{}
	for rows.Next() {
		var jt domain.JobType
		var kind string
		if err := rows.Scan(&jt.ID, &jt.Name, &kind, &jt.Script, &jt.Description); err != nil {
			return nil, mapErr(err, "job types")
		}
		jt.Kind = domain.JobKind(kind)
		out = append(out, jt)
	}
	return out, mapErr(rows.Err(), "job types")
}

func (s *Store) CreateJobType(ctx context.Context, jt *domain.JobType) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO job_types (name, kind, script, description) VALUES (?, ?, ?, ?)`,
		jt.Name, string(jt.Kind), jt.Script, jt.Description)
	if err != nil {
		return mapErr(err, fmt.Sprintf("job type %q", jt.Name))
	}
	jt.ID, err = res.LastInsertId()
	return mapErr(err, "job type id")
}

func (s *Store) UpdateJobType(ctx context.Context, jt domain.JobType) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE job_types SET name = ?, kind = ?, script = ?, description = ? WHERE id = ?`,
		jt.Name, string(jt.Kind), jt.Script, jt.Description, jt.ID)
	return affected(res, err, fmt.Sprintf("job type %d", jt.ID))
}

func (s *Store) DeleteJobType(ctx context.Context, id int64) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM job_types WHERE id = ?`, id)
	return affected(res, err, fmt.Sprintf("job type %d", id))
}

// ---- execution types ----

func (s *Store) GetExecutionType(ctx context.Context, id int64) (domain.ExecutionType, error) {
	var et domain.ExecutionType
	var name string
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, name, description FROM execution_types WHERE id = ?`, id).
		Scan(&et.ID, &name, &et.Description)
	et.Name = domain.ExecutionKind(name)
	return et, mapErr(err, fmt.Sprintf("execution type %d", id))
}

func (s *Store) ListExecutionTypes(ctx context.Context) ([]domain.ExecutionType, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT id, name, description FROM execution_types ORDER BY id`)
	if err != nil {
		return nil, mapErr(err, "execution types")
	}
	defer rows.Close()

	out := []domain.ExecutionType{}
	for rows.Next() {
		var et domain.ExecutionType
		var name string
		if err := rows.Scan(&et.ID, &name, &et.Description); err != nil {
			return nil, mapErr(err, "execution types")
		}
		et.Name = domain.ExecutionKind(name)
		out = append(out, et)
	}
	return out, mapErr(rows.Err(), "execution types")
}

func (s *Store) CreateExecutionType(ctx context.Context, et *domain.ExecutionType) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO execution_types (name, description) VALUES (?, ?)`, string(et.Name), et.Description)
	if err != nil {
		return mapErr(err, fmt.Sprintf("execution type %q", et.Name))
	}
	et.ID, err = res.LastInsertId()
	return mapErr(err, "execution type id")
}

// ---- event mappings ----

func (s *Store) GetEventMapping(ctx context.Context, id int64) (domain.EventMapping, error) {
	var em domain.EventMapping
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, name, description FROM event_mappings WHERE id = ?`, id).
		Scan(&em.ID, &em.Name, &em.Description)
	return em, mapErr(err, fmt.Sprintf("event mapping %d", id))
}

func (s *Store) GetEventMappingByName(ctx context.Context, name string) (domain.EventMapping, error) {
	var em domain.EventMapping
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, name, description FROM event_mappings WHERE name = ?`, name).
		Scan(&em.ID, &em.Name, &em.Description)
	return em, mapErr(err, fmt.Sprintf("event %q", name))
}

func (s *Store) ListEventMappings(ctx context.Context) ([]domain.EventMapping, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT id, name, description FROM event_mappings ORDER BY id`)
	if err != nil {
		return nil, mapErr(err, "event mappings")
	}
	defer rows.Close()

	out := []domain.EventMapping{}
	for rows.Next() {
		var em domain.EventMapping
		if err := rows.Scan(&em.ID, &em.Name, &em.Description); err != nil {
			return nil, mapErr(err, "event mappings")
		}
		out = append(out, em)
	}
	return out, mapErr(rows.Err(), "event mappings")
}

func (s *Store) CreateEventMapping(ctx context.Context, em *domain.EventMapping) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO event_mappings (name, description) VALUES (?, ?)`, em.Name, em.Description)
	if err != nil {
		return mapErr(err, fmt.Sprintf("event mapping %q", em.Name))
	}
	em.ID, err = res.LastInsertId()
	return mapErr(err, "event mapping id")
}

func (s *Store) UpdateEventMapping(ctx context.Context, em domain.EventMapping) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE event_mappings SET name = ?, description = ? WHERE id = ?`, em.Name, em.Description, em.ID)
	return affected(res, err, fmt.Sprintf("event mapping %d", em.ID))
}

func (s *Store) DeleteEventMapping(ctx context.Context, id int64) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM event_mappings WHERE id = ?`, id)
	return affected(res, err, fmt.Sprintf("event mapping %d", id))
}

// ---- helpers ----

func affected(res sql.Result, err error, what string) error {
	if err != nil {
		return mapErr(err, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err, what)
	}
	if n == 0 {
		return mapErr(sql.ErrNoRows, what)
	}
	return nil
}

func mapErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return shared.Newf(shared.KindNotFound, "%s not found", what)
	case sqlitedb.IsUniqueOn(err, "jobs.event_mapping_id"):
		return store.ErrEventMapped()
	case sqlitedb.IsUniqueViolation(err):
		return shared.Newf(shared.KindValidation, "%s already exists", what)
	case sqlitedb.IsForeignKeyViolation(err):
		return shared.Newf(shared.KindValidation, "%s references a missing record or is still in use", what)
	case shared.IsCanceled(err) || shared.IsTimeout(err):
		return err
	default:
		return shared.MarkKind(shared.Wrap(err, what), shared.KindDependencyFailure)
	}
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// nullTime scans DATETIME columns whether the driver hands back text or time.Time.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(v any) error {
	switch t := v.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = t.UTC(), true
		return nil
	case string:
		return n.parse(t)
	case []byte:
		return n.parse(string(t))
	default:
		return fmt.Errorf("cannot scan %T into time", v)
	}
}

func (n *nullTime) parse(s string) error {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05.999999999-07:00", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("cannot parse time %q", s)
}
