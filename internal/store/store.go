// Package store defines the Job Store contract shared by the sqlite and postgres backends.
package store

import (
	"context"

	"jobsched/internal/domain"
	"jobsched/internal/shared"
)

// MappingIndex names the unique index holding at most one non-terminal job per event mapping.
const MappingIndex = "uq_jobs_active_event_mapping"

// ErrEventMapped is returned when an event mapping already has a non-terminal job.
func ErrEventMapped() error {
	return shared.Newf(shared.KindValidation, "event already mapped: a job with the same event already exists")
}

// JobFilter narrows ListJobs. Zero value lists everything.
type JobFilter struct {
	Status *domain.Status
}

// Jobs persists jobs. Lists are ordered by execution time ascending, then priority
// ascending, then id; jobs without an execution time come last.
type Jobs interface {
	GetJob(ctx context.Context, id int64) (domain.Job, error)
	GetJobByName(ctx context.Context, name string) (domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error)
	// ActiveJobForMapping returns the non-terminal job bound to the mapping, if any.
	ActiveJobForMapping(ctx context.Context, mappingID int64) (domain.Job, error)
	// CountActiveForMapping counts non-terminal jobs bound to the mapping, ignoring excludeID.
	CountActiveForMapping(ctx context.Context, mappingID, excludeID int64) (int, error)
	JobStatuses(ctx context.Context) ([]domain.Status, error)
	// CreateJob inserts j and fills its ID.
	CreateJob(ctx context.Context, j *domain.Job) error
	UpdateJob(ctx context.Context, j domain.Job) error
	DeleteJob(ctx context.Context, id int64) error
}

// Reference persists job types, execution types and event mappings.
type Reference interface {
	GetJobType(ctx context.Context, id int64) (domain.JobType, error)
	ListJobTypes(ctx context.Context) ([]domain.JobType, error)
	CreateJobType(ctx context.Context, jt *domain.JobType) error
	UpdateJobType(ctx context.Context, jt domain.JobType) error
	DeleteJobType(ctx context.Context, id int64) error

	GetExecutionType(ctx context.Context, id int64) (domain.ExecutionType, error)
	ListExecutionTypes(ctx context.Context) ([]domain.ExecutionType, error)
	CreateExecutionType(ctx context.Context, et *domain.ExecutionType) error

	GetEventMapping(ctx context.Context, id int64) (domain.EventMapping, error)
	GetEventMappingByName(ctx context.Context, name string) (domain.EventMapping, error)
	ListEventMappings(ctx context.Context) ([]domain.EventMapping, error)
	CreateEventMapping(ctx context.Context, em *domain.EventMapping) error
	UpdateEventMapping(ctx context.Context, em domain.EventMapping) error
	DeleteEventMapping(ctx context.Context, id int64) error
}

// Store is the full Job Store. Every method joins the transaction carried by ctx, if any.
// Missing rows are shared.ErrNotFound, constraint violations shared.ErrValidation,
// anything else shared.ErrDependencyFailure.
type Store interface {
	Jobs
	Reference
	// WithinTx runs fn in a transaction; an error from fn rolls back every write made through ctx.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
}
