// Package domain holds the scheduler's entities and the job status state table.
package domain

import "time"

// ExecutionKind is the triggering model of a job.
type ExecutionKind string

const (
	TimeSpecific ExecutionKind = "TIME_SPECIFIC"
	EventBased   ExecutionKind = "EVENT_BASED"
)

// Valid reports whether k is one of the known triggering models.
func (k ExecutionKind) Valid() bool {
	return k == TimeSpecific || k == EventBased
}

// ExecutionType is reference data naming a triggering model.
type ExecutionType struct {
	ID          int64         `json:"id"`
	Name        ExecutionKind `json:"name"`
	Description string        `json:"description"`
}

// JobKind selects how a job body runs.
type JobKind string

const (
	KindCode   JobKind = "CODE"
	KindScript JobKind = "SCRIPT"
)

func (k JobKind) Valid() bool {
	return k == KindCode || k == KindScript
}

// JobType describes the payload a job runs. For CODE jobs Name is the routine
// dispatch key, for SCRIPT jobs Script holds the body.
type JobType struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Kind        JobKind `json:"kind"`
	Script      string  `json:"script,omitempty"`
	Description string  `json:"description"`
}

// EventMapping is a named external event a job may bind to.
type EventMapping struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Job is a unit of schedulable work.
type Job struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	ExecutionTypeID int64      `json:"execution_type_id"`
	JobTypeID       *int64     `json:"job_type_id,omitempty"`
	EventMappingID  *int64     `json:"event_mapping_id,omitempty"`
	ExecutionTime   *time.Time `json:"execution_time,omitempty"`
	Recurring       bool       `json:"recurring"`
	Priority        int        `json:"priority"`
	Status          Status     `json:"status"`
	SchedulerHandle string     `json:"scheduler_handle,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Ptr returns a pointer to v. Handy for optional references in tests and handlers.
func Ptr[T any](v T) *T { return &v }
