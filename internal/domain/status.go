package domain

// Status is the lifecycle state of a job. The string values are stable and case-sensitive.
type Status string

const (
	StatusScheduled Status = "Scheduled"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Statuses lists the vocabulary in lifecycle order.
func Statuses() []Status {
	return []Status{StatusScheduled, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition other than an explicit reschedule applies.
// Failed is not terminal: reschedule may return it to Scheduled.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a job in this status still holds its event mapping.
func (s Status) Active() bool {
	return !s.Terminal()
}

// transitions lists the allowed edges. Running -> Scheduled is the re-arm edge
// taken after a successful recurring firing.
var transitions = map[Status][]Status{
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusScheduled},
	StatusFailed:    {StatusScheduled},
	StatusCancelled: {StatusScheduled},
	StatusCompleted: nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
