package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"jobsched/internal/domain"
	"jobsched/internal/shared"
)

// Routine is the body of a CODE job. The job type name is its dispatch key.
type Routine interface {
	Run(ctx context.Context, job domain.Job) error
}

// RoutineFunc adapts a plain function to Routine.
type RoutineFunc func(ctx context.Context, job domain.Job) error

func (f RoutineFunc) Run(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// Registry maps dispatch keys to routines.
type Registry struct {
	mu       sync.RWMutex
	routines map[string]Routine
}

func NewRegistry() *Registry {
	return &Registry{routines: make(map[string]Routine)}
}

// DefaultRegistry returns a registry holding the built-in routines.
func DefaultRegistry(log *slog.Logger) *Registry {
	r := NewRegistry()
	r.MustRegister(CountTill10, countTill10(log))
	return r
}

// Register adds a routine. Names are unique.
func (r *Registry) Register(name string, rt Routine) error {
	if name == "" || rt == nil {
		return shared.Newf(shared.KindValidation, "routine name and body are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routines[name]; ok {
		return shared.Newf(shared.KindValidation, "routine %q already registered", name)
	}
	r.routines[name] = rt
	return nil
}

func (r *Registry) MustRegister(name string, rt Routine) {
	if err := r.Register(name, rt); err != nil {
		panic(fmt.Sprintf("executor: %v", err))
	}
}

func (r *Registry) Lookup(name string) (Routine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routines[name]
	return rt, ok
}

// Names lists registered keys in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routines))
	for n := range r.routines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CountTill10 is the built-in demonstration routine.
const CountTill10 = "COUNT_TILL_10"

func countTill10(log *slog.Logger) Routine {
	if log == nil {
		log = slog.Default()
	}
	return RoutineFunc(func(ctx context.Context, job domain.Job) error {
		for i := 1; i <= 10; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			log.Debug("counting", "job_id", job.ID, "n", i)
		}
		return nil
	})
}
