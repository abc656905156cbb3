// Package notify delivers job status changes to outside parties.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jobsched/internal/domain"
)

// Change is one committed status change of a job.
type Change struct {
	Job  domain.Job    `json:"job"`
	From domain.Status `json:"from"`
	To   domain.Status `json:"to"`
	At   time.Time     `json:"at"`
}

func (c Change) String() string {
	return fmt.Sprintf("job %d %q: %s -> %s", c.Job.ID, c.Job.Name, c.From, c.To)
}

// Notifier delivers a single change.
type Notifier interface {
	Notify(ctx context.Context, c Change) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c Change) error

func (f NotifierFunc) Notify(ctx context.Context, c Change) error { return f(ctx, c) }

type queued struct {
	name string
	n    Notifier
	ch   chan Change
}

// Fanout hands every change to each registered notifier on its own worker so
// a slow receiver never holds up the lifecycle. Changes for a single
// notifier are delivered in order. When a queue is full the change is dropped.
type Fanout struct {
	log     *slog.Logger
	timeout time.Duration
	buffer  int

	mu     sync.RWMutex
	queues []*queued
	closed bool
	wg     sync.WaitGroup
}

// NewFanout creates an empty fanout. buffer sizes each notifier's queue.
func NewFanout(log *slog.Logger, buffer int, timeout time.Duration) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fanout{log: log.With("component", "notify"), buffer: buffer, timeout: timeout}
}

// Add registers n under name and starts its worker.
func (f *Fanout) Add(name string, n Notifier) {
	q := &queued{name: name, n: n, ch: make(chan Change, f.buffer)}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.queues = append(f.queues, q)
	f.wg.Add(1)
	go f.worker(q)
}

// Len reports how many notifiers are registered.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.queues)
}

// Publish enqueues c for every notifier without blocking.
func (f *Fanout) Publish(c Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, q := range f.queues {
		select {
		case q.ch <- c:
		default:
			f.log.Warn("notification dropped, queue full", "notifier", q.name, "job_id", c.Job.ID, "to", c.To)
		}
	}
}

// Hook adapts Publish to the lifecycle transition hook signature.
func (f *Fanout) Hook(_ context.Context, job domain.Job, from domain.Status) {
	f.Publish(Change{Job: job, From: from, To: job.Status, At: job.UpdatedAt})
}

// Close stops accepting changes and waits until queued ones are delivered.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, q := range f.queues {
		close(q.ch)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Fanout) worker(q *queued) {
	defer f.wg.Done()
	for c := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		if err := q.n.Notify(ctx, c); err != nil {
			f.log.Error("notification failed", "notifier", q.name, "job_id", c.Job.ID, "to", c.To, "error", err)
		}
		cancel()
	}
}
