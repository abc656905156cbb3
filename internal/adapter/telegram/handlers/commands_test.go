package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/domain"
	"jobsched/internal/executor"
	"jobsched/internal/shared"
	"jobsched/internal/store"
)

type fakeJobs struct {
	jobs       map[int64]domain.Job
	lastFilter store.JobFilter
	listErr    error
}

func (f *fakeJobs) List(_ context.Context, flt store.JobFilter) ([]domain.Job, error) {
	f.lastFilter = flt
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobs) Get(_ context.Context, id int64) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, shared.Newf(shared.KindNotFound, "job %d not found", id)
	}
	return j, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, id int64) (domain.Job, error) {
	j, err := f.Get(ctx, id)
	if err != nil {
		return j, err
	}
	j.Status = domain.StatusCancelled
	f.jobs[id] = j
	return j, nil
}

func (f *fakeJobs) Reschedule(ctx context.Context, id int64) (domain.Job, error) {
	j, err := f.Get(ctx, id)
	if err != nil {
		return j, err
	}
	j.Status = domain.StatusScheduled
	f.jobs[id] = j
	return j, nil
}

type fakeEvents struct{ fired []string }

func (f *fakeEvents) Notify(_ context.Context, name string) (executor.Outcome, error) {
	if name != "ORDER_PAID" {
		return executor.Outcome{}, shared.Newf(shared.KindNotFound, "event %q not found", name)
	}
	f.fired = append(f.fired, name)
	return executor.Outcome{JobID: 4, Status: domain.StatusCompleted, Duration: 12 * time.Millisecond}, nil
}

type replies struct{ last string }

func (r *replies) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	r.last = p.Text
	return &models.Message{}, nil
}

func setup() (*Commands, *fakeJobs, *fakeEvents) {
	at := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	jobs := &fakeJobs{jobs: map[int64]domain.Job{
		1: {ID: 1, Name: "nightly-report", Status: domain.StatusScheduled, ExecutionTime: &at, Recurring: true},
	}}
	events := &fakeEvents{}
	return New(jobs, events, slog.New(slog.NewTextHandler(io.Discard, nil))), jobs, events
}

func send(c *Commands, text string) string {
	r := &replies{}
	c.Handle(context.Background(), r, &models.Update{Message: &models.Message{Text: text, Chat: models.Chat{ID: 1}}})
	return r.last
}

func TestCommands(t *testing.T) {
	c, jobs, events := setup()

	assert.Equal(t, "#1 nightly-report [Scheduled] 2026-01-02 02:00 UTC daily", send(c, "/job 1"))
	assert.Equal(t, "job 9 not found", send(c, "/job 9"))
	assert.Equal(t, "invalid job id", send(c, "/job abc"))

	assert.Contains(t, send(c, "/jobs@jobsched_bot Scheduled"), "nightly-report")
	require.NotNil(t, jobs.lastFilter.Status)
	assert.Equal(t, domain.StatusScheduled, *jobs.lastFilter.Status)

	assert.Contains(t, send(c, "/stop #1"), "[Cancelled]")
	assert.Contains(t, send(c, "/reschedule 1"), "[Scheduled]")

	assert.Equal(t, "job #4 Completed in 12ms", send(c, "/fire ORDER_PAID"))
	assert.Equal(t, `event "NOPE" not found`, send(c, "/fire NOPE"))
	assert.Equal(t, []string{"ORDER_PAID"}, events.fired)

	assert.Contains(t, send(c, "/what"), "unknown command")
	assert.Empty(t, send(c, "hello"), "plain text is ignored")
}

func TestCommands_HidesInternalErrors(t *testing.T) {
	c, jobs, _ := setup()
	jobs.listErr = shared.MarkKind(errors.New("database is locked"), shared.KindDependencyFailure)
	assert.Equal(t, "internal error", send(c, "/jobs"))
}
