// Package handlers implements the bot commands.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"jobsched/internal/adapter/telegram"
	"jobsched/internal/domain"
	"jobsched/internal/executor"
	"jobsched/internal/shared"
	"jobsched/internal/store"
)

// Jobs is the lifecycle surface the console drives.
type Jobs interface {
	List(ctx context.Context, f store.JobFilter) ([]domain.Job, error)
	Get(ctx context.Context, id int64) (domain.Job, error)
	Cancel(ctx context.Context, id int64) (domain.Job, error)
	Reschedule(ctx context.Context, id int64) (domain.Job, error)
}

// Events delivers a named event.
type Events interface {
	Notify(ctx context.Context, name string) (executor.Outcome, error)
}

type Commands struct {
	jobs   Jobs
	events Events
	log    *slog.Logger
}

func New(jobs Jobs, events Events, log *slog.Logger) *Commands {
	if log == nil {
		log = slog.Default()
	}
	return &Commands{jobs: jobs, events: events, log: log.With("component", "telegram")}
}

const help = `/jobs [status] - list jobs
/job <id> - show a job
/fire <event> - deliver an event
/stop <id> - cancel a job
/reschedule <id> - schedule a job again`

// Handle routes command messages. Anything else is ignored.
func (c *Commands) Handle(ctx context.Context, s telegram.Sender, upd *models.Update) {
	msg := upd.Message
	if msg == nil || !strings.HasPrefix(msg.Text, "/") {
		return
	}
	fields := strings.Fields(msg.Text)
	cmd := strings.TrimPrefix(fields[0], "/")
	// "/jobs@my_bot" in group chats
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	var reply string
	switch cmd {
	case "start", "help":
		reply = help
	case "jobs":
		reply = c.list(ctx, args)
	case "job":
		reply = c.withID(args, func(id int64) string {
			j, err := c.jobs.Get(ctx, id)
			if err != nil {
				return c.failure(err)
			}
			return jobLine(j)
		})
	case "stop":
		reply = c.withID(args, func(id int64) string {
			j, err := c.jobs.Cancel(ctx, id)
			if err != nil {
				return c.failure(err)
			}
			return "stopped: " + jobLine(j)
		})
	case "reschedule":
		reply = c.withID(args, func(id int64) string {
			j, err := c.jobs.Reschedule(ctx, id)
			if err != nil {
				return c.failure(err)
			}
			return "scheduled: " + jobLine(j)
		})
	case "fire":
		reply = c.fire(ctx, args)
	default:
		reply = "unknown command\n" + help
	}

	if _, err := s.SendMessage(ctx, &bot.SendMessageParams{ChatID: msg.Chat.ID, Text: reply}); err != nil {
		c.log.Error("send reply", "command", cmd, "error", err)
	}
}

func (c *Commands) list(ctx context.Context, args []string) string {
	var f store.JobFilter
	if len(args) > 0 {
		st := domain.Status(args[0])
		f.Status = &st
	}
	jobs, err := c.jobs.List(ctx, f)
	if err != nil {
		return c.failure(err)
	}
	if len(jobs) == 0 {
		return "no jobs"
	}
	var b strings.Builder
	for i, j := range jobs {
		if i == 30 {
			fmt.Fprintf(&b, "... and %d more", len(jobs)-i)
			break
		}
		b.WriteString(jobLine(j))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) fire(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: /fire <event>"
	}
	out, err := c.events.Notify(ctx, args[0])
	if err != nil {
		return c.failure(err)
	}
	s := fmt.Sprintf("job #%d %s in %s", out.JobID, out.Status, out.Duration.Round(time.Millisecond))
	if out.Err != nil {
		s += ": " + out.Err.Error()
	}
	return s
}

func (c *Commands) withID(args []string, fn func(id int64) string) string {
	if len(args) != 1 {
		return "usage: expected a job id"
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return "invalid job id"
	}
	return fn(id)
}

// failure renders errors the operator can act on and hides the rest.
func (c *Commands) failure(err error) string {
	if shared.IsCallerFacing(err) {
		return err.Error()
	}
	c.log.Error("command failed", "error", err)
	return "internal error"
}

func jobLine(j domain.Job) string {
	when := "on event"
	if j.ExecutionTime != nil {
		when = j.ExecutionTime.Format("2006-01-02 15:04 MST")
	}
	if j.Recurring {
		when += " daily"
	}
	return fmt.Sprintf("#%d %s [%s] %s", j.ID, j.Name, j.Status, when)
}
