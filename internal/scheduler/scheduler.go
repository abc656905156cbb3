// Package scheduler держит реестр живых таймеров задач поверх robfig/cron.
//
// Каждый таймер ставится как одноразовое cron-расписание: оно выдаёт ровно один момент
// срабатывания, после чего запись либо удаляется (OneShot), либо ждёт Advance (DailyRecurring).
// Задачи, привязанные к событиям, регистрируются "припаркованными" - с handle, но без таймера.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"jobsched/internal/domain"
	"jobsched/internal/planner"
	"jobsched/internal/shared"
)

// Handle - непрозрачный идентификатор записи планировщика, хранится в Job.SchedulerHandle.
type Handle string

// FireFunc вызывается в момент срабатывания таймера. Ошибка означает, что запуск
// не состоялся и задача осталась Scheduled: ежедневная запись тогда ставится на
// следующий момент сама.
type FireFunc func(ctx context.Context, jobID int64) error

// Entry - снимок записи планировщика.
type Entry struct {
	Handle Handle
	JobID  int64
	Plan   planner.Plan
	// Next - момент следующего срабатывания; нулевой для припаркованных и уже сработавших записей.
	Next time.Time
	// Installs - сколько раз для записи ставился таймер.
	Installs int
	// Fired - сколько раз запись срабатывала.
	Fired int

	cronID cron.EntryID
	gen    uint64
}

// Parked сообщает, что у записи нет активного таймера.
func (e Entry) Parked() bool { return e.cronID == 0 }

// Hooks содержит необязательные хуки для наблюдаемости.
type Hooks struct {
	OnFire  func(e Entry)
	OnPanic func(jobID int64, recovered any)
}

// Config содержит конфигурацию планировщика.
type Config struct {
	Logger *slog.Logger
	Clock  planner.Clock
	// Location - зона, в которой читается время суток ежедневных задач.
	Location *time.Location
	Hooks    Hooks
}

// onceSchedule отдаёт cron один момент и затем нулевое время, что означает "больше не запускать".
type onceSchedule struct {
	at   time.Time
	used bool
}

func (o *onceSchedule) Next(time.Time) time.Time {
	if o.used {
		return time.Time{}
	}
	o.used = true
	return o.at
}

// cronLogger адаптер для интеграции cron logger с slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.logger.Debug(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, kv...)...)
}

// Scheduler - единственный на процесс реестр таймеров. Экземпляр создаётся в корне
// композиции и передаётся явно.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	clock  planner.Clock
	loc    *time.Location
	hooks  Hooks

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[Handle]*Entry
	onFire  FireFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// New создает новый экземпляр планировщика с background контекстом.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext создает планировщик с указанным родительским контекстом.
// Контекст передаётся в FireFunc и отменяется при остановке.
func NewWithContext(parent context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parent)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	clock := cfg.Clock
	if clock == nil {
		clock = planner.SystemClock
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{logger: logger.With("component", "cron")})),
		logger:  logger,
		clock:   clock,
		loc:     loc,
		hooks:   cfg.Hooks,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[Handle]*Entry),
		onFire:  func(context.Context, int64) error { return nil },
	}
}

// OnFire задаёт обработчик срабатываний. Вызывается до Start.
func (s *Scheduler) OnFire(fn FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFire = fn
}

// Schedule строит план для задачи и ставит таймер (или паркует запись).
func (s *Scheduler) Schedule(job domain.Job, kind domain.ExecutionKind) (Handle, error) {
	if !s.IsRunning() {
		return "", shared.Newf(shared.KindDependencyFailure, "scheduler is stopped")
	}
	plan, err := s.plan(job, kind)
	if err != nil {
		return "", err
	}

	e := &Entry{Handle: Handle(uuid.NewString()), JobID: job.ID, Plan: plan}

	s.mu.Lock()
	if plan.Timed() {
		s.install(e, plan.First(s.clock.Now()))
	}
	s.entries[e.Handle] = e
	s.mu.Unlock()

	s.logger.Info("job scheduled", "job_id", job.ID, "handle", e.Handle, "plan", plan.Kind.String(), "next", e.Next)
	return e.Handle, nil
}

// Reschedule пересчитывает план и меняет таймер существующей записи, сохраняя handle.
// Если записи нет, работает как Schedule.
func (s *Scheduler) Reschedule(h Handle, job domain.Job, kind domain.ExecutionKind) (Handle, error) {
	s.mu.Lock()
	e, ok := s.entries[h]
	s.mu.Unlock()
	if h == "" || !ok {
		return s.Schedule(job, kind)
	}
	if !s.IsRunning() {
		return "", shared.Newf(shared.KindDependencyFailure, "scheduler is stopped")
	}
	plan, err := s.plan(job, kind)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, still := s.entries[h]; !still {
		// запись сработала или была отменена, пока считался план
		e = &Entry{Handle: h}
		s.entries[h] = e
	}
	s.uninstall(e)
	e.JobID = job.ID
	e.Plan = plan
	if plan.Timed() {
		s.install(e, plan.First(s.clock.Now()))
	}

	s.logger.Info("job rescheduled", "job_id", job.ID, "handle", h, "plan", plan.Kind.String(), "next", e.Next)
	return h, nil
}

// Advance ставит следующее срабатывание ежедневной записи: предыдущий момент плюс сутки.
// Если выполнение затянулось дольше суток, пропущенные моменты не догоняются.
func (s *Scheduler) Advance(h Handle) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return time.Time{}, shared.Newf(shared.KindNotFound, "scheduler entry %s not found", h)
	}
	if e.Plan.Kind != planner.DailyRecurring {
		return time.Time{}, shared.Newf(shared.KindValidation, "scheduler entry %s is not recurring", h)
	}

	next := s.following(e)
	s.uninstall(e)
	s.install(e, next)

	s.logger.Debug("recurring job re-armed", "job_id", e.JobID, "handle", h, "next", next, "installs", e.Installs)
	return next, nil
}

// Cancel удаляет запись и её таймер. Уже сработавший или выполняющийся вызов не прерывается.
func (s *Scheduler) Cancel(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return shared.Newf(shared.KindNotFound, "scheduler entry %s not found", h)
	}
	s.uninstall(e)
	delete(s.entries, h)

	s.logger.Info("job unscheduled", "job_id", e.JobID, "handle", h)
	return nil
}

// Entry возвращает снимок записи.
func (s *Scheduler) Entry(h Handle) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries возвращает снимки всех записей по возрастанию Next; припаркованные в конце.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Next, out[j].Next
		if a.IsZero() != b.IsZero() {
			return b.IsZero()
		}
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}

// Len возвращает число записей, включая припаркованные.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) plan(job domain.Job, kind domain.ExecutionKind) (planner.Plan, error) {
	return planner.Build(planner.Input{
		Execution:      kind,
		Recurring:      job.Recurring,
		ExecutionTime:  job.ExecutionTime,
		EventMappingID: job.EventMappingID,
		Now:            s.clock.Now(),
		Location:       s.loc,
	})
}

// following возвращает первый момент плана после последнего срабатывания, не раньше текущего.
// Вызывается под s.mu.
func (s *Scheduler) following(e *Entry) time.Time {
	prev := e.Next
	if prev.IsZero() {
		prev = e.Plan.At
	}
	next := e.Plan.After(prev)
	for now := s.clock.Now(); next.Before(now); {
		next = e.Plan.After(next)
	}
	return next
}

// install ставит одноразовый cron-таймер. Вызывается под s.mu.
func (s *Scheduler) install(e *Entry, at time.Time) {
	e.gen++
	h, gen := e.Handle, e.gen
	e.cronID = s.cron.Schedule(&onceSchedule{at: at}, cron.FuncJob(func() { s.fire(h, gen) }))
	e.Next = at
	e.Installs++
}

// uninstall снимает таймер записи. Вызывается под s.mu.
func (s *Scheduler) uninstall(e *Entry) {
	if e.cronID != 0 {
		s.cron.Remove(e.cronID)
		e.cronID = 0
	}
	e.Next = time.Time{}
}

// fire обрабатывает срабатывание таймера поколения gen. Устаревшие поколения игнорируются.
func (s *Scheduler) fire(h Handle, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[h]
	if !ok || e.gen != gen || e.cronID == 0 {
		s.mu.Unlock()
		return
	}
	s.cron.Remove(e.cronID)
	e.cronID = 0
	e.Fired++
	snapshot := *e
	if e.Plan.Kind == planner.OneShot {
		delete(s.entries, h)
		e.Next = time.Time{}
	}
	fn := s.onFire
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("fire callback panicked", "job_id", snapshot.JobID, "handle", h, "panic", fmt.Sprint(r))
			if s.hooks.OnPanic != nil {
				s.hooks.OnPanic(snapshot.JobID, r)
			}
		}
	}()

	if s.hooks.OnFire != nil {
		s.hooks.OnFire(snapshot)
	}
	s.logger.Debug("timer fired", "job_id", snapshot.JobID, "handle", h, "at", snapshot.Next)
	if err := fn(s.ctx, snapshot.JobID); err != nil {
		s.keepArmed(h, gen, err)
	}
}

// keepArmed ставит следующее срабатывание ежедневной записи, чей запуск не состоялся.
// Запись, которую уже переставили или отменили, не трогается.
func (s *Scheduler) keepArmed(h Handle, gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || e.gen != gen || e.cronID != 0 || e.Plan.Kind != planner.DailyRecurring || !s.IsRunning() {
		return
	}
	next := s.following(e)
	s.uninstall(e)
	s.install(e, next)

	s.logger.Warn("firing did not start, next occurrence armed", "job_id", e.JobID, "handle", h, "next", next, "error", cause)
}

// Start запускает планировщик.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting scheduler", "entries", s.Len())
		s.cron.Start()

		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop останавливает планировщик и ждет завершения выполняющихся срабатываний.
func (s *Scheduler) Stop() {
	if !s.IsRunning() {
		return
	}
	s.logger.Info("stopping scheduler")
	s.cancel()
	s.stopOnce.Do(s.stop)
}

// StopContext останавливает планировщик с учетом дедлайна контекста.
// Остановка доводится до конца, но при истечении дедлайна возвращается ошибка контекста.
func (s *Scheduler) StopContext(ctx context.Context) error {
	if !s.IsRunning() {
		return nil
	}
	s.logger.Info("stopping scheduler with deadline")
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded, waiting for running firings")
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// IsRunning возвращает true, пока планировщик не остановлен.
func (s *Scheduler) IsRunning() bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
		return true
	}
}
