// Package app wires the scheduler's components and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"jobsched/internal/adapter/eventbus"
	httpadapter "jobsched/internal/adapter/http"
	"jobsched/internal/adapter/telegram"
	"jobsched/internal/adapter/telegram/handlers"
	"jobsched/internal/adapter/telegram/middleware"
	"jobsched/internal/config"
	"jobsched/internal/domain"
	"jobsched/internal/events"
	"jobsched/internal/executor"
	"jobsched/internal/lifecycle"
	"jobsched/internal/metrics"
	"jobsched/internal/notify"
	"jobsched/internal/platform/httpclient"
	"jobsched/internal/platform/logger"
	"jobsched/internal/platform/pg"
	sqlitedb "jobsched/internal/platform/sqlite"
	"jobsched/internal/scheduler"
	"jobsched/internal/store"
	pgstore "jobsched/internal/store/postgres"
	sqlitestore "jobsched/internal/store/sqlite"
)

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New loads configuration and sets up logging.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "jobsched",
		Redact:       []string{"webhook_url"},
	})
	return &App{cfg: cfg, log: log}, nil
}

// Close flushes the log file, if any.
func (a *App) Close() error {
	return logger.Close(a.log)
}

// Migrate brings the configured store to the latest schema and exits.
func (a *App) Migrate(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "postgres":
		pool, err := pg.NewPool(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		pool.Close()
		info, err := pgstore.Migrate(a.cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		a.log.Info("postgres migrated", "applied", info.Applied, "from", info.CurrentVersion, "to", info.FinalVersion)
	default:
		db, err := sqlitedb.NewDB(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		_ = db.Close()
		version, err := sqlitestore.Migrate(a.cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		a.log.Info("sqlite migrated", "path", a.cfg.Store.SQLitePath, "version", version)
	}
	return nil
}

// openStore connects, migrates and returns the store with its closer.
func (a *App) openStore(ctx context.Context) (store.Store, func(), error) {
	if a.cfg.Store.Driver == "postgres" {
		pool, err := pg.NewPool(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if _, err := pgstore.Migrate(a.cfg.Store.PostgresDSN); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		return pgstore.New(pool), pool.Close, nil
	}

	db, err := sqlitedb.NewDB(ctx, a.cfg.Store.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: %w", err)
	}
	if _, err := sqlitestore.Migrate(a.cfg.Store.SQLitePath); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return sqlitestore.New(db), func() { _ = db.Close() }, nil
}

// Run serves until SIGINT or SIGTERM.
func (a *App) Run() error {
	a.log.Info("starting", "store", a.cfg.Store.Driver, "addr", a.cfg.HTTP.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(reg, a.log)

	sched := scheduler.New(scheduler.Config{Logger: a.log, Location: a.cfg.Scheduler.Location})
	sink.RegisterEntriesGauge(sched.Len)

	ctl := lifecycle.New(st, sched, lifecycle.Config{Logger: a.log})
	ctl.OnTransition(func(_ context.Context, job domain.Job, from domain.Status) {
		sink.Transition(from, job.Status)
	})

	exec := executor.New(st, ctl, executor.Config{
		Logger:   a.log,
		Routines: executor.DefaultRegistry(a.log),
		Scripts:  executor.ShellRunner{Shell: a.cfg.Executor.Shell, Dir: a.cfg.Executor.ScriptDir, Logger: a.log},
		Metrics:  sink,
		Overlap:  executor.OverlapPolicy(a.cfg.Executor.Overlap),
	})
	sched.OnFire(exec.Fire)

	router := events.New(st, exec, events.Config{Logger: a.log, Metrics: sink})

	bus, err := eventbus.New(router, a.log, a.cfg.Events.Buffer)
	if err != nil {
		return err
	}
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		if err := bus.Run(ctx); err != nil {
			a.log.Error("event bus stopped", "error", err)
		}
	}()

	fan := notify.NewFanout(a.log, 256, 10*time.Second)
	if a.cfg.Notify.WebhookURL != "" {
		client := httpclient.New(httpclient.WithLogger(a.log), httpclient.WithTimeout(10*time.Second))
		fan.Add("webhook", notify.NewWebhook(a.cfg.Notify.WebhookURL, client))
	}

	var disp *telegram.Dispatcher
	if a.cfg.Telegram.Token != "" {
		disp, err = a.startBot(ctx, ctl, router, fan)
		if err != nil {
			return err
		}
	}
	if fan.Len() > 0 {
		ctl.OnTransition(fan.Hook)
	}

	if a.cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := httpadapter.NewRouter(httpadapter.Deps{
		Jobs:      ctl,
		Reference: st,
		Events:    router,
		Bus:       bus,
		Store:     st,
		Gatherer:  reg,
		Entries:   sched.Len,
	}, httpadapter.Config{
		Logger:    a.log,
		Location:  a.cfg.Scheduler.Location,
		EventRate: a.cfg.Events.RatePerSec,
	})
	srv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}

	a.reportStranded(ctx, st)
	sched.Start()

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case runErr = <-srvErr:
		a.log.Error("http server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", "error", err)
	}
	if err := sched.StopContext(shutdownCtx); err != nil {
		a.log.Warn("scheduler did not drain", "error", err)
	}
	if err := bus.Close(); err != nil {
		a.log.Warn("event bus close", "error", err)
	}
	<-busDone
	if disp != nil {
		disp.Close()
	}
	fan.Close()
	a.log.Info("stopped")
	return runErr
}

func (a *App) startBot(ctx context.Context, ctl *lifecycle.Controller, router *events.Router, fan *notify.Fanout) (*telegram.Dispatcher, error) {
	cmds := handlers.New(ctl, router, a.log)
	handler := middleware.Chain(cmds.Handle,
		middleware.NewACL(a.cfg.Telegram.AllowedIDs, a.log).Middleware,
		middleware.NewRateLimiter(rate.Every(time.Second), 3).Middleware,
	)

	var disp *telegram.Dispatcher
	b, err := bot.New(a.cfg.Telegram.Token,
		bot.WithDefaultHandler(func(ctx context.Context, _ *bot.Bot, upd *models.Update) {
			disp.Dispatch(ctx, upd)
		}),
		bot.WithAllowedUpdates([]string{"message"}),
	)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	disp = telegram.NewDispatcher(b, 4, handler)
	if a.cfg.Telegram.NotifyChatID != 0 {
		fan.Add("telegram", telegram.NewChatNotifier(b, a.cfg.Telegram.NotifyChatID))
	}
	go b.Start(ctx)
	a.log.Info("telegram console started", "allowed_users", len(a.cfg.Telegram.AllowedIDs))
	return disp, nil
}

// reportStranded warns about jobs left without a timer by a restart. Timers
// are not restored; such jobs need an explicit reschedule.
func (a *App) reportStranded(ctx context.Context, st store.Store) {
	for _, s := range []domain.Status{domain.StatusScheduled, domain.StatusRunning} {
		jobs, err := st.ListJobs(ctx, store.JobFilter{Status: &s})
		if err != nil {
			a.log.Warn("cannot list jobs at startup", "error", err)
			return
		}
		if len(jobs) > 0 {
			a.log.Warn("jobs without a timer since restart", "status", s, "count", len(jobs))
		}
	}
}
