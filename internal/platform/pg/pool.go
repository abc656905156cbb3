package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"jobsched/pkg/retry"
)

// PoolOptions содержит настройки пула подключений PostgreSQL.
type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	HealthCheckPeriod time.Duration
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	// PingTimeout ограничивает одну попытку ping при создании пула.
	PingTimeout time.Duration
	// Connect управляет повторами ping, пока БД поднимается.
	Connect retry.Config
}

// DefaultPoolOptions возвращает настройки по умолчанию. Планировщик держит
// мало долгих транзакций, поэтому пул небольшой.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:          10,
		MinConns:          1,
		HealthCheckPeriod: 30 * time.Second,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   10 * time.Minute,
		PingTimeout:       5 * time.Second,
		Connect: retry.Config{
			MaxAttempts:  6,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// NewPool создает пул с настройками по умолчанию.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return NewPoolWithOptions(ctx, dsn, DefaultPoolOptions())
}

// NewPoolWithOptions создает пул и дожидается, пока БД ответит на ping.
func NewPoolWithOptions(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	cfg.MaxConnLifetime = opts.MaxConnLifetime
	cfg.MaxConnIdleTime = opts.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := WaitForPool(ctx, pool, opts.PingTimeout, opts.Connect); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// WaitForPool повторяет ping, пока БД не ответит или не кончатся попытки.
func WaitForPool(ctx context.Context, pool *pgxpool.Pool, pingTimeout time.Duration, rc retry.Config) error {
	return retry.DoWithRetryable(ctx, rc, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return pool.Ping(pingCtx)
	}, func(err error) bool {
		return ctx.Err() == nil
	})
}

// Stats снимок состояния пула для /health?verbose.
type Stats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

// PoolStats возвращает статистику пула.
func PoolStats(pool *pgxpool.Pool) Stats {
	s := pool.Stat()
	return Stats{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		MaxConns:      s.MaxConns(),
	}
}
