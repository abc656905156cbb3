package pg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDSN возвращает DSN тестовой БД или пропускает тест.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return dsn
}

func TestNewPool_InvalidDSN(t *testing.T) {
	_, err := NewPool(context.Background(), "postgres://%zz")
	assert.Error(t, err)
}

func TestNewPool_GivesUpWhenUnreachable(t *testing.T) {
	opts := DefaultPoolOptions()
	opts.PingTimeout = 100 * time.Millisecond
	opts.Connect.MaxAttempts = 2
	opts.Connect.InitialDelay = time.Millisecond
	opts.Connect.MaxDelay = time.Millisecond

	_, err := NewPoolWithOptions(context.Background(), "postgres://u:p@127.0.0.1:1/db?connect_timeout=1", opts)
	assert.Error(t, err)
}

func TestNewPool_Live(t *testing.T) {
	dsn := testDSN(t)
	pool, err := NewPool(context.Background(), dsn)
	require.NoError(t, err)
	defer pool.Close()

	stats := PoolStats(pool)
	assert.Positive(t, stats.MaxConns)

	r := NewTxRunner(pool)
	err = r.WithinTx(context.Background(), func(ctx context.Context) error {
		tx, ok := PgxTx(ctx)
		require.True(t, ok)
		assert.Equal(t, Querier(tx), r.GetQuerier(ctx))
		var one int
		return r.GetQuerier(ctx).QueryRow(ctx, "SELECT 1").Scan(&one)
	})
	require.NoError(t, err)
}
