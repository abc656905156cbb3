package sqlite

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"testing"
)

// TestDB - файловая БД во временной директории теста.
type TestDB struct {
	DB   *sql.DB
	Path string
}

// NewTestDB открывает чистую БД и применяет к ней миграции из fsys/dir.
func NewTestDB(t testing.TB, fsys fs.FS, dir string) *TestDB {
	t.Helper()
	tdb := NewTestDBFile(t)
	tdb.Migrate(t, fsys, dir)
	return tdb
}

// NewTestDBFile открывает БД без схемы. Закрывается вместе с тестом.
func NewTestDBFile(t testing.TB) *TestDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	db, err := NewDB(context.Background(), path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &TestDB{DB: db, Path: path}
}

func (tdb *TestDB) Migrate(t testing.TB, fsys fs.FS, dir string) {
	t.Helper()
	if err := ApplyMigrationsFS(tdb.Path, fsys, dir); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
}

// CountRows считает строки таблицы.
func (tdb *TestDB) CountRows(t testing.TB, table string) int {
	t.Helper()
	var n int
	if err := tdb.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
