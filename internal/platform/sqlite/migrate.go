package sqlite

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// BuildMigrateURL строит URL golang-migrate для файла БД: всегда абсолютный
// путь с ведущим "/", так что "C:\db" превращается в "sqlite:///C:/db".
func BuildMigrateURL(dbPath string) (string, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dbPath, err)
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "sqlite://" + p, nil
}

// withMigrate открывает мигратор на время fn.
func withMigrate(dbPath string, fsys fs.FS, dir string, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("migrations source %q: %w", dir, err)
	}
	u, err := BuildMigrateURL(dbPath)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, u)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	return fn(m)
}

// ApplyMigrationsFS поднимает схему до последней версии. Повторный вызов ничего не меняет.
func ApplyMigrationsFS(dbPath string, fsys fs.FS, dir string) error {
	return withMigrate(dbPath, fsys, dir, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		return nil
	})
}

// MigrationVersion возвращает версию схемы; 0 для пустой БД.
func MigrationVersion(dbPath string, fsys fs.FS, dir string) (version uint, dirty bool, err error) {
	err = withMigrate(dbPath, fsys, dir, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		if verr != nil {
			return fmt.Errorf("migration version: %w", verr)
		}
		return nil
	})
	return version, dirty, err
}
