package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// Migrate applies every pending schema migration.
func (s *Storage) Migrate(ctx context.Context) error {
	return s.withGoose(func(db *sql.DB) error {
		return goose.UpContext(ctx, db, migrationsDir)
	})
}

// MigrateDown rolls back the most recent migration.
func (s *Storage) MigrateDown(ctx context.Context) error {
	return s.withGoose(func(db *sql.DB) error {
		return goose.DownContext(ctx, db, migrationsDir)
	})
}

// MigrationVersion returns the current schema version.
func (s *Storage) MigrationVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.withGoose(func(db *sql.DB) error {
		var err error
		version, err = goose.GetDBVersionContext(ctx, db)
		return err
	})
	return version, err
}

// withGoose bridges the pgx pool to the database/sql handle goose expects
// and routes goose output through the storage logger.
func (s *Storage) withGoose(fn func(db *sql.DB) error) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() {
		if err := db.Close(); err != nil {
			s.logger.Warn("failed to close migration handle", gosubs.F("error", err.Error()))
		}
	}()

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{log: s.logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := fn(db); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// gooseLogger adapts goose's Printf-style output to structured logging.
type gooseLogger struct {
	log gosubs.Logger
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
