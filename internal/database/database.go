package database

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/curvex/internal/config"
	"github.com/ksred/curvex/internal/database/migrations"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the configured database and runs migrations
func NewDatabase(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	db, err := Open(cfg, debug)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Open returns a GORM connection for the configured driver without
// touching the schema
func Open(cfg config.DatabaseConfig, debug bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	driver := strings.ToLower(cfg.Driver)
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newLogger(zlog.Logger, debug),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	// SQLite allows one writer at a time. Funnel every statement through a
	// single connection so concurrent settlements queue instead of failing
	// with "database is locked".
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// newLogger routes gorm output through w. Missing rows are an expected
// answer (an empty queue, an unknown ticker) and are not logged.
func newLogger(w io.Writer, debug bool) logger.Interface {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	return logger.New(log.New(w, "", 0), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// Migrate brings the schema up to date
func Migrate(db *gorm.DB) error {
	steps := []struct {
		name string
		fn   func(*gorm.DB) error
	}{
		{"create_settlement_tables", migrations.CreateSettlementTables},
		{"add_queue_indexes", migrations.AddQueueIndexes},
		{"add_idempotency_records", migrations.AddIdempotencyRecords},
	}

	for _, step := range steps {
		if err := step.fn(db); err != nil {
			return fmt.Errorf("failed to run migration %s: %w", step.name, err)
		}
	}
	return nil
}
