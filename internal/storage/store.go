// Package storage persists samples and alerts. Writes are append-only and idempotent
// on (timestamp, account); a replayed sample is ignored.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"vault-watcher/internal/config"
)

// ErrNotConfigured indicates the storage backend was not initialised.
var ErrNotConfigured = errors.New("storage: not configured")

// SampleSink receives accepted samples.
type SampleSink interface {
	AppendSample(ctx context.Context, rec SampleRecord) error
}

// AlertSink receives emitted alerts.
type AlertSink interface {
	RecordAlert(ctx context.Context, rec AlertRecord) error
}

// Reader serves the operator commands. An empty accountID matches every account.
type Reader interface {
	ListRecentSamples(ctx context.Context, accountID string, limit int) ([]SampleRecord, error)
	ListSamplesBetween(ctx context.Context, accountID string, from, to time.Time) ([]SampleRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	CountSamples(ctx context.Context) (int64, error)
}

// Pruner removes old samples.
type Pruner interface {
	DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store is a database backend.
type Store interface {
	SampleSink
	AlertSink
	Reader
	Pruner
	Migrate(ctx context.Context) error
	Close()
}

// Open connects the configured database backend and applies migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		var pool *pgxpool.Pool
		pool, err = NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = NewPGStore(pool, cfg, logger)
	case config.DriverSQLite:
		store, err = OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}

	migrateCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		migrateCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := store.Migrate(migrateCtx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
