package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists to an embedded SQLite database. Timestamps are unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file. Call Migrate before use.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database.sqlite_path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Migrate creates the tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vault_watcher (
			timestamp   INTEGER NOT NULL,
			account_id  TEXT    NOT NULL,
			address     TEXT    NOT NULL,
			name        TEXT    NOT NULL,
			kind        TEXT    NOT NULL,
			balance     TEXT,
			fingerprint TEXT,
			anomalous   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (timestamp, account_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vault_watcher_account_ts ON vault_watcher(account_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS vault_watcher_alerts (
			id         TEXT    PRIMARY KEY,
			account_id TEXT    NOT NULL,
			name       TEXT    NOT NULL,
			address    TEXT    NOT NULL,
			rule       TEXT    NOT NULL,
			observed   TEXT,
			reference  TEXT,
			delta      TEXT,
			message    TEXT    NOT NULL,
			sample_ts  INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vault_watcher_alerts_created ON vault_watcher_alerts(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// AppendSample persists a sample; duplicates of (timestamp, account) are ignored.
func (s *SQLiteStore) AppendSample(ctx context.Context, rec SampleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO vault_watcher
			(timestamp, account_id, address, name, kind, balance, fingerprint, anomalous)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.At.UnixNano(), rec.AccountID, rec.Address, rec.Name, rec.Kind,
		decimalArg(rec.Balance), nullableString(rec.Fingerprint), rec.Anomalous,
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// ListRecentSamples lists the most recent samples ordered by descending time.
func (s *SQLiteStore) ListRecentSamples(ctx context.Context, accountID string, limit int) ([]SampleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, account_id, address, name, kind, balance, fingerprint, anomalous
		FROM vault_watcher
		WHERE (? = '' OR account_id = ?)
		ORDER BY timestamp DESC
		LIMIT ?`, accountID, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent samples: %w", err)
	}
	return scanSQLiteSamples(rows)
}

// ListSamplesBetween lists samples within a time window in ascending order.
func (s *SQLiteStore) ListSamplesBetween(ctx context.Context, accountID string, from, to time.Time) ([]SampleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, account_id, address, name, kind, balance, fingerprint, anomalous
		FROM vault_watcher
		WHERE (? = '' OR account_id = ?) AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`, accountID, accountID, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list samples between: %w", err)
	}
	return scanSQLiteSamples(rows)
}

// CountSamples counts stored samples.
func (s *SQLiteStore) CountSamples(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vault_watcher`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return n, nil
}

// DeleteSamplesBefore removes samples older than the cutoff.
func (s *SQLiteStore) DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vault_watcher WHERE timestamp < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete samples before: %w", err)
	}
	return res.RowsAffected()
}

// RecordAlert persists an alert emission.
func (s *SQLiteStore) RecordAlert(ctx context.Context, rec AlertRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO vault_watcher_alerts
			(id, account_id, name, address, rule, observed, reference, delta, message, sample_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.AccountID, rec.Name, rec.Address, rec.Rule,
		decimalArg(rec.Observed), decimalArg(rec.Reference), decimalArg(rec.Delta),
		rec.Message, rec.SampleAt.UnixNano(), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *SQLiteStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, name, address, rule, observed, reference, delta, message, sample_ts, created_at
		FROM vault_watcher_alerts
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	var alerts []AlertRecord
	for rows.Next() {
		var (
			rec                        AlertRecord
			id                         string
			observed, reference, delta sql.NullString
			sampleAt, createdAt        int64
		)
		if err := rows.Scan(&id, &rec.AccountID, &rec.Name, &rec.Address, &rec.Rule,
			&observed, &reference, &delta, &rec.Message, &sampleAt, &createdAt); err != nil {
			return nil, err
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse alert id: %w", err)
		}
		if rec.Observed, err = nullDecimal(observed); err != nil {
			return nil, fmt.Errorf("parse observed: %w", err)
		}
		if rec.Reference, err = nullDecimal(reference); err != nil {
			return nil, fmt.Errorf("parse reference: %w", err)
		}
		if rec.Delta, err = nullDecimal(delta); err != nil {
			return nil, fmt.Errorf("parse delta: %w", err)
		}
		rec.SampleAt = time.Unix(0, sampleAt).UTC()
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

func scanSQLiteSamples(rows *sql.Rows) ([]SampleRecord, error) {
	defer rows.Close()

	var samples []SampleRecord
	for rows.Next() {
		var (
			rec         SampleRecord
			ts          int64
			balance     sql.NullString
			fingerprint sql.NullString
		)
		if err := rows.Scan(&ts, &rec.AccountID, &rec.Address, &rec.Name, &rec.Kind,
			&balance, &fingerprint, &rec.Anomalous); err != nil {
			return nil, err
		}
		rec.At = time.Unix(0, ts).UTC()
		var err error
		if rec.Balance, err = nullDecimal(balance); err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		rec.Fingerprint = fingerprint.String
		samples = append(samples, rec)
	}
	return samples, rows.Err()
}

func nullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	return parseDecimal(&s.String)
}
