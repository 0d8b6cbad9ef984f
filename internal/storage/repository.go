package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vault-watcher/internal/config"
)

const (
	createSamplesTableSQL = `CREATE TABLE IF NOT EXISTS vault_watcher (
        timestamp   TIMESTAMPTZ NOT NULL,
        account_id  TEXT        NOT NULL,
        address     VARCHAR(64) NOT NULL,
        name        VARCHAR(50) NOT NULL,
        kind        TEXT        NOT NULL,
        balance     NUMERIC,
        fingerprint TEXT,
        anomalous   BOOLEAN     NOT NULL DEFAULT FALSE,
        PRIMARY KEY (timestamp, account_id)
    );`

	createSamplesIndexSQL = `CREATE INDEX IF NOT EXISTS vault_watcher_account_ts_idx
    ON vault_watcher (account_id, timestamp DESC);`

	createAlertsTableSQL = `CREATE TABLE IF NOT EXISTS vault_watcher_alerts (
        id         UUID        PRIMARY KEY,
        account_id TEXT        NOT NULL,
        name       VARCHAR(50) NOT NULL,
        address    VARCHAR(64) NOT NULL,
        rule       TEXT        NOT NULL,
        observed   NUMERIC,
        reference  NUMERIC,
        delta      NUMERIC,
        message    TEXT        NOT NULL,
        sample_ts  TIMESTAMPTZ NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createHypertableSQL = `SELECT create_hypertable('vault_watcher', 'timestamp', if_not_exists => TRUE);`
	setChunkIntervalSQL = `SELECT set_chunk_time_interval('vault_watcher', $1::bigint);`

	insertSampleSQL = `INSERT INTO vault_watcher (
        timestamp,
        account_id,
        address,
        name,
        kind,
        balance,
        fingerprint,
        anomalous
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (timestamp, account_id) DO NOTHING;`

	selectSampleColumns = `SELECT
        timestamp,
        account_id,
        address,
        name,
        kind,
        balance::text,
        fingerprint,
        anomalous
    FROM vault_watcher`

	listRecentSamplesSQL = selectSampleColumns + `
    WHERE ($1::text = '' OR account_id = $1::text)
    ORDER BY timestamp DESC
    LIMIT $2;`

	listSamplesBetweenSQL = selectSampleColumns + `
    WHERE ($1::text = '' OR account_id = $1::text)
      AND timestamp >= $2
      AND timestamp < $3
    ORDER BY timestamp;`

	countSamplesSQL = `SELECT COUNT(*) FROM vault_watcher;`

	deleteSamplesBeforeSQL = `DELETE FROM vault_watcher WHERE timestamp < $1;`

	insertAlertSQL = `INSERT INTO vault_watcher_alerts (
        id,
        account_id,
        name,
        address,
        rule,
        observed,
        reference,
        delta,
        message,
        sample_ts,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        id,
        account_id,
        name,
        address,
        rule,
        observed::text,
        reference::text,
        delta::text,
        message,
        sample_ts,
        created_at
    FROM vault_watcher_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

var (
	_ Store          = (*PGStore)(nil)
	_ AdvisoryLocker = (*PGStore)(nil)
)

// PGStore persists samples and alerts in PostgreSQL, optionally as a TimescaleDB hypertable.
type PGStore struct {
	pool   *pgxpool.Pool
	cfg    config.DatabaseConfig
	logger zerolog.Logger
}

// NewPGStore wires a pgx pool into a PGStore.
func NewPGStore(pool *pgxpool.Pool, cfg config.DatabaseConfig, logger zerolog.Logger) *PGStore {
	return &PGStore{pool: pool, cfg: cfg, logger: logger.With().Str("component", "storage").Str("driver", "postgres").Logger()}
}

// Close releases the underlying pool resources.
func (s *PGStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PGStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate creates the tables. Hypertable conversion failures are logged, not returned,
// so plain PostgreSQL keeps working.
func (s *PGStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createSamplesTableSQL, createSamplesIndexSQL, createAlertsTableSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if !s.cfg.Timescale {
		return nil
	}
	if _, err := pool.Exec(ctx, createHypertableSQL); err != nil {
		s.logger.Warn().Err(err).Msg("create_hypertable failed, continuing with a plain table")
		return nil
	}
	if s.cfg.ChunkInterval > 0 {
		if _, err := pool.Exec(ctx, setChunkIntervalSQL, s.cfg.ChunkInterval.Microseconds()); err != nil {
			s.logger.Warn().Err(err).Dur("chunk_interval", s.cfg.ChunkInterval).Msg("set_chunk_time_interval failed")
			return nil
		}
	}
	s.logger.Info().Dur("chunk_interval", s.cfg.ChunkInterval).Msg("vault_watcher hypertable ready")
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PGStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

// AppendSample persists a sample; a sample already stored for the same account and time is ignored.
func (s *PGStore) AppendSample(ctx context.Context, rec SampleRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertSampleSQL,
		rec.At,
		rec.AccountID,
		rec.Address,
		rec.Name,
		rec.Kind,
		decimalArg(rec.Balance),
		nullableString(rec.Fingerprint),
		rec.Anomalous,
	)
	if execErr != nil {
		return fmt.Errorf("insert sample: %w", execErr)
	}
	return nil
}

// ListRecentSamples lists the most recent samples ordered by descending time.
func (s *PGStore) ListRecentSamples(ctx context.Context, accountID string, limit int) ([]SampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, accountID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	return collectSamples(rows, limit)
}

// ListSamplesBetween lists samples within a time window in ascending order.
func (s *PGStore) ListSamplesBetween(ctx context.Context, accountID string, from, to time.Time) ([]SampleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, accountID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	return collectSamples(rows, 0)
}

// CountSamples counts stored samples.
func (s *PGStore) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// DeleteSamplesBefore removes samples older than the cutoff.
func (s *PGStore) DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSamplesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete samples before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// RecordAlert persists an alert emission.
func (s *PGStore) RecordAlert(ctx context.Context, rec AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertAlertSQL,
		rec.ID,
		rec.AccountID,
		rec.Name,
		rec.Address,
		rec.Rule,
		decimalArg(rec.Observed),
		decimalArg(rec.Reference),
		decimalArg(rec.Delta),
		rec.Message,
		rec.SampleAt,
		rec.CreatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *PGStore) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec                        AlertRecord
			observed, reference, delta *string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.AccountID,
			&rec.Name,
			&rec.Address,
			&rec.Rule,
			&observed,
			&reference,
			&delta,
			&rec.Message,
			&rec.SampleAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if rec.Observed, convErr = parseDecimal(observed); convErr != nil {
			return nil, fmt.Errorf("parse observed: %w", convErr)
		}
		if rec.Reference, convErr = parseDecimal(reference); convErr != nil {
			return nil, fmt.Errorf("parse reference: %w", convErr)
		}
		if rec.Delta, convErr = parseDecimal(delta); convErr != nil {
			return nil, fmt.Errorf("parse delta: %w", convErr)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]SampleRecord, error) {
	defer rows.Close()

	samples := make([]SampleRecord, 0, capacity)
	for rows.Next() {
		var (
			rec         SampleRecord
			balance     *string
			fingerprint *string
		)
		if err := rows.Scan(
			&rec.At,
			&rec.AccountID,
			&rec.Address,
			&rec.Name,
			&rec.Kind,
			&balance,
			&fingerprint,
			&rec.Anomalous,
		); err != nil {
			return nil, err
		}

		var err error
		if rec.Balance, err = parseDecimal(balance); err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		if fingerprint != nil {
			rec.Fingerprint = *fingerprint
		}
		samples = append(samples, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
