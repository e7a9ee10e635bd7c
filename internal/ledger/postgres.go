// Package ledger provides durable survey-status persistence keyed by
// (platform, survey_id).
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bathyscape/mbharvest/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the Postgres connection pool used for ledger rows.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresLedger stores ledger entries in Postgres. All writes are funneled
// through one mutex-guarded path: the single-writer assumption is an acquired
// handle, not a convention.
type PostgresLedger struct {
	pool    pgxPool
	table   string
	writeMu sync.Mutex
}

// NewPostgres creates a Postgres-backed ledger using the provided config.
//
// Expected schema:
//
//	CREATE TABLE surveys (
//		platform      TEXT NOT NULL,
//		survey_id     TEXT NOT NULL,
//		record_type   TEXT NOT NULL,
//		status        TEXT NOT NULL,
//		files         JSONB,
//		failure_stage TEXT,
//		failure_cause TEXT,
//		last_updated  TIMESTAMPTZ NOT NULL,
//		PRIMARY KEY (platform, survey_id)
//	);
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresLedger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newPostgresWithPool(pool, cfg.Table)
}

// NewPostgresWithPool constructs a ledger from an existing pool (primarily
// for testing with pgxmock).
func NewPostgresWithPool(pool pgxPool, table string) (*PostgresLedger, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newPostgresWithPool(pool, table)
}

func newPostgresWithPool(pool pgxPool, table string) (*PostgresLedger, error) {
	if table == "" {
		table = "surveys"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresLedger{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (l *PostgresLedger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// IsKnown reports whether an entry exists for (platform, surveyID).
func (l *PostgresLedger) IsKnown(ctx context.Context, platform, surveyID string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE platform = $1 AND survey_id = $2)`, l.table)
	var known bool
	if err := l.pool.QueryRow(ctx, query, platform, surveyID).Scan(&known); err != nil {
		return false, fmt.Errorf("query survey existence: %w", err)
	}
	return known, nil
}

// Mark upserts the entry as a single atomic row write.
func (l *PostgresLedger) Mark(ctx context.Context, entry harvest.LedgerEntry) error {
	if entry.Platform == "" || entry.SurveyID == "" {
		return fmt.Errorf("ledger entry requires platform and survey id")
	}
	filesJSON, err := json.Marshal(entry.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	platform,
	survey_id,
	record_type,
	status,
	files,
	failure_stage,
	failure_cause,
	last_updated
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (platform, survey_id) DO UPDATE SET
	record_type = EXCLUDED.record_type,
	status = EXCLUDED.status,
	files = EXCLUDED.files,
	failure_stage = EXCLUDED.failure_stage,
	failure_cause = EXCLUDED.failure_cause,
	last_updated = EXCLUDED.last_updated`, l.table)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.pool.Exec(ctx, query,
		entry.Platform,
		entry.SurveyID,
		string(entry.Type),
		string(entry.Status),
		filesJSON,
		string(entry.FailureStage),
		entry.FailureCause,
		entry.LastUpdated,
	); err != nil {
		return fmt.Errorf("upsert survey: %w", err)
	}
	return nil
}

// Known returns all stored entries, optionally filtered by platform.
func (l *PostgresLedger) Known(ctx context.Context, platform string) (map[harvest.Key]harvest.LedgerEntry, error) {
	query := fmt.Sprintf(`
SELECT platform, survey_id, record_type, status, files, failure_stage, failure_cause, last_updated
FROM %s`, l.table)
	var (
		rows pgx.Rows
		err  error
	)
	if platform != "" {
		rows, err = l.pool.Query(ctx, query+" WHERE platform = $1", platform)
	} else {
		rows, err = l.pool.Query(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("query known surveys: %w", err)
	}
	defer rows.Close()

	known := make(map[harvest.Key]harvest.LedgerEntry)
	for rows.Next() {
		var (
			entry     harvest.LedgerEntry
			recType   string
			status    string
			filesJSON []byte
			stage     string
		)
		if err := rows.Scan(
			&entry.Platform,
			&entry.SurveyID,
			&recType,
			&status,
			&filesJSON,
			&stage,
			&entry.FailureCause,
			&entry.LastUpdated,
		); err != nil {
			return nil, fmt.Errorf("scan survey row: %w", err)
		}
		entry.Type = harvest.RecordType(recType)
		entry.Status = harvest.Status(status)
		entry.FailureStage = harvest.Stage(stage)
		if len(filesJSON) > 0 {
			if err := json.Unmarshal(filesJSON, &entry.Files); err != nil {
				return nil, fmt.Errorf("unmarshal files for %s/%s: %w", entry.Platform, entry.SurveyID, err)
			}
		}
		known[entry.Key()] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate survey rows: %w", err)
	}
	return known, nil
}
