package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/pairdb/splitbrain/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresReportStore implements service.ReportStore using PostgreSQL
type PostgresReportStore struct {
	pool *pgxpool.Pool
}

// NewPostgresReportStore creates a PostgreSQL report store on an existing pool
func NewPostgresReportStore(pool *pgxpool.Pool) *PostgresReportStore {
	return &PostgresReportStore{
		pool: pool,
	}
}

// ConnectPostgresReportStore opens a pool for dsn and ensures the schema exists
func ConnectPostgresReportStore(ctx context.Context, dsn string) (*PostgresReportStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := NewPostgresReportStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the report tables if missing
func (s *PostgresReportStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS merge_runs (
			run_id      TEXT PRIMARY KEY,
			reason      TEXT NOT NULL DEFAULT '',
			started_at  TIMESTAMPTZ NOT NULL,
			duration_ns BIGINT NOT NULL DEFAULT 0,
			cancelled   BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS merge_runs_started ON merge_runs (started_at DESC);
		CREATE TABLE IF NOT EXISTS merge_units (
			run_id         TEXT NOT NULL REFERENCES merge_runs (run_id) ON DELETE CASCADE,
			position       INTEGER NOT NULL,
			structure_id   TEXT NOT NULL,
			policy         TEXT NOT NULL DEFAULT '',
			keys_processed INTEGER NOT NULL DEFAULT 0,
			keys_failed    INTEGER NOT NULL DEFAULT 0,
			final_state    TEXT NOT NULL,
			cause          TEXT NOT NULL DEFAULT '',
			cause_kind     TEXT NOT NULL DEFAULT '',
			started_at     TIMESTAMPTZ,
			duration_ns    BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, position)
		);
		CREATE TABLE IF NOT EXISTS merge_key_errors (
			run_id    TEXT NOT NULL,
			position  INTEGER NOT NULL,
			seq       INTEGER NOT NULL,
			entry_key TEXT NOT NULL,
			kind      TEXT NOT NULL,
			message   TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, position, seq),
			FOREIGN KEY (run_id, position) REFERENCES merge_units (run_id, position) ON DELETE CASCADE
		);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate report tables: %w", err)
	}
	return nil
}

// Save writes a report, replacing any earlier copy with the same run ID
func (s *PostgresReportStore) Save(ctx context.Context, report *model.Report) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM merge_runs WHERE run_id = $1`, report.RunID); err != nil {
		return fmt.Errorf("failed to clear previous report: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO merge_runs (run_id, reason, started_at, duration_ns, cancelled)
		VALUES ($1, $2, $3, $4, $5)
	`, report.RunID, report.Reason, report.StartedAt, int64(report.Duration), report.Cancelled)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	batch := &pgx.Batch{}
	for pos, u := range report.Units {
		var startedAt *time.Time
		if !u.StartedAt.IsZero() {
			startedAt = &u.StartedAt
		}
		batch.Queue(`
			INSERT INTO merge_units (
				run_id, position, structure_id, policy, keys_processed, keys_failed,
				final_state, cause, cause_kind, started_at, duration_ns
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, report.RunID, pos, u.StructureID, u.Policy, u.KeysProcessed, u.KeysFailed,
			string(u.FinalState), u.Cause, u.CauseKind, startedAt, int64(u.Duration))

		for seq, ke := range u.Errors {
			batch.Queue(`
				INSERT INTO merge_key_errors (run_id, position, seq, entry_key, kind, message)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, report.RunID, pos, seq, ke.Key, ke.Kind, ke.Message)
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert units: %w", err)
	}

	return tx.Commit(ctx)
}

// Get loads one report; model.ErrReportNotFound if unknown
func (s *PostgresReportStore) Get(ctx context.Context, runID string) (*model.Report, error) {
	var (
		report   model.Report
		duration int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, reason, started_at, duration_ns, cancelled
		FROM merge_runs
		WHERE run_id = $1
	`, runID).Scan(&report.RunID, &report.Reason, &report.StartedAt, &duration, &report.Cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	report.Duration = time.Duration(duration)

	rows, err := s.pool.Query(ctx, `
		SELECT structure_id, policy, keys_processed, keys_failed, final_state,
		       cause, cause_kind, started_at, duration_ns
		FROM merge_units
		WHERE run_id = $1
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get units: %w", err)
	}
	defer rows.Close()

	report.Units = make([]*model.RunResult, 0)
	for rows.Next() {
		var (
			u         model.RunResult
			state     string
			startedAt *time.Time
			unitDur   int64
		)
		if err := rows.Scan(&u.StructureID, &u.Policy, &u.KeysProcessed, &u.KeysFailed,
			&state, &u.Cause, &u.CauseKind, &startedAt, &unitDur); err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		u.FinalState = model.RunState(state)
		if startedAt != nil {
			u.StartedAt = *startedAt
		}
		u.Duration = time.Duration(unitDur)
		report.Units = append(report.Units, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	errRows, err := s.pool.Query(ctx, `
		SELECT position, entry_key, kind, message
		FROM merge_key_errors
		WHERE run_id = $1
		ORDER BY position, seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get key errors: %w", err)
	}
	defer errRows.Close()

	for errRows.Next() {
		var (
			pos int
			ke  model.KeyError
		)
		if err := errRows.Scan(&pos, &ke.Key, &ke.Kind, &ke.Message); err != nil {
			return nil, fmt.Errorf("failed to scan key error: %w", err)
		}
		if pos >= 0 && pos < len(report.Units) {
			report.Units[pos].Errors = append(report.Units[pos].Errors, ke)
		}
	}
	if err := errRows.Err(); err != nil {
		return nil, err
	}

	return &report, nil
}

// List returns the most recent reports, newest first
func (s *PostgresReportStore) List(ctx context.Context, limit int) ([]*model.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id FROM merge_runs ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan run ids: %w", err)
	}

	reports := make([]*model.Report, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Ping checks the database connection
func (s *PostgresReportStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *PostgresReportStore) Close() error {
	s.pool.Close()
	return nil
}
