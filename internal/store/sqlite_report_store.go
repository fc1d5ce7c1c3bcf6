package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/pairdb/splitbrain/internal/model"
	_ "modernc.org/sqlite"
)

// SQLiteReportStore implements service.ReportStore on an embedded SQLite file
type SQLiteReportStore struct {
	db *sql.DB
}

// OpenSQLiteReportStore opens (creating if needed) the report database at path
func OpenSQLiteReportStore(path string) (*SQLiteReportStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open report store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteReportStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate report store: %w", err)
	}
	return s, nil
}

func (s *SQLiteReportStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS merge_runs (
  run_id TEXT PRIMARY KEY,
  reason TEXT NOT NULL DEFAULT '',
  started_at_ns INTEGER NOT NULL,
  duration_ns INTEGER NOT NULL DEFAULT 0,
  cancelled INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS merge_runs_started ON merge_runs(started_at_ns);

CREATE TABLE IF NOT EXISTS merge_units (
  run_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  structure_id TEXT NOT NULL,
  policy TEXT NOT NULL DEFAULT '',
  keys_processed INTEGER NOT NULL DEFAULT 0,
  keys_failed INTEGER NOT NULL DEFAULT 0,
  final_state TEXT NOT NULL,
  cause TEXT NOT NULL DEFAULT '',
  cause_kind TEXT NOT NULL DEFAULT '',
  started_at_ns INTEGER NOT NULL DEFAULT 0,
  duration_ns INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS merge_key_errors (
  run_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  seq INTEGER NOT NULL,
  entry_key TEXT NOT NULL,
  kind TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (run_id, position, seq)
);
`)
	return err
}

// Save writes a report, replacing any earlier copy with the same run ID
func (s *SQLiteReportStore) Save(ctx context.Context, report *model.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM merge_key_errors WHERE run_id=?;",
		"DELETE FROM merge_units WHERE run_id=?;",
		"DELETE FROM merge_runs WHERE run_id=?;",
	} {
		if _, err := tx.ExecContext(ctx, stmt, report.RunID); err != nil {
			return fmt.Errorf("failed to clear previous report: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO merge_runs(run_id, reason, started_at_ns, duration_ns, cancelled)
VALUES(?, ?, ?, ?, ?);
`, report.RunID, report.Reason, report.StartedAt.UnixNano(), int64(report.Duration), boolToInt(report.Cancelled))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for pos, u := range report.Units {
		_, err := tx.ExecContext(ctx, `
INSERT INTO merge_units(run_id, position, structure_id, policy, keys_processed, keys_failed,
  final_state, cause, cause_kind, started_at_ns, duration_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, report.RunID, pos, u.StructureID, u.Policy, u.KeysProcessed, u.KeysFailed,
			string(u.FinalState), u.Cause, u.CauseKind, unixNano(u.StartedAt), int64(u.Duration))
		if err != nil {
			return fmt.Errorf("failed to insert unit %s: %w", u.StructureID, err)
		}

		for seq, ke := range u.Errors {
			_, err := tx.ExecContext(ctx, `
INSERT INTO merge_key_errors(run_id, position, seq, entry_key, kind, message)
VALUES(?, ?, ?, ?, ?, ?);
`, report.RunID, pos, seq, ke.Key, ke.Kind, ke.Message)
			if err != nil {
				return fmt.Errorf("failed to insert key error: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Get loads one report; model.ErrReportNotFound if unknown
func (s *SQLiteReportStore) Get(ctx context.Context, runID string) (*model.Report, error) {
	var (
		report              model.Report
		startedNs, duration int64
		cancelled           int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, reason, started_at_ns, duration_ns, cancelled FROM merge_runs WHERE run_id=?;
`, runID).Scan(&report.RunID, &report.Reason, &startedNs, &duration, &cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	report.StartedAt = time.Unix(0, startedNs).UTC()
	report.Duration = time.Duration(duration)
	report.Cancelled = cancelled != 0

	if err := s.loadUnits(ctx, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *SQLiteReportStore) loadUnits(ctx context.Context, report *model.Report) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT structure_id, policy, keys_processed, keys_failed, final_state, cause, cause_kind,
  started_at_ns, duration_ns
FROM merge_units WHERE run_id=? ORDER BY position;
`, report.RunID)
	if err != nil {
		return fmt.Errorf("failed to get units: %w", err)
	}
	defer rows.Close()

	report.Units = make([]*model.RunResult, 0)
	for rows.Next() {
		var (
			u                   model.RunResult
			state               string
			startedNs, duration int64
		)
		if err := rows.Scan(&u.StructureID, &u.Policy, &u.KeysProcessed, &u.KeysFailed,
			&state, &u.Cause, &u.CauseKind, &startedNs, &duration); err != nil {
			return fmt.Errorf("failed to scan unit: %w", err)
		}
		u.FinalState = model.RunState(state)
		u.StartedAt = fromUnixNano(startedNs)
		u.Duration = time.Duration(duration)
		report.Units = append(report.Units, &u)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	// Single connection: release it before the next query.
	rows.Close()

	errRows, err := s.db.QueryContext(ctx, `
SELECT position, entry_key, kind, message FROM merge_key_errors WHERE run_id=? ORDER BY position, seq;
`, report.RunID)
	if err != nil {
		return fmt.Errorf("failed to get key errors: %w", err)
	}
	defer errRows.Close()

	for errRows.Next() {
		var (
			pos int
			ke  model.KeyError
		)
		if err := errRows.Scan(&pos, &ke.Key, &ke.Kind, &ke.Message); err != nil {
			return fmt.Errorf("failed to scan key error: %w", err)
		}
		if pos < 0 || pos >= len(report.Units) {
			continue
		}
		report.Units[pos].Errors = append(report.Units[pos].Errors, ke)
	}
	return errRows.Err()
}

// List returns the most recent reports, newest first
func (s *SQLiteReportStore) List(ctx context.Context, limit int) ([]*model.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id FROM merge_runs ORDER BY started_at_ns DESC LIMIT ?;", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
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
func (s *SQLiteReportStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteReportStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
