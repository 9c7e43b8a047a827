// Package store persists finalized run records to SQLite so run history
// and cross-suite summaries survive restarts.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qa-infra/qa-acceptor/types"
)

// RunSummary is one row of run history.
type RunSummary struct {
	RunID    string         `json:"runId"`
	Suite    string         `json:"suite"`
	State    types.RunState `json:"state"`
	Status   types.Status   `json:"status"`
	Degraded bool           `json:"degraded"`
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end"`
	Stats    types.Stats    `json:"stats"`
}

// SuiteTotals aggregates outcome counts across the stored runs of a suite.
type SuiteTotals struct {
	Suite   string      `json:"suite"`
	Runs    int         `json:"runs"`
	Stats   types.Stats `json:"stats"`
	LastRun time.Time   `json:"lastRun"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (and if needed initializes) the database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize run history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			suite TEXT NOT NULL,
			state TEXT NOT NULL,
			status TEXT NOT NULL,
			degraded INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			total INTEGER NOT NULL,
			passed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			errored INTEGER NOT NULL,
			skipped INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			run_id TEXT NOT NULL,
			case_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			artifact TEXT,
			attempts INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			PRIMARY KEY (run_id, case_id),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_suite ON runs(suite)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// SaveRun upserts a finalized run and its outcomes in one transaction.
func (s *Store) SaveRun(record *types.RunRecord, state types.RunState, degraded bool) error {
	stats := record.Stats()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`INSERT OR REPLACE INTO runs
		(run_id, suite, state, status, degraded, started_at, finished_at, total, passed, failed, errored, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.RunID, record.Suite, string(state), string(record.OverallStatus()),
		boolToInt(degraded), record.Start, record.End,
		stats.Total, stats.Passed, stats.Failed, stats.Errored, stats.Skipped)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", record.RunID, err)
	}

	for _, o := range record.Outcomes {
		var message, artifact string
		if o.Detail != nil {
			message = o.Detail.Message
			artifact = o.Detail.Artifact
		}
		_, err = tx.Exec(`INSERT OR REPLACE INTO outcomes
			(run_id, case_id, name, status, message, artifact, attempts, started_at, finished_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.RunID, o.CaseID, o.CaseName, string(o.Status),
			message, artifact, o.Attempts, o.Start, o.Stop, o.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to save outcome %s/%s: %w", record.RunID, o.CaseID, err)
		}
	}
	return tx.Commit()
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT run_id, suite, state, status, degraded, started_at, finished_at,
		total, passed, failed, errored, skipped
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var degraded int
		if err := rows.Scan(&r.RunID, &r.Suite, &r.State, &r.Status, &degraded, &r.Start, &r.End,
			&r.Stats.Total, &r.Stats.Passed, &r.Stats.Failed, &r.Stats.Errored, &r.Stats.Skipped); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Degraded = degraded != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary aggregates stored outcome counts per suite.
func (s *Store) Summary() ([]SuiteTotals, error) {
	rows, err := s.db.Query(`SELECT suite, COUNT(*), SUM(total), SUM(passed), SUM(failed),
		SUM(errored), SUM(skipped), MAX(started_at)
		FROM runs GROUP BY suite ORDER BY suite`)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	var out []SuiteTotals
	for rows.Next() {
		var t SuiteTotals
		var lastRun string
		if err := rows.Scan(&t.Suite, &t.Runs, &t.Stats.Total, &t.Stats.Passed, &t.Stats.Failed,
			&t.Stats.Errored, &t.Stats.Skipped, &lastRun); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		// MAX() strips the column's declared type, so the driver hands the
		// timestamp back as text.
		t.LastRun = parseSQLiteTime(lastRun)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// parseSQLiteTime parses the textual timestamp formats go-sqlite3 emits.
func parseSQLiteTime(raw string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
	} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
