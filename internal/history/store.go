// Package history persists run and stage outcomes to SQLite so past runs can
// be inspected after the fact. Output stored here has already been redacted.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/shipyard/internal/pipeline"
)

// Store implements the engine's history sink on SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (and initializes) the history database. Use ":memory:" for
// an in-memory database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		event TEXT NOT NULL,
		branch TEXT,
		commit_hash TEXT,
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS stage_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		exit_code INTEGER NOT NULL,
		output BLOB,
		started_at INTEGER,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_stage_run_id ON stage_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RunStarted records a new run in state executing.
func (s *Store) RunStarted(ctx context.Context, id, pipelineName string, tc pipeline.TriggerContext, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (id, pipeline, event, branch, commit_hash, state, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, pipelineName, string(tc.Event), tc.Branch, tc.Commit, string(pipeline.StateExecuting), startedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// StageFinished appends a stage result to the run.
func (s *Store) StageFinished(ctx context.Context, runID string, r pipeline.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO stage_results (run_id, stage, status, reason, exit_code, output, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		runID, r.Stage, string(r.Status), string(r.Reason), r.ExitCode, []byte(r.Output), r.StartedAt.Unix(), r.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert stage result: %w", err)
	}
	return nil
}

// RunFinished records the run's terminal state.
func (s *Store) RunFinished(ctx context.Context, runID string, state pipeline.State, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET state = ?, finished_at = ? WHERE id = ?",
		string(state), finishedAt.Unix(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// RunSummary is one row of `shipyard history`.
type RunSummary struct {
	ID         string
	Pipeline   string
	Event      string
	Branch     string
	Commit     string
	State      pipeline.State
	StartedAt  time.Time
	FinishedAt time.Time // zero while executing
}

// Duration is the run's wall time, zero while still executing.
func (r RunSummary) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, pipeline, event, branch, commit_hash, state, started_at, finished_at FROM runs ORDER BY started_at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var state string
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.Event, &r.Branch, &r.Commit, &state, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.State = pipeline.State(state)
		r.StartedAt = time.Unix(started, 0)
		if finished.Valid {
			r.FinishedAt = time.Unix(finished.Int64, 0)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StageResults returns the recorded stage outcomes for a run, in execution
// order.
func (s *Store) StageResults(ctx context.Context, runID string) ([]pipeline.RunResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT stage, status, reason, exit_code, output, started_at, finished_at FROM stage_results WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()

	var results []pipeline.RunResult
	for rows.Next() {
		var r pipeline.RunResult
		var status, reason string
		var output []byte
		var started, finished int64
		if err := rows.Scan(&r.Stage, &status, &reason, &r.ExitCode, &output, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		r.Status = pipeline.Status(status)
		r.Reason = pipeline.Reason(reason)
		r.Output = string(output)
		r.StartedAt = time.Unix(started, 0)
		r.FinishedAt = time.Unix(finished, 0)
		r.FailedStep = -1
		results = append(results, r)
	}
	return results, rows.Err()
}
