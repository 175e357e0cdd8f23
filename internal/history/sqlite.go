package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"conveyor/internal/core"
)

// SQLiteStore implements Store using SQLite. Use ":memory:" for an
// in-memory database, or a file path for persistent storage.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens the database and ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		failed_stage TEXT NOT NULL DEFAULT '',
		exit_code INTEGER NOT NULL DEFAULT 0,
		started INTEGER NOT NULL,
		finished INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS run_stages (
		run_id TEXT NOT NULL REFERENCES runs(id),
		stage_index INTEGER NOT NULL,
		name TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		log_path TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, stage_index)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun stores the run and its stage results in one transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, result *core.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO runs (id, agent, status, failed_stage, exit_code, started, finished) VALUES (?, ?, ?, ?, ?, ?, ?)",
		result.ID, result.Agent, result.Status.String(), result.FailedStage, result.ExitCode,
		result.Started.UnixMilli(), result.Finished.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, sr := range result.Stages {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO run_stages (run_id, stage_index, name, exit_code, duration_ms, log_path) VALUES (?, ?, ?, ?, ?, ?)",
			result.ID, i, sr.Name, sr.ExitCode, sr.Duration.Milliseconds(), sr.LogPath,
		)
		if err != nil {
			return fmt.Errorf("insert run stage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// GetRun retrieves one run with its stages.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r                 Run
		started, finished int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, agent, status, failed_stage, exit_code, started, finished FROM runs WHERE id = ?", id,
	).Scan(&r.ID, &r.Agent, &r.Status, &r.FailedStage, &r.ExitCode, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	r.Started = time.UnixMilli(started)
	r.Finished = time.UnixMilli(finished)

	rows, err := s.db.QueryContext(ctx,
		"SELECT stage_index, name, exit_code, duration_ms, log_path FROM run_stages WHERE run_id = ? ORDER BY stage_index", id,
	)
	if err != nil {
		return nil, fmt.Errorf("select run stages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st RunStage
		if err := rows.Scan(&st.Index, &st.Name, &st.ExitCode, &st.DurationMS, &st.LogPath); err != nil {
			return nil, fmt.Errorf("scan run stage: %w", err)
		}
		r.Stages = append(r.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run stages: %w", err)
	}
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, agent, status, failed_stage, exit_code, started, finished FROM runs ORDER BY started DESC, id LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Agent, &r.Status, &r.FailedStage, &r.ExitCode, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started = time.UnixMilli(started)
		r.Finished = time.UnixMilli(finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
