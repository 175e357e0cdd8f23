// Package history persists finished runs so they can be inspected after
// the fact, from the CLI or the HTTP API.
package history

import (
	"context"
	"errors"
	"time"

	"conveyor/internal/core"
)

// ErrNotFound is returned when a run ID is unknown.
var ErrNotFound = errors.New("run not found")

// Run is one stored pipeline run.
type Run struct {
	ID          string     `json:"id"`
	Agent       string     `json:"agent,omitempty"`
	Status      string     `json:"status"`
	FailedStage string     `json:"failed_stage,omitempty"`
	ExitCode    int        `json:"exit_code"`
	Started     time.Time  `json:"started"`
	Finished    time.Time  `json:"finished"`
	Stages      []RunStage `json:"stages,omitempty"`
}

// RunStage is one executed stage of a stored run.
type RunStage struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	LogPath    string `json:"log_path,omitempty"`
}

// Store defines the interface for persisting and querying runs.
type Store interface {
	// RecordRun stores a finished run with its stage results.
	RecordRun(ctx context.Context, result *core.RunResult) error

	// GetRun retrieves one run with its stages, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns the most recent runs, newest first, without
	// stage details.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// Close releases the store's resources.
	Close() error
}
