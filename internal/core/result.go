package core

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run. Transitions are
// linear: NotStarted -> Running -> Succeeded | Failed.
type RunStatus int

const (
	StatusNotStarted RunStatus = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s RunStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StageResult records one executed stage. A stage appears here only if it
// actually started; stages after a failure are absent.
type StageResult struct {
	Name     string
	ExitCode int
	Duration time.Duration
	LogPath  string
}

// RunResult is the immutable outcome of one pipeline run. FailedStage and
// ExitCode are meaningful only when Status is StatusFailed; the exit code
// is the failing command's own, surfaced unchanged.
type RunResult struct {
	ID          string
	Agent       string
	Status      RunStatus
	FailedStage string
	ExitCode    int
	Stages      []StageResult
	Started     time.Time
	Finished    time.Time
}

// StageError is the single run-level failure kind: a stage's command
// exited non-zero.
type StageError struct {
	Stage    string
	ExitCode int
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed with exit code %d", e.Stage, e.ExitCode)
}
