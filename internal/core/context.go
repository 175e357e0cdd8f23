package core

import (
	"os"
	"time"
)

// RunContext carries the ambient state of one run explicitly, instead of
// letting the runner read it from the process. WorkDir is the shared
// working directory every stage executes in; stages communicate through
// it by design, so it must stay fixed for the whole run.
type RunContext struct {
	// RunID pre-assigns the run identifier, letting callers hand out the
	// ID before the run finishes. Empty means a fresh UUID.
	RunID string

	// WorkDir is the working directory for every stage command.
	WorkDir string

	// Env is the environment for stage commands, in "KEY=VALUE" form.
	// Empty means inherit the invoking process environment; a non-empty
	// list replaces it entirely.
	Env []string

	// StageTimeout bounds each stage's command. Zero means no timeout.
	StageTimeout time.Duration
}

// Environment resolves the effective stage environment.
func (rc RunContext) Environment() []string {
	if len(rc.Env) == 0 {
		return os.Environ()
	}
	env := make([]string, len(rc.Env))
	copy(env, rc.Env)
	return env
}
