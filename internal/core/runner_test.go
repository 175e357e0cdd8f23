package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/events"
	"conveyor/internal/journal"
	"conveyor/internal/metrics"
	"conveyor/internal/storage"
	"conveyor/pkg/utils"
)

// scriptedExecutor records executed commands and returns canned exit
// codes without touching a real shell.
type scriptedExecutor struct {
	mu       sync.Mutex
	executed []string
	codes    map[string]int
}

func (f *scriptedExecutor) Execute(_ context.Context, command, _ string, _ []string) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, command)
	return []byte("output of " + command), f.codes[command], nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) Close() {}

// captureRecorder counts run-level metric calls.
type captureRecorder struct {
	mu           sync.Mutex
	outcomes     []string
	runDurations int
}

func (c *captureRecorder) ObserveStageDuration(string, time.Duration) {}
func (c *captureRecorder) IncStageResult(string, metrics.ResultLabel) {}

func (c *captureRecorder) ObserveRunDuration(time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runDurations++
}

func (c *captureRecorder) IncRunOutcome(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

type fetcherFunc func(ctx context.Context, src Source, workDir string) error

func (f fetcherFunc) Fetch(ctx context.Context, src Source, workDir string) error {
	return f(ctx, src, workDir)
}

func threeStagePipeline() *Pipeline {
	return &Pipeline{
		Agent: "linux",
		Stages: []Stage{
			{Name: "install", Run: "cmd-install"},
			{Name: "build", Run: "cmd-build"},
			{Name: "test", Run: "cmd-test"},
		},
	}
}

func TestRunAllStagesSucceedInOrder(t *testing.T) {
	exec := &scriptedExecutor{codes: map[string]int{}}
	r := NewRunner(WithExecutor(exec))

	result, err := r.Run(t.Context(), threeStagePipeline(), RunContext{WorkDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, result.Status)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, []string{"cmd-install", "cmd-build", "cmd-test"}, exec.executed)
	require.Len(t, result.Stages, 3)
	for i, name := range []string{"install", "build", "test"} {
		assert.Equal(t, name, result.Stages[i].Name)
		assert.Equal(t, 0, result.Stages[i].ExitCode)
	}
	assert.False(t, result.Finished.Before(result.Started))
}

func TestRunFailFastSkipsRemainingStages(t *testing.T) {
	exec := &scriptedExecutor{codes: map[string]int{"cmd-build": 9}}
	r := NewRunner(WithExecutor(exec))

	result, err := r.Run(t.Context(), threeStagePipeline(), RunContext{WorkDir: t.TempDir()})
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "build", stageErr.Stage)
	assert.Equal(t, 9, stageErr.ExitCode)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "build", result.FailedStage)
	assert.Equal(t, 9, result.ExitCode)
	// cmd-test never ran.
	assert.Equal(t, []string{"cmd-install", "cmd-build"}, exec.executed)
	assert.Len(t, result.Stages, 2)
}

func TestRunIsIdempotentForDeterministicPipelines(t *testing.T) {
	pipeline := threeStagePipeline()
	for _, codes := range []map[string]int{{}, {"cmd-test": 2}} {
		first, errFirst := NewRunner(WithExecutor(&scriptedExecutor{codes: codes})).
			Run(t.Context(), pipeline, RunContext{WorkDir: t.TempDir()})
		second, errSecond := NewRunner(WithExecutor(&scriptedExecutor{codes: codes})).
			Run(t.Context(), pipeline, RunContext{WorkDir: t.TempDir()})

		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.FailedStage, second.FailedStage)
		assert.Equal(t, first.ExitCode, second.ExitCode)
		assert.Equal(t, errFirst == nil, errSecond == nil)
	}
}

// A stage's filesystem artifacts must be visible to later stages: the
// second stage checks the generated script exists and is non-empty, the
// third executes it and its exit code becomes the run's exit code.
func TestRunStageArtifactsVisibleToLaterStages(t *testing.T) {
	workDir := t.TempDir()
	pipeline := &Pipeline{
		Stages: []Stage{
			{Name: "create test py", Run: "cat > test.py << 'EOF'\nexit 3\nEOF"},
			{Name: "check artifact", Run: "test -s test.py"},
			{Name: "running test py", Run: "sh test.py"},
		},
	}

	result, err := NewRunner().Run(t.Context(), pipeline, RunContext{WorkDir: workDir})
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "running test py", stageErr.Stage)
	assert.Equal(t, 3, stageErr.ExitCode)
	assert.Equal(t, 3, result.ExitCode)

	// The artifact was really produced in the shared workdir.
	data, err := os.ReadFile(filepath.Join(workDir, "test.py"))
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestRunStageTimeout(t *testing.T) {
	pipeline := &Pipeline{Stages: []Stage{{Name: "slow", Run: "sleep 5"}}}

	result, err := NewRunner().Run(t.Context(), pipeline, RunContext{
		WorkDir:      t.TempDir(),
		StageTimeout: 100 * time.Millisecond,
	})
	require.Error(t, err)

	var stageErr *StageError
	assert.False(t, errors.As(err, &stageErr), "timeout is not a stage failure")
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, -1, result.ExitCode)
}

func TestRunRecordsLogsAndJournal(t *testing.T) {
	dir := t.TempDir()
	jrnl, err := journal.Open(filepath.Join(dir, "journal.jsonl"))
	require.NoError(t, err)

	r := NewRunner(
		WithLogStore(storage.NewLogStore(filepath.Join(dir, "logs"))),
		WithJournal(jrnl),
	)
	pipeline := &Pipeline{
		Agent: "linux",
		Stages: []Stage{
			{Name: "hello", Run: "echo hello"},
			{Name: "world", Run: "echo world"},
		},
	}

	result, err := r.Run(t.Context(), pipeline, RunContext{WorkDir: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, result.Stages, 2)

	for _, sr := range result.Stages {
		require.NotEmpty(t, sr.LogPath)
		digest, err := utils.HashFile(sr.LogPath)
		require.NoError(t, err)
		assert.NotEmpty(t, digest)
	}

	entries := jrnl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, result.ID, entries[0].RunID)
	assert.Equal(t, "hello", entries[0].Stage)
	assert.NoError(t, jrnl.Verify())
}

// Concurrent runs share one journal under the HTTP server. Every stage
// of every run must land in the chain; none may be lost to a stale
// chain-head read.
func TestRunConcurrentRunsShareOneJournal(t *testing.T) {
	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)

	const stageCount = 20
	stages := make([]Stage, stageCount)
	for i := range stages {
		stages[i] = Stage{Name: fmt.Sprintf("step-%02d", i), Run: fmt.Sprintf("cmd-%02d", i)}
	}
	pipeline := &Pipeline{Agent: "linux", Stages: stages}

	const runs = 8
	ctx := t.Context()
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		workDir := t.TempDir()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := NewRunner(WithExecutor(&scriptedExecutor{codes: map[string]int{}}), WithJournal(jrnl))
			_, err := r.Run(ctx, pipeline, RunContext{WorkDir: workDir})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, jrnl.Entries(), runs*stageCount)
	assert.NoError(t, jrnl.Verify())
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	pub := &capturePublisher{}
	exec := &scriptedExecutor{codes: map[string]int{"cmd-build": 1}}
	r := NewRunner(WithExecutor(exec), WithEvents(pub))

	result, err := r.Run(t.Context(), threeStagePipeline(), RunContext{WorkDir: t.TempDir()})
	require.Error(t, err)

	types := make([]string, 0, len(pub.events))
	for _, ev := range pub.events {
		types = append(types, ev.Type)
		assert.Equal(t, result.ID, ev.RunID)
	}
	assert.Equal(t, []string{
		events.TypeRunStarted,
		events.TypeStageFinished,
		events.TypeStageFinished,
		events.TypeRunFinished,
	}, types)

	last := pub.events[len(pub.events)-1]
	assert.Equal(t, "failed", last.Status)
	assert.Equal(t, "build", last.Stage)
	assert.Equal(t, 1, last.ExitCode)
}

func TestRunFetchesSourceBeforeFirstStage(t *testing.T) {
	workDir := t.TempDir()
	fetched := false
	r := NewRunner(WithSourceFetcher(fetcherFunc(func(_ context.Context, src Source, dir string) error {
		fetched = true
		return os.WriteFile(filepath.Join(dir, "checkout.marker"), []byte(src.URL), 0o644)
	})))
	pipeline := &Pipeline{
		Source: &Source{URL: "https://example.com/repo.git"},
		Stages: []Stage{{Name: "verify checkout", Run: "test -f checkout.marker"}},
	}

	result, err := r.Run(t.Context(), pipeline, RunContext{WorkDir: workDir})
	require.NoError(t, err)
	assert.True(t, fetched)
	assert.Equal(t, StatusSucceeded, result.Status)
}

func TestRunSourceFetchFailureAbortsBeforeStages(t *testing.T) {
	exec := &scriptedExecutor{codes: map[string]int{}}
	r := NewRunner(
		WithExecutor(exec),
		WithSourceFetcher(fetcherFunc(func(context.Context, Source, string) error {
			return errors.New("clone refused")
		})),
	)
	pipeline := &Pipeline{
		Source: &Source{URL: "https://example.com/repo.git"},
		Stages: []Stage{{Name: "build", Run: "cmd-build"}},
	}

	result, err := r.Run(t.Context(), pipeline, RunContext{WorkDir: t.TempDir()})
	require.Error(t, err)

	var stageErr *StageError
	assert.False(t, errors.As(err, &stageErr))
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, -1, result.ExitCode)
	assert.Empty(t, exec.executed)
}

// A checkout failure is still a full run from the outside: consumers
// get the run-level event pair and the failed outcome in metrics, same
// as a stage failure.
func TestRunSourceFetchFailureEmitsRunLifecycle(t *testing.T) {
	pub := &capturePublisher{}
	rec := &captureRecorder{}
	r := NewRunner(
		WithEvents(pub),
		WithMetrics(rec),
		WithSourceFetcher(fetcherFunc(func(context.Context, Source, string) error {
			return errors.New("clone refused")
		})),
	)
	pipeline := &Pipeline{
		Source: &Source{URL: "https://example.com/repo.git"},
		Stages: []Stage{{Name: "build", Run: "cmd-build"}},
	}

	result, err := r.Run(t.Context(), pipeline, RunContext{WorkDir: t.TempDir()})
	require.Error(t, err)

	types := make([]string, 0, len(pub.events))
	for _, ev := range pub.events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{events.TypeRunStarted, events.TypeRunFinished}, types)
	last := pub.events[1]
	assert.Equal(t, "failed", last.Status)
	assert.Equal(t, -1, last.ExitCode)

	assert.Equal(t, []string{"failed"}, rec.outcomes)
	assert.Equal(t, 1, rec.runDurations)
	assert.False(t, result.Finished.IsZero())
}

func TestRunStatusString(t *testing.T) {
	assert.Equal(t, "not_started", StatusNotStarted.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "succeeded", StatusSucceeded.String())
	assert.Equal(t, "failed", StatusFailed.String())
}
