package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"conveyor/internal/core"
	"conveyor/internal/history"
)

const watchedPipeline = `
stages:
  - name: hello
    run: echo hello
`

func writePipeline(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(watchedPipeline), 0o644))
}

// waitForRuns polls the history store until it holds at least n runs.
func waitForRuns(t *testing.T, store history.Store, n int, timeout time.Duration) []history.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		runs, err := store.ListRuns(context.Background(), 10)
		require.NoError(t, err)
		if len(runs) >= n {
			return runs
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected %d runs before %s", n, timeout)
	return nil
}

func TestNewRequiresTrigger(t *testing.T) {
	_, err := New(Options{Runner: core.NewRunner()})
	assert.Error(t, err)
}

func TestDaemonWatchTriggersRun(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	dir := t.TempDir()
	pipelinePath := filepath.Join(dir, "pipeline.yaml")
	writePipeline(t, pipelinePath)

	store, err := history.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	workBase := t.TempDir()
	d, err := New(Options{
		Runner:       core.NewRunner(),
		History:      store,
		PipelinePath: pipelinePath,
		Watch:        true,
		Debounce:     50 * time.Millisecond,
		WorkBase:     workBase,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// Give the watcher a moment, then touch the definition.
	time.Sleep(200 * time.Millisecond)
	writePipeline(t, pipelinePath)

	runs := waitForRuns(t, store, 1, 5*time.Second)
	assert.Equal(t, "succeeded", runs[0].Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	// Workspaces are removed once each run has been recorded.
	entries, err := os.ReadDir(workBase)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDaemonScheduleTriggersRun(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	dir := t.TempDir()
	pipelinePath := filepath.Join(dir, "pipeline.yaml")
	writePipeline(t, pipelinePath)

	store, err := history.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	d, err := New(Options{
		Runner:       core.NewRunner(),
		History:      store,
		PipelinePath: pipelinePath,
		Schedule:     "* * * * * *", // every second
		WorkBase:     t.TempDir(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitForRuns(t, store, 1, 10*time.Second)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
