// Package daemon runs a pipeline definition repeatedly: on a cron
// schedule, on definition-file changes, or both.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"conveyor/internal/core"
	"conveyor/internal/history"
)

// Options configures a Daemon.
type Options struct {
	Runner  *core.Runner
	History history.Store

	// PipelinePath is the definition file each triggered run loads.
	PipelinePath string

	// Schedule is a cron expression (5 fields, or 6 with seconds).
	// Empty disables scheduled runs.
	Schedule string

	// Watch triggers a run whenever the definition file changes.
	Watch bool

	// Debounce coalesces bursts of file events into one run.
	Debounce time.Duration

	// WorkBase is the directory run workspaces are created under.
	WorkBase string

	StageTimeout time.Duration
	Logger       *zap.Logger
}

// Daemon triggers pipeline runs until its context is cancelled. Runs are
// strictly serialized: a trigger that fires while a run is in progress
// waits for it.
type Daemon struct {
	opts   Options
	logger *zap.Logger
	runCh  chan struct{}
}

// New creates a Daemon.
func New(opts Options) (*Daemon, error) {
	if opts.Schedule == "" && !opts.Watch {
		return nil, errors.New("daemon needs a schedule or watch enabled")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Daemon{
		opts:   opts,
		logger: logger,
		// Capacity 1: triggers arriving during a run coalesce into one
		// follow-up run.
		runCh: make(chan struct{}, 1),
	}, nil
}

// Start blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	// Set the scheduler up before any goroutine starts so a bad cron
	// expression fails fast.
	var sched gocron.Scheduler
	if d.opts.Schedule != "" {
		var err error
		sched, err = gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		withSeconds := len(strings.Fields(d.opts.Schedule)) == 6
		_, err = sched.NewJob(
			gocron.CronJob(d.opts.Schedule, withSeconds),
			gocron.NewTask(func() { d.trigger("schedule") }),
		)
		if err != nil {
			return fmt.Errorf("register cron job %q: %w", d.opts.Schedule, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runLoop(ctx) })

	if sched != nil {
		sched.Start()
		g.Go(func() error {
			<-ctx.Done()
			return sched.Shutdown()
		})
		d.logger.Info("scheduled runs enabled", zap.String("schedule", d.opts.Schedule))
	}

	if d.opts.Watch {
		g.Go(func() error { return d.watchLoop(ctx) })
		d.logger.Info("watch mode enabled", zap.String("pipeline", d.opts.PipelinePath))
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// trigger requests a run; requests during a run coalesce.
func (d *Daemon) trigger(source string) {
	select {
	case d.runCh <- struct{}{}:
		d.logger.Debug("run triggered", zap.String("source", source))
	default:
		// A run is already pending.
	}
}

// runLoop serializes triggered runs.
func (d *Daemon) runLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.runCh:
			d.runOnce(ctx)
		}
	}
}

// runOnce loads the definition and executes it. Failures are logged; the
// daemon keeps going.
func (d *Daemon) runOnce(ctx context.Context) {
	pipeline, err := core.LoadPipeline(d.opts.PipelinePath)
	if err != nil {
		d.logger.Error("cannot load pipeline", zap.String("path", d.opts.PipelinePath), zap.Error(err))
		return
	}

	workDir, err := os.MkdirTemp(d.opts.WorkBase, "run-*")
	if err != nil {
		d.logger.Error("cannot create run workspace", zap.Error(err))
		return
	}
	defer os.RemoveAll(workDir)

	result, runErr := d.opts.Runner.Run(ctx, pipeline, core.RunContext{
		WorkDir:      workDir,
		StageTimeout: d.opts.StageTimeout,
	})
	if runErr != nil {
		d.logger.Warn("run failed", zap.String("run_id", result.ID), zap.Error(runErr))
	}

	if d.opts.History != nil {
		if err := d.opts.History.RecordRun(ctx, result); err != nil {
			d.logger.Error("cannot record run", zap.String("run_id", result.ID), zap.Error(err))
		}
	}
}

// watchLoop watches the definition file's directory (editors replace
// files rather than writing in place) and triggers debounced runs.
func (d *Daemon) watchLoop(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(d.opts.PipelinePath)
	if err != nil {
		return fmt.Errorf("resolve pipeline path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(d.opts.Debounce, func() { d.trigger("watch") })
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}
