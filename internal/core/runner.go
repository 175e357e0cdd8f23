package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conveyor/internal/events"
	"conveyor/internal/journal"
	"conveyor/internal/metrics"
	"conveyor/internal/storage"
)

// SourceFetcher clones a pipeline's declared source into the run
// workspace before the first stage.
type SourceFetcher interface {
	Fetch(ctx context.Context, src Source, workDir string) error
}

// Runner executes pipelines: strictly sequential, fail-fast, one shell
// block per stage. Log storage, the journal, metrics and events are all
// best-effort collaborators; only the stages themselves decide the run's
// outcome.
type Runner struct {
	Executor  CommandExecutor
	Scheduler *Scheduler
	Logs      *storage.LogStore
	Journal   *journal.Journal
	Source    SourceFetcher
	Metrics   metrics.Recorder
	Events    events.Publisher
	Logger    *zap.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithExecutor(e CommandExecutor) RunnerOption {
	return func(r *Runner) { r.Executor = e }
}

func WithLogStore(ls *storage.LogStore) RunnerOption {
	return func(r *Runner) { r.Logs = ls }
}

func WithJournal(j *journal.Journal) RunnerOption {
	return func(r *Runner) { r.Journal = j }
}

func WithSourceFetcher(f SourceFetcher) RunnerOption {
	return func(r *Runner) { r.Source = f }
}

func WithMetrics(m metrics.Recorder) RunnerOption {
	return func(r *Runner) { r.Metrics = m }
}

func WithEvents(p events.Publisher) RunnerOption {
	return func(r *Runner) { r.Events = p }
}

func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) { r.Logger = l }
}

// NewRunner creates a Runner with a shell executor and no-op
// collaborators, then applies opts.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		Executor:  NewShellExecutor(),
		Scheduler: NewScheduler(),
		Metrics:   metrics.NoopRecorder{},
		Events:    events.NoopPublisher{},
		Logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every stage of an already-validated pipeline in
// declaration order and stops at the first non-zero exit. The returned
// RunResult is complete in both cases; on stage failure the error is a
// *StageError carrying the stage name and its exit code unchanged.
func (r *Runner) Run(ctx context.Context, pipeline *Pipeline, runCtx RunContext) (*RunResult, error) {
	runID := runCtx.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	result := &RunResult{
		ID:      runID,
		Agent:   pipeline.Agent,
		Status:  StatusNotStarted,
		Started: time.Now(),
	}
	log := r.Logger.With(zap.String("run_id", result.ID))

	result.Status = StatusRunning
	runStart := time.Now()
	r.publish(ctx, events.Event{Type: events.TypeRunStarted, RunID: result.ID, Agent: pipeline.Agent, Time: runStart})
	log.Info("pipeline started",
		zap.String("agent", pipeline.Agent),
		zap.Int("stages", len(pipeline.Stages)),
		zap.String("workdir", runCtx.WorkDir))

	if pipeline.Source != nil && r.Source != nil {
		log.Info("fetching source", zap.String("url", pipeline.Source.URL))
		if err := r.Source.Fetch(ctx, *pipeline.Source, runCtx.WorkDir); err != nil {
			log.Error("source fetch failed", zap.Error(err))
			r.finish(ctx, result, "", -1, runStart)
			return result, fmt.Errorf("fetch source: %w", err)
		}
	}

	env := runCtx.Environment()

	for i := 0; ; i++ {
		stage, ok := r.Scheduler.Next(pipeline, i)
		if !ok {
			break
		}
		stageLog := log.With(zap.String("stage", stage.Name), zap.Int("index", i))
		stageLog.Info("stage started")

		stageCtx := ctx
		cancel := context.CancelFunc(func() {})
		if runCtx.StageTimeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, runCtx.StageTimeout)
		}
		stageStart := time.Now()
		output, code, execErr := r.Executor.Execute(stageCtx, stage.Run, runCtx.WorkDir, env)
		cancel()
		elapsed := time.Since(stageStart)

		logPath, logDigest := r.saveLog(result.ID, i, stage.Name, output, stageLog)
		result.Stages = append(result.Stages, StageResult{
			Name:     stage.Name,
			ExitCode: code,
			Duration: elapsed,
			LogPath:  logPath,
		})
		r.appendJournal(result.ID, stage.Name, code, logPath, logDigest, pipeline.Agent, stageLog)
		r.Metrics.ObserveStageDuration(stage.Name, elapsed)
		r.publish(ctx, events.Event{
			Type:     events.TypeStageFinished,
			RunID:    result.ID,
			Agent:    pipeline.Agent,
			Stage:    stage.Name,
			ExitCode: code,
			Time:     time.Now(),
		})

		if execErr != nil {
			r.Metrics.IncStageResult(stage.Name, metrics.ResultCanceled)
			stageLog.Error("stage aborted", zap.Error(execErr), zap.Duration("duration", elapsed))
			r.finish(ctx, result, stage.Name, code, runStart)
			return result, fmt.Errorf("stage %q: %w", stage.Name, execErr)
		}
		if code != 0 {
			r.Metrics.IncStageResult(stage.Name, metrics.ResultFailed)
			stageLog.Warn("stage failed", zap.Int("exit_code", code), zap.Duration("duration", elapsed))
			r.finish(ctx, result, stage.Name, code, runStart)
			return result, &StageError{Stage: stage.Name, ExitCode: code}
		}
		r.Metrics.IncStageResult(stage.Name, metrics.ResultSuccess)
		stageLog.Info("stage completed", zap.Duration("duration", elapsed))
	}

	r.finish(ctx, result, "", 0, runStart)
	log.Info("pipeline finished", zap.Duration("duration", result.Finished.Sub(result.Started)))
	return result, nil
}

// finish seals the result and emits the run-level metrics and event.
func (r *Runner) finish(ctx context.Context, result *RunResult, failedStage string, exitCode int, runStart time.Time) {
	result.Finished = time.Now()
	if failedStage == "" && exitCode == 0 {
		result.Status = StatusSucceeded
	} else {
		result.Status = StatusFailed
		result.FailedStage = failedStage
		result.ExitCode = exitCode
	}
	r.Metrics.ObserveRunDuration(time.Since(runStart))
	r.Metrics.IncRunOutcome(result.Status.String())
	r.publish(ctx, events.Event{
		Type:     events.TypeRunFinished,
		RunID:    result.ID,
		Agent:    result.Agent,
		Stage:    failedStage,
		ExitCode: exitCode,
		Status:   result.Status.String(),
		Time:     result.Finished,
	})
}

// saveLog stores stage output if a log store is configured. Failures are
// logged and swallowed so they never affect the run outcome.
func (r *Runner) saveLog(runID string, index int, stage string, output []byte, log *zap.Logger) (string, string) {
	if r.Logs == nil {
		return "", ""
	}
	path, digest, err := r.Logs.Save(runID, index, stage, output)
	if err != nil {
		log.Warn("cannot save stage log", zap.Error(err))
		return "", ""
	}
	return path, digest
}

// appendJournal records the stage in the journal if one is configured.
// Best-effort, same as saveLog.
func (r *Runner) appendJournal(runID, stage string, exitCode int, logPath, logDigest, agent string, log *zap.Logger) {
	if r.Journal == nil {
		return
	}
	if _, err := r.Journal.AppendNew(runID, stage, exitCode, logPath, logDigest, agent); err != nil {
		log.Warn("cannot append journal entry", zap.Error(err))
	}
}

func (r *Runner) publish(ctx context.Context, ev events.Event) {
	if err := r.Events.Publish(ctx, ev); err != nil {
		r.Logger.Warn("cannot publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}
