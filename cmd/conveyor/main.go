package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"conveyor/internal/checkout"
	"conveyor/internal/config"
	"conveyor/internal/core"
	"conveyor/internal/daemon"
	"conveyor/internal/events"
	"conveyor/internal/history"
	"conveyor/internal/journal"
	"conveyor/internal/metrics"
	"conveyor/internal/server"
	"conveyor/internal/storage"
)

var cli struct {
	Config  string `short:"c" help:"Configuration file path" default:"conveyor.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Run struct {
		Pipeline string        `arg:"" optional:"" default:"pipeline.yaml" help:"Pipeline definition file"`
		WorkDir  string        `short:"w" help:"Working directory for stage commands (overrides config)"`
		Timeout  time.Duration `help:"Per-stage timeout (overrides config)"`
	} `cmd:"" help:"Run a pipeline to completion"`

	Validate struct {
		Pipeline string `arg:"" optional:"" default:"pipeline.yaml" help:"Pipeline definition file"`
	} `cmd:"" help:"Validate a pipeline definition without running it"`

	Serve struct {
		Addr string `help:"Listen address (overrides config)"`
	} `cmd:"" help:"Serve the pipeline HTTP API"`

	Daemon struct {
		Pipeline string `arg:"" optional:"" help:"Pipeline definition file (overrides config)"`
		Schedule string `help:"Cron schedule (overrides config)"`
		Watch    bool   `help:"Re-run when the definition file changes"`
	} `cmd:"" help:"Run a pipeline on a schedule or on file changes"`

	History struct {
		ID    string `arg:"" optional:"" help:"Show one run in detail"`
		Limit int    `default:"20" help:"Number of runs to list"`
	} `cmd:"" help:"Show recent runs"`

	Journal struct {
		Verify struct{} `cmd:"" help:"Verify the run journal hash chain"`
		Keygen struct{} `cmd:"" help:"Generate the journal signing keypair"`
	} `cmd:"" help:"Inspect the run journal"`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("conveyor"),
		kong.Description("Sequential, fail-fast pipeline runner."),
	)

	logger := newLogger(cli.Verbose)
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		logger.Error("cannot load configuration", zap.Error(err))
		os.Exit(1)
	}

	switch kctx.Command() {
	case "run", "run <pipeline>":
		os.Exit(runPipeline(cfg, logger))
	case "validate", "validate <pipeline>":
		os.Exit(validatePipeline())
	case "serve":
		os.Exit(serve(cfg, logger))
	case "daemon", "daemon <pipeline>":
		os.Exit(runDaemon(cfg, logger))
	case "history", "history <id>":
		os.Exit(showHistory(cfg))
	case "journal verify":
		os.Exit(verifyJournal(cfg))
	case "journal keygen":
		os.Exit(keygen(cfg))
	default:
		kctx.PrintUsage(false)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// newRunner assembles a Runner from the configuration. The returned
// cleanup must be called after the last run.
func newRunner(cfg *config.Config, logger *zap.Logger, reg *prom.Registry) (*core.Runner, func(), error) {
	opts := []core.RunnerOption{
		core.WithLogger(logger),
		core.WithLogStore(storage.NewLogStore(cfg.LogDir)),
		core.WithSourceFetcher(checkout.NewClient(logger)),
	}

	jrnl, err := openJournal(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, core.WithJournal(jrnl))

	if reg != nil {
		opts = append(opts, core.WithMetrics(metrics.NewPrometheusRecorder(reg)))
	}

	cleanup := func() {}
	if cfg.Events.Enabled {
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			return nil, nil, fmt.Errorf("connect event publisher: %w", err)
		}
		opts = append(opts, core.WithEvents(pub))
		cleanup = pub.Close
	}

	return core.NewRunner(opts...), cleanup, nil
}

func openJournal(cfg *config.Config) (*journal.Journal, error) {
	if !cfg.SignJournal {
		return journal.Open(cfg.JournalPath)
	}
	pub, priv, err := journal.EnsureKeyPair(keyPaths(cfg))
	if err != nil {
		return nil, fmt.Errorf("load journal keys: %w", err)
	}
	return journal.OpenSigned(cfg.JournalPath, priv, pub)
}

func keyPaths(cfg *config.Config) (string, string) {
	return filepath.Join(cfg.KeyDir, "journal.pub"), filepath.Join(cfg.KeyDir, "journal.priv")
}

func openHistory(cfg *config.Config, logger *zap.Logger) history.Store {
	store, err := history.NewSQLiteStore(cfg.HistoryDB)
	if err != nil {
		logger.Warn("cannot open history store, runs will not be recorded", zap.Error(err))
		return nil
	}
	return store
}

func runPipeline(cfg *config.Config, logger *zap.Logger) int {
	pipeline, err := core.LoadPipeline(cli.Run.Pipeline)
	if err != nil {
		logger.Error("cannot load pipeline", zap.String("path", cli.Run.Pipeline), zap.Error(err))
		return 1
	}

	runner, cleanup, err := newRunner(cfg, logger, nil)
	if err != nil {
		logger.Error("cannot build runner", zap.Error(err))
		return 1
	}
	defer cleanup()

	workDir := cfg.WorkDir
	if cli.Run.WorkDir != "" {
		workDir = cli.Run.WorkDir
	}
	timeout := cfg.StageTimeout
	if cli.Run.Timeout > 0 {
		timeout = cli.Run.Timeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, runErr := runner.Run(ctx, pipeline, core.RunContext{
		WorkDir:      workDir,
		StageTimeout: timeout,
	})

	if store := openHistory(cfg, logger); store != nil {
		if err := store.RecordRun(context.Background(), result); err != nil {
			logger.Warn("cannot record run", zap.Error(err))
		}
		_ = store.Close()
	}

	if runErr != nil {
		var stageErr *core.StageError
		if errors.As(runErr, &stageErr) {
			fmt.Fprintf(os.Stderr, "run %s failed: %v\n", result.ID, stageErr)
			return stageErr.ExitCode
		}
		fmt.Fprintf(os.Stderr, "run %s aborted: %v\n", result.ID, runErr)
		return 1
	}

	fmt.Printf("run %s succeeded (%d stages)\n", result.ID, len(result.Stages))
	return 0
}

func validatePipeline() int {
	pipeline, err := core.LoadPipeline(cli.Validate.Pipeline)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	fmt.Printf("ok: %d stages\n", len(pipeline.Stages))
	return 0
}

func serve(cfg *config.Config, logger *zap.Logger) int {
	reg := prom.NewRegistry()
	runner, cleanup, err := newRunner(cfg, logger, reg)
	if err != nil {
		logger.Error("cannot build runner", zap.Error(err))
		return 1
	}
	defer cleanup()

	store := openHistory(cfg, logger)
	if store != nil {
		defer store.Close()
	}

	addr := cfg.Server.Addr
	if cli.Serve.Addr != "" {
		addr = cli.Serve.Addr
	}

	srv := server.New(server.Options{
		Runner:       runner,
		History:      store,
		WorkBase:     cfg.WorkDir,
		StageTimeout: cfg.StageTimeout,
		Registry:     reg,
		Logger:       logger,
	})

	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving pipeline API", zap.String("addr", addr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", zap.Error(err))
		return 1
	}
	srv.Wait()
	return 0
}

func runDaemon(cfg *config.Config, logger *zap.Logger) int {
	runner, cleanup, err := newRunner(cfg, logger, nil)
	if err != nil {
		logger.Error("cannot build runner", zap.Error(err))
		return 1
	}
	defer cleanup()

	store := openHistory(cfg, logger)
	if store != nil {
		defer store.Close()
	}

	opts := daemon.Options{
		Runner:       runner,
		History:      store,
		PipelinePath: cfg.Daemon.Pipeline,
		Schedule:     cfg.Daemon.Schedule,
		Watch:        cfg.Daemon.Watch,
		Debounce:     cfg.Daemon.Debounce,
		WorkBase:     cfg.WorkDir,
		StageTimeout: cfg.StageTimeout,
		Logger:       logger,
	}
	if cli.Daemon.Pipeline != "" {
		opts.PipelinePath = cli.Daemon.Pipeline
	}
	if cli.Daemon.Schedule != "" {
		opts.Schedule = cli.Daemon.Schedule
	}
	if cli.Daemon.Watch {
		opts.Watch = true
	}

	d, err := daemon.New(opts)
	if err != nil {
		logger.Error("cannot start daemon", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon failed", zap.Error(err))
		return 1
	}
	return 0
}

func showHistory(cfg *config.Config) int {
	store, err := history.NewSQLiteStore(cfg.HistoryDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open history: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx := context.Background()
	if cli.History.ID != "" {
		run, err := store.GetRun(ctx, cli.History.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Printf("%s  %s  agent=%s  started=%s\n", run.ID, run.Status, run.Agent, run.Started.Format(time.RFC3339))
		for _, st := range run.Stages {
			fmt.Printf("  %2d  %-30s exit=%d  %dms\n", st.Index, st.Name, st.ExitCode, st.DurationMS)
		}
		if run.FailedStage != "" {
			fmt.Printf("failed at %q with exit code %d\n", run.FailedStage, run.ExitCode)
		}
		return 0
	}

	runs, err := store.ListRuns(ctx, cli.History.Limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot list runs: %v\n", err)
		return 1
	}
	for _, run := range runs {
		fmt.Printf("%s  %-9s  agent=%-10s  %s\n", run.ID, run.Status, run.Agent, run.Started.Format(time.RFC3339))
	}
	return 0
}

func verifyJournal(cfg *config.Config) int {
	jrnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open journal: %v\n", err)
		return 1
	}
	if err := jrnl.Verify(); err != nil {
		fmt.Fprintf(os.Stderr, "journal verification failed: %v\n", err)
		return 1
	}
	fmt.Printf("journal ok (%d entries)\n", len(jrnl.Entries()))
	return 0
}

func keygen(cfg *config.Config) int {
	pubPath, privPath := keyPaths(cfg)
	if _, err := os.Stat(pubPath); err == nil {
		fmt.Fprintf(os.Stderr, "keypair already exists at %s\n", cfg.KeyDir)
		return 1
	}
	if _, _, err := journal.EnsureKeyPair(pubPath, privPath); err != nil {
		fmt.Fprintf(os.Stderr, "cannot generate keypair: %v\n", err)
		return 1
	}
	fmt.Printf("keypair written to %s\n", cfg.KeyDir)
	return 0
}
