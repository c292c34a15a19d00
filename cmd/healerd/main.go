// Healerd is a self-healing remediation daemon.
//
// It loads a playbook catalog, connects to Postgres, and runs the
// remediation engine in-process: diagnoses come in through the engine API,
// ranked playbooks execute against an action executor registered by the
// embedding application, and outcomes feed the learning loop. The HTTP
// listener serves observability only (/metrics, /healthz).
//
// Usage:
//
//	# Start with defaults
//	healerd
//
//	# Configure via file and environment
//	healerd -config /etc/healerd/config.yaml
//	HEALERD_SERVER_PORT=9000 healerd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/healerd/internal/capa"
	"github.com/fyrsmithlabs/healerd/internal/config"
	"github.com/fyrsmithlabs/healerd/internal/engine"
	"github.com/fyrsmithlabs/healerd/internal/executor"
	"github.com/fyrsmithlabs/healerd/internal/incident"
	"github.com/fyrsmithlabs/healerd/internal/metrics"
	"github.com/fyrsmithlabs/healerd/internal/mttr"
	"github.com/fyrsmithlabs/healerd/internal/outcome"
	"github.com/fyrsmithlabs/healerd/internal/playbook"
	"github.com/fyrsmithlabs/healerd/internal/ranking"
	"github.com/fyrsmithlabs/healerd/internal/run"
	"github.com/fyrsmithlabs/healerd/internal/store"
	"github.com/fyrsmithlabs/healerd/internal/verification"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  healerd            Start the healerd daemon\n")
			fmt.Fprintf(os.Stderr, "  healerd version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := runDaemon(ctx, *configPath); err != nil {
		log.Fatalf("healerd error: %v", err)
	}
	log.Println("healerd shutdown complete")
}

func printVersion() {
	fmt.Printf("healerd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// runDaemon wires the engine and blocks until the context is cancelled.
func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting healerd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	db, err := store.Open(cfg.Database.DSN(), logger.Named("store"))
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	catalog, err := playbook.LoadCatalogFile(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("load playbook catalog: %w", err)
	}
	if err := db.SyncCatalog(ctx, catalog); err != nil {
		return fmt.Errorf("sync catalog: %w", err)
	}
	logger.Info("playbook catalog loaded",
		zap.String("path", cfg.Catalog.Path),
		zap.Int("playbooks", catalog.Len()),
	)

	m := metrics.NewMetrics()
	events := incident.NewLog(db, logger.Named("incident"))

	orch, err := run.NewOrchestrator(run.Options{
		Catalog:  catalog,
		Executor: noopExecutor(logger),
		Verifier: verification.NewEngine(noopRunner(), logger.Named("verification")),
		Store:    db,
		Events:   events,
		Metrics:  m,
		Config:   &run.Config{RunTimeout: cfg.Run.Timeout.Duration()},
		Logger:   logger.Named("run"),
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	recorder, err := outcome.NewRecorder(db, logger.Named("outcome"))
	if err != nil {
		return fmt.Errorf("create outcome recorder: %w", err)
	}
	policy := ranking.NewPolicy(cfg.Ranking.SmoothingWeight, logger.Named("ranking"))
	tracker := mttr.NewTracker(&mttr.Config{
		ShortWindow: cfg.MTTR.ShortWindow.Duration(),
		LongWindow:  cfg.MTTR.LongWindow.Duration(),
	}, logger.Named("mttr"))
	escalator := capa.NewEscalator(capa.Config{Enabled: cfg.CAPA.Enabled}, nil, m, logger.Named("capa"))

	eng, err := engine.New(engine.Options{
		Catalog:      catalog,
		Orchestrator: orch,
		Policy:       policy,
		Recorder:     recorder,
		Tracker:      tracker,
		Incidents:    events,
		Escalator:    escalator,
		Metrics:      m,
		Logger:       logger.Named("engine"),
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if cfg.Ranking.Rehydrate {
		replayed, err := eng.RehydratePolicy(ctx)
		if err != nil {
			logger.Warn("policy rehydration failed", zap.Error(err))
		} else {
			logger.Info("ranking policy rehydrated", zap.Int("replayed", replayed))
		}
	}

	return serveObservability(ctx, cfg.Server, logger)
}

// serveObservability runs the /metrics and /healthz listener until shutdown.
func serveObservability(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("observability listener started", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("observability listener: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown observability listener: %w", err)
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Development {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(level)
		return zcfg.Build()
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// noopExecutor stands in until the embedding application registers real
// action drivers. Every action fails so misconfiguration is visible instead
// of silently "succeeding".
func noopExecutor(logger *zap.Logger) executor.Executor {
	return executor.Func(func(_ context.Context, action string, _ map[string]any, _ time.Duration) (executor.RawResult, error) {
		logger.Warn("no action executor registered", zap.String("action", action))
		return executor.RawResult{}, fmt.Errorf("no executor registered for action %q", action)
	})
}

// noopRunner fails every verification check for the same reason.
func noopRunner() verification.Runner {
	return verification.RunnerFunc(func(_ context.Context, check playbook.Check, _ executor.ExecutionResult) (bool, string, error) {
		return false, "", fmt.Errorf("no check runner registered for %q", check.Name)
	})
}
