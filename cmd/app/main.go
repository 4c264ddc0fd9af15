// cmd/app/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"consensus_health/pkg/cache"
	"consensus_health/pkg/config"
	"consensus_health/pkg/dirauth"
	"consensus_health/pkg/engine"
	"consensus_health/pkg/metadata"
	"consensus_health/pkg/report"
	"consensus_health/pkg/scheduler"
	"consensus_health/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	dataDir    = flag.String("data-dir", "./data", "Data directory path")
	debug      = flag.Bool("debug", false, "Enable debug mode")
	once       = flag.Bool("once", false, "Run a single diagnostic round and exit")
)

// App wires the diagnostic engine and its refresh scheduler.
type App struct {
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

func main() {
	flag.Parse()

	// Initialize logger
	logger, err := initLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration",
			zap.String("path", *configFile),
			zap.Error(err),
		)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	// Create context for application lifecycle
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize application
	app, err := initializeApp(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	if *once {
		diagnostics, err := app.engine.Run(ctx)
		if err != nil {
			logger.Fatal("Diagnostic run failed", zap.Error(err))
		}
		if err := writeReport(diagnostics, *dataDir); err != nil {
			logger.Fatal("Failed to write report", zap.Error(err))
		}
		return
	}

	if err := app.scheduler.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// Setup shutdown handling
	setupGracefulShutdown(ctx, cancel, app, logger)

	// Block until shutdown signal
	<-ctx.Done()
}

func initializeApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	metaClient := metadata.NewHTTPClient(cfg.Metadata.URL, cfg.Metadata.Timeout, logger)
	fetcher := dirauth.NewFetcher(cfg.Fetch.AuthorityTimeout, logger)

	degradationCache, err := cache.New(cfg.Cache.Dir, cfg.Cache.MaxStaleness, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing cache: %w", err)
	}

	eng := engine.New(cfg, metaClient, fetcher, degradationCache, logger)

	sink := func(diagnostics *report.DiagnosticsReport) {
		if err := writeReport(diagnostics, *dataDir); err != nil {
			logger.Error("Failed to write report", zap.Error(err))
		}
	}
	sched := scheduler.NewScheduler(eng.Run, sink, &cfg.Scheduler, logger)

	return &App{
		engine:    eng,
		scheduler: sched,
		logger:    logger,
	}, nil
}

// writeReport hands the report to the on-disk boundary consumed by the
// rendering layer.
func writeReport(diagnostics *report.DiagnosticsReport, dir string) error {
	payload, err := json.MarshalIndent(diagnostics, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	path := filepath.Join(dir, "diagnostics-report.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing report: %w", err)
	}
	return nil
}

func setupGracefulShutdown(ctx context.Context, cancel context.CancelFunc, app *App, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case <-ctx.Done():
			logger.Info("Context cancelled")
		}

		if err := app.scheduler.Stop(); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
			os.Exit(1)
		}

		cancel() // Cancel main context
	}()
}

func initLogger(debug bool) (*zap.Logger, error) {
	cfg := utils.DefaultLogConfig()
	if debug {
		cfg.Level = "debug"
		cfg.Debug = true
	}
	return utils.NewLogger(cfg)
}
