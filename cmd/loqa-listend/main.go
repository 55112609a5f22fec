package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/runner"
	"github.com/loqalabs/loqa-listen/internal/server"
	"github.com/loqalabs/loqa-listen/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.Telemetry.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	providers, err := telemetry.Setup(ctx, cfg, os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	sim, err := runner.New(cfg.Runner.Interpreter, logger)
	if err != nil {
		return err
	}

	opts := server.Options{Runner: sim, Metrics: providers.Metrics}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		store, err := eventstore.Open(ctx, cfg.EventStore, logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer store.Close()
		opts.Store = store
	}

	// The embedded bus belongs to loqa-listen; only an external bus is
	// checked for readiness here.
	if cfg.Bus.Enabled && !cfg.Bus.Embedded {
		client, err := bus.Connect(ctx, cfg.Bus, cfg.RuntimeName+"-http", logger)
		if err != nil {
			return err
		}
		defer client.Close()
		opts.Bus = client
	}

	return server.New(cfg, logger, opts).Start(ctx)
}
