package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"github.com/loqalabs/loqa-listen/internal/telemetry"
	"github.com/loqalabs/loqa-listen/internal/transcribe"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		inputPath   string
		showVersion bool
		listDevices bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&inputPath, "input", "", "Transcribe a WAV file instead of the microphone")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&listDevices, "list-devices", false, "List capture devices and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if inputPath != "" {
		cfg.Audio.Backend = "wav"
		cfg.Audio.Input = inputPath
	}

	// stdout carries transcripts only.
	logger := telemetry.NewLogger(os.Stderr, cfg.Telemetry.LogLevel)

	if listDevices {
		if err := printDevices(cfg.Audio.Backend); err != nil {
			logger.Error("failed to list devices", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("transcription failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	providers, err := telemetry.Setup(ctx, cfg, os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	if cfg.Telemetry.PrometheusBind != "" && providers.Metrics != nil {
		stopMetrics := serveMetrics(cfg.Telemetry.PrometheusBind, providers.Metrics, logger)
		defer stopMetrics()
	}

	source, err := capture.New(cfg.Audio, logger)
	if err != nil {
		return err
	}
	rec, err := stt.New(cfg.Recognizer, cfg.Audio.SampleRate, logger)
	if err != nil {
		return err
	}

	sinks, closeSinks, err := openSinks(ctx, cfg, logger)
	if err != nil {
		_ = rec.Close()
		return err
	}
	defer closeSinks()

	session, err := transcribe.NewSession(transcribe.Options{
		Source:       source,
		Recognizer:   rec,
		Console:      os.Stdout,
		Sinks:        sinks,
		StatusPolicy: cfg.Audio.StatusPolicy,
		Logger:       logger,
	})
	if err != nil {
		_ = rec.Close()
		return err
	}
	logger.Info("listening",
		slog.String("session_id", session.ID()),
		slog.String("backend", cfg.Audio.Backend),
		slog.String("recognizer", cfg.Recognizer.Mode),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("chunk_frames", cfg.Audio.ChunkFrames))
	return session.Run(ctx)
}

// openSinks connects the optional transcript sinks. Failure to reach the bus
// or open the store is a startup error.
func openSinks(ctx context.Context, cfg config.Config, logger *slog.Logger) ([]transcribe.Sink, func(), error) {
	var (
		sinks   []transcribe.Sink
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.EventStore.RetentionMode != "ephemeral" {
		store, err := eventstore.Open(ctx, cfg.EventStore, logger)
		if err != nil {
			return nil, closeAll, fmt.Errorf("open event store: %w", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		sinks = append(sinks, store)
	}

	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		embedded, err := natsserver.Start(busCfg, logger)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		if embedded != nil {
			closers = append(closers, embedded.Shutdown)
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, cfg.RuntimeName, logger)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, client.Close)
		sinks = append(sinks, bus.NewTranscriptPublisher(client))
	}

	return sinks, closeAll, nil
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics listening", slog.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printDevices(backend string) error {
	devices, err := capture.ListDevices(backend)
	if err != nil {
		return err
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %d: %s (inputs=%d, default_rate=%.0f)\n", marker, d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return nil
}
