package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/telemetry"
)

func main() {
	var (
		configPath string
		output     string
		duration   time.Duration
		device     int
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&output, "output", "", "WAV file to write (overrides record.output)")
	flag.DurationVar(&duration, "duration", 0, "Recording length (overrides record.duration_ms)")
	flag.IntVar(&device, "device", -2, "Capture device index (overrides record.device)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if output != "" {
		cfg.Record.Output = output
	}
	if duration > 0 {
		cfg.Record.DurationMS = int(duration / time.Millisecond)
	}
	if device != -2 {
		cfg.Record.Device = device
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.Telemetry.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := record(ctx, cfg, os.Stdout, logger); err != nil {
		logger.Error("recording failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

// record captures record.duration_ms of audio from the configured backend and
// writes it as a 16-bit PCM WAV file.
func record(ctx context.Context, cfg config.Config, out io.Writer, logger *slog.Logger) error {
	rc := cfg.Record
	audioCfg := cfg.Audio
	audioCfg.Device = rc.Device
	audioCfg.SampleRate = rc.SampleRate
	audioCfg.Channels = rc.Channels
	audioCfg.ChunkFrames = rc.SampleRate / 10

	source, err := capture.New(audioCfg, logger)
	if err != nil {
		return err
	}

	want := rc.SampleRate * rc.DurationMS / 1000 * rc.Channels * audio.BytesPerSample
	var (
		mu       sync.Mutex
		pcm      = make([]byte, 0, want)
		full     = make(chan struct{})
		fullOnce sync.Once
		lost     = make(chan error, 1)
	)
	handler := func(chunk audio.Chunk, status capture.Status) {
		if status.Has(capture.StatusDeviceLost) {
			select {
			case lost <- fmt.Errorf("%w: %s", capture.ErrDeviceLost, status):
			default:
			}
			return
		}
		if status != 0 {
			logger.Warn("capture status", slog.String("status", status.String()))
		}
		mu.Lock()
		defer mu.Unlock()
		if len(pcm) < want {
			pcm = append(pcm, chunk.PCM...)
		}
		if len(pcm) >= want {
			fullOnce.Do(func() { close(full) })
		}
	}

	fmt.Fprintln(out, "Recording...")
	if err := source.Open(handler); err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}
	var exhausted <-chan struct{}
	if fin, ok := source.(capture.Finite); ok {
		exhausted = fin.Done()
	}

	select {
	case <-full:
	case <-exhausted:
	case err := <-lost:
		_ = source.Close()
		return err
	case <-ctx.Done():
		_ = source.Close()
		return ctx.Err()
	}
	if err := source.Close(); err != nil {
		logger.Warn("capture close failed", slog.String("error", err.Error()))
	}

	mu.Lock()
	if len(pcm) > want {
		pcm = pcm[:want]
	}
	clip := audio.Clip{SampleRate: rc.SampleRate, Channels: rc.Channels, PCM: pcm}
	mu.Unlock()

	if err := audio.SaveWAV(rc.Output, clip); err != nil {
		return err
	}
	logger.Info("recording saved", slog.String("path", rc.Output), slog.Duration("duration", clip.Duration()))
	fmt.Fprintf(out, "Saved as %s\n", rc.Output)
	return nil
}
