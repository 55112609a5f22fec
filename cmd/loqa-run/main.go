// Command loqa-run launches a script through the configured interpreter:
//
//	loqa-run <filename>
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/runner"
	"github.com/loqalabs/loqa-listen/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := runner.Main(ctx, os.Args[1:], os.Stderr, func(ctx context.Context, filename string) (int, error) {
		cfg, err := config.LoadRunner("")
		if err != nil {
			return 1, err
		}
		logger := telemetry.NewLogger(os.Stderr, cfg.Telemetry.LogLevel)
		r, err := runner.New(cfg.Runner.Interpreter, logger)
		if err != nil {
			return 1, err
		}
		logger.Debug("launching script", slog.String("script", filename), slog.String("interpreter", cfg.Runner.Interpreter))
		return r.Run(ctx, filename, os.Stdin, os.Stdout, os.Stderr)
	})
	stop()
	os.Exit(code)
}
