package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerio-ai/taskgate"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// The logger exists before config loads, so the level is read from the
	// environment directly. Unrecognized values fall back to info.
	level := slog.LevelInfo
	switch os.Getenv("TASKGATE_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := taskgate.New(
		taskgate.WithLogger(logger),
		taskgate.WithVersion(version),
	)
	if err != nil {
		return err
	}

	if err := app.Run(ctx); err != nil {
		return err
	}

	slog.Info("taskgate stopped")
	return nil
}
