package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"hsaledger/internal/infrastructure"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "hsaledger",
	})
	slog.SetDefault(slog.New(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		logger.Fatal("bootstrap failed", "error", err)
	}
	defer cleanup()

	logger.Info("hsaledger is running")

	if err := app.Run(ctx); err != nil {
		logger.Fatal("server error", "error", err)
	}
}
