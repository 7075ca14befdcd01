package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/matrix-gitter/matrix-gitter/common/version"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/app"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/config"
)

func main() {
	fmt.Printf("Matrix-Gitter Bridge %s\n\n", version.Info())

	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	bridge, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize bridge: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running bridge: %v\n", err)
		os.Exit(1)
	}
}
