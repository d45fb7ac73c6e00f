// Command toolbridge runs the gateway configured by TOOLBRIDGE_* environment
// variables.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/drblury/toolbridge"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := toolbridge.LoadConfig(toolbridge.DefaultConfigPrefix)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	baseLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	logger := toolbridge.NewSlogServiceLogger(baseLogger)

	gw, err := toolbridge.NewGateway(ctx, cfg, logger, toolbridge.GatewayDependencies{})
	if err != nil {
		logger.Error("failed to create gateway", err, nil)
		os.Exit(1)
	}

	if err := gw.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway stopped", err, nil)
		os.Exit(1)
	}
	logger.Info("gateway stopped", nil)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
