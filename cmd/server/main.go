package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/ledgerpipe/service/config"
	"github.com/brojonat/ledgerpipe/service/metrics"
	natspkg "github.com/brojonat/ledgerpipe/service/nats"
	"github.com/brojonat/ledgerpipe/service/server"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"echo_url", cfg.EchoURL,
		"verifier", cfg.Verifier,
		"log_level", cfg.LogLevel,
	)

	// Initialize Prometheus metrics collector (default registry, served on /metrics)
	metricsCollector := metrics.NewMetrics(nil)

	// Applied transactions are published to NATS when configured
	var publisher natspkg.Publisher
	var ssePublisher *server.SSEPublisher
	if cfg.NATSURL != "" {
		jsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer jsPublisher.Close()
		publisher = jsPublisher

		ssePublisher, err = server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create SSE publisher", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, event stream disabled")
	}

	// The server's ledger receives submitted batches; its peer is ECHO_URL,
	// which may be this server's own /echo.
	controller, err := cfg.NewController(metricsCollector, publisher, logger)
	if err != nil {
		logger.Error("failed to create pipeline controller", "error", err)
		os.Exit(1)
	}

	httpServer := server.New(cfg.ServerAddr, controller, ssePublisher, cfg.EchoDelay, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"genesis", cfg.GenesisAddress,
		"supply", cfg.GenesisSupply,
		"nats_enabled", publisher != nil,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
