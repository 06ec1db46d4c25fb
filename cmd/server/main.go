// Peertrade - Escrowed peer-to-peer trade coordination
package main

import (
	"context"
	"os"

	"github.com/peertradehq/peertrade/internal/config"
	"github.com/peertradehq/peertrade/internal/logging"
	"github.com/peertradehq/peertrade/internal/server"
	"github.com/peertradehq/peertrade/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger, replaced once the configured level is known
	logger := logging.New("info", "text")

	logger.Info("starting peertrade",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	// OTLP trace export, disabled when no endpoint is set
	shutdownTraces, err := traces.Init(ctx, traces.Config{
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Version:     Version,
		Environment: cfg.Env,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	runErr := srv.Run(ctx)

	// Flush buffered spans before exiting
	if err := shutdownTraces(context.Background()); err != nil {
		logger.Error("trace shutdown failed", "error", err)
	}
	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
}
