// Package main is the entry point for TenantGate, the admission control
// sidecar for multi-tenant edge gateways.
//
// TenantGate sits next to the realtime and graphql edge services and
// provides:
//   - Per-project authorization snapshots cached from the project authority
//   - Fail-closed admission decisions (lifecycle, service enablement, quota)
//   - Concurrent-connection counting, in-process or shared via Redis
//   - Full observability: Prometheus metrics, health checks, structured logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tenantgate/tenantgate/internal/config"
	"github.com/tenantgate/tenantgate/internal/observability"
	"github.com/tenantgate/tenantgate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("tenantgate %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting tenantgate", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("tenantgate shut down gracefully")
}
