// Package main runs the periodic harvester: every registered service is
// topped up on a cron schedule and Prometheus metrics are served over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/raphaelgruber/igsnharvest/internal/app"
	"github.com/raphaelgruber/igsnharvest/internal/config"
	"github.com/raphaelgruber/igsnharvest/internal/server"
	"github.com/raphaelgruber/igsnharvest/internal/service"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("igsnh-scheduler starting",
		"version", version,
		"backend", cfg.Backend,
		"schedule", cfg.Schedule,
		"metrics_addr", cfg.MetricsAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	deps, err := app.New(startCtx, cfg, reg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing store")
		if err := deps.Close(context.Background()); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	// A previous process may have died mid-harvest.
	if _, err := deps.Registry.Jobs().RecoverInterrupted(ctx); err != nil {
		logger.Warn("failed to recover interrupted jobs", "error", err)
	}

	scheduler, err := service.NewScheduler(deps.Registry, cfg.Schedule, service.TopUpOptions{
		MetadataPrefix: cfg.MetadataPrefix,
		IgnoreDeleted:  cfg.IgnoreDeleted,
	}, cfg.Concurrency, logger)
	if err != nil {
		return err
	}

	status := server.New(cfg.MetricsAddr, version, reg, deps.Registry.Jobs(), deps.Metrics.Collector(), logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- status.Run(ctx) }()

	scheduler.Start(ctx)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("status server error", "error", err)
		}
	}

	// Stop cancels running top-ups and waits for their jobs to be recorded.
	scheduler.Stop()
	stop()
	if err := <-serverErr; err != nil {
		logger.Error("status server shutdown", "error", err)
	}

	logger.Info("igsnh-scheduler stopped")
	return nil
}
