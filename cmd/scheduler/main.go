// cmd/scheduler/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"covernexus/internal/clients"
	"covernexus/internal/config"
	"covernexus/internal/scheduler"
	"covernexus/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(config.ServiceScheduler, cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ValidateFor(config.ServiceScheduler); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := telemetry.InitTracing(context.Background(), config.ServiceScheduler, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	// A reminder pass can run for minutes.
	billingClient := clients.NewBillingClient(cfg.BillingServiceURL, cfg.InternalAPIKey, 15*time.Minute)
	s := scheduler.New(billingClient, logger, scheduler.Config{
		Schedule:   cfg.ReminderSchedule,
		Location:   cfg.Location(),
		JobTimeout: 15 * time.Minute,
	})
	if err := s.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started", "next_run", s.Next())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-s.Stop().Done()
	logger.Info("scheduler stopped gracefully")
}
