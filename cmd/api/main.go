// cmd/api/main.go
package main

import (
	"log/slog"
	"os"

	"covernexus/internal/config"
	"covernexus/internal/gateway"
	"covernexus/internal/platform"
	"covernexus/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(config.ServiceGateway, cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ValidateFor(config.ServiceGateway); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	r := platform.NewRouter(config.ServiceGateway, logger)
	if err := gateway.Mount(r, cfg.MembershipServiceURL, cfg.BillingServiceURL, logger); err != nil {
		logger.Error("failed to configure gateway", "error", err)
		os.Exit(1)
	}
	if err := platform.Serve(":"+cfg.Port, r, logger); err != nil {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}
