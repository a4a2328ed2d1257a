// cmd/chaos/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"covernexus/internal/chaos"
	"covernexus/internal/config"
	"covernexus/internal/telemetry"
)

const (
	drillMembers    = 20
	drillBudget     = 10 * time.Second
	drillLatency    = 25 * time.Millisecond
	drillRandomSeed = 2026
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger("chaos", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, "chaos", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	// The engine under test logs every reminder; keep the drill output readable.
	engineLogger := telemetry.NewLogger("chaos-sandbox", "warn", cfg.LogFormat)
	sb, err := chaos.NewSandbox(ctx, engineLogger, chaos.SandboxConfig{
		Members:         drillMembers,
		Seed:            drillRandomSeed,
		GracePeriodDays: cfg.GracePeriodDays,
		RunBudget:       drillBudget,
	})
	if err != nil {
		logger.Error("failed to build sandbox", "error", err)
		os.Exit(1)
	}

	engine := chaos.NewEngine(logger)
	day := chaos.GameDay{
		Name:      "Reminder batch game day",
		Date:      time.Now(),
		Scenarios: sb.Experiments(drillLatency),
	}
	if err := engine.ExecuteGameDay(ctx, day); err != nil {
		logger.Error("game day failed", "error", err)
		os.Exit(1)
	}
	logger.Info("game day passed", "experiments", len(engine.Results()))
}
