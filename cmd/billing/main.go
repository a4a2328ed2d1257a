// cmd/billing/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"covernexus/internal/agents"
	"covernexus/internal/billing"
	"covernexus/internal/clients"
	"covernexus/internal/config"
	"covernexus/internal/cover"
	"covernexus/internal/lock"
	"covernexus/internal/notify"
	"covernexus/internal/platform"
	"covernexus/internal/telemetry"
	"covernexus/internal/ussd"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(config.ServiceBilling, cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("billing service exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateFor(config.ServiceBilling); err != nil {
		return err
	}
	ctx := context.Background()

	shutdownTracing, err := telemetry.InitTracing(ctx, config.ServiceBilling, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	var repo billing.Repository = billing.NewMemoryRepository()
	if cfg.StoreDriver == "postgres" {
		db, err := platform.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		repo = billing.NewPostgresRepository(db)
		logger.Info("database connection established")
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	rdb, err := platform.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "covernexus:balance", 30*time.Second, logger)
		logger.Info("member locks held in redis")
	}

	notifier, closeNotifier, err := notify.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	plans := cover.DefaultRegistry()
	members := clients.NewMembershipClient(cfg.MembershipServiceURL, cfg.InternalAPIKey, 10*time.Second)
	engine := billing.NewService(repo, members, plans, notifier, locker, logger, billing.Config{
		GracePeriodDays:  cfg.GracePeriodDays,
		DefaultMethod:    cfg.DefaultPaymentMethod,
		Currency:         cfg.Currency,
		ReminderInterval: cfg.ReminderInterval,
		ReminderSlack:    cfg.ReminderSlack,
	})
	tokens := agents.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL)
	menu := ussd.NewMenu(members, engine, plans.Plans(), cfg.USSDServiceCode, cfg.Currency, logger)

	r := platform.NewRouter(config.ServiceBilling, logger)
	billing.NewHandler(engine, tokens, cfg.InternalAPIKey, logger).Routes(r)
	ussd.NewHandler(menu, cfg.USSDCallbackKey, logger).Routes(r)

	return platform.Serve(":"+cfg.Port, r, logger)
}
