// cmd/membership/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"covernexus/internal/agents"
	"covernexus/internal/config"
	"covernexus/internal/cover"
	"covernexus/internal/httpx"
	"covernexus/internal/membership"
	"covernexus/internal/notify"
	"covernexus/internal/platform"
	"covernexus/internal/telemetry"
	"covernexus/internal/vault"
	"covernexus/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(config.ServiceMembership, cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("membership service exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateFor(config.ServiceMembership); err != nil {
		return err
	}
	ctx := context.Background()

	shutdownTracing, err := telemetry.InitTracing(ctx, config.ServiceMembership, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	v, err := openVault(cfg, logger)
	if err != nil {
		return err
	}

	var (
		memberRepo membership.Repository = membership.NewMemoryRepository()
		agentRepo  agents.Repository     = agents.NewMemoryRepository()
	)
	if cfg.StoreDriver == "postgres" {
		db, err := platform.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := migrations.Apply(ctx, db); err != nil {
			return err
		}
		memberRepo = membership.NewPostgresRepository(db)
		agentRepo = agents.NewPostgresRepository(db)
		logger.Info("database connection established")
	}

	var codes membership.CodeStore = membership.NewMemoryCodeStore()
	rdb, err := platform.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		codes = membership.NewRedisCodeStore(rdb, "")
		logger.Info("verification codes stored in redis")
	}

	notifier, closeNotifier, err := notify.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	tokens := agents.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL)
	agentSvc := agents.NewService(agentRepo, tokens, logger)
	if cfg.SeedAdminCode != "" {
		if err := agentSvc.EnsureAdmin(ctx, cfg.SeedAdminCode, cfg.SeedAdminPIN); err != nil {
			return err
		}
	}

	memberSvc := membership.NewService(memberRepo, cover.DefaultRegistry(), v, notifier, codes, logger,
		membership.WithCodeTTL(cfg.VerificationCodeTTL),
		membership.WithCurrency(cfg.Currency),
		membership.WithRegistrationLimit(20, 40),
		membership.WithLocation(cfg.Location()),
	)
	memberHandler := membership.NewHandler(memberSvc, tokens, cfg.InternalAPIKey, logger)

	r := platform.NewRouter(config.ServiceMembership, logger)
	r.Route("/agents", agents.NewHandler(agentSvc, tokens, logger, agents.WithRoster(memberHandler.HandleAgentRoster)).Routes)
	r.Get("/plans", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, cover.DefaultRegistry().Plans())
	})
	memberHandler.Routes(r)

	return platform.Serve(":"+cfg.Port, r, logger)
}

// openVault uses VAULT_KEY. The in-memory store may run on a throwaway key,
// since nothing it encrypts outlives the process.
func openVault(cfg *config.Config, logger *slog.Logger) (*vault.Vault, error) {
	if cfg.VaultKey != "" || cfg.StoreDriver == "postgres" {
		return vault.NewFromBase64(cfg.VaultKey)
	}
	key, err := vault.GenerateKey()
	if err != nil {
		return nil, err
	}
	logger.Warn("VAULT_KEY not set, using an ephemeral key")
	return vault.NewFromBase64(key)
}
