package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lumapay/lumapay/internal/config"
	"github.com/lumapay/lumapay/internal/infra"
	"github.com/lumapay/lumapay/internal/ledger"
	"github.com/lumapay/lumapay/internal/logging"
	"github.com/lumapay/lumapay/internal/notification"
	"github.com/lumapay/lumapay/internal/provider"
	"github.com/lumapay/lumapay/internal/reconcile"
	"github.com/lumapay/lumapay/internal/report"
	"github.com/lumapay/lumapay/internal/retry"
	"github.com/lumapay/lumapay/internal/routes"
	"github.com/lumapay/lumapay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	} else {
		logger.Warn("no DATABASE_URL, running on the in-memory store")
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var store ledger.Store
	if db != nil {
		store = ledger.NewPostgresStore(db)
	} else {
		store = ledger.NewInMemory()
	}

	registry := buildRegistry(cfg)
	if len(registry.IDs()) == 0 {
		logger.Error("no payment providers configured")
		os.Exit(1)
	}
	logger.Info("providers registered", "ids", registry.IDs())

	var notifier notification.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier := notification.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := kafkaNotifier.Close(); err != nil {
				logger.Warn("close kafka writer", "error", err)
			}
		}()
		notifier = kafkaNotifier
	} else {
		notifier = notification.NewLoggerNotifier(logger)
	}

	policy := retry.Policy{
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		MaxRetries: cfg.RetryMaxRetries,
	}
	engine := reconcile.NewEngine(store, registry, reconcile.NewLedgerDirectory(store), notifier, policy, logger)
	reporter := report.NewReporter(store, cfg.StuckSLA)

	srv, err := server.New(routes.Deps{
		Cfg:      cfg,
		DB:       db,
		Cache:    cache,
		Logger:   logger,
		Engine:   engine,
		Reporter: reporter,
	})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	submitterCtx, stopSubmitter := context.WithCancel(ctx)
	defer stopSubmitter()
	go engine.RunSubmitter(submitterCtx, cfg.SubmitInterval)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	stopSubmitter()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}

// buildRegistry registers every provider that has a webhook secret. Dev
// environments without any real credentials fall back to the stub gateway.
func buildRegistry(cfg config.Config) *provider.Registry {
	var providers []provider.Provider
	if cfg.CryptoGate.Secret != "" {
		providers = append(providers, provider.NewCryptoGate(cfg.CryptoGate.Secret, cfg.CryptoGate.APIKey, cfg.CryptoGate.BaseURL))
	}
	if cfg.FiatBridge.Secret != "" {
		providers = append(providers, provider.NewFiatBridge(cfg.FiatBridge.Secret, cfg.FiatBridge.APIKey, cfg.FiatBridge.BaseURL))
	}
	if cfg.CardRail.Secret != "" {
		providers = append(providers, provider.NewCardRail(cfg.CardRail.Secret, cfg.CardRail.APIKey, cfg.CardRail.BaseURL))
	}
	if len(providers) == 0 && cfg.IsDev() {
		providers = append(providers, provider.NewStub("stubpay", "stubpay-dev-secret"))
	}
	return provider.NewRegistry(providers...)
}
