package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"binance-position-tracker/internal/binance"
	"binance-position-tracker/internal/config"
	"binance-position-tracker/internal/database"
	"binance-position-tracker/internal/logger"
	"binance-position-tracker/internal/reconcile"
	"binance-position-tracker/internal/trader"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger("tracker", cfg.Logger.Level, cfg.Logger.Format, cfg.Logger.OutputPaths...)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.String("mode", cfg.Tracker.Mode), zap.String("account", cfg.Binance.AccountType))

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")
	archive := trader.NewArchive(db, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Binance REST client
	restClient := binance.NewRestClient(&cfg.Binance, log.Logger)
	if _, err := restClient.GetServerTime(ctx); err != nil {
		log.Fatal("Failed to connect to Binance API", zap.Error(err))
	}
	log.Info("Successfully connected to Binance API.")

	var exchange reconcile.Exchange
	var closer trader.Closer
	if cfg.Binance.IsSpot() {
		exchange = trader.NewSpotExchange(restClient, cfg.Tracker.Symbols, log.Logger)
	} else {
		exchange = trader.NewFuturesExchange(restClient)
		orders := binance.NewOrderClient(&cfg.Binance, restClient, log.Logger)
		if err := orders.LoadExchangeInfo(ctx); err != nil {
			log.Warn("Exchange info unavailable, quantities will not be rounded", zap.Error(err))
		}
		closer = orders
	}

	svc := trader.NewService(trader.OptionsFromConfig(&cfg), exchange, archive, log.Logger)
	svc.Start()
	if err := svc.Load(ctx); err != nil {
		log.Error("Failed to restore state", zap.Error(err))
	}

	api := trader.NewAPIServer(cfg.Server.ApiPort, svc, closer, log.Logger)
	api.Start()

	config.Watch(func(c config.Config) {
		if err := log.SetLevel(c.Logger.Level); err != nil {
			log.Warn("Ignoring invalid log level", zap.String("level", c.Logger.Level), zap.Error(err))
		}
		if err := svc.SetPolicy(ctx, trader.PolicyFromConfig(&c)); err != nil {
			log.Warn("Failed to apply reloaded policy", zap.Error(err))
			return
		}
		log.Info("Reconciliation policy reloaded")
	}, func(err error) {
		log.Warn("Ignoring unreadable config change", zap.Error(err))
	})

	svc.Run(ctx)
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if cfg.Tracker.CloseOnExit && closer != nil {
		log.Info("Closing open positions before exit")
		svc.CloseAll(shutdownCtx, closer)
		if err := svc.Persist(shutdownCtx); err != nil {
			log.Error("Failed to persist state", zap.Error(err))
		}
	}
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	svc.Stop()
	archive.Close()

	log.Info("Tracker has been shut down.")
}
