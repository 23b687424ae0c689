package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/connection_repository"
	"github.com/ledgersync/ledger-connector/internal/platform/db"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/syncengine"
)

func startEntitySyncScheduler() {

	logger.InitLogger()
	defer logger.FlushLogger()

	logger.Log.Info("Starting Ledger-Connector entity sync scheduler")

	cfg := config.GetConfig()
	logger.Log.Info("Ledger-Connector configuration:\n", cfg)

	database, err := db.InitializeDatabaseConnection(cfg)
	if err != nil {
		logger.LogFatalError("Unable to connect to database: ", err)
	}

	providers := buildProviderRegistry(cfg)
	connectionStore := buildConnectionStore(cfg, database)
	tokenManager := buildTokenManager(cfg, connectionStore, providers)

	entityCache := buildEntityCacheStore(cfg, database)

	watermarkStore, err := connection_repository.NewSqlWatermarkStore(cfg, database)
	if err != nil {
		logger.LogFatalError("Unable to create watermark store", err)
	}

	syncEngine := syncengine.NewEngine(cfg, watermarkStore, entityCache, providers)
	scheduler := syncengine.NewScheduler(connectionStore, tokenManager, syncEngine)

	ctx, cancel := context.WithCancel(context.Background())

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Log.Info("Received signal to shutdown: ", sig)
		cancel()
	}()

	ticker := time.NewTicker(cfg.SyncScheduleInterval)
	defer ticker.Stop()

	scheduler.RunSweep(ctx)

	for {
		select {
		case <-ctx.Done():
		case <-ticker.C:
			scheduler.RunSweep(ctx)
		}

		if ctx.Err() != nil {
			break
		}
	}

	logger.Log.Info("Ledger-Connector entity sync scheduler shutting down")
}
