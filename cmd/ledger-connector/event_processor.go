package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/platform/db"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/processor"
	"github.com/ledgersync/ledger-connector/internal/webhook"
)

func startEventProcessor() {

	logger.InitLogger()
	defer logger.FlushLogger()

	logger.Log.Info("Starting Ledger-Connector event processor")

	cfg := config.GetConfig()
	logger.Log.Info("Ledger-Connector configuration:\n", cfg)

	database, err := db.InitializeDatabaseConnection(cfg)
	if err != nil {
		logger.LogFatalError("Unable to connect to database: ", err)
	}

	providers := buildProviderRegistry(cfg)
	connectionStore := buildConnectionStore(cfg, database)
	tokenManager := buildTokenManager(cfg, connectionStore, providers)

	eventStore, err := webhook.NewSqlEventStore(cfg, database)
	if err != nil {
		logger.LogFatalError("Unable to create webhook event store", err)
	}

	entityCache := buildEntityCacheStore(cfg, database)

	eventProcessor := processor.NewProcessor(cfg, eventStore, tokenManager, providers, entityCache)

	ctx, cancel := context.WithCancel(context.Background())

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Log.Info("Received signal to shutdown: ", sig)
		cancel()
	}()

	ticker := time.NewTicker(cfg.EventProcessorPollInterval)
	defer ticker.Stop()

	for {
		claimed, err := eventProcessor.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			logger.LogError("Event batch processing failed", err)
		}

		if ctx.Err() != nil {
			break
		}

		// Keep draining without waiting while there is a backlog.
		if claimed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}

		if ctx.Err() != nil {
			break
		}
	}

	logger.Log.Info("Ledger-Connector event processor shutting down")
}
