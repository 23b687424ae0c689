package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/connection_repository"
	"github.com/ledgersync/ledger-connector/internal/controller/api"
	"github.com/ledgersync/ledger-connector/internal/platform/db"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/platform/utils"
	"github.com/ledgersync/ledger-connector/internal/syncengine"
	"github.com/ledgersync/ledger-connector/internal/webhook"
	"github.com/redhatinsights/platform-go-middlewares/request_id"

	"github.com/gorilla/mux"
)

func startApiServer(listenAddr string) {

	logger.InitLogger()
	defer logger.FlushLogger()

	logger.Log.Info("Starting Ledger-Connector API server")

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

	watermarkStore, err := connection_repository.NewSqlWatermarkStore(cfg, database)
	if err != nil {
		logger.LogFatalError("Unable to create watermark store", err)
	}

	syncEngine := syncengine.NewEngine(cfg, watermarkStore, entityCache, providers)

	apiMux := mux.NewRouter()
	apiMux.Use(request_id.ConfiguredRequestID("x-ledger-request-id"))

	monitoringServer := api.NewMonitoringServer(apiMux, cfg).WithDatabase(database)
	monitoringServer.Routes()

	webhookReceiver := api.NewWebhookReceiver(eventStore, apiMux, cfg)
	webhookReceiver.Routes()

	mgmtServer := api.NewManagementServer(tokenManager, connectionStore, providers, apiMux, cfg)
	mgmtServer.Routes()

	syncReceiver := api.NewSyncReceiver(tokenManager, syncEngine, apiMux, cfg)
	syncReceiver.Routes()

	apiSrv := utils.StartHTTPServer(listenAddr, "api", apiMux)

	signalChan := make(chan os.Signal, 1)

	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	logger.Log.Info("Received signal to shutdown: ", sig)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HttpShutdownTimeout)
	defer cancel()

	utils.ShutdownHTTPServer(ctx, "api", apiSrv)

	logger.Log.Info("Ledger-Connector shutting down")
}
