package main

import (
	"database/sql"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/connection_repository"
	"github.com/ledgersync/ledger-connector/internal/entitycache"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/platform/queue"
	"github.com/ledgersync/ledger-connector/internal/provider"
	"github.com/ledgersync/ledger-connector/internal/tokens"
	"github.com/ledgersync/ledger-connector/internal/vault"
)

func buildProviderRegistry(cfg *config.Config) provider.Registry {
	return provider.NewRegistry(map[string]provider.Client{
		provider.DefaultProviderTag: provider.NewAccountingClient(cfg),
	})
}

func buildConnectionStore(cfg *config.Config, database *sql.DB) connection_repository.ConnectionStore {
	sqlStore, err := connection_repository.NewSqlConnectionStore(cfg, database)
	if err != nil {
		logger.LogFatalError("Unable to create connection store", err)
	}

	return connection_repository.NewCachedConnectionStore(cfg, sqlStore)
}

func buildTokenManager(cfg *config.Config, store connection_repository.ConnectionStore, providers provider.Registry) *tokens.Manager {
	credentialVault, err := vault.NewVault(cfg.CredentialVaultSecret)
	if err != nil {
		logger.LogFatalError("Unable to initialize the credential vault", err)
	}

	return tokens.NewManager(cfg, store, credentialVault, providers)
}

func buildEntityCacheStore(cfg *config.Config, database *sql.DB) entitycache.Store {
	var publisher entitycache.ChangePublisher = entitycache.NoopPublisher{}

	if cfg.KafkaEntityEventsEnabled {
		kafkaProducerCfg := &queue.ProducerConfig{
			Brokers:    cfg.KafkaBrokers,
			Topic:      cfg.KafkaEntityEventsTopic,
			BatchSize:  cfg.KafkaEntityEventsBatchSize,
			BatchBytes: cfg.KafkaEntityEventsBatchBytes,
			Balancer:   "hash",
			SaslConfig: &queue.SaslConfig{
				SaslMechanism: cfg.KafkaSASLMechanism,
				SaslUsername:  cfg.KafkaUsername,
				SaslPassword:  cfg.KafkaPassword,
				KafkaCA:       cfg.KafkaCA,
			},
		}

		publisher = entitycache.NewKafkaChangePublisher(queue.StartProducer(kafkaProducerCfg))
	}

	store, err := entitycache.NewSqlStore(cfg, database, publisher)
	if err != nil {
		logger.LogFatalError("Unable to create entity cache store", err)
	}

	return store
}
