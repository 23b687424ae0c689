package syncengine

import (
	"context"

	"github.com/ledgersync/ledger-connector/internal/connection_repository"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/tokens"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ConnectionResolver supplies decrypted, fresh-token connections for the
// scheduled sweep.
type ConnectionResolver interface {
	GetDecryptedTenantConnection(ctx context.Context, tenantID domain.TenantID) (*tokens.ActiveConnection, error)
	EnsureFreshToken(ctx context.Context, ac *tokens.ActiveConnection) error
	TouchLastAPICall(ctx context.Context, id domain.ConnectionID)
}

// Scheduler sweeps every active connection through a full incremental
// sync.  Each tenant is its own error boundary: one broken connection is
// recorded and skipped, the sweep carries on.
type Scheduler struct {
	store       connection_repository.ConnectionStore
	connections ConnectionResolver
	engine      *Engine
}

func NewScheduler(store connection_repository.ConnectionStore, connections ConnectionResolver, engine *Engine) *Scheduler {
	return &Scheduler{
		store:       store,
		connections: connections,
		engine:      engine,
	}
}

// RunSweep syncs all active connections once.  Returns how many
// connections synced cleanly and how many failed.
func (s *Scheduler) RunSweep(ctx context.Context) (int, int) {

	connections, err := s.store.ListActive(ctx)
	if err != nil {
		logger.LogError("Unable to list active connections for sync sweep", err)
		return 0, 0
	}

	logger.Log.WithFields(logrus.Fields{"connections": len(connections)}).Info("Starting sync sweep")

	succeeded, failed := 0, 0

	for _, conn := range connections {
		if ctx.Err() != nil {
			break
		}

		if err := s.syncConnection(ctx, conn); err != nil {
			logger.LogErrorWithTenant("Sync sweep failed for connection", err, conn.TenantID)
			metrics.sweepOutcomeCounter.With(prometheus.Labels{"outcome": "failure"}).Inc()
			failed++
			continue
		}

		metrics.sweepOutcomeCounter.With(prometheus.Labels{"outcome": "success"}).Inc()
		succeeded++
	}

	logger.Log.WithFields(logrus.Fields{
		"succeeded": succeeded,
		"failed":    failed}).Info("Sync sweep finished")

	return succeeded, failed
}

func (s *Scheduler) syncConnection(ctx context.Context, conn domain.Connection) error {
	ac, err := s.connections.GetDecryptedTenantConnection(ctx, conn.TenantID)
	if err != nil {
		return err
	}

	if err := s.connections.EnsureFreshToken(ctx, ac); err != nil {
		return err
	}

	_, err = s.engine.SyncAll(ctx, ac)

	// Provider list calls were made once the token was fresh, even when
	// the sync itself did not finish.
	s.connections.TouchLastAPICall(ctx, ac.ID)

	return err
}
