package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/connection_repository"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/entitycache"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/provider"
	"github.com/ledgersync/ledger-connector/internal/tokens"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Result summarizes one entity-type sync run.
type Result struct {
	EntityType domain.EntityType `json:"entity_type"`
	Records    int               `json:"record_count"`
	Pages      int               `json:"pages"`
	Completed  bool              `json:"completed"`
}

// Engine walks the provider's modified-since listings and lands every
// changed record in the entity cache.  Progress is tracked by a
// per-tenant, per-entity-type watermark that only advances when a run
// drains the listing completely, so an interrupted run re-covers its
// window on the next pass.  Re-covering is cheap: the cache upsert is
// idempotent.
type Engine struct {
	watermarks      connection_repository.WatermarkStore
	cache           entitycache.Store
	providers       provider.Registry
	pageSize        int
	executionBudget time.Duration
}

func NewEngine(cfg *config.Config, watermarks connection_repository.WatermarkStore, cache entitycache.Store, providers provider.Registry) *Engine {
	return &Engine{
		watermarks:      watermarks,
		cache:           cache,
		providers:       providers,
		pageSize:        cfg.SyncPageSize,
		executionBudget: cfg.SyncExecutionBudget,
	}
}

// Sync runs one incremental sync of a single entity type.  The new
// watermark is anchored to the moment the run started, not the moment it
// finished: records modified while the run was paging are at worst
// synced twice, never missed.
func (e *Engine) Sync(ctx context.Context, ac *tokens.ActiveConnection, entityType domain.EntityType) (Result, error) {

	syncDurationTimer := prometheus.NewTimer(metrics.syncDuration.With(prometheus.Labels{"entity_type": entityType.String()}))
	defer syncDurationTimer.ObserveDuration()

	result := Result{EntityType: entityType}

	log := logger.Log.WithFields(logrus.Fields{
		"connection_id": ac.ID,
		"tenant_id":     ac.TenantID,
		"entity_type":   entityType})

	client, err := e.providers(ac.Provider)
	if err != nil {
		return result, err
	}

	startedAt := time.Now().UTC()

	var since *time.Time
	if watermark, found, err := e.watermarks.GetWatermark(ctx, ac.TenantID, entityType); err != nil {
		return result, err
	} else if found {
		since = &watermark
	}

	ctx, cancel := context.WithDeadline(ctx, startedAt.Add(e.executionBudget))
	defer cancel()

	if resolved, err := e.cache.DeleteResolvedReferences(ctx, ac.TenantID); err != nil {
		log.WithFields(logrus.Fields{"error": err}).Warn("Unable to clear resolved references")
	} else if resolved > 0 {
		log.WithFields(logrus.Fields{"resolved": resolved}).Debug("Cleared resolved contact references")
	}

	for page := 1; ; page++ {
		entityPage, err := client.ListEntities(ctx, ac.AccessToken, ac.TenantID, entityType, since, page)
		if err != nil {
			if ctx.Err() != nil {
				// Ran out of budget mid-listing.  The watermark stays
				// put and the next run re-covers this window.
				log.WithFields(logrus.Fields{"pages": result.Pages}).Info("Sync stopped before completion, watermark not advanced")
				return result, nil
			}
			return result, err
		}

		result.Pages++

		for _, entity := range entityPage.Entities {
			cached := entitycache.NewCachedEntity(ac.TenantID, entityType, entity)

			if _, err := e.cache.Upsert(ctx, cached); err != nil {
				return result, err
			}
			result.Records++

			if err := entitycache.TrackContactReference(ctx, e.cache, cached); err != nil {
				log.WithFields(logrus.Fields{"error": err}).Warn("Unable to track contact reference")
			}
		}

		if !entityPage.HasMore {
			break
		}
	}

	if err := e.watermarks.AdvanceWatermark(ctx, ac.TenantID, entityType, startedAt); err != nil {
		return result, err
	}

	result.Completed = true
	metrics.syncedRecordsCounter.With(prometheus.Labels{"entity_type": entityType.String()}).Add(float64(result.Records))

	log.WithFields(logrus.Fields{"records": result.Records, "pages": result.Pages}).Info("Sync completed")

	return result, nil
}

// SyncAll syncs every entity type for one connection in dependency
// order, so referenced records (accounts, contacts) land before the
// records that point at them.
func (e *Engine) SyncAll(ctx context.Context, ac *tokens.ActiveConnection) ([]Result, error) {
	results := make([]Result, 0, len(domain.EntityTypeSyncOrder))

	for _, entityType := range domain.EntityTypeSyncOrder {
		result, err := e.Sync(ctx, ac, entityType)
		results = append(results, result)
		if err != nil {
			return results, fmt.Errorf("sync of %s failed: %w", entityType, err)
		}
	}

	return results, nil
}
