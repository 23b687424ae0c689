package entitycache

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Store is the write-through cache for synced business entities.  The
// webhook path and the incremental sync path both funnel through Upsert,
// which makes their write orders commutative.
type Store interface {
	Upsert(ctx context.Context, entity domain.CachedEntity) (bool, error)
	Exists(ctx context.Context, tenantID domain.TenantID, externalID string, entityType domain.EntityType) (bool, error)
	RecordUnresolvedReference(ctx context.Context, tenantID domain.TenantID, fromExternalID string, fromEntityType domain.EntityType, toExternalID string) error
	DeleteResolvedReferences(ctx context.Context, tenantID domain.TenantID) (int, error)
}

type SqlStore struct {
	database     *sql.DB
	queryTimeout time.Duration
	publisher    ChangePublisher
}

func NewSqlStore(cfg *config.Config, database *sql.DB, publisher ChangePublisher) (*SqlStore, error) {
	if publisher == nil {
		publisher = NoopPublisher{}
	}

	return &SqlStore{
		database:     database,
		queryTimeout: cfg.DatabaseQueryTimeout,
		publisher:    publisher,
	}, nil
}

// Upsert applies the single conflict-resolution rule: insert on first
// sight, overwrite only when the incoming remote_updated_at is strictly
// newer than the stored one.  A stale or equal-timestamp write is a
// complete no-op on business fields, which guards against out-of-order
// delivery and makes redelivery safe.  Returns whether the write was
// applied.
func (ss *SqlStore) Upsert(ctx context.Context, entity domain.CachedEntity) (bool, error) {

	callDurationTimer := prometheus.NewTimer(metrics.sqlUpsertDuration)
	defer callDurationTimer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, ss.queryTimeout)
	defer cancel()

	upsert := `INSERT INTO cached_entities
	             (tenant_id, external_id, entity_type, display_name, document_number,
	              contact_external_id, amount_total, currency_code, entity_status,
	              document_date, raw_payload, remote_updated_at, local_updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	           ON CONFLICT (tenant_id, external_id, entity_type) DO UPDATE SET
	             display_name = EXCLUDED.display_name,
	             document_number = EXCLUDED.document_number,
	             contact_external_id = EXCLUDED.contact_external_id,
	             amount_total = EXCLUDED.amount_total,
	             currency_code = EXCLUDED.currency_code,
	             entity_status = EXCLUDED.entity_status,
	             document_date = EXCLUDED.document_date,
	             raw_payload = EXCLUDED.raw_payload,
	             remote_updated_at = EXCLUDED.remote_updated_at,
	             local_updated_at = NOW()
	           WHERE cached_entities.remote_updated_at < EXCLUDED.remote_updated_at`

	results, err := ss.database.ExecContext(ctx, upsert,
		entity.TenantID, entity.ExternalID, entity.EntityType,
		entity.DisplayName, entity.DocumentNumber, entity.ContactExternalID,
		entity.AmountTotal, entity.CurrencyCode, entity.EntityStatus,
		entity.DocumentDate, entity.RawPayload, entity.RemoteUpdatedAt)
	if err != nil {
		logger.LogErrorWithTenant("SQL query failed", err, entity.TenantID)
		return false, err
	}

	rowsAffected, err := results.RowsAffected()
	if err != nil {
		return false, err
	}

	if rowsAffected == 0 {
		metrics.upsertResultCounter.With(prometheus.Labels{"result": "stale"}).Inc()
		return false, nil
	}

	metrics.upsertResultCounter.With(prometheus.Labels{"result": "applied"}).Inc()

	if err := ss.publisher.PublishEntityChange(ctx, entity); err != nil {
		// The local cache is authoritative; a publish failure must not
		// fail the upsert.
		logger.Log.WithFields(logrus.Fields{
			"error":       err,
			"tenant_id":   entity.TenantID,
			"entity_type": entity.EntityType}).Warn("Unable to publish entity change event")
	}

	return true, nil
}

func (ss *SqlStore) Exists(ctx context.Context, tenantID domain.TenantID, externalID string, entityType domain.EntityType) (bool, error) {

	ctx, cancel := context.WithTimeout(ctx, ss.queryTimeout)
	defer cancel()

	var exists bool
	err := ss.database.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM cached_entities WHERE tenant_id = $1 AND external_id = $2 AND entity_type = $3)`,
		tenantID, externalID, entityType).Scan(&exists)
	if err != nil {
		logger.LogErrorWithTenant("SQL query failed", err, tenantID)
		return false, err
	}

	return exists, nil
}

// RecordUnresolvedReference notes that a synced record points at an
// entity that has not synced yet.  Soft references are resolved at write
// time, never enforced - the referenced contact may simply be later in
// the sync order.
func (ss *SqlStore) RecordUnresolvedReference(ctx context.Context, tenantID domain.TenantID, fromExternalID string, fromEntityType domain.EntityType, toExternalID string) error {

	ctx, cancel := context.WithTimeout(ctx, ss.queryTimeout)
	defer cancel()

	insert := `INSERT INTO unresolved_references
	             (tenant_id, from_external_id, from_entity_type, to_external_id, created_at)
	           VALUES ($1, $2, $3, $4, NOW())
	           ON CONFLICT (tenant_id, from_external_id, from_entity_type) DO UPDATE SET
	             to_external_id = EXCLUDED.to_external_id`

	_, err := ss.database.ExecContext(ctx, insert, tenantID, fromExternalID, fromEntityType, toExternalID)
	if err != nil {
		logger.LogErrorWithTenant("SQL query failed", err, tenantID)
	}

	return err
}

// DeleteResolvedReferences clears unresolved-reference rows whose target
// contact has since been synced.  Called at the start of each dependent
// entity type sync.
func (ss *SqlStore) DeleteResolvedReferences(ctx context.Context, tenantID domain.TenantID) (int, error) {

	ctx, cancel := context.WithTimeout(ctx, ss.queryTimeout)
	defer cancel()

	del := `DELETE FROM unresolved_references ur
	          WHERE ur.tenant_id = $1 AND EXISTS (
	            SELECT 1 FROM cached_entities ce
	              WHERE ce.tenant_id = ur.tenant_id
	                AND ce.external_id = ur.to_external_id
	                AND ce.entity_type = $2)`

	results, err := ss.database.ExecContext(ctx, del, tenantID, domain.EntityTypeContact)
	if err != nil {
		logger.LogErrorWithTenant("SQL query failed", err, tenantID)
		return 0, err
	}

	rowsAffected, err := results.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(rowsAffected), nil
}
