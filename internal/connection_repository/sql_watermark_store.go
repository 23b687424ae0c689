package connection_repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
)

// SqlWatermarkStore keeps one (tenant, entity type) watermark row per
// sync cursor.  Watermarks are explicit rows rather than a column on the
// connection so advancing one is a single-row write that never races
// connection mutations.
type SqlWatermarkStore struct {
	database     *sql.DB
	queryTimeout time.Duration
}

func NewSqlWatermarkStore(cfg *config.Config, database *sql.DB) (*SqlWatermarkStore, error) {
	return &SqlWatermarkStore{
		database:     database,
		queryTimeout: cfg.DatabaseQueryTimeout,
	}, nil
}

func (sws *SqlWatermarkStore) GetWatermark(ctx context.Context, tenantID domain.TenantID, entityType domain.EntityType) (time.Time, bool, error) {

	ctx, cancel := context.WithTimeout(ctx, sws.queryTimeout)
	defer cancel()

	var watermark time.Time
	err := sws.database.QueryRowContext(ctx,
		`SELECT watermark FROM sync_watermarks WHERE tenant_id = $1 AND entity_type = $2`,
		tenantID, entityType).Scan(&watermark)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		logger.LogError("SQL query failed", err)
		return time.Time{}, false, err
	}

	return watermark, true, nil
}

func (sws *SqlWatermarkStore) AdvanceWatermark(ctx context.Context, tenantID domain.TenantID, entityType domain.EntityType, watermark time.Time) error {

	ctx, cancel := context.WithTimeout(ctx, sws.queryTimeout)
	defer cancel()

	upsert := `INSERT INTO sync_watermarks (tenant_id, entity_type, watermark, updated_at)
	             VALUES ($1, $2, $3, NOW())
	             ON CONFLICT (tenant_id, entity_type) DO UPDATE SET
	               watermark = EXCLUDED.watermark,
	               updated_at = NOW()`

	_, err := sws.database.ExecContext(ctx, upsert, tenantID, entityType, watermark)
	if err != nil {
		logger.LogError("SQL query failed", err)
	}

	return err
}
