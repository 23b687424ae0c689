package connection_repository

import (
	"context"
	"time"

	"github.com/ledgersync/ledger-connector/internal/domain"
)

// ConnectionStore persists connection records.  Token fields are always
// encrypted at this layer; decryption happens in the lifecycle manager.
type ConnectionStore interface {
	Create(ctx context.Context, conn domain.Connection) (domain.Connection, error)
	GetByID(ctx context.Context, id domain.ConnectionID) (domain.Connection, error)
	// GetByIDFresh bypasses any read caching in front of the store.
	// Refresh-lease coordination depends on it: a lease loser polling a
	// cached row would never observe the winner's update.
	GetByIDFresh(ctx context.Context, id domain.ConnectionID) (domain.Connection, error)
	GetActiveForUser(ctx context.Context, userID domain.UserID, tenantID domain.TenantID) (domain.Connection, error)
	GetActiveByTenant(ctx context.Context, tenantID domain.TenantID) (domain.Connection, error)
	ListActive(ctx context.Context) ([]domain.Connection, error)
	ListForUser(ctx context.Context, userID domain.UserID) ([]domain.Connection, error)
	DeactivateSiblings(ctx context.Context, userID domain.UserID, providerTag string, keep domain.ConnectionID) error
	Activate(ctx context.Context, id domain.ConnectionID, userID domain.UserID) error
	Deactivate(ctx context.Context, id domain.ConnectionID) error
	UpdateTokens(ctx context.Context, id domain.ConnectionID, accessTokenEncrypted string, refreshTokenEncrypted string, expiresAt time.Time) error
	MarkError(ctx context.Context, id domain.ConnectionID, lastError string) error
	TouchLastAPICall(ctx context.Context, id domain.ConnectionID) error
	ClaimRefreshLease(ctx context.Context, id domain.ConnectionID, holder string, ttl time.Duration) (bool, error)
	ReleaseRefreshLease(ctx context.Context, id domain.ConnectionID, holder string) error
}

// WatermarkStore tracks incremental sync progress per tenant and entity
// type.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, tenantID domain.TenantID, entityType domain.EntityType) (time.Time, bool, error)
	AdvanceWatermark(ctx context.Context, tenantID domain.TenantID, entityType domain.EntityType, watermark time.Time) error
}
