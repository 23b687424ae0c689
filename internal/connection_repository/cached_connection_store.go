package connection_repository

import (
	"context"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/domain"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedConnectionStore decorates a ConnectionStore with a short-lived
// LRU over the hot read paths.  The webhook processor resolves the same
// tenants over and over inside a batch; a few seconds of staleness on
// the encrypted record is acceptable because the lifecycle manager
// re-checks token freshness and does its lease-coordinated re-reads
// through GetByIDFresh, which never serves from here.  Every mutation
// evicts the affected entries.
type CachedConnectionStore struct {
	delegate ConnectionStore
	byID     *expirable.LRU[domain.ConnectionID, domain.Connection]
	byTenant *expirable.LRU[domain.TenantID, domain.Connection]
}

func NewCachedConnectionStore(cfg *config.Config, delegate ConnectionStore) *CachedConnectionStore {
	return &CachedConnectionStore{
		delegate: delegate,
		byID:     expirable.NewLRU[domain.ConnectionID, domain.Connection](cfg.ConnectionCacheSize, nil, cfg.ConnectionCacheTTL),
		byTenant: expirable.NewLRU[domain.TenantID, domain.Connection](cfg.ConnectionCacheSize, nil, cfg.ConnectionCacheTTL),
	}
}

func (ccs *CachedConnectionStore) GetByID(ctx context.Context, id domain.ConnectionID) (domain.Connection, error) {
	if conn, ok := ccs.byID.Get(id); ok {
		return conn, nil
	}

	conn, err := ccs.delegate.GetByID(ctx, id)
	if err == nil {
		ccs.byID.Add(id, conn)
	}
	return conn, err
}

// GetByIDFresh always reads through to the delegate and replaces the
// cached entry with what it finds there.
func (ccs *CachedConnectionStore) GetByIDFresh(ctx context.Context, id domain.ConnectionID) (domain.Connection, error) {
	conn, err := ccs.delegate.GetByIDFresh(ctx, id)
	if err == nil {
		ccs.byID.Add(id, conn)
	}
	return conn, err
}

func (ccs *CachedConnectionStore) GetActiveByTenant(ctx context.Context, tenantID domain.TenantID) (domain.Connection, error) {
	if conn, ok := ccs.byTenant.Get(tenantID); ok {
		return conn, nil
	}

	conn, err := ccs.delegate.GetActiveByTenant(ctx, tenantID)
	if err == nil {
		ccs.byTenant.Add(tenantID, conn)
	}
	return conn, err
}

func (ccs *CachedConnectionStore) GetActiveForUser(ctx context.Context, userID domain.UserID, tenantID domain.TenantID) (domain.Connection, error) {
	return ccs.delegate.GetActiveForUser(ctx, userID, tenantID)
}

func (ccs *CachedConnectionStore) ListActive(ctx context.Context) ([]domain.Connection, error) {
	return ccs.delegate.ListActive(ctx)
}

func (ccs *CachedConnectionStore) ListForUser(ctx context.Context, userID domain.UserID) ([]domain.Connection, error) {
	return ccs.delegate.ListForUser(ctx, userID)
}

func (ccs *CachedConnectionStore) Create(ctx context.Context, conn domain.Connection) (domain.Connection, error) {
	created, err := ccs.delegate.Create(ctx, conn)
	if err == nil {
		ccs.evict(created)
	}
	return created, err
}

func (ccs *CachedConnectionStore) DeactivateSiblings(ctx context.Context, userID domain.UserID, providerTag string, keep domain.ConnectionID) error {
	err := ccs.delegate.DeactivateSiblings(ctx, userID, providerTag, keep)
	// Sibling rows are not individually known here; drop everything.
	ccs.byID.Purge()
	ccs.byTenant.Purge()
	return err
}

func (ccs *CachedConnectionStore) Activate(ctx context.Context, id domain.ConnectionID, userID domain.UserID) error {
	err := ccs.delegate.Activate(ctx, id, userID)
	ccs.byID.Purge()
	ccs.byTenant.Purge()
	return err
}

func (ccs *CachedConnectionStore) Deactivate(ctx context.Context, id domain.ConnectionID) error {
	err := ccs.delegate.Deactivate(ctx, id)
	ccs.evictByID(ctx, id)
	return err
}

func (ccs *CachedConnectionStore) UpdateTokens(ctx context.Context, id domain.ConnectionID, accessTokenEncrypted string, refreshTokenEncrypted string, expiresAt time.Time) error {
	err := ccs.delegate.UpdateTokens(ctx, id, accessTokenEncrypted, refreshTokenEncrypted, expiresAt)
	ccs.evictByID(ctx, id)
	return err
}

func (ccs *CachedConnectionStore) MarkError(ctx context.Context, id domain.ConnectionID, lastError string) error {
	err := ccs.delegate.MarkError(ctx, id, lastError)
	ccs.evictByID(ctx, id)
	return err
}

func (ccs *CachedConnectionStore) TouchLastAPICall(ctx context.Context, id domain.ConnectionID) error {
	return ccs.delegate.TouchLastAPICall(ctx, id)
}

func (ccs *CachedConnectionStore) ClaimRefreshLease(ctx context.Context, id domain.ConnectionID, holder string, ttl time.Duration) (bool, error) {
	return ccs.delegate.ClaimRefreshLease(ctx, id, holder, ttl)
}

func (ccs *CachedConnectionStore) ReleaseRefreshLease(ctx context.Context, id domain.ConnectionID, holder string) error {
	return ccs.delegate.ReleaseRefreshLease(ctx, id, holder)
}

func (ccs *CachedConnectionStore) evict(conn domain.Connection) {
	ccs.byID.Remove(conn.ID)
	ccs.byTenant.Remove(conn.TenantID)
}

func (ccs *CachedConnectionStore) evictByID(ctx context.Context, id domain.ConnectionID) {
	if conn, ok := ccs.byID.Get(id); ok {
		ccs.byTenant.Remove(conn.TenantID)
	}
	ccs.byID.Remove(id)
}
