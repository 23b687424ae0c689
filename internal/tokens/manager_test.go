package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/connection_repository"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/provider"
	"github.com/ledgersync/ledger-connector/internal/vault"

	"github.com/google/uuid"
)

func init() {
	logger.InitLogger()
}

type memoryLease struct {
	holder      string
	leasedUntil time.Time
}

// memoryConnectionStore is a mutex-guarded in-memory ConnectionStore with
// the same lease semantics as the SQL implementation.
type memoryConnectionStore struct {
	mu          sync.Mutex
	connections map[domain.ConnectionID]domain.Connection
	leases      map[domain.ConnectionID]memoryLease
	markedError map[domain.ConnectionID]string
	ops         []string
}

func newMemoryConnectionStore() *memoryConnectionStore {
	return &memoryConnectionStore{
		connections: make(map[domain.ConnectionID]domain.Connection),
		leases:      make(map[domain.ConnectionID]memoryLease),
		markedError: make(map[domain.ConnectionID]string),
	}
}

func (mcs *memoryConnectionStore) Create(ctx context.Context, conn domain.Connection) (domain.Connection, error) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	mcs.ops = append(mcs.ops, "Create")

	if conn.ID == "" {
		conn.ID = domain.ConnectionID(uuid.NewString())
	}
	conn.Status = domain.ConnectionStatusActive
	conn.IsActive = true
	conn.CreatedAt = time.Now()
	conn.UpdatedAt = time.Now()
	mcs.connections[conn.ID] = conn
	return conn, nil
}

func (mcs *memoryConnectionStore) GetByID(ctx context.Context, id domain.ConnectionID) (domain.Connection, error) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	conn, ok := mcs.connections[id]
	if !ok {
		return conn, fmt.Errorf("%w: connection", domain.ErrNotFound)
	}
	return conn, nil
}

func (mcs *memoryConnectionStore) GetByIDFresh(ctx context.Context, id domain.ConnectionID) (domain.Connection, error) {
	return mcs.GetByID(ctx, id)
}

func (mcs *memoryConnectionStore) GetActiveForUser(ctx context.Context, userID domain.UserID, tenantID domain.TenantID) (domain.Connection, error) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	for _, conn := range mcs.connections {
		if conn.UserID == userID && conn.IsActive && (tenantID == "" || conn.TenantID == tenantID) {
			return conn, nil
		}
	}
	return domain.Connection{}, fmt.Errorf("%w: connection", domain.ErrNotFound)
}

func (mcs *memoryConnectionStore) GetActiveByTenant(ctx context.Context, tenantID domain.TenantID) (domain.Connection, error) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	for _, conn := range mcs.connections {
		if conn.TenantID == tenantID && conn.IsActive {
			return conn, nil
		}
	}
	return domain.Connection{}, fmt.Errorf("%w: connection", domain.ErrNotFound)
}

func (mcs *memoryConnectionStore) ListActive(ctx context.Context) ([]domain.Connection, error) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	var connections []domain.Connection
	for _, conn := range mcs.connections {
		if conn.IsActive {
			connections = append(connections, conn)
		}
	}
	return connections, nil
}

func (mcs *memoryConnectionStore) ListForUser(ctx context.Context, userID domain.UserID) ([]domain.Connection, error) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	var connections []domain.Connection
	for _, conn := range mcs.connections {
		if conn.UserID == userID {
			connections = append(connections, conn)
		}
	}
	return connections, nil
}

func (mcs *memoryConnectionStore) DeactivateSiblings(ctx context.Context, userID domain.UserID, providerTag string, keep domain.ConnectionID) error {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	mcs.ops = append(mcs.ops, "DeactivateSiblings")

	for id, conn := range mcs.connections {
		if conn.UserID == userID && conn.Provider == providerTag && id != keep && conn.IsActive {
			conn.IsActive = false
			conn.Status = domain.ConnectionStatusInactive
			mcs.connections[id] = conn
		}
	}
	return nil
}

func (mcs *memoryConnectionStore) Activate(ctx context.Context, id domain.ConnectionID, userID domain.UserID) error {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	conn, ok := mcs.connections[id]
	if !ok || conn.UserID != userID {
		return fmt.Errorf("%w: connection", domain.ErrNotFound)
	}

	conn.IsActive = true
	conn.Status = domain.ConnectionStatusActive
	mcs.connections[id] = conn

	for siblingID, sibling := range mcs.connections {
		if sibling.UserID == userID && sibling.Provider == conn.Provider && siblingID != id && sibling.IsActive {
			sibling.IsActive = false
			sibling.Status = domain.ConnectionStatusInactive
			mcs.connections[siblingID] = sibling
		}
	}
	return nil
}

func (mcs *memoryConnectionStore) Deactivate(ctx context.Context, id domain.ConnectionID) error {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	conn, ok := mcs.connections[id]
	if !ok {
		return fmt.Errorf("%w: connection", domain.ErrNotFound)
	}
	conn.IsActive = false
	conn.Status = domain.ConnectionStatusInactive
	mcs.connections[id] = conn
	return nil
}

func (mcs *memoryConnectionStore) UpdateTokens(ctx context.Context, id domain.ConnectionID, accessTokenEncrypted string, refreshTokenEncrypted string, expiresAt time.Time) error {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	conn, ok := mcs.connections[id]
	if !ok {
		return fmt.Errorf("%w: connection", domain.ErrNotFound)
	}
	conn.AccessTokenEncrypted = accessTokenEncrypted
	conn.RefreshTokenEncrypted = refreshTokenEncrypted
	conn.ExpiresAt = expiresAt
	conn.Status = domain.ConnectionStatusActive
	conn.LastError = ""
	mcs.connections[id] = conn
	return nil
}

func (mcs *memoryConnectionStore) MarkError(ctx context.Context, id domain.ConnectionID, lastError string) error {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	conn, ok := mcs.connections[id]
	if !ok {
		return fmt.Errorf("%w: connection", domain.ErrNotFound)
	}
	conn.Status = domain.ConnectionStatusError
	conn.LastError = lastError
	mcs.connections[id] = conn
	mcs.markedError[id] = lastError
	return nil
}

func (mcs *memoryConnectionStore) TouchLastAPICall(ctx context.Context, id domain.ConnectionID) error {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	conn, ok := mcs.connections[id]
	if !ok {
		return fmt.Errorf("%w: connection", domain.ErrNotFound)
	}
	now := time.Now()
	conn.LastAPICallAt = &now
	mcs.connections[id] = conn
	return nil
}

func (mcs *memoryConnectionStore) ClaimRefreshLease(ctx context.Context, id domain.ConnectionID, holder string, ttl time.Duration) (bool, error) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	lease, held := mcs.leases[id]
	if held && lease.leasedUntil.After(time.Now()) {
		return false, nil
	}

	mcs.leases[id] = memoryLease{holder: holder, leasedUntil: time.Now().Add(ttl)}
	return true, nil
}

func (mcs *memoryConnectionStore) ReleaseRefreshLease(ctx context.Context, id domain.ConnectionID, holder string) error {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()

	if lease, held := mcs.leases[id]; held && lease.holder == holder {
		delete(mcs.leases, id)
	}
	return nil
}

var _ connection_repository.ConnectionStore = (*memoryConnectionStore)(nil)

type countingProviderClient struct {
	mu           sync.Mutex
	refreshCalls int
	revokeCalls  int
	refreshErr   error
	refreshDelay time.Duration
	rotatedToken string
}

func (cpc *countingProviderClient) ExchangeCode(ctx context.Context, code string) (domain.TokenBundle, error) {
	return domain.TokenBundle{}, nil
}

func (cpc *countingProviderClient) RefreshToken(ctx context.Context, refreshToken string) (domain.TokenBundle, error) {
	cpc.mu.Lock()
	cpc.refreshCalls++
	cpc.mu.Unlock()

	if cpc.refreshDelay > 0 {
		time.Sleep(cpc.refreshDelay)
	}

	if cpc.refreshErr != nil {
		return domain.TokenBundle{}, cpc.refreshErr
	}

	return domain.TokenBundle{
		AccessToken:  "refreshed-access-token",
		RefreshToken: cpc.rotatedToken,
		ExpiresIn:    3600,
	}, nil
}

func (cpc *countingProviderClient) RevokeToken(ctx context.Context, refreshToken string) error {
	cpc.mu.Lock()
	defer cpc.mu.Unlock()
	cpc.revokeCalls++
	return nil
}

func (cpc *countingProviderClient) FetchEntity(ctx context.Context, accessToken string, tenantID domain.TenantID, entityType domain.EntityType, externalID string) (*provider.Entity, error) {
	return nil, fmt.Errorf("%w: entity", domain.ErrNotFound)
}

func (cpc *countingProviderClient) ListEntities(ctx context.Context, accessToken string, tenantID domain.TenantID, entityType domain.EntityType, since *time.Time, page int) (*provider.EntityPage, error) {
	return &provider.EntityPage{}, nil
}

func (cpc *countingProviderClient) refreshCallCount() int {
	cpc.mu.Lock()
	defer cpc.mu.Unlock()
	return cpc.refreshCalls
}

func buildManager(t *testing.T, store connection_repository.ConnectionStore, client provider.Client) *Manager {
	t.Helper()

	cfg := &config.Config{
		TokenRefreshSkew:     60 * time.Second,
		TokenRefreshLeaseTTL: 5 * time.Second,
	}

	credentialVault, err := vault.NewVault("test-vault-secret")
	if err != nil {
		t.Fatal("unexpected error creating vault", err)
	}

	registry := provider.NewRegistry(map[string]provider.Client{provider.DefaultProviderTag: client})

	return NewManager(cfg, store, credentialVault, registry)
}

func createStaleConnection(t *testing.T, m *Manager, tenantID domain.TenantID) domain.Connection {
	t.Helper()

	// Expires within the refresh skew window, so the next use refreshes.
	conn, err := m.CreateConnection(context.Background(), "user-1", provider.DefaultProviderTag, domain.TokenBundle{
		AccessToken:  "stale-access-token",
		RefreshToken: "initial-refresh-token",
		ExpiresIn:    1,
		TenantID:     tenantID,
		TenantName:   "Test Tenant",
	})
	if err != nil {
		t.Fatal("unexpected error creating connection", err)
	}
	return conn
}

func TestCreateConnectionStoresEncryptedTokens(t *testing.T) {
	store := newMemoryConnectionStore()
	m := buildManager(t, store, &countingProviderClient{})

	conn := createStaleConnection(t, m, "tenant-1")

	stored, err := store.GetByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatal("unexpected error", err)
	}

	if stored.AccessTokenEncrypted == "stale-access-token" {
		t.Fatal("access token stored as plaintext")
	}
	if stored.RefreshTokenEncrypted == "initial-refresh-token" {
		t.Fatal("refresh token stored as plaintext")
	}

	ac, err := m.GetDecryptedTenantConnection(context.Background(), "tenant-1")
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if ac.AccessToken != "stale-access-token" || ac.RefreshToken != "initial-refresh-token" {
		t.Fatal("decrypted tokens do not round-trip")
	}
}

func TestCreateConnectionDeactivatesSiblings(t *testing.T) {
	store := newMemoryConnectionStore()
	m := buildManager(t, store, &countingProviderClient{})

	first := createStaleConnection(t, m, "tenant-1")
	second := createStaleConnection(t, m, "tenant-2")

	firstStored, _ := store.GetByID(context.Background(), first.ID)
	if firstStored.IsActive {
		t.Fatal("expected the first connection to be deactivated")
	}

	secondStored, _ := store.GetByID(context.Background(), second.ID)
	if !secondStored.IsActive {
		t.Fatal("expected the new connection to be active")
	}
}

func TestCreateConnectionDeactivatesSiblingsBeforeInsert(t *testing.T) {
	store := newMemoryConnectionStore()
	m := buildManager(t, store, &countingProviderClient{})

	createStaleConnection(t, m, "tenant-1")

	store.ops = nil
	createStaleConnection(t, m, "tenant-2")

	// The sibling flip must land before the insert so no reader ever
	// sees two active connections for the same user and provider.
	if len(store.ops) != 2 || store.ops[0] != "DeactivateSiblings" || store.ops[1] != "Create" {
		t.Fatalf("expected siblings deactivated before the insert, got %v", store.ops)
	}
}

func TestEnsureFreshTokenSkipsFreshConnections(t *testing.T) {
	store := newMemoryConnectionStore()
	client := &countingProviderClient{}
	m := buildManager(t, store, client)

	_, err := m.CreateConnection(context.Background(), "user-1", provider.DefaultProviderTag, domain.TokenBundle{
		AccessToken:  "fresh-access-token",
		RefreshToken: "refresh-token",
		ExpiresIn:    3600,
		TenantID:     "tenant-1",
	})
	if err != nil {
		t.Fatal("unexpected error", err)
	}

	ac, err := m.GetDecryptedTenantConnection(context.Background(), "tenant-1")
	if err != nil {
		t.Fatal("unexpected error", err)
	}

	if err := m.EnsureFreshToken(context.Background(), ac); err != nil {
		t.Fatal("unexpected error", err)
	}

	if client.refreshCallCount() != 0 {
		t.Fatalf("expected no refresh grants, got %d", client.refreshCallCount())
	}
}

func TestEnsureFreshTokenRefreshesStaleConnection(t *testing.T) {
	store := newMemoryConnectionStore()
	client := &countingProviderClient{rotatedToken: "rotated-refresh-token"}
	m := buildManager(t, store, client)

	createStaleConnection(t, m, "tenant-1")

	ac, err := m.GetDecryptedTenantConnection(context.Background(), "tenant-1")
	if err != nil {
		t.Fatal("unexpected error", err)
	}

	if err := m.EnsureFreshToken(context.Background(), ac); err != nil {
		t.Fatal("unexpected error", err)
	}

	if ac.AccessToken != "refreshed-access-token" {
		t.Fatalf("expected the refreshed access token, got %q", ac.AccessToken)
	}
	if ac.RefreshToken != "rotated-refresh-token" {
		t.Fatalf("expected the rotated refresh token, got %q", ac.RefreshToken)
	}

	// The stored record carries the new tokens for other processes.
	refreshed, err := m.GetDecryptedTenantConnection(context.Background(), "tenant-1")
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if refreshed.AccessToken != "refreshed-access-token" {
		t.Fatal("expected the store to hold the refreshed token")
	}
}

func TestEnsureFreshTokenKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	store := newMemoryConnectionStore()
	client := &countingProviderClient{rotatedToken: ""}
	m := buildManager(t, store, client)

	createStaleConnection(t, m, "tenant-1")

	ac, _ := m.GetDecryptedTenantConnection(context.Background(), "tenant-1")

	if err := m.EnsureFreshToken(context.Background(), ac); err != nil {
		t.Fatal("unexpected error", err)
	}

	if ac.RefreshToken != "initial-refresh-token" {
		t.Fatalf("expected the original refresh token to be kept, got %q", ac.RefreshToken)
	}
}

func TestEnsureFreshTokenSerializesConcurrentRefreshes(t *testing.T) {
	store := newMemoryConnectionStore()
	client := &countingProviderClient{refreshDelay: 100 * time.Millisecond}
	m := buildManager(t, store, client)

	createStaleConnection(t, m, "tenant-1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	tokens := make([]string, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			ac, err := m.GetDecryptedTenantConnection(context.Background(), "tenant-1")
			if err != nil {
				errs[i] = err
				return
			}

			errs[i] = m.EnsureFreshToken(context.Background(), ac)
			tokens[i] = ac.AccessToken
		}(i)
	}

	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if tokens[i] != "refreshed-access-token" {
			t.Fatalf("caller %d ended with token %q", i, tokens[i])
		}
	}

	// The provider rotates refresh tokens on use; a second concurrent
	// grant would have stranded the loser.
	if client.refreshCallCount() != 1 {
		t.Fatalf("expected exactly 1 refresh grant, got %d", client.refreshCallCount())
	}
}

func TestEnsureFreshTokenSerializesAcrossCachedStores(t *testing.T) {
	backing := newMemoryConnectionStore()
	client := &countingProviderClient{
		refreshDelay: 100 * time.Millisecond,
		rotatedToken: "rotated-refresh-token",
	}

	// Two managers, each behind its own read cache over the shared
	// store, the way two processor instances are wired in production.
	// The cache TTL far exceeds the lease TTL: a lease loser polling its
	// own cache would never see the winner's rotation and would issue a
	// second grant with the dead refresh token.
	cacheCfg := &config.Config{
		ConnectionCacheSize: 16,
		ConnectionCacheTTL:  30 * time.Second,
	}

	managerA := buildManager(t, connection_repository.NewCachedConnectionStore(cacheCfg, backing), client)
	managerB := buildManager(t, connection_repository.NewCachedConnectionStore(cacheCfg, backing), client)

	conn := createStaleConnection(t, managerA, "tenant-1")

	// Warm both caches with the stale row.
	acA, err := managerA.GetDecryptedConnectionByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	acB, err := managerB.GetDecryptedConnectionByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatal("unexpected error", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = managerA.EnsureFreshToken(context.Background(), acA)
	}()
	go func() {
		defer wg.Done()
		errs[1] = managerB.EnsureFreshToken(context.Background(), acB)
	}()
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
	}
	if acA.AccessToken != "refreshed-access-token" || acB.AccessToken != "refreshed-access-token" {
		t.Fatalf("expected both callers to observe the refreshed token, got %q and %q", acA.AccessToken, acB.AccessToken)
	}

	if client.refreshCallCount() != 1 {
		t.Fatalf("expected exactly 1 refresh grant across processes, got %d", client.refreshCallCount())
	}

	stored, err := backing.GetByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if stored.Status == domain.ConnectionStatusError {
		t.Fatalf("expected the connection to stay healthy, got status %q lastError %q", stored.Status, stored.LastError)
	}
}

func TestEnsureFreshTokenAuthFailureMarksConnection(t *testing.T) {
	store := newMemoryConnectionStore()
	client := &countingProviderClient{
		refreshErr: fmt.Errorf("%w: invalid_grant", domain.ErrAuthentication),
	}
	m := buildManager(t, store, client)

	conn := createStaleConnection(t, m, "tenant-1")

	ac, _ := m.GetDecryptedTenantConnection(context.Background(), "tenant-1")

	err := m.EnsureFreshToken(context.Background(), ac)
	if !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("expected an authentication error, got %v", err)
	}

	if _, marked := store.markedError[conn.ID]; !marked {
		t.Fatal("expected the connection to be marked errored")
	}
}

func TestEnsureFreshTokenTransientFailurePassesThrough(t *testing.T) {
	store := newMemoryConnectionStore()
	client := &countingProviderClient{
		refreshErr: fmt.Errorf("%w: upstream 503", domain.ErrTransientUpstream),
	}
	m := buildManager(t, store, client)

	conn := createStaleConnection(t, m, "tenant-1")

	ac, _ := m.GetDecryptedTenantConnection(context.Background(), "tenant-1")

	err := m.EnsureFreshToken(context.Background(), ac)
	if !errors.Is(err, domain.ErrTransientUpstream) {
		t.Fatalf("expected a transient error, got %v", err)
	}

	// Transient upstream trouble must not flip the connection to error.
	if _, marked := store.markedError[conn.ID]; marked {
		t.Fatal("expected the connection to stay healthy")
	}
}

func TestDisconnectRevokesAndDeactivates(t *testing.T) {
	store := newMemoryConnectionStore()
	client := &countingProviderClient{}
	m := buildManager(t, store, client)

	conn := createStaleConnection(t, m, "tenant-1")

	if err := m.Disconnect(context.Background(), conn.ID); err != nil {
		t.Fatal("unexpected error", err)
	}

	if client.revokeCalls != 1 {
		t.Fatalf("expected 1 revocation, got %d", client.revokeCalls)
	}

	stored, _ := store.GetByID(context.Background(), conn.ID)
	if stored.IsActive {
		t.Fatal("expected the connection to be deactivated")
	}
}

func TestActivateConnectionRejectsForeignUser(t *testing.T) {
	store := newMemoryConnectionStore()
	m := buildManager(t, store, &countingProviderClient{})

	conn := createStaleConnection(t, m, "tenant-1")

	err := m.ActivateConnection(context.Background(), conn.ID, "someone-else")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for a foreign user, got %v", err)
	}
}
