package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/connection_repository"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/provider"
	"github.com/ledgersync/ledger-connector/internal/vault"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	refreshWaitInterval = 200 * time.Millisecond
	refreshMaxAttempts  = 3
)

// ActiveConnection is a connection record with its tokens decrypted.  It
// only ever lives on the stack of the immediate caller.
type ActiveConnection struct {
	domain.Connection
	AccessToken  string
	RefreshToken string
}

// Manager owns the connection and token lifecycle: creation from a
// credential exchange, refresh, activation switching and disconnect.
type Manager struct {
	store           connection_repository.ConnectionStore
	vault           *vault.Vault
	providers       provider.Registry
	refreshSkew     time.Duration
	leaseTTL        time.Duration
	multiTenantMode bool
}

func NewManager(cfg *config.Config, store connection_repository.ConnectionStore, v *vault.Vault, providers provider.Registry) *Manager {
	return &Manager{
		store:           store,
		vault:           v,
		providers:       providers,
		refreshSkew:     cfg.TokenRefreshSkew,
		leaseTTL:        cfg.TokenRefreshLeaseTTL,
		multiTenantMode: cfg.ConnectionMultiTenantMode,
	}
}

// CreateConnection persists a new connection from a successful credential
// exchange.  Under the single-active policy, sibling connections for the
// same user and provider are deactivated first.
func (m *Manager) CreateConnection(ctx context.Context, userID domain.UserID, providerTag string, bundle domain.TokenBundle) (domain.Connection, error) {

	log := logger.Log.WithFields(logrus.Fields{"user_id": userID, "tenant_id": bundle.TenantID})

	accessTokenEncrypted, err := m.vault.Encrypt(bundle.AccessToken)
	if err != nil {
		return domain.Connection{}, err
	}

	refreshTokenEncrypted, err := m.vault.Encrypt(bundle.RefreshToken)
	if err != nil {
		return domain.Connection{}, err
	}

	conn := domain.Connection{
		UserID:                userID,
		TenantID:              bundle.TenantID,
		TenantName:            bundle.TenantName,
		Provider:              providerTag,
		AccessTokenEncrypted:  accessTokenEncrypted,
		RefreshTokenEncrypted: refreshTokenEncrypted,
		Scopes:                bundle.Scopes,
		ExpiresAt:             m.bundleExpiry(bundle),
	}

	// Siblings go inactive before the new row lands so no reader ever
	// sees two active connections for the same user and provider.  A
	// reconnect row deactivated here comes back active in the upsert.
	if !m.multiTenantMode {
		if err := m.store.DeactivateSiblings(ctx, userID, providerTag, ""); err != nil {
			return domain.Connection{}, err
		}
	}

	created, err := m.store.Create(ctx, conn)
	if err != nil {
		return domain.Connection{}, err
	}

	log.Info("Created a connection")

	return created, nil
}

// GetDecryptedConnection resolves the user's active connection (or a
// specific tenant's) and decrypts the tokens on the way out.
func (m *Manager) GetDecryptedConnection(ctx context.Context, userID domain.UserID, tenantID domain.TenantID) (*ActiveConnection, error) {
	conn, err := m.store.GetActiveForUser(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	return m.decrypt(conn)
}

// GetDecryptedConnectionByID resolves a specific connection record.
func (m *Manager) GetDecryptedConnectionByID(ctx context.Context, id domain.ConnectionID) (*ActiveConnection, error) {
	conn, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.decrypt(conn)
}

// GetDecryptedTenantConnection resolves the connection owning a tenant.
// Used by the event processor, where only the provider's tenant id is
// known.
func (m *Manager) GetDecryptedTenantConnection(ctx context.Context, tenantID domain.TenantID) (*ActiveConnection, error) {
	conn, err := m.store.GetActiveByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return m.decrypt(conn)
}

func (m *Manager) decrypt(conn domain.Connection) (*ActiveConnection, error) {
	accessToken, err := m.vault.Decrypt(conn.AccessTokenEncrypted)
	if err != nil {
		return nil, err
	}

	refreshToken, err := m.vault.Decrypt(conn.RefreshTokenEncrypted)
	if err != nil {
		return nil, err
	}

	return &ActiveConnection{
		Connection:   conn,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// EnsureFreshToken refreshes the connection's access token if it expires
// within the configured skew window.  Refresh is serialized per
// connection through a short-lived lease: the provider rotates refresh
// tokens on use, so two concurrent refresh grants would strand the loser
// with a dead credential.  A caller that loses the lease waits and
// re-reads the refreshed record instead of refreshing itself.
func (m *Manager) EnsureFreshToken(ctx context.Context, ac *ActiveConnection) error {

	if m.isFresh(ac.Connection) {
		refreshResultCounter.With(prometheus.Labels{"result": "fresh"}).Inc()
		return nil
	}

	log := logger.Log.WithFields(logrus.Fields{"connection_id": ac.ID, "tenant_id": ac.TenantID})
	holder := uuid.NewString()

	for attempt := 0; attempt < refreshMaxAttempts; attempt++ {
		claimed, err := m.store.ClaimRefreshLease(ctx, ac.ID, holder, m.leaseTTL)
		if err != nil {
			return err
		}

		if claimed {
			return m.refreshUnderLease(ctx, log, ac, holder)
		}

		// Lost the lease.  Another caller is refreshing; wait for the
		// record to become fresh and adopt its tokens.
		if err := m.waitForRefresh(ctx, ac); err == nil {
			refreshResultCounter.With(prometheus.Labels{"result": "adopted"}).Inc()
			return nil
		}

		log.Debug("Refresh lease holder did not finish in time, retrying claim")
	}

	refreshResultCounter.With(prometheus.Labels{"result": "contended"}).Inc()
	return fmt.Errorf("%w: token refresh lease contention on connection %s", domain.ErrTransientUpstream, ac.ID)
}

func (m *Manager) refreshUnderLease(ctx context.Context, log *logrus.Entry, ac *ActiveConnection, holder string) error {
	defer func() {
		if err := m.store.ReleaseRefreshLease(ctx, ac.ID, holder); err != nil {
			log.WithFields(logrus.Fields{"error": err}).Warn("Unable to release refresh lease")
		}
	}()

	// The previous lease holder may have refreshed between our expiry
	// check and the claim.  Re-read before issuing the grant, bypassing
	// any read cache in front of the store.
	current, err := m.store.GetByIDFresh(ctx, ac.ID)
	if err != nil {
		return err
	}
	if m.isFresh(current) {
		fresh, err := m.decrypt(current)
		if err != nil {
			return err
		}
		*ac = *fresh
		refreshResultCounter.With(prometheus.Labels{"result": "adopted"}).Inc()
		return nil
	}

	client, err := m.providers(ac.Provider)
	if err != nil {
		return err
	}

	log.Debug("Refreshing access token")

	bundle, err := client.RefreshToken(ctx, ac.RefreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrTransientUpstream) {
			refreshResultCounter.With(prometheus.Labels{"result": "transient_failure"}).Inc()
			return err
		}

		refreshResultCounter.With(prometheus.Labels{"result": "auth_failure"}).Inc()
		if markErr := m.store.MarkError(ctx, ac.ID, err.Error()); markErr != nil {
			log.WithFields(logrus.Fields{"error": markErr}).Error("Unable to record refresh failure")
		}
		return fmt.Errorf("%w: refresh grant failed for connection %s", domain.ErrAuthentication, ac.ID)
	}

	accessTokenEncrypted, err := m.vault.Encrypt(bundle.AccessToken)
	if err != nil {
		return err
	}

	refreshToken := bundle.RefreshToken
	if refreshToken == "" {
		// Provider did not rotate the refresh token on this grant.
		refreshToken = ac.RefreshToken
	}
	refreshTokenEncrypted, err := m.vault.Encrypt(refreshToken)
	if err != nil {
		return err
	}

	expiresAt := m.bundleExpiry(bundle)
	if err := m.store.UpdateTokens(ctx, ac.ID, accessTokenEncrypted, refreshTokenEncrypted, expiresAt); err != nil {
		return err
	}

	ac.AccessToken = bundle.AccessToken
	ac.RefreshToken = refreshToken
	ac.AccessTokenEncrypted = accessTokenEncrypted
	ac.RefreshTokenEncrypted = refreshTokenEncrypted
	ac.ExpiresAt = expiresAt
	ac.Status = domain.ConnectionStatusActive
	ac.LastError = ""

	refreshResultCounter.With(prometheus.Labels{"result": "refreshed"}).Inc()
	log.Debug("Access token refreshed")

	return nil
}

func (m *Manager) waitForRefresh(ctx context.Context, ac *ActiveConnection) error {
	deadline := time.Now().Add(m.leaseTTL)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(refreshWaitInterval):
		}

		// The winner's update lands in the backing store, not in this
		// process's cache; only an uncached read can see it.
		current, err := m.store.GetByIDFresh(ctx, ac.ID)
		if err != nil {
			return err
		}

		if m.isFresh(current) {
			fresh, err := m.decrypt(current)
			if err != nil {
				return err
			}
			*ac = *fresh
			return nil
		}
	}

	return fmt.Errorf("%w: refreshed token did not appear", domain.ErrTransientUpstream)
}

// TouchLastAPICall stamps the connection after a provider API call made
// on its behalf.  Best effort; a failed stamp never fails the caller.
func (m *Manager) TouchLastAPICall(ctx context.Context, id domain.ConnectionID) {
	if err := m.store.TouchLastAPICall(ctx, id); err != nil {
		logger.Log.WithFields(logrus.Fields{
			"error":         err,
			"connection_id": id}).Warn("Unable to record last API call")
	}
}

// ActivateConnection validates ownership, flips the target connection to
// active and deactivates conflicting siblings atomically.
func (m *Manager) ActivateConnection(ctx context.Context, id domain.ConnectionID, userID domain.UserID) error {
	return m.store.Activate(ctx, id, userID)
}

// Disconnect revokes the credential with the provider on a best-effort
// basis and always deactivates the local record.  Remote revocation
// failure is logged and swallowed - the local deactivation is the
// guarantee.
func (m *Manager) Disconnect(ctx context.Context, id domain.ConnectionID) error {
	log := logger.Log.WithFields(logrus.Fields{"connection_id": id})

	conn, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if ac, err := m.decrypt(conn); err == nil {
		if client, err := m.providers(conn.Provider); err == nil {
			if err := client.RevokeToken(ctx, ac.RefreshToken); err != nil {
				log.WithFields(logrus.Fields{"error": err}).Warn("Remote token revocation failed")
			}
		}
	} else {
		log.WithFields(logrus.Fields{"error": err}).Warn("Unable to decrypt tokens for revocation")
	}

	if err := m.store.Deactivate(ctx, id); err != nil {
		return err
	}

	log.Info("Disconnected a connection")
	return nil
}

func (m *Manager) isFresh(conn domain.Connection) bool {
	return time.Until(conn.ExpiresAt) > m.refreshSkew
}

func (m *Manager) bundleExpiry(bundle domain.TokenBundle) time.Time {
	if bundle.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(bundle.ExpiresIn) * time.Second)
	}

	if expiresAt, ok := expiryFromAccessToken(bundle.AccessToken); ok {
		return expiresAt
	}

	// No expiry information at all; assume the provider's usual token
	// lifetime of 30 minutes.
	return time.Now().Add(30 * time.Minute)
}
