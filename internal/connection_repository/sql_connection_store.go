package connection_repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const connectionColumns = `id, user_id, tenant_id, tenant_name, provider, status,
	access_token_encrypted, refresh_token_encrypted, scopes, expires_at,
	last_api_call_at, last_error, is_active, is_primary, created_at, updated_at`

type SqlConnectionStore struct {
	database     *sql.DB
	queryTimeout time.Duration
}

func NewSqlConnectionStore(cfg *config.Config, database *sql.DB) (*SqlConnectionStore, error) {
	return &SqlConnectionStore{
		database:     database,
		queryTimeout: cfg.DatabaseQueryTimeout,
	}, nil
}

func (scs *SqlConnectionStore) Create(ctx context.Context, conn domain.Connection) (domain.Connection, error) {

	callDurationTimer := prometheus.NewTimer(metrics.sqlConnectionCreationDuration)
	defer callDurationTimer.ObserveDuration()

	log := logger.Log.WithFields(logrus.Fields{"user_id": conn.UserID, "tenant_id": conn.TenantID})

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	if conn.ID == "" {
		conn.ID = domain.ConnectionID(uuid.NewString())
	}

	scopesString, err := json.Marshal(conn.Scopes)
	if err != nil {
		log.WithFields(logrus.Fields{"error": err}).Error("Unable to marshal scopes")
		return conn, err
	}

	// Reconnecting an existing (user, tenant) pair replaces the stored
	// tokens and reactivates the row instead of creating a duplicate.
	statement, err := scs.database.Prepare(
		`INSERT INTO connections
		   (id, user_id, tenant_id, tenant_name, provider, status,
		    access_token_encrypted, refresh_token_encrypted, scopes,
		    expires_at, is_active, is_primary, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'active', $6, $7, $8, $9, true, $10, NOW(), NOW())
		 ON CONFLICT (user_id, tenant_id) DO UPDATE SET
		   tenant_name = EXCLUDED.tenant_name,
		   provider = EXCLUDED.provider,
		   status = 'active',
		   access_token_encrypted = EXCLUDED.access_token_encrypted,
		   refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
		   scopes = EXCLUDED.scopes,
		   expires_at = EXCLUDED.expires_at,
		   is_active = true,
		   last_error = '',
		   updated_at = NOW()
		 RETURNING id, created_at, updated_at`)
	if err != nil {
		logger.LogError("SQL Prepare failed", err)
		return conn, err
	}
	defer statement.Close()

	err = statement.QueryRowContext(ctx,
		conn.ID, conn.UserID, conn.TenantID, conn.TenantName, conn.Provider,
		conn.AccessTokenEncrypted, conn.RefreshTokenEncrypted, scopesString,
		conn.ExpiresAt, conn.IsPrimary).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		logger.LogError("SQL query failed", err)
		return conn, err
	}

	conn.Status = domain.ConnectionStatusActive
	conn.IsActive = true

	log.Debug("Created a connection")

	return conn, nil
}

func (scs *SqlConnectionStore) GetByID(ctx context.Context, id domain.ConnectionID) (domain.Connection, error) {
	query := fmt.Sprintf("SELECT %s FROM connections WHERE id = $1", connectionColumns)
	return scs.getConnection(ctx, query, id)
}

// GetByIDFresh is GetByID; the SQL store never caches.
func (scs *SqlConnectionStore) GetByIDFresh(ctx context.Context, id domain.ConnectionID) (domain.Connection, error) {
	return scs.GetByID(ctx, id)
}

func (scs *SqlConnectionStore) GetActiveForUser(ctx context.Context, userID domain.UserID, tenantID domain.TenantID) (domain.Connection, error) {
	if tenantID != "" {
		query := fmt.Sprintf("SELECT %s FROM connections WHERE user_id = $1 AND tenant_id = $2 AND is_active = true", connectionColumns)
		return scs.getConnection(ctx, query, userID, tenantID)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM connections WHERE user_id = $1 AND is_active = true ORDER BY is_primary DESC, updated_at DESC LIMIT 1",
		connectionColumns)
	return scs.getConnection(ctx, query, userID)
}

func (scs *SqlConnectionStore) GetActiveByTenant(ctx context.Context, tenantID domain.TenantID) (domain.Connection, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM connections WHERE tenant_id = $1 AND is_active = true ORDER BY updated_at DESC LIMIT 1",
		connectionColumns)
	return scs.getConnection(ctx, query, tenantID)
}

func (scs *SqlConnectionStore) getConnection(ctx context.Context, query string, args ...interface{}) (domain.Connection, error) {

	callDurationTimer := prometheus.NewTimer(metrics.sqlConnectionLookupDuration)
	defer callDurationTimer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	row := scs.database.QueryRowContext(ctx, query, args...)

	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return conn, fmt.Errorf("%w: connection", domain.ErrNotFound)
	}
	if err != nil {
		logger.LogError("SQL query failed", err)
		return conn, err
	}

	return conn, nil
}

func (scs *SqlConnectionStore) ListActive(ctx context.Context) ([]domain.Connection, error) {

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM connections WHERE is_active = true ORDER BY created_at", connectionColumns)

	rows, err := scs.database.QueryContext(ctx, query)
	if err != nil {
		logger.LogError("SQL query failed", err)
		return nil, err
	}
	defer rows.Close()

	var connections []domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			logger.LogError("SQL scan failed.  Skipping row.", err)
			continue
		}
		connections = append(connections, conn)
	}

	return connections, rows.Err()
}

func (scs *SqlConnectionStore) ListForUser(ctx context.Context, userID domain.UserID) ([]domain.Connection, error) {

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM connections WHERE user_id = $1 ORDER BY created_at", connectionColumns)

	rows, err := scs.database.QueryContext(ctx, query, userID)
	if err != nil {
		logger.LogError("SQL query failed", err)
		return nil, err
	}
	defer rows.Close()

	var connections []domain.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			logger.LogError("SQL scan failed.  Skipping row.", err)
			continue
		}
		connections = append(connections, conn)
	}

	return connections, rows.Err()
}

func (scs *SqlConnectionStore) DeactivateSiblings(ctx context.Context, userID domain.UserID, providerTag string, keep domain.ConnectionID) error {

	callDurationTimer := prometheus.NewTimer(metrics.sqlConnectionDeactivationDuration)
	defer callDurationTimer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	update := `UPDATE connections SET is_active = false, status = 'inactive', updated_at = NOW()
	             WHERE user_id = $1 AND provider = $2 AND id != $3 AND is_active = true`

	_, err := scs.database.ExecContext(ctx, update, userID, providerTag, keep)
	if err != nil {
		logger.LogError("SQL query failed", err)
	}

	return err
}

func (scs *SqlConnectionStore) Activate(ctx context.Context, id domain.ConnectionID, userID domain.UserID) error {

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	tx, err := scs.database.BeginTx(ctx, nil)
	if err != nil {
		logger.LogError("SQL transaction begin failed", err)
		return err
	}
	defer tx.Rollback()

	var providerTag string
	err = tx.QueryRowContext(ctx,
		`UPDATE connections SET is_active = true, status = 'active', updated_at = NOW()
		   WHERE id = $1 AND user_id = $2
		   RETURNING provider`, id, userID).Scan(&providerTag)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: connection %s for user %s", domain.ErrNotFound, id, userID)
	}
	if err != nil {
		logger.LogError("SQL query failed", err)
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE connections SET is_active = false, status = 'inactive', updated_at = NOW()
		   WHERE user_id = $1 AND provider = $2 AND id != $3 AND is_active = true`,
		userID, providerTag, id)
	if err != nil {
		logger.LogError("SQL query failed", err)
		return err
	}

	return tx.Commit()
}

func (scs *SqlConnectionStore) Deactivate(ctx context.Context, id domain.ConnectionID) error {

	callDurationTimer := prometheus.NewTimer(metrics.sqlConnectionDeactivationDuration)
	defer callDurationTimer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	update := `UPDATE connections SET is_active = false, status = 'inactive', updated_at = NOW() WHERE id = $1`

	results, err := scs.database.ExecContext(ctx, update, id)
	if err != nil {
		logger.LogError("SQL query failed", err)
		return err
	}

	rowsAffected, err := results.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: connection %s", domain.ErrNotFound, id)
	}

	return nil
}

func (scs *SqlConnectionStore) UpdateTokens(ctx context.Context, id domain.ConnectionID, accessTokenEncrypted string, refreshTokenEncrypted string, expiresAt time.Time) error {

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	update := `UPDATE connections SET access_token_encrypted = $2, refresh_token_encrypted = $3,
	             expires_at = $4, status = 'active', last_error = '', updated_at = NOW()
	             WHERE id = $1`

	_, err := scs.database.ExecContext(ctx, update, id, accessTokenEncrypted, refreshTokenEncrypted, expiresAt)
	if err != nil {
		logger.LogError("SQL query failed", err)
	}

	return err
}

func (scs *SqlConnectionStore) MarkError(ctx context.Context, id domain.ConnectionID, lastError string) error {

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	update := `UPDATE connections SET status = 'error', last_error = $2, updated_at = NOW() WHERE id = $1`

	_, err := scs.database.ExecContext(ctx, update, id, lastError)
	if err != nil {
		logger.LogError("SQL query failed", err)
	}

	return err
}

func (scs *SqlConnectionStore) TouchLastAPICall(ctx context.Context, id domain.ConnectionID) error {

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	update := `UPDATE connections SET last_api_call_at = NOW() WHERE id = $1`

	_, err := scs.database.ExecContext(ctx, update, id)
	if err != nil {
		logger.LogError("SQL query failed", err)
	}

	return err
}

// ClaimRefreshLease takes the per-connection refresh lease.  Only one
// caller may hold it at a time; an expired lease can be taken over.  The
// claim is a single conditional upsert, so concurrent processor and API
// instances cannot both win.
func (scs *SqlConnectionStore) ClaimRefreshLease(ctx context.Context, id domain.ConnectionID, holder string, ttl time.Duration) (bool, error) {

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	claim := `INSERT INTO token_refresh_leases (connection_id, holder, leased_until)
	            VALUES ($1, $2, NOW() + $3 * interval '1 second')
	            ON CONFLICT (connection_id) DO UPDATE SET
	              holder = EXCLUDED.holder,
	              leased_until = EXCLUDED.leased_until
	            WHERE token_refresh_leases.leased_until < NOW()`

	results, err := scs.database.ExecContext(ctx, claim, id, holder, ttl.Seconds())
	if err != nil {
		logger.LogError("SQL query failed", err)
		return false, err
	}

	rowsAffected, err := results.RowsAffected()
	if err != nil {
		return false, err
	}

	if rowsAffected == 1 {
		metrics.sqlRefreshLeaseClaimCounter.With(prometheus.Labels{"result": "claimed"}).Inc()
		return true, nil
	}

	metrics.sqlRefreshLeaseClaimCounter.With(prometheus.Labels{"result": "lost"}).Inc()
	return false, nil
}

func (scs *SqlConnectionStore) ReleaseRefreshLease(ctx context.Context, id domain.ConnectionID, holder string) error {

	ctx, cancel := context.WithTimeout(ctx, scs.queryTimeout)
	defer cancel()

	_, err := scs.database.ExecContext(ctx,
		`DELETE FROM token_refresh_leases WHERE connection_id = $1 AND holder = $2`, id, holder)
	if err != nil {
		logger.LogError("SQL query failed", err)
	}

	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (domain.Connection, error) {
	var conn domain.Connection
	var scopesString sql.NullString
	var lastAPICallAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(&conn.ID, &conn.UserID, &conn.TenantID, &conn.TenantName,
		&conn.Provider, &conn.Status, &conn.AccessTokenEncrypted,
		&conn.RefreshTokenEncrypted, &scopesString, &conn.ExpiresAt,
		&lastAPICallAt, &lastError, &conn.IsActive, &conn.IsPrimary,
		&conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return conn, err
	}

	if scopesString.Valid && scopesString.String != "" {
		if err := json.Unmarshal([]byte(scopesString.String), &conn.Scopes); err != nil {
			logger.LogError("Unable to parse stored scopes", err)
		}
	}
	if lastAPICallAt.Valid {
		t := lastAPICallAt.Time
		conn.LastAPICallAt = &t
	}
	conn.LastError = lastError.String

	return conn, nil
}
