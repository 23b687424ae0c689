//go:build sql
// +build sql

package entitycache

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/platform/db"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
)

func init() {
	logger.InitLogger()
}

func initializeSqlStore(t *testing.T) (*SqlStore, *sql.DB) {
	cfg := config.GetConfig()

	database, err := db.InitializeDatabaseConnection(cfg)
	if err != nil {
		t.Fatal("Unable to connect to database: ", err)
	}

	store, err := NewSqlStore(cfg, database, nil)
	if err != nil {
		t.Fatal("unexpected error while creating the SqlStore", err)
	}

	return store, database
}

func removeTestEntities(t *testing.T, database *sql.DB, tenantID domain.TenantID) {
	_, err := database.Exec("DELETE FROM unresolved_references WHERE tenant_id = $1", tenantID)
	if err != nil {
		t.Fatal("unexpected error while cleaning up unresolved references", err)
	}
	_, err = database.Exec("DELETE FROM cached_entities WHERE tenant_id = $1", tenantID)
	if err != nil {
		t.Fatal("unexpected error while cleaning up cached entities", err)
	}
}

func cachedInvoice(tenantID domain.TenantID, remoteUpdatedAt time.Time, status string) domain.CachedEntity {
	return domain.CachedEntity{
		TenantID:        tenantID,
		ExternalID:      "cache-test-inv-1",
		EntityType:      domain.EntityTypeInvoice,
		DisplayName:     "Cache test invoice",
		DocumentNumber:  "INV-0100",
		AmountTotal:     42.50,
		CurrencyCode:    "EUR",
		EntityStatus:    status,
		RawPayload:      json.RawMessage(`{"id":"cache-test-inv-1"}`),
		RemoteUpdatedAt: remoteUpdatedAt,
	}
}

func TestSqlStoreUpsertNewerTimestampWins(t *testing.T) {

	store, database := initializeSqlStore(t)

	tenantID := domain.TenantID("cache-store-test-tenant-1")

	removeTestEntities(t, database, tenantID)

	base := time.Now().UTC().Truncate(time.Second)

	applied, err := store.Upsert(context.TODO(), cachedInvoice(tenantID, base, "DRAFT"))
	if err != nil {
		t.Fatal("unexpected error while upserting an entity", err)
	}
	if applied != true {
		t.Fatal("expected the first upsert to be applied")
	}

	// An out-of-order write carrying an older remote timestamp must not
	// overwrite the stored row.
	applied, err = store.Upsert(context.TODO(), cachedInvoice(tenantID, base.Add(-1*time.Minute), "VOIDED"))
	if err != nil {
		t.Fatal("unexpected error while upserting a stale entity", err)
	}
	if applied != false {
		t.Fatal("expected the stale upsert to be a no-op")
	}

	// Equal timestamps are also a no-op; only strictly newer data wins.
	applied, err = store.Upsert(context.TODO(), cachedInvoice(tenantID, base, "VOIDED"))
	if err != nil {
		t.Fatal("unexpected error while upserting an equal-timestamp entity", err)
	}
	if applied != false {
		t.Fatal("expected the equal-timestamp upsert to be a no-op")
	}

	applied, err = store.Upsert(context.TODO(), cachedInvoice(tenantID, base.Add(1*time.Minute), "AUTHORISED"))
	if err != nil {
		t.Fatal("unexpected error while upserting a newer entity", err)
	}
	if applied != true {
		t.Fatal("expected the newer upsert to be applied")
	}

	var status string
	err = database.QueryRow(
		"SELECT entity_status FROM cached_entities WHERE tenant_id = $1 AND external_id = $2 AND entity_type = $3",
		tenantID, "cache-test-inv-1", domain.EntityTypeInvoice).Scan(&status)
	if err != nil {
		t.Fatal("unexpected error while verifying the stored entity", err)
	}
	if status != "AUTHORISED" {
		t.Fatalf("expected the stored status to be AUTHORISED, got %s", status)
	}

	removeTestEntities(t, database, tenantID)
}

func TestSqlStoreResolvesReferencesOnceContactArrives(t *testing.T) {

	store, database := initializeSqlStore(t)

	tenantID := domain.TenantID("cache-store-test-tenant-2")

	removeTestEntities(t, database, tenantID)

	err := store.RecordUnresolvedReference(context.TODO(), tenantID, "cache-test-inv-1", domain.EntityTypeInvoice, "cache-test-con-1")
	if err != nil {
		t.Fatal("unexpected error while recording an unresolved reference", err)
	}

	// The target contact has not synced yet, so nothing resolves.
	deleted, err := store.DeleteResolvedReferences(context.TODO(), tenantID)
	if err != nil {
		t.Fatal("unexpected error while deleting resolved references", err)
	}
	if deleted != 0 {
		t.Fatalf("expected no resolved references, got %d", deleted)
	}

	contact := domain.CachedEntity{
		TenantID:        tenantID,
		ExternalID:      "cache-test-con-1",
		EntityType:      domain.EntityTypeContact,
		DisplayName:     "Cache test contact",
		RawPayload:      json.RawMessage(`{"id":"cache-test-con-1"}`),
		RemoteUpdatedAt: time.Now().UTC(),
	}

	if _, err := store.Upsert(context.TODO(), contact); err != nil {
		t.Fatal("unexpected error while upserting the contact", err)
	}

	exists, err := store.Exists(context.TODO(), tenantID, "cache-test-con-1", domain.EntityTypeContact)
	if err != nil {
		t.Fatal("unexpected error while checking for the contact", err)
	}
	if exists != true {
		t.Fatal("expected the contact to exist after the upsert")
	}

	deleted, err = store.DeleteResolvedReferences(context.TODO(), tenantID)
	if err != nil {
		t.Fatal("unexpected error while deleting resolved references", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 resolved reference, got %d", deleted)
	}

	removeTestEntities(t, database, tenantID)
}
