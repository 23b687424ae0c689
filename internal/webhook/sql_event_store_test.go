//go:build sql
// +build sql

package webhook

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/platform/db"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"

	"github.com/google/uuid"
)

func init() {
	logger.InitLogger()
}

func initializeEventStore(t *testing.T) (*SqlEventStore, *sql.DB) {
	cfg := config.GetConfig()

	database, err := db.InitializeDatabaseConnection(cfg)
	if err != nil {
		t.Fatal("Unable to connect to database: ", err)
	}

	store, err := NewSqlEventStore(cfg, database)
	if err != nil {
		t.Fatal("unexpected error while creating the SqlEventStore", err)
	}

	return store, database
}

func removeTestEvents(t *testing.T, database *sql.DB, tenantID domain.TenantID) {
	_, err := database.Exec("DELETE FROM webhook_events WHERE tenant_id = $1", tenantID)
	if err != nil {
		t.Fatal("unexpected error while cleaning up webhook events", err)
	}
}

func pendingEvent(tenantID domain.TenantID, dedupeKey string) domain.PendingWebhookEvent {
	return domain.PendingWebhookEvent{
		ID:         uuid.NewString(),
		DedupeKey:  dedupeKey,
		TenantID:   tenantID,
		Category:   "INVOICE",
		Type:       "Updated",
		ResourceID: "inv-42",
		RawPayload: []byte(`{"resourceId":"inv-42"}`),
	}
}

func TestSqlEventStoreInsertDeduplicates(t *testing.T) {

	store, database := initializeEventStore(t)

	tenantID := domain.TenantID("event-store-test-tenant-1")

	removeTestEvents(t, database, tenantID)

	events := []domain.PendingWebhookEvent{
		pendingEvent(tenantID, "event-store-test-dedupe-1"),
		pendingEvent(tenantID, "event-store-test-dedupe-2"),
	}

	inserted, err := store.InsertPending(context.TODO(), events)
	if err != nil {
		t.Fatal("unexpected error while inserting events", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 inserted events, got %d", inserted)
	}

	// A redelivered batch carries the same dedupe keys and must be a
	// no-op.
	inserted, err = store.InsertPending(context.TODO(), []domain.PendingWebhookEvent{
		pendingEvent(tenantID, "event-store-test-dedupe-1"),
	})
	if err != nil {
		t.Fatal("unexpected error while inserting a duplicate event", err)
	}
	if inserted != 0 {
		t.Fatalf("expected 0 inserted events for a redelivery, got %d", inserted)
	}

	removeTestEvents(t, database, tenantID)
}

func TestSqlEventStoreClaimRetryAndComplete(t *testing.T) {

	store, database := initializeEventStore(t)

	tenantID := domain.TenantID("event-store-test-tenant-2")

	removeTestEvents(t, database, tenantID)

	event := pendingEvent(tenantID, "event-store-test-dedupe-3")

	_, err := store.InsertPending(context.TODO(), []domain.PendingWebhookEvent{event})
	if err != nil {
		t.Fatal("unexpected error while inserting an event", err)
	}

	claimed := claimEventsForTenant(t, store, tenantID)
	if len(claimed) != 1 {
		t.Fatalf("expected to claim 1 event, got %d", len(claimed))
	}
	if claimed[0].ID != event.ID || claimed[0].RetryCount != 0 {
		t.Fatal("claimed event does not match inserted event", claimed[0])
	}

	// The claim pushes next_attempt_at forward, so an immediate second
	// claim must come back empty.
	claimed = claimEventsForTenant(t, store, tenantID)
	if len(claimed) != 0 {
		t.Fatalf("expected no claimable events while the claim is held, got %d", len(claimed))
	}

	err = store.ScheduleRetry(context.TODO(), event.ID, 1, time.Now().Add(-1*time.Second), "upstream returned a 503")
	if err != nil {
		t.Fatal("unexpected error while scheduling a retry", err)
	}

	claimed = claimEventsForTenant(t, store, tenantID)
	if len(claimed) != 1 {
		t.Fatalf("expected to re-claim the retried event, got %d", len(claimed))
	}
	if claimed[0].RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", claimed[0].RetryCount)
	}

	// The failed attempt's error rides along so a waiting event is
	// diagnosable before it dead-letters.
	var processingError sql.NullString
	err = database.QueryRow("SELECT processing_error FROM webhook_events WHERE id = $1", event.ID).Scan(&processingError)
	if err != nil {
		t.Fatal("unexpected error while verifying the stored event", err)
	}
	if processingError.String != "upstream returned a 503" {
		t.Fatal("expected the retry to retain the attempt's error", processingError.String)
	}

	err = store.MarkProcessed(context.TODO(), event.ID, "")
	if err != nil {
		t.Fatal("unexpected error while marking an event processed", err)
	}

	err = store.ScheduleRetry(context.TODO(), event.ID, 2, time.Now().Add(-1*time.Second), "upstream returned a 503")
	if err != nil {
		t.Fatal("unexpected error while scheduling a retry", err)
	}

	// A processed event stays finished even if its next attempt time is
	// in the past.
	claimed = claimEventsForTenant(t, store, tenantID)
	if len(claimed) != 0 {
		t.Fatalf("expected no claimable events after completion, got %d", len(claimed))
	}

	removeTestEvents(t, database, tenantID)
}

func TestSqlEventStoreDeadLetterRetainsError(t *testing.T) {

	store, database := initializeEventStore(t)

	tenantID := domain.TenantID("event-store-test-tenant-3")

	removeTestEvents(t, database, tenantID)

	event := pendingEvent(tenantID, "event-store-test-dedupe-4")

	_, err := store.InsertPending(context.TODO(), []domain.PendingWebhookEvent{event})
	if err != nil {
		t.Fatal("unexpected error while inserting an event", err)
	}

	err = store.MarkProcessed(context.TODO(), event.ID, "upstream returned a 500")
	if err != nil {
		t.Fatal("unexpected error while marking an event processed", err)
	}

	var processed bool
	var processingError sql.NullString
	err = database.QueryRow("SELECT processed, processing_error FROM webhook_events WHERE id = $1", event.ID).Scan(&processed, &processingError)
	if err != nil {
		t.Fatal("unexpected error while verifying the stored event", err)
	}

	if processed != true {
		t.Fatal("expected the dead-lettered event to be marked processed")
	}
	if processingError.String != "upstream returned a 500" {
		t.Fatal("expected the processing error to be retained", processingError.String)
	}

	removeTestEvents(t, database, tenantID)
}

// claimEventsForTenant claims a large batch and filters to the test
// tenant so leftover rows from other tests cannot interfere.
func claimEventsForTenant(t *testing.T, store *SqlEventStore, tenantID domain.TenantID) []domain.PendingWebhookEvent {
	claimed, err := store.ClaimBatch(context.TODO(), 100)
	if err != nil {
		t.Fatal("unexpected error while claiming a batch", err)
	}

	var events []domain.PendingWebhookEvent
	for _, event := range claimed {
		if event.TenantID == tenantID {
			events = append(events, event)
		}
	}
	return events
}
