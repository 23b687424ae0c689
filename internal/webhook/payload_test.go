package webhook

import (
	"errors"
	"testing"

	"github.com/ledgersync/ledger-connector/internal/domain"
)

func TestParsePayloadRejectsMalformedJson(t *testing.T) {
	_, err := ParsePayload([]byte(`{"events": [`))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestParsePayload(t *testing.T) {
	rawBody := []byte(`{
		"events": [
			{"tenantId": "tenant-1", "eventCategory": "INVOICE", "eventType": "Updated",
			 "eventDateUtc": "2026-08-27T10:00:00Z", "resourceId": "inv-42"}
		],
		"firstEventSequence": 100,
		"lastEventSequence": 100
	}`)

	payload, err := ParsePayload(rawBody)
	if err != nil {
		t.Fatal("unexpected error parsing payload", err)
	}

	if len(payload.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(payload.Events))
	}

	event := payload.Events[0]
	if event.TenantID != "tenant-1" || event.EventCategory != "INVOICE" || event.ResourceID != "inv-42" {
		t.Fatalf("unexpected event fields: %+v", event)
	}
}

func TestDedupeKeyIsStable(t *testing.T) {
	event := Event{
		TenantID:      "tenant-1",
		EventCategory: "INVOICE",
		EventType:     "Updated",
		EventDateUtc:  "2026-08-27T10:00:00Z",
		ResourceID:    "inv-42",
	}

	if DedupeKey(event) != DedupeKey(event) {
		t.Fatal("expected identical keys for identical events")
	}
}

func TestDedupeKeyDistinguishesEvents(t *testing.T) {
	base := Event{
		TenantID:      "tenant-1",
		EventCategory: "INVOICE",
		EventType:     "Updated",
		EventDateUtc:  "2026-08-27T10:00:00Z",
		ResourceID:    "inv-42",
	}

	testCases := []struct {
		testName string
		mutate   func(e Event) Event
	}{
		{"different tenant", func(e Event) Event { e.TenantID = "tenant-2"; return e }},
		{"different resource", func(e Event) Event { e.ResourceID = "inv-43"; return e }},
		{"different category", func(e Event) Event { e.EventCategory = "BILL"; return e }},
		{"different type", func(e Event) Event { e.EventType = "Created"; return e }},
		{"different timestamp", func(e Event) Event { e.EventDateUtc = "2026-08-27T11:00:00Z"; return e }},
	}

	for _, tc := range testCases {
		t.Run(tc.testName, func(t *testing.T) {
			if DedupeKey(base) == DedupeKey(tc.mutate(base)) {
				t.Fatal("expected different keys")
			}
		})
	}
}

func TestPendingEvents(t *testing.T) {
	payload := &Payload{
		Events: []Event{
			{TenantID: "tenant-1", EventCategory: "INVOICE", EventType: "Updated",
				EventDateUtc: "2026-08-27T10:00:00Z", ResourceID: "inv-42"},
			{TenantID: "tenant-2", EventCategory: "CONTACT", EventType: "Created",
				EventDateUtc: "2026-08-27T10:01:00Z", ResourceID: "con-7"},
		},
	}

	pending := payload.PendingEvents()

	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events, got %d", len(pending))
	}

	if pending[0].ID == pending[1].ID {
		t.Fatal("expected unique event ids")
	}

	if pending[0].TenantID != domain.TenantID("tenant-1") || pending[0].Category != "INVOICE" {
		t.Fatalf("unexpected pending event: %+v", pending[0])
	}

	if pending[0].DedupeKey != DedupeKey(payload.Events[0]) {
		t.Fatal("expected the dedupe key of the source event")
	}
}
