package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgersync/ledger-connector/internal/domain"

	"github.com/google/uuid"
)

// Payload is the provider's webhook batch envelope.
type Payload struct {
	Events             []Event `json:"events"`
	FirstEventSequence int64   `json:"firstEventSequence"`
	LastEventSequence  int64   `json:"lastEventSequence"`
	Entropy            string  `json:"entropy"`
}

// Event is one change notification within a webhook batch.
type Event struct {
	TenantID      string `json:"tenantId"`
	TenantType    string `json:"tenantType"`
	EventCategory string `json:"eventCategory"`
	EventType     string `json:"eventType"`
	EventDateUtc  string `json:"eventDateUtc"`
	ResourceID    string `json:"resourceId"`
	ResourceURL   string `json:"resourceUrl"`
}

// ParsePayload decodes a verified webhook body.  Malformed payloads are
// a validation failure: rejected, never persisted, never retried.
func ParsePayload(rawBody []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload", domain.ErrValidation)
	}
	return &payload, nil
}

// DedupeKey is a stable hash of the fields that identify one provider
// event.  The provider redelivers batches freely; the unique key on this
// value absorbs the duplicates.
func DedupeKey(event Event) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		event.TenantID,
		event.ResourceID,
		event.EventCategory,
		event.EventType,
		event.EventDateUtc,
	}, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

// PendingEvents converts a parsed batch into rows for the event store.
func (p *Payload) PendingEvents() []domain.PendingWebhookEvent {
	pending := make([]domain.PendingWebhookEvent, 0, len(p.Events))

	for _, event := range p.Events {
		raw, _ := json.Marshal(event)

		pending = append(pending, domain.PendingWebhookEvent{
			ID:         uuid.NewString(),
			DedupeKey:  DedupeKey(event),
			TenantID:   domain.TenantID(event.TenantID),
			Category:   event.EventCategory,
			Type:       event.EventType,
			ResourceID: event.ResourceID,
			RawPayload: raw,
		})
	}

	return pending
}
