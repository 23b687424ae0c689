package entitycache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ledgersync/ledger-connector/internal/domain"

	kafka "github.com/segmentio/kafka-go"
)

type capturingMessageWriter struct {
	messages []kafka.Message
}

func (cmw *capturingMessageWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	cmw.messages = append(cmw.messages, msgs...)
	return nil
}

func TestKafkaChangePublisher(t *testing.T) {
	writer := &capturingMessageWriter{}
	publisher := NewKafkaChangePublisher(writer)

	remoteUpdatedAt := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

	err := publisher.PublishEntityChange(context.Background(), domain.CachedEntity{
		TenantID:        "tenant-1",
		ExternalID:      "inv-42",
		EntityType:      domain.EntityTypeInvoice,
		RemoteUpdatedAt: remoteUpdatedAt,
	})
	if err != nil {
		t.Fatal("unexpected error", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.messages))
	}

	message := writer.messages[0]

	// Keyed by tenant so a tenant's changes stay ordered per partition.
	if string(message.Key) != "tenant-1" {
		t.Fatalf("expected tenant key, got %q", string(message.Key))
	}

	var decoded entityChangeMessage
	if err := json.Unmarshal(message.Value, &decoded); err != nil {
		t.Fatal("unexpected error decoding message", err)
	}

	if decoded.ExternalID != "inv-42" || decoded.EntityType != domain.EntityTypeInvoice {
		t.Fatalf("unexpected message: %+v", decoded)
	}
	if !decoded.RemoteUpdatedAt.Equal(remoteUpdatedAt) {
		t.Fatalf("expected %s, got %s", remoteUpdatedAt, decoded.RemoteUpdatedAt)
	}
}
