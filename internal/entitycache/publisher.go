package entitycache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ledgersync/ledger-connector/internal/domain"

	kafka "github.com/segmentio/kafka-go"
)

// ChangePublisher notifies downstream consumers that a cached entity
// changed.  Publishing is best effort and happens after the local write.
type ChangePublisher interface {
	PublishEntityChange(ctx context.Context, entity domain.CachedEntity) error
}

type NoopPublisher struct {
}

func (NoopPublisher) PublishEntityChange(ctx context.Context, entity domain.CachedEntity) error {
	return nil
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaChangePublisher emits one message per applied upsert, keyed by
// tenant so downstream consumers see a tenant's changes in order.
type KafkaChangePublisher struct {
	writer kafkaMessageWriter
}

func NewKafkaChangePublisher(writer kafkaMessageWriter) *KafkaChangePublisher {
	return &KafkaChangePublisher{writer: writer}
}

type entityChangeMessage struct {
	TenantID        domain.TenantID   `json:"tenant_id"`
	EntityType      domain.EntityType `json:"entity_type"`
	ExternalID      string            `json:"external_id"`
	RemoteUpdatedAt time.Time         `json:"remote_updated_at"`
}

func (kcp *KafkaChangePublisher) PublishEntityChange(ctx context.Context, entity domain.CachedEntity) error {
	message := entityChangeMessage{
		TenantID:        entity.TenantID,
		EntityType:      entity.EntityType,
		ExternalID:      entity.ExternalID,
		RemoteUpdatedAt: entity.RemoteUpdatedAt,
	}

	value, err := json.Marshal(message)
	if err != nil {
		return err
	}

	return kcp.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entity.TenantID),
		Value: value,
	})
}
