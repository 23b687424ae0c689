package entitycache

import (
	"context"

	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/provider"
)

// NewCachedEntity maps a provider API record onto a cache row.
func NewCachedEntity(tenantID domain.TenantID, entityType domain.EntityType, entity provider.Entity) domain.CachedEntity {
	return domain.CachedEntity{
		TenantID:          tenantID,
		ExternalID:        entity.ExternalID,
		EntityType:        entityType,
		DisplayName:       entity.DisplayName,
		DocumentNumber:    entity.DocumentNumber,
		ContactExternalID: entity.ContactExternalID,
		AmountTotal:       entity.AmountTotal,
		CurrencyCode:      entity.CurrencyCode,
		EntityStatus:      entity.Status,
		DocumentDate:      entity.DocumentDate,
		RawPayload:        entity.Raw,
		RemoteUpdatedAt:   entity.UpdatedAt,
	}
}

// TrackContactReference records the entity's contact reference when the
// referenced contact has not been cached yet.  References are soft: a
// dangling one is noted for later resolution, never treated as an error.
func TrackContactReference(ctx context.Context, store Store, entity domain.CachedEntity) error {
	if entity.ContactExternalID == "" {
		return nil
	}

	exists, err := store.Exists(ctx, entity.TenantID, entity.ContactExternalID, domain.EntityTypeContact)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	return store.RecordUnresolvedReference(ctx, entity.TenantID, entity.ExternalID, entity.EntityType, entity.ContactExternalID)
}
