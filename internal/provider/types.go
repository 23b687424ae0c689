package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgersync/ledger-connector/internal/domain"
)

// Entity is one business record as returned by the provider's API.
type Entity struct {
	ExternalID        string          `json:"id"`
	DisplayName       string          `json:"name"`
	DocumentNumber    string          `json:"document_number"`
	ContactExternalID string          `json:"contact_id"`
	AmountTotal       float64         `json:"total"`
	CurrencyCode      string          `json:"currency"`
	Status            string          `json:"status"`
	DocumentDate      *time.Time      `json:"date"`
	UpdatedAt         time.Time       `json:"updated_at_utc"`
	Raw               json.RawMessage `json:"-"`
}

// EntityPage is one page of a modified-since listing.
type EntityPage struct {
	Entities []Entity
	HasMore  bool
}

// Client is the capability surface required from an accounting provider.
// One implementation exists per provider; the variant tag stored on the
// connection record selects which one to use.
type Client interface {
	ExchangeCode(ctx context.Context, code string) (domain.TokenBundle, error)
	RefreshToken(ctx context.Context, refreshToken string) (domain.TokenBundle, error)
	RevokeToken(ctx context.Context, refreshToken string) error
	FetchEntity(ctx context.Context, accessToken string, tenantID domain.TenantID, entityType domain.EntityType, externalID string) (*Entity, error)
	ListEntities(ctx context.Context, accessToken string, tenantID domain.TenantID, entityType domain.EntityType, since *time.Time, page int) (*EntityPage, error)
}

// Registry resolves the provider client for a connection's variant tag.
type Registry func(providerTag string) (Client, error)

// NewRegistry builds a registry over a fixed tag to client mapping.
func NewRegistry(clients map[string]Client) Registry {
	return func(providerTag string) (Client, error) {
		client, ok := clients[providerTag]
		if !ok {
			return nil, fmt.Errorf("%w: no client registered for provider %q", domain.ErrNotFound, providerTag)
		}
		return client, nil
	}
}
