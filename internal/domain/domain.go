package domain

import (
	"time"
)

type UserID string

func (uid UserID) String() string {
	return string(uid)
}

type TenantID string

func (tid TenantID) String() string {
	return string(tid)
}

type ConnectionID string

func (cid ConnectionID) String() string {
	return string(cid)
}

type EntityType string

func (et EntityType) String() string {
	return string(et)
}

const (
	EntityTypeAccount    EntityType = "accounts"
	EntityTypeContact    EntityType = "contacts"
	EntityTypeInvoice    EntityType = "invoices"
	EntityTypeBill       EntityType = "bills"
	EntityTypeCreditNote EntityType = "credit_notes"
	EntityTypePayment    EntityType = "payments"
)

// EntityTypeSyncOrder lists entity types in dependency order.  Types with
// no outbound references (accounts, contacts) must be synced before the
// types that reference them by external id.
var EntityTypeSyncOrder = []EntityType{
	EntityTypeAccount,
	EntityTypeContact,
	EntityTypeInvoice,
	EntityTypeBill,
	EntityTypeCreditNote,
	EntityTypePayment,
}

func IsKnownEntityType(et EntityType) bool {
	for _, known := range EntityTypeSyncOrder {
		if et == known {
			return true
		}
	}
	return false
}

type ConnectionStatus string

const (
	ConnectionStatusActive   ConnectionStatus = "active"
	ConnectionStatusInactive ConnectionStatus = "inactive"
	ConnectionStatusError    ConnectionStatus = "error"
)

// Connection is one authenticated tenant connection to an external
// accounting provider.  Token material is stored encrypted - only the
// credential vault ever produces the plaintext, and only for the
// immediate caller of the lifecycle manager.
type Connection struct {
	ID                    ConnectionID
	UserID                UserID
	TenantID              TenantID
	TenantName            string
	Provider              string
	Status                ConnectionStatus
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	Scopes                []string
	ExpiresAt             time.Time
	LastAPICallAt         *time.Time
	LastError             string
	IsActive              bool
	IsPrimary             bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TokenBundle is the tuple handed over by the credential exchange
// boundary and by refresh grants.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scopes       []string
	TenantID     TenantID
	TenantName   string
}

// PendingWebhookEvent is one provider notification awaiting processing.
// Rows are append-mostly: the ingress inserts them, the retry processor
// is the only writer afterwards, and they are never deleted.
type PendingWebhookEvent struct {
	ID              string
	DedupeKey       string
	TenantID        TenantID
	Category        string
	Type            string
	ResourceID      string
	RawPayload      []byte
	Processed       bool
	ProcessingError string
	RetryCount      int
	NextAttemptAt   *time.Time
	CreatedAt       time.Time
}

// CachedEntity is the locally cached snapshot of one provider record.
// RemoteUpdatedAt only ever moves forward for a given
// (tenant, external id, entity type) key.
type CachedEntity struct {
	TenantID          TenantID
	ExternalID        string
	EntityType        EntityType
	DisplayName       string
	DocumentNumber    string
	ContactExternalID string
	AmountTotal       float64
	CurrencyCode      string
	EntityStatus      string
	DocumentDate      *time.Time
	RawPayload        []byte
	RemoteUpdatedAt   time.Time
	LocalUpdatedAt    time.Time
}
