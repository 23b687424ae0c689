package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/entitycache"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/provider"
	"github.com/ledgersync/ledger-connector/internal/tokens"
	"github.com/ledgersync/ledger-connector/internal/webhook"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ConnectionResolver supplies a decrypted, fresh-token connection for
// the tenant an event belongs to.
type ConnectionResolver interface {
	GetDecryptedTenantConnection(ctx context.Context, tenantID domain.TenantID) (*tokens.ActiveConnection, error)
	EnsureFreshToken(ctx context.Context, ac *tokens.ActiveConnection) error
	TouchLastAPICall(ctx context.Context, id domain.ConnectionID)
}

// Processor drains the pending event table: claim a batch, resolve each
// event's tenant connection, fetch the current remote state of the
// resource and upsert it into the entity cache.  The event carries only
// the resource identity, so processing an event at any later time always
// lands the provider's current truth.
type Processor struct {
	events            webhook.EventStore
	connections       ConnectionResolver
	providers         provider.Registry
	cache             entitycache.Store
	batchSize         int
	maxAttempts       int
	backoffCapSeconds int
}

func NewProcessor(cfg *config.Config, events webhook.EventStore, connections ConnectionResolver, providers provider.Registry, cache entitycache.Store) *Processor {
	return &Processor{
		events:            events,
		connections:       connections,
		providers:         providers,
		cache:             cache,
		batchSize:         cfg.EventBatchSize,
		maxAttempts:       cfg.EventMaxAttempts,
		backoffCapSeconds: cfg.EventBackoffCap,
	}
}

// ProcessBatch claims and processes one batch of due events.  Each event
// gets its own error boundary so one tenant's broken connection cannot
// starve the rest of the batch.  Returns the number of events claimed.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {

	batchDurationTimer := prometheus.NewTimer(metrics.batchDuration)
	defer batchDurationTimer.ObserveDuration()

	events, err := p.events.ClaimBatch(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			// Shutting down mid-batch.  Unprocessed claims expire on
			// their own and the events become due again.
			return len(events), err
		}

		processErr := p.processEvent(ctx, event)
		p.applyTransition(ctx, event, processErr)
	}

	return len(events), nil
}

func (p *Processor) processEvent(ctx context.Context, event domain.PendingWebhookEvent) error {

	log := logger.Log.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"tenant_id":   event.TenantID,
		"category":    event.Category,
		"retry_count": event.RetryCount})

	entityType, ok := entityTypeForCategory(event.Category)
	if !ok {
		return fmt.Errorf("%w: unknown event category %q", domain.ErrTerminalFailure, event.Category)
	}

	ac, err := p.connections.GetDecryptedTenantConnection(ctx, event.TenantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// No active connection owns this tenant.  Retrying cannot
			// help; the user disconnected or never finished connecting.
			return fmt.Errorf("%w: no active connection for tenant", domain.ErrTerminalFailure)
		}
		return err
	}

	if err := p.connections.EnsureFreshToken(ctx, ac); err != nil {
		return err
	}

	client, err := p.providers(ac.Provider)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrTerminalFailure, err)
	}

	entity, err := client.FetchEntity(ctx, ac.AccessToken, event.TenantID, entityType, event.ResourceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The resource is gone upstream, most commonly because this
			// is a delete notification.  Nothing to cache.
			p.connections.TouchLastAPICall(ctx, ac.ID)
			log.Debug("Resource no longer exists upstream")
			return nil
		}
		return err
	}

	p.connections.TouchLastAPICall(ctx, ac.ID)

	cached := entitycache.NewCachedEntity(event.TenantID, entityType, *entity)

	if _, err := p.cache.Upsert(ctx, cached); err != nil {
		return err
	}

	if err := entitycache.TrackContactReference(ctx, p.cache, cached); err != nil {
		log.WithFields(logrus.Fields{"error": err}).Warn("Unable to track contact reference")
	}

	return nil
}

// applyTransition records the attempt's outcome in the event store.
// Store failures here are logged and dropped; the claim timeout makes
// the event due again so nothing is lost.
func (p *Processor) applyTransition(ctx context.Context, event domain.PendingWebhookEvent, processErr error) {

	log := logger.Log.WithFields(logrus.Fields{"event_id": event.ID, "tenant_id": event.TenantID})

	t := resolveTransition(event, processErr, p.maxAttempts, p.backoffCapSeconds, time.Now())

	metrics.eventOutcomeCounter.With(prometheus.Labels{"outcome": string(t.outcome)}).Inc()

	var err error
	switch t.outcome {
	case outcomeSuccess:
		err = p.events.MarkProcessed(ctx, event.ID, "")
	case outcomeRetry:
		log.WithFields(logrus.Fields{
			"error":           processErr,
			"retry_count":     t.retryCount,
			"next_attempt_at": t.nextAttemptAt}).Info("Event processing failed, scheduling retry")
		err = p.events.ScheduleRetry(ctx, event.ID, t.retryCount, t.nextAttemptAt, t.processingError)
	case outcomeDeadLetter:
		log.WithFields(logrus.Fields{"error": processErr}).Error("Event exhausted its attempts, dead-lettering")
		err = p.events.MarkProcessed(ctx, event.ID, t.processingError)
	case outcomeTerminal:
		log.WithFields(logrus.Fields{"error": processErr}).Warn("Event failed terminally")
		err = p.events.MarkProcessed(ctx, event.ID, t.processingError)
	}

	if err != nil {
		log.WithFields(logrus.Fields{"error": err}).Error("Unable to record event outcome")
	}
}

// entityTypeForCategory maps the provider's event category onto the
// entity type it notifies about.  The provider sends singular upper-case
// category names.
func entityTypeForCategory(category string) (domain.EntityType, bool) {
	switch strings.ToUpper(category) {
	case "ACCOUNT":
		return domain.EntityTypeAccount, true
	case "CONTACT":
		return domain.EntityTypeContact, true
	case "INVOICE":
		return domain.EntityTypeInvoice, true
	case "BILL":
		return domain.EntityTypeBill, true
	case "CREDITNOTE", "CREDIT_NOTE":
		return domain.EntityTypeCreditNote, true
	case "PAYMENT":
		return domain.EntityTypePayment, true
	}

	// Some providers send the plural collection name instead.
	et := domain.EntityType(strings.ToLower(category))
	if domain.IsKnownEntityType(et) {
		return et, true
	}

	return "", false
}
