package webhook

import (
	"context"
	"database/sql"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
)

// EventStore persists pending webhook events and hands them to the retry
// processor.
type EventStore interface {
	InsertPending(ctx context.Context, events []domain.PendingWebhookEvent) (int, error)
	ClaimBatch(ctx context.Context, batchSize int) ([]domain.PendingWebhookEvent, error)
	MarkProcessed(ctx context.Context, eventID string, processingError string) error
	ScheduleRetry(ctx context.Context, eventID string, retryCount int, nextAttemptAt time.Time, lastError string) error
}

type SqlEventStore struct {
	database     *sql.DB
	queryTimeout time.Duration
	claimTimeout time.Duration
}

func NewSqlEventStore(cfg *config.Config, database *sql.DB) (*SqlEventStore, error) {
	return &SqlEventStore{
		database:     database,
		queryTimeout: cfg.DatabaseQueryTimeout,
		claimTimeout: cfg.EventClaimTimeout,
	}, nil
}

// InsertPending stores a batch of events, silently absorbing dedupe-key
// conflicts so redelivered batches are a no-op.  Returns the number of
// rows actually inserted.
func (ses *SqlEventStore) InsertPending(ctx context.Context, events []domain.PendingWebhookEvent) (int, error) {

	callDurationTimer := prometheus.NewTimer(metrics.sqlEventInsertDuration)
	defer callDurationTimer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, ses.queryTimeout)
	defer cancel()

	statement, err := ses.database.Prepare(
		`INSERT INTO webhook_events
		   (id, dedupe_key, tenant_id, category, type, resource_id, raw_payload, processed, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, 0, NOW())
		 ON CONFLICT (dedupe_key) DO NOTHING`)
	if err != nil {
		logger.LogError("SQL Prepare failed", err)
		return 0, err
	}
	defer statement.Close()

	inserted := 0
	for _, event := range events {
		results, err := statement.ExecContext(ctx,
			event.ID, event.DedupeKey, event.TenantID, event.Category,
			event.Type, event.ResourceID, event.RawPayload)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pgerrcode.IsIntegrityConstraintViolation(string(pqErr.Code)) {
				// Raced another ingress instance on the same dedupe key.
				metrics.eventDedupeCounter.Inc()
				continue
			}
			logger.LogErrorWithTenant("SQL query failed", err, event.TenantID)
			return inserted, err
		}

		rowsAffected, err := results.RowsAffected()
		if err != nil {
			return inserted, err
		}
		if rowsAffected == 0 {
			metrics.eventDedupeCounter.Inc()
			continue
		}

		inserted++
	}

	metrics.eventInsertCounter.Add(float64(inserted))

	return inserted, nil
}

// ClaimBatch atomically claims a bounded batch of due events.  The claim
// pushes next_attempt_at forward by the claim timeout, so a processor
// that crashes mid-batch simply loses its claim and the events become
// due again - re-processing is safe because the fetch-then-upsert effect
// is idempotent.  SKIP LOCKED keeps concurrent processor instances from
// double-claiming rows.
func (ses *SqlEventStore) ClaimBatch(ctx context.Context, batchSize int) ([]domain.PendingWebhookEvent, error) {

	callDurationTimer := prometheus.NewTimer(metrics.sqlEventClaimDuration)
	defer callDurationTimer.ObserveDuration()

	ctx, cancel := context.WithTimeout(ctx, ses.queryTimeout)
	defer cancel()

	claim := `UPDATE webhook_events SET next_attempt_at = NOW() + $2 * interval '1 second'
	            WHERE id IN (
	              SELECT id FROM webhook_events
	                WHERE processed = false AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
	                ORDER BY created_at
	                LIMIT $1
	                FOR UPDATE SKIP LOCKED)
	            RETURNING id, dedupe_key, tenant_id, category, type, resource_id,
	              raw_payload, processed, COALESCE(processing_error, ''), retry_count, created_at`

	rows, err := ses.database.QueryContext(ctx, claim, batchSize, ses.claimTimeout.Seconds())
	if err != nil {
		logger.LogError("SQL query failed", err)
		return nil, err
	}
	defer rows.Close()

	var events []domain.PendingWebhookEvent
	for rows.Next() {
		var event domain.PendingWebhookEvent
		if err := rows.Scan(&event.ID, &event.DedupeKey, &event.TenantID,
			&event.Category, &event.Type, &event.ResourceID, &event.RawPayload,
			&event.Processed, &event.ProcessingError, &event.RetryCount,
			&event.CreatedAt); err != nil {
			logger.LogError("SQL scan failed.  Skipping row.", err)
			continue
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// MarkProcessed finishes an event.  An empty processingError records a
// success; a non-empty one records a dead-letter for operator
// visibility.  Either way no further attempts are made.
func (ses *SqlEventStore) MarkProcessed(ctx context.Context, eventID string, processingError string) error {

	ctx, cancel := context.WithTimeout(ctx, ses.queryTimeout)
	defer cancel()

	update := `UPDATE webhook_events SET processed = true, processing_error = NULLIF($2, ''),
	             next_attempt_at = NULL
	             WHERE id = $1`

	_, err := ses.database.ExecContext(ctx, update, eventID, processingError)
	if err != nil {
		logger.LogError("SQL query failed", err)
	}

	return err
}

// ScheduleRetry records a retryable failure, when the next attempt is
// due and the error that caused it, so an operator can see why an event
// is cycling before it dead-letters.
func (ses *SqlEventStore) ScheduleRetry(ctx context.Context, eventID string, retryCount int, nextAttemptAt time.Time, lastError string) error {

	ctx, cancel := context.WithTimeout(ctx, ses.queryTimeout)
	defer cancel()

	update := `UPDATE webhook_events SET retry_count = $2, next_attempt_at = $3,
	             processing_error = NULLIF($4, '')
	             WHERE id = $1`

	_, err := ses.database.ExecContext(ctx, update, eventID, retryCount, nextAttemptAt, lastError)
	if err != nil {
		logger.LogError("SQL query failed", err)
	}

	return err
}
