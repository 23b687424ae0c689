package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type eventStoreMetrics struct {
	sqlEventInsertDuration prometheus.Histogram
	sqlEventClaimDuration  prometheus.Histogram
	eventInsertCounter     prometheus.Counter
	eventDedupeCounter     prometheus.Counter
}

var metrics = initializeEventStoreMetrics()

func initializeEventStoreMetrics() *eventStoreMetrics {
	metrics := new(eventStoreMetrics)

	metrics.sqlEventInsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ledger_connector_sql_event_insert_duration",
		Help: "The amount of time it took to insert a webhook event batch in the db",
	})

	metrics.sqlEventClaimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ledger_connector_sql_event_claim_duration",
		Help: "The amount of time it took to claim a webhook event batch in the db",
	})

	metrics.eventInsertCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_connector_webhook_events_inserted_counter",
		Help: "The number of webhook events persisted",
	})

	metrics.eventDedupeCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_connector_webhook_events_deduped_counter",
		Help: "The number of webhook events absorbed as duplicates",
	})

	return metrics
}
