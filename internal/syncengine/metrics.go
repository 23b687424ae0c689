package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type syncEngineMetrics struct {
	syncDuration         *prometheus.HistogramVec
	syncedRecordsCounter *prometheus.CounterVec
	sweepOutcomeCounter  *prometheus.CounterVec
}

var metrics = initializeSyncEngineMetrics()

func initializeSyncEngineMetrics() *syncEngineMetrics {
	metrics := new(syncEngineMetrics)

	metrics.syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "ledger_connector_sync_duration",
		Help: "The amount of time it took to sync one entity type",
	}, []string{"entity_type"})

	metrics.syncedRecordsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_connector_synced_records_counter",
		Help: "The number of records landed in the entity cache by sync runs",
	}, []string{"entity_type"})

	metrics.sweepOutcomeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_connector_sync_sweep_counter",
		Help: "The number of per-connection sweep syncs by outcome",
	}, []string{"outcome"})

	return metrics
}
