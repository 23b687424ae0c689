package entitycache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type entityCacheMetrics struct {
	sqlUpsertDuration   prometheus.Histogram
	upsertResultCounter *prometheus.CounterVec
}

var metrics = initializeEntityCacheMetrics()

func initializeEntityCacheMetrics() *entityCacheMetrics {
	metrics := new(entityCacheMetrics)

	metrics.sqlUpsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ledger_connector_sql_entity_upsert_duration",
		Help: "The amount of time it took to upsert a cached entity in the db",
	})

	metrics.upsertResultCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_connector_entity_upsert_counter",
		Help: "The number of entity upserts by result",
	}, []string{"result"})

	return metrics
}
