package connection_repository

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type sqlConnectionStoreMetrics struct {
	sqlConnectionCreationDuration     prometheus.Histogram
	sqlConnectionLookupDuration       prometheus.Histogram
	sqlConnectionDeactivationDuration prometheus.Histogram
	sqlRefreshLeaseClaimCounter       *prometheus.CounterVec
}

var metrics = initializeSqlConnectionStoreMetrics()

func initializeSqlConnectionStoreMetrics() *sqlConnectionStoreMetrics {
	metrics := new(sqlConnectionStoreMetrics)

	metrics.sqlConnectionCreationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ledger_connector_sql_create_connection_duration",
		Help: "The amount of time it took to create a connection in the db",
	})

	metrics.sqlConnectionLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ledger_connector_sql_lookup_connection_duration",
		Help: "The amount of time it took to look up a connection in the db",
	})

	metrics.sqlConnectionDeactivationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ledger_connector_sql_deactivate_connection_duration",
		Help: "The amount of time it took to deactivate a connection in the db",
	})

	metrics.sqlRefreshLeaseClaimCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_connector_sql_refresh_lease_claim_counter",
		Help: "The number of token refresh lease claim attempts",
	}, []string{"result"})

	return metrics
}
