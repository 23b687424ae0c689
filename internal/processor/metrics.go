package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type processorMetrics struct {
	batchDuration       prometheus.Histogram
	eventOutcomeCounter *prometheus.CounterVec
}

var metrics = initializeProcessorMetrics()

func initializeProcessorMetrics() *processorMetrics {
	metrics := new(processorMetrics)

	metrics.batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "ledger_connector_event_batch_duration",
		Help: "The amount of time it took to process a claimed event batch",
	})

	metrics.eventOutcomeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_connector_event_outcome_counter",
		Help: "The number of processed events by outcome",
	}, []string{"outcome"})

	return metrics
}
