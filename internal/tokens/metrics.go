package tokens

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var refreshResultCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_connector_token_refresh_counter",
	Help: "The number of token refresh attempts by result",
}, []string{"result"})
