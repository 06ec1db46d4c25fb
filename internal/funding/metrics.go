package funding

import (
	"github.com/prometheus/client_golang/prometheus"
)

var operationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "peertrade",
		Name:      "funding_operations_total",
		Help:      "Card on-ramp operations by kind.",
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(operationsTotal)
}

func observeOp(op string) {
	operationsTotal.WithLabelValues(op).Inc()
}
