package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
)

var operationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "peertrade",
		Name:      "settlement_operations_total",
		Help:      "Completed settlement operations by kind.",
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(operationsTotal)
}

func observeOp(op string) {
	operationsTotal.WithLabelValues(op).Inc()
}
