package trade

import (
	"github.com/prometheus/client_golang/prometheus"
)

var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "peertrade",
		Name:      "trade_transitions_total",
		Help:      "Completed trade status transitions by resulting status.",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(transitionsTotal)
}

func observeTransition(to Status) {
	transitionsTotal.WithLabelValues(string(to)).Inc()
}
