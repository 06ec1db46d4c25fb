package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

var transfersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "peertrade",
		Name:      "ledger_transfers_total",
		Help:      "Internal ledger transfers by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(transfersTotal)
}

func observeTransfer(outcome string) {
	transfersTotal.WithLabelValues(outcome).Inc()
}
