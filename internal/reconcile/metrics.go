package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	driftGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peertrade",
		Name:      "reconcile_escrow_drift",
		Help:      "Signed difference between the omnibus ledger balance and the open escrow sum, as of the last sweep.",
	})
	brokenGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "peertrade",
		Name:      "reconcile_broken_sequences",
		Help:      "Open trade chains whose custody totals did not conserve, as of the last sweep.",
	})
	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "peertrade",
		Name:      "reconcile_run_duration_seconds",
		Help:      "Duration of reconciliation sweeps.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
	errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peertrade",
		Name:      "reconcile_errors_total",
		Help:      "Reconciliation reads that failed.",
	})
)

func init() {
	prometheus.MustRegister(driftGauge, brokenGauge, runDuration, errorsTotal)
}
