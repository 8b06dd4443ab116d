// Package metrics defines the Prometheus instrumentation for the settlement
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's collectors. All are registered on construction.
type Metrics struct {
	// Operations counts finished coordinator operations by operation name
	// and terminal outcome (confirmed, failed, timeout).
	Operations *prometheus.CounterVec

	// ConfirmationSeconds observes ledger confirmation latency per operation,
	// from submission to terminal receipt.
	ConfirmationSeconds *prometheus.HistogramVec
}

// New registers the engine's collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quest",
			Name:      "operations_total",
			Help:      "Coordinator operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ConfirmationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quest",
			Name:      "confirmation_seconds",
			Help:      "Ledger confirmation latency from submission to terminal receipt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"operation"}),
	}
}
