// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the process registry served by the HTTP handler.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		CommitsTotal, ConfirmationSeconds, FlagsTotal,
		GhostsHealedTotal, VisionFallbackTotal, BreakerState,
	)
}

// CommitsTotal counts hop commits by hop kind (first|later) and outcome.
var CommitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custody_commits_total",
		Help: "Hop commits by kind and outcome.",
	},
	[]string{"kind", "outcome"}, // confirmed | degraded | timeout | rejected | failed | proceeded
)

// ConfirmationSeconds observes time from submission to confirmation or deadline.
var ConfirmationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "custody_confirmation_seconds",
		Help:    "Ledger confirmation wait.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 45},
	},
	[]string{"kind"},
)

// FlagsTotal counts flags attached to committed hops.
var FlagsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custody_flags_total",
		Help: "Fraud and damage flags raised on hops.",
	},
	[]string{"flag"},
)

// GhostsHealedTotal counts store records deleted because the ledger had no product.
var GhostsHealedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "custody_ghosts_healed_total",
	Help: "Attribution records deleted as ghosts.",
})

// VisionFallbackTotal counts fallback classifications by cause.
var VisionFallbackTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custody_vision_fallback_total",
		Help: "Vision verdicts produced by the deterministic fallback.",
	},
	[]string{"cause"}, // error | breaker_open | unconfigured
)

// BreakerState is 0 closed, 1 open, 2 half-open.
var BreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "custody_breaker_state",
		Help: "Circuit breaker position per upstream.",
	},
	[]string{"upstream"},
)
