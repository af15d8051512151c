// Package metrics holds the prometheus collectors of the dispatcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rebuild outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeStale     = "stale"
	OutcomeNoop      = "noop"
	OutcomeFailed    = "failed"
)

var (
	RebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_rebuilds_total",
		Help: "Rebuild jobs by outcome",
	}, []string{"outcome"})

	RebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatcher_rebuild_duration_seconds",
		Help:    "Time spent rebuilding one physical table",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1000},
	})

	ScanPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_scan_passes_total",
		Help: "Scan passes by result (run, skipped)",
	}, []string{"result"})

	SweepPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_sweep_passes_total",
		Help: "Retirement sweep passes by result (run, skipped)",
	}, []string{"result"})

	EnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_enqueued_total",
		Help: "Rebuild jobs enqueued by trigger",
	}, []string{"trigger"})

	TenantFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_tenant_failures_total",
		Help: "Per-tenant failures of periodic passes",
	}, []string{"pass"})

	RetiredDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_retired_tables_dropped_total",
		Help: "Retired physical tables dropped by the sweep",
	})

	SideEffectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_side_effect_failures_total",
		Help: "Best-effort post-commit side effects that failed",
	}, []string{"effect"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
