// Package metrics holds the process-wide Prometheus instruments for
// argusd. Grounded on cuemby-warren's pkg/metrics: package-level
// instruments declared once at import time, incremented from wherever
// the event actually happens rather than polled from a central
// collector, since the values here (drops, admissions, connections,
// dispatch latency) are all point-in-time counters/gauges rather than
// periodic cluster-state snapshots.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_bus_dropped_total",
			Help: "Events dropped because a subscriber's queue was full",
		},
		[]string{"topic"},
	)

	BudgetReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_budget_reservations_total",
			Help: "Budget reservation attempts by priority and outcome",
		},
		[]string{"priority", "outcome"},
	)

	PushConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_push_connections",
			Help: "Current number of live push (WebSocket) connections",
		},
	)

	ToolDispatchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argus_tool_dispatch_seconds",
			Help:    "Tool dispatch latency by tool name and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		BusDroppedTotal,
		BudgetReservationsTotal,
		PushConnections,
		ToolDispatchSeconds,
	)
}
