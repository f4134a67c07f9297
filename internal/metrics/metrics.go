// Package metrics defines the host's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts dispatched requests by routing key and outcome.
	// Keyed by routing key, not app name: not_found outcomes have no app.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_requests_total",
			Help: "Requests dispatched by routing key and outcome",
		},
		[]string{"routing_key", "outcome"},
	)

	// RequestDuration tracks invocation latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apphost_request_duration_seconds",
			Help:    "App invocation duration in seconds by routing key",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"routing_key"},
	)

	// WatchdogAborts counts invocations forcibly aborted for exceeding
	// their budget.
	WatchdogAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_watchdog_aborts_total",
			Help: "Invocations aborted by the watchdog",
		},
		[]string{"app"},
	)

	// MemoryLimitHits counts allocations rejected by an app's memory
	// ceiling.
	MemoryLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_memory_limit_hits_total",
			Help: "Allocations rejected by the per-app memory ceiling",
		},
		[]string{"app"},
	)

	// ReloadsTotal counts hot reload attempts by result.
	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphost_reloads_total",
			Help: "Hot reload attempts by result (published/rejected)",
		},
		[]string{"result"},
	)

	// PublishedApps tracks the number of apps in the live routing table.
	PublishedApps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apphost_published_apps",
			Help: "Apps in the currently published generation",
		},
	)

	// AppMemoryBytes tracks per-app host-side tracked memory.
	AppMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apphost_app_memory_bytes",
			Help: "Host-side tracked memory charged against each app's ceiling",
		},
		[]string{"app"},
	)
)
