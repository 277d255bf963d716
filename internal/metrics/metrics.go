// Package metrics holds the gateway's Prometheus collectors, scraped
// at the metrics_bind listener (spec §6).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway holds every Prometheus metric the Edge Service, Load
// Sampler, and Metric Picker update.
type Gateway struct {
	// Registry is a dedicated registry scoped to this Gateway instance
	// (rather than the global DefaultRegisterer) so that constructing
	// more than one Gateway in the same process — as the test suite
	// does, one per service under test — never collides on duplicate
	// collector names.
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	InflightRequests prometheus.Gauge

	BreakerTrips *prometheus.CounterVec
	RateLimited  *prometheus.CounterVec

	LoadScore    prometheus.Gauge
	PeersKnown   prometheus.Gauge
	PickerChoice *prometheus.CounterVec

	BridgeQueueDepth prometheus.Gauge
}

// New builds and registers the gateway's metric collectors on a fresh
// registry.
func New() *Gateway {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Gateway{
		Registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sugora",
			Subsystem: "edge",
			Name:      "requests_total",
			Help:      "Total requests handled, labeled by protocol and outcome.",
		}, []string{"protocol", "outcome"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sugora",
			Subsystem: "edge",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"protocol", "upstream"}),

		InflightRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sugora",
			Subsystem: "edge",
			Name:      "inflight_requests",
			Help:      "Number of requests currently in flight.",
		}),

		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sugora",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total failures recorded against each upstream's circuit breaker (every failure, not only transitions to open), by upstream.",
		}, []string{"upstream"}),

		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sugora",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total requests rejected by the rate limiter, by principal.",
		}, []string{"principal"}),

		LoadScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sugora",
			Subsystem: "load",
			Name:      "score",
			Help:      "This instance's current composite load score (lower is better).",
		}),

		PeersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sugora",
			Subsystem: "registry",
			Name:      "peers_known",
			Help:      "Number of peer records currently held in the registry.",
		}),

		PickerChoice: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sugora",
			Subsystem: "picker",
			Name:      "choices_total",
			Help:      "Total upstream selections made by the metric picker, by upstream.",
		}, []string{"upstream"}),

		BridgeQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sugora",
			Subsystem: "bridge",
			Name:      "queue_depth",
			Help:      "Current depth of the bridge's pending-request queue.",
		}),
	}
}
