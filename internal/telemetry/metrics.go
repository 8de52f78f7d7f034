// Package telemetry exposes the adapter's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the instrument set for the HTTP transport and the tool
// dispatch path.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions prometheus.Gauge
	SSEConnections prometheus.Gauge
	Requests       *prometheus.CounterVec
	ToolCalls      *prometheus.CounterVec
	EventsDropped  prometheus.Counter
}

// New builds a metrics set on a private registry so tests can construct
// multiple instances without duplicate registration panics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "climcp",
			Name:      "active_sessions",
			Help:      "Number of live protocol sessions.",
		}),
		SSEConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "climcp",
			Name:      "sse_connections",
			Help:      "Number of open SSE event streams.",
		}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "climcp",
			Name:      "requests_total",
			Help:      "Protocol requests by method.",
		}, []string{"method"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "climcp",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by outcome.",
		}, []string{"outcome"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "climcp",
			Name:      "events_dropped_total",
			Help:      "SSE event log entries discarded by trimming.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
