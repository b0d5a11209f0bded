// Package observability provides Prometheus metrics for the relay.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects relay metrics.
//
// The metrics system is built on Prometheus and tracks connection lifecycle,
// message delivery, authentication outcomes, and the identity-service circuit
// breaker. All metrics are registered at construction and served from the
// /metrics endpoint.
type Metrics struct {
	// ActiveConnections is the number of currently registered connections.
	ActiveConnections prometheus.Gauge

	// ConnectionsTotal counts connection registrations since start.
	ConnectionsTotal prometheus.Counter

	// ConnectionFailures counts connections removed for a failure reason.
	// Labels: reason (heartbeat_timeout|send_failed|limit_evicted)
	ConnectionFailures *prometheus.CounterVec

	// MessagesSent counts outbound deliveries.
	// Labels: kind (unicast|broadcast|system), status (success|error)
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts inbound client messages.
	MessagesReceived prometheus.Counter

	// RateLimited counts inbound messages dropped by the rate limiter.
	RateLimited prometheus.Counter

	// AuthResults counts authentication attempts by outcome kind.
	// Labels: kind (ok|NO_TOKEN|TOKEN_EXPIRED|...)
	AuthResults *prometheus.CounterVec

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at process startup.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against an explicit registerer (tests).
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Current number of registered connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total connections registered since start",
		}),
		ConnectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_connection_failures_total",
			Help: "Connections removed for a failure reason",
		}, []string{"reason"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Outbound message deliveries by kind and status",
		}, []string{"kind", "status"}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Inbound client messages",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Inbound messages dropped by the rate limiter",
		}),
		AuthResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_results_total",
			Help: "Authentication attempts by outcome kind",
		}, []string{"kind"}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_auth_breaker_state",
			Help: "Identity-service circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
	}
}

// BreakerStateValue maps a circuit breaker state name to the gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
