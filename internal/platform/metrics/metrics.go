// Package metrics defines the Prometheus instruments for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway holds the Prometheus metrics for the twin gateway.
type Gateway struct {
	ToolCallsTotal    *prometheus.CounterVec
	EventsTotal       *prometheus.CounterVec
	DenialsTotal      *prometheus.CounterVec
	PublishTotal      prometheus.Counter
	PublishErrors     prometheus.Counter
	AppendDurationSec prometheus.Histogram
}

// NewGateway initializes and registers the gateway metrics against reg.
func NewGateway(reg prometheus.Registerer) *Gateway {
	factory := promauto.With(reg)
	return &Gateway{
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synthesis",
			Subsystem: "gateway",
			Name:      "tool_calls_total",
			Help:      "Total tool dispatches by tool name and outcome.",
		}, []string{"tool", "outcome"}), // outcome: ok, denied, error
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synthesis",
			Subsystem: "gateway",
			Name:      "events_total",
			Help:      "Total events appended to the log by event type.",
		}, []string{"type"}),
		DenialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synthesis",
			Subsystem: "gateway",
			Name:      "denials_total",
			Help:      "Total events denied by the rule pipeline by denial code.",
		}, []string{"code"}),
		PublishTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synthesis",
			Subsystem: "gateway",
			Name:      "publish_total",
			Help:      "Total events handed to the message bus.",
		}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synthesis",
			Subsystem: "gateway",
			Name:      "publish_errors_total",
			Help:      "Total publish attempts that failed after the event was committed.",
		}),
		AppendDurationSec: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "synthesis",
			Subsystem: "gateway",
			Name:      "append_duration_seconds",
			Help:      "Latency of the validate, append, publish path.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
