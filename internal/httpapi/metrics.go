package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks call-engine Prometheus metrics exposed at /metrics.
//
// All metrics use the callengine_ prefix. They observe the HTTP boundary
// and the subscriber feed; per-call tracking state stays in the store.
type Metrics struct {
	// IngestTotal counts ingest requests by outcome ("accepted", "rejected").
	IngestTotal *prometheus.CounterVec

	// CompletionsTotal counts completion requests by reported status.
	CompletionsTotal *prometheus.CounterVec

	// SubscribersConnected tracks currently connected WebSocket subscribers.
	SubscribersConnected prometheus.Gauge

	// EventsDelivered counts event frames pushed to subscribers.
	EventsDelivered prometheus.Counter
}

// NewMetrics creates the metric set and registers it with reg. Panics on
// duplicate registration, which is expected during initialization only.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callengine_ingest_requests_total",
				Help: "Total ingest requests by outcome",
			},
			[]string{"outcome"},
		),
		CompletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callengine_completion_requests_total",
				Help: "Total completion requests by reported status",
			},
			[]string{"status"},
		),
		SubscribersConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callengine_subscribers_connected",
				Help: "Currently connected WebSocket event subscribers",
			},
		),
		EventsDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callengine_subscriber_events_delivered_total",
				Help: "Total event frames delivered to subscribers",
			},
		),
	}

	reg.MustRegister(m.IngestTotal, m.CompletionsTotal, m.SubscribersConnected, m.EventsDelivered)
	return m
}
