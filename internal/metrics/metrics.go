// Package metrics registers the Prometheus collectors exported by the event
// bus and the resource coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bus aggregates the event bus collectors.
type Bus struct {
	registry *prometheus.Registry

	EventsReceived  *prometheus.CounterVec
	EventsProcessed prometheus.Counter
	EventsFailed    prometheus.Counter
	RoutingSeconds  prometheus.Histogram
	Subscribers     prometheus.GaugeFunc
	JournalBytes    prometheus.Counter
}

// NewBus builds and registers the event bus collectors on a private registry.
// subscribers reports the live subscription count at scrape time.
func NewBus(subscribers func() float64) *Bus {
	registry := prometheus.NewRegistry()
	m := &Bus{
		registry: registry,
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_bus_events_received_total",
			Help: "Events received at ingress, labelled by event type.",
		}, []string{"type"}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_bus_events_processed_total",
			Help: "Events validated and routed successfully.",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_bus_events_failed_total",
			Help: "Events rejected by ingress validation.",
		}),
		RoutingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "event_bus_routing_duration_seconds",
			Help:    "Wall time spent matching and fanning out one event.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		Subscribers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "event_bus_subscribers",
			Help: "Live subscriptions across all patterns.",
		}, subscribers),
		JournalBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_bus_journal_bytes_total",
			Help: "Bytes appended to the event journal before compression.",
		}),
	}
	registry.MustRegister(m.EventsReceived, m.EventsProcessed, m.EventsFailed,
		m.RoutingSeconds, m.Subscribers, m.JournalBytes)
	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Bus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Coordinator aggregates the resource coordinator collectors.
type Coordinator struct {
	registry *prometheus.Registry

	Attempts          *prometheus.CounterVec
	Utilization       *prometheus.GaugeVec
	QuotaRejections   prometheus.Counter
	AllocationSeconds *prometheus.HistogramVec
}

// NewCoordinator builds and registers the coordinator collectors.
func NewCoordinator() *Coordinator {
	registry := prometheus.NewRegistry()
	m := &Coordinator{
		registry: registry,
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resource_allocation_attempts_total",
			Help: "Allocation attempts by resource type and outcome.",
		}, []string{"resource", "outcome"}),
		Utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resource_utilization_ratio",
			Help: "Fraction of each resource pool currently leased.",
		}, []string{"resource"}),
		QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resource_quota_rejections_total",
			Help: "Requests refused by the multi-tier request limiter.",
		}),
		AllocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "resource_allocation_duration_seconds",
			Help:    "Wall time spent deciding one allocation request.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"resource"}),
	}
	registry.MustRegister(m.Attempts, m.Utilization, m.QuotaRejections, m.AllocationSeconds)
	return m
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Coordinator) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
