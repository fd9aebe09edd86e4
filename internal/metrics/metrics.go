// Package metrics exposes Prometheus instrumentation for the hub.
//
// Every method on *Metrics is safe to call on a nil receiver so components
// can be constructed without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chagpt"

// Danmaku pipeline outcomes.
const (
	ResultAccepted    = "accepted"
	ResultRejected    = "rejected"
	ResultRateLimited = "rate_limited"
	ResultStoreFailed = "store_failed"
)

// Metrics holds the collectors shared by the realtime, hub and chagpt packages.
type Metrics struct {
	ActiveConnections *prometheus.GaugeVec
	Broadcasts        *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	Danmaku           *prometheus.CounterVec
	IdleDisconnects   prometheus.Counter
}

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// New creates and registers the hub metrics on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "active_connections",
			Help:      "Number of open realtime connections by role.",
		}, []string{"role"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Total number of envelopes fanned out, by envelope kind.",
		}, []string{"kind"}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "delivery_failures_total",
			Help:      "Total number of per-recipient delivery failures, by target.",
		}, []string{"target"}),
		Danmaku: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "danmaku",
			Name:      "submissions_total",
			Help:      "Total number of audience submissions, by pipeline result.",
		}, []string{"result"}),
		IdleDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "idle_disconnects_total",
			Help:      "Total number of connections closed by the idle timer.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.Broadcasts, m.DeliveryFailures, m.Danmaku, m.IdleDisconnects)
	return m
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened(role string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnClosed(role string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(role).Dec()
}

func (m *Metrics) Broadcast(kind string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(kind).Inc()
}

func (m *Metrics) DeliveryFailed(target string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(target).Inc()
}

func (m *Metrics) Submission(result string) {
	if m == nil {
		return
	}
	m.Danmaku.WithLabelValues(result).Inc()
}

func (m *Metrics) IdleDisconnect() {
	if m == nil {
		return
	}
	m.IdleDisconnects.Inc()
}
