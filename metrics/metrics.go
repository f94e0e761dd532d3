// Package metrics exposes Prometheus collectors for the poller, the broadcast
// hub and the avatar resolver. All methods are safe on a nil *Metrics so
// components can run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stpw"

// Metrics owns a private registry so tests and multiple instances never
// collide on the global default registerer.
type Metrics struct {
	registry         *prometheus.Registry
	probes           *prometheus.CounterVec
	probeDuration    prometheus.Histogram
	snapshotDuration prometheus.Histogram
	subscribers      prometheus.Gauge
	deliveries       *prometheus.CounterVec
	avatar           *prometheus.CounterVec
}

// New builds and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Target status probes by protocol and result.",
		}, []string{"protocol", "result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Wall time of a single target probe.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_build_seconds",
			Help:      "Wall time to probe every target and assemble a snapshot.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Live broadcast subscribers.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Broadcast deliveries by message kind and result.",
		}, []string{"kind", "result"}),
		avatar: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "avatar_resolutions_total",
			Help:      "Avatar resolutions by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.probes, m.probeDuration, m.snapshotDuration, m.subscribers, m.deliveries, m.avatar)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveProbe(protocol string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(protocol, resultLabel(ok)).Inc()
	m.probeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSnapshot(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.snapshotDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) ObserveDelivery(kind string, ok bool) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, resultLabel(ok)).Inc()
}

func (m *Metrics) ObserveAvatar(outcome string) {
	if m == nil {
		return
	}
	m.avatar.WithLabelValues(outcome).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
