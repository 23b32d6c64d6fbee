package manager

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are registered on a per-manager registry so multiple managers
// (the test norm) never collide on collector names.
type metrics struct {
	registry *prometheus.Registry

	activeCalls      prometheus.Gauge
	callsTotal       prometheus.Counter
	callsEstablished prometheus.Counter
	callDuration     prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opal",
			Subsystem: "manager",
			Name:      "active_calls",
			Help:      "Calls currently tracked by the manager.",
		}),
		callsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opal",
			Subsystem: "manager",
			Name:      "calls_total",
			Help:      "Calls created since start.",
		}),
		callsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opal",
			Subsystem: "manager",
			Name:      "calls_established_total",
			Help:      "Calls that reached the established phase.",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "opal",
			Subsystem: "manager",
			Name:      "call_duration_seconds",
			Help:      "Established-to-cleared call duration.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	m.registry.MustRegister(m.activeCalls, m.callsTotal, m.callsEstablished, m.callDuration)
	return m
}

// MetricsRegistry exposes the manager's collectors for an HTTP exporter
// the embedding application may mount.
func (m *Manager) MetricsRegistry() *prometheus.Registry { return m.metrics.registry }
