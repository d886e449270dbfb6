// Package metrics exposes CopyBot's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "copybot"

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	registry   *prometheus.Registry
	copies     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	updates    *prometheus.CounterVec
	rules      prometheus.Gauge
	busDropped prometheus.Counter
	startTime  time.Time
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		copies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "copies_total",
			Help:      "Copy attempts by content kind and result (ok, error, unsupported).",
		}, []string{"kind", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "copy_latency_seconds",
			Help:      "Bot API latency of copy requests by content kind.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Telegram updates received by kind (message, channel_post, command).",
		}, []string{"source"}),
		rules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules",
			Help:      "Number of configured copy rules.",
		}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Inbound messages dropped because the bus stayed full.",
		}),
		startTime: time.Now(),
	}

	m.registry.MustRegister(
		m.copies,
		m.latency,
		m.updates,
		m.rules,
		m.busDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCopy records one finished copy attempt. Latency is only observed
// when a request was actually sent.
func (m *Metrics) ObserveCopy(kind, result string, elapsed time.Duration) {
	m.copies.WithLabelValues(kind, result).Inc()
	if elapsed > 0 {
		m.latency.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

// UpdateReceived counts one Telegram update.
func (m *Metrics) UpdateReceived(source string) {
	m.updates.WithLabelValues(source).Inc()
}

// SetRules sets the rule gauge.
func (m *Metrics) SetRules(n int) {
	m.rules.Set(float64(n))
}

// BusDropped counts one dropped inbound message.
func (m *Metrics) BusDropped() {
	m.busDropped.Inc()
}

// Uptime returns how long the metrics have been collected.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
