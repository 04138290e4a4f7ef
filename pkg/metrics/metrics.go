// Package metrics defines the prometheus collectors exported by the proxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hsproxy"

// Metrics groups the proxy collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Connections *prometheus.CounterVec
	Active      prometheus.Gauge
	Bytes       *prometheus.CounterVec
	Reloads     *prometheus.CounterVec
	Lookups     *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted connections by outcome",
			},
			[]string{"outcome"},
		),
		Active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of connections currently being served",
			},
		),
		Bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_bytes_total",
				Help:      "Total number of bytes relayed by direction",
			},
			[]string{"direction"},
		),
		Reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of configuration reloads by result",
			},
			[]string{"result"},
		),
		Lookups: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_lookup_seconds",
				Help:      "Time spent resolving and dialing backends",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Active, m.Bytes, m.Reloads, m.Lookups)
	}
	return m
}

func (m *Metrics) Connection(outcome string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(outcome).Inc()
}

// Track adjusts the active connection gauge by delta.
func (m *Metrics) Track(delta float64) {
	if m == nil {
		return
	}
	m.Active.Add(delta)
}

// Relayed records bytes copied. Handshake bytes are counted as upstream.
func (m *Metrics) Relayed(upstream, downstream int64) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues("upstream").Add(float64(upstream))
	m.Bytes.WithLabelValues("downstream").Add(float64(downstream))
}

// Reload records the result of a configuration reload.
func (m *Metrics) Reload(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Reloads.WithLabelValues("error").Inc()
		return
	}
	m.Reloads.WithLabelValues("ok").Inc()
}

// Since observes the time elapsed since start for stage, resolve or dial.
func (m *Metrics) Since(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
