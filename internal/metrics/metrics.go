// Package metrics holds the Prometheus collectors of the real-time layer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	connections prometheus.Gauge
	rooms       prometheus.Gauge
	broadcasts  *prometheus.CounterVec
	dropped     prometheus.Counter
	authFails   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cnectd_ws_active_connections",
			Help: "Active persistent connections",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cnectd_rooms",
			Help: "Rooms with at least one connection",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cnectd_events_broadcast_total",
			Help: "Events fanned out to rooms, by kind",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cnectd_events_dropped_total",
			Help: "Per-connection deliveries dropped because the send queue was full",
		}),
		authFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cnectd_auth_failures_total",
			Help: "Rejected connection attempts, by error code",
		}, []string{"code"}),
	}
	m.reg.MustRegister(m.connections, m.rooms, m.broadcasts, m.dropped, m.authFails)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SetConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) Broadcast(kind string) {
	if m != nil {
		m.broadcasts.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) AuthFailed(code string) {
	if m != nil {
		m.authFails.WithLabelValues(code).Inc()
	}
}
