package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the server's Prometheus collectors. Each server carries its
// own registry so multiple instances can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	connectionsOpen   prometheus.Gauge
	connectionsAuthed prometheus.Gauge
	acceptedTotal     prometheus.Counter
	closedTotal       prometheus.Counter
	linesTotal        prometheus.Counter
	authTimeoutsTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ircserve_connections_open",
			Help: "Connections currently open.",
		}),
		connectionsAuthed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ircserve_connections_authenticated",
			Help: "Connections that completed the login handshake.",
		}),
		acceptedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircserve_connections_accepted_total",
			Help: "Connections accepted since start.",
		}),
		closedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircserve_connections_closed_total",
			Help: "Connections closed since start.",
		}),
		linesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircserve_lines_received_total",
			Help: "Inbound protocol lines observed.",
		}),
		authTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ircserve_auth_timeouts_total",
			Help: "Connections dropped for not completing the handshake in time.",
		}),
	}
}

func (m *metrics) connAccepted() {
	m.acceptedTotal.Inc()
	m.connectionsOpen.Inc()
}

func (m *metrics) connAuthenticated() {
	m.connectionsAuthed.Inc()
}

func (m *metrics) connClosed(wasAuthed bool) {
	m.closedTotal.Inc()
	m.connectionsOpen.Dec()
	if wasAuthed {
		m.connectionsAuthed.Dec()
	}
}

func (m *metrics) lineReceived() { m.linesTotal.Inc() }
func (m *metrics) authTimeout()  { m.authTimeoutsTotal.Inc() }
