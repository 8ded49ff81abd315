package httpcore

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serverMetrics struct {
	accepted          *prometheus.CounterVec
	admitted          *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	handshakeFailures *prometheus.CounterVec
	active            *prometheus.GaugeVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		accepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpcore",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted per listener.",
		}, []string{"listener"}),
		admitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpcore",
			Name:      "connections_admitted_total",
			Help:      "Connections admitted to the protocol layer per listener.",
		}, []string{"listener"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpcore",
			Name:      "connections_rejected_total",
			Help:      "Connections vetoed by the admission filter per listener.",
		}, []string{"listener"}),
		handshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpcore",
			Name:      "tls_handshake_failures_total",
			Help:      "Failed TLS handshakes per listener.",
		}, []string{"listener"}),
		active: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "httpcore",
			Name:      "connections_active",
			Help:      "Connections currently held open per listener.",
		}, []string{"listener"}),
	}
}

// connState wires the active-connection gauge into http.Server.ConnState so
// admitted connections stay unwrapped (net/http needs the bare *tls.Conn for
// request TLS state and protocol negotiation).
func (m *serverMetrics) connState(listener string) func(net.Conn, http.ConnState) {
	if m == nil {
		return nil
	}
	gauge := m.active.WithLabelValues(listener)
	return func(_ net.Conn, state http.ConnState) {
		switch state {
		case http.StateNew:
			gauge.Inc()
		case http.StateClosed, http.StateHijacked:
			gauge.Dec()
		}
	}
}
