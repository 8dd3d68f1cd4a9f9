// Package metrics exposes the proxy's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portmux_connections_total", Help: "Accepted connections by sniffed protocol"}, []string{"protocol"})
	ActiveConnections    = promauto.NewGauge(prometheus.GaugeOpts{Name: "portmux_active_connections", Help: "Connections currently being handled"})
	AcceptErrorsTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "portmux_accept_errors_total", Help: "Failed accept calls"})
	AuthTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portmux_auth_total", Help: "Authentication gate outcomes"}, []string{"result"})
	AuthDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "portmux_auth_duration_seconds", Help: "Authentication gate latency", Buckets: prometheus.ExponentialBuckets(0.005, 2, 14)})
	TLSHandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "portmux_tls_handshake_failures_total", Help: "Failed TLS handshakes, including a missing TLS context"})
	RelayBytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portmux_relay_bytes_total", Help: "Bytes echoed back to clients"}, []string{"protocol"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
