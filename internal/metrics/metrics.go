// Package metrics provides the shared Prometheus registry and HTTP
// exposition handler used by both binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry with the standard
// process and Go runtime collectors, matching what a component-specific
// RegisterMetrics call (e.g. relayserver.RegisterMetrics) is expected to
// add its own collectors to.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	reg.MustRegister(prometheus.NewGoCollector())
	return reg
}

// Handler returns the HTTP handler that exposes reg in the Prometheus
// text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
