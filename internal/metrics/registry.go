package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a new Prometheus registry with metrics
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	return reg, m
}

// Discard returns metrics registered on a private registry nobody scrapes.
// Components use it when no metrics were configured.
func Discard() *Metrics {
	_, m := NewRegistry()
	return m
}

// OrDiscard returns m, or a discarding instance when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return Discard()
}

// HandlerFor returns an HTTP handler for a specific registry
func HandlerFor(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
