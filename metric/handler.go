package metric

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthReporter supplies the body of the /health endpoint
type HealthReporter interface {
	Healthy() bool
	Report() any
}

// Handler returns the metrics endpoint handler
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// HealthHandler serves a HealthReporter as JSON, 503 when unhealthy
func HealthHandler(health HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if health == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if !health.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health.Report())
	}
}
