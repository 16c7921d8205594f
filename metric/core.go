package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the virtual network processes
const Namespace = "aisvnet"

// Metrics contains process-level metrics shared by all components
type Metrics struct {
	ServiceStatus  *prometheus.GaugeVec
	ErrorsTotal    *prometheus.CounterVec
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// Service status values reported through ServiceStatus
const (
	StatusStopped  = 0
	StatusStarting = 1
	StatusRunning  = 2
	StatusStopping = 3
	StatusFailed   = 4
)

// NewMetrics creates the process-level metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by service and class",
			},
			[]string{"service", "class"},
		),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

// RecordServiceStatus sets the status gauge for a service
func (m *Metrics) RecordServiceStatus(service string, status int) {
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordError counts an error for a service
func (m *Metrics) RecordError(service, class string) {
	m.ErrorsTotal.WithLabelValues(service, class).Inc()
}
