// metrics.go - Prometheus metrics for driver operations

package odmongo

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts and times the driver calls made through a Connection.
type Metrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewMetrics builds unregistered collectors under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "odmongo"
	}
	return &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of driver operations",
			},
			[]string{"collection", "op", "status"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Driver operation duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"collection", "op"},
		),
	}
}

// Register registers the collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if err := reg.Register(m.Operations); err != nil {
		return err
	}
	return reg.Register(m.Duration)
}

func (m *Metrics) observe(collection, op string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Operations.WithLabelValues(collection, op, status).Inc()
	m.Duration.WithLabelValues(collection, op).Observe(time.Since(started).Seconds())
}
