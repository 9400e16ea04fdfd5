package docstore

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the service layer. A nil *Metrics
// records nothing.
//
// Metrics:
//   - docstore_operations_total{collection,op,result}
//   - docstore_operation_duration_seconds{collection,op}
//   - docstore_lock_failures_total{collection}
//   - docstore_documents{collection}: size after the last load
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	LockFailuresTotal *prometheus.CounterVec
	Documents         *prometheus.GaugeVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_operations_total",
				Help: "Total number of service operations",
			},
			[]string{"collection", "op", "result"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docstore_operation_duration_seconds",
				Help:    "Duration of service operations including lock wait",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"collection", "op"},
		),
		LockFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_lock_failures_total",
				Help: "Total number of collection lock acquisition failures",
			},
			[]string{"collection"},
		),
		Documents: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "docstore_documents",
				Help: "Number of documents in a collection at its last load",
			},
			[]string{"collection"},
		),
	}
}

func (m *Metrics) observe(collection, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(collection, op).Observe(time.Since(start).Seconds())
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrLockAcquisitionFailed):
		result = "lock_failed"
		m.LockFailuresTotal.WithLabelValues(collection).Inc()
	case errors.Is(err, ErrValidationFailed):
		result = "invalid"
	default:
		result = "error"
	}
	m.OperationsTotal.WithLabelValues(collection, op, result).Inc()
}

func (m *Metrics) setDocuments(collection string, n int) {
	if m == nil {
		return
	}
	m.Documents.WithLabelValues(collection).Set(float64(n))
}
