package directory

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// Metrics exposes Prometheus collectors for directory operations.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bulkItems  *prometheus.CounterVec
}

// NewMetrics registers the directory metrics against registerer. A nil
// registerer uses the default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "directory",
			Name:      "operations_total",
			Help:      "Directory operations by name and outcome",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "odyssey",
			Subsystem: "directory",
			Name:      "operation_duration_seconds",
			Help:      "Duration of directory operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		bulkItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "directory",
			Name:      "bulk_items_total",
			Help:      "Items processed by bulk operations",
		}, []string{"operation", "outcome"}),
	}
	registerer.MustRegister(m.operations, m.duration, m.bulkItems)
	return m
}

// observe records one operation and returns err untouched.
func (m *Metrics) observe(operation string, start time.Time, err error) error {
	if m == nil {
		return err
	}
	m.operations.WithLabelValues(operation, outcome(err)).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	return err
}

func (m *Metrics) bulk(operation string, ok, failed int) {
	if m == nil {
		return
	}
	m.bulkItems.WithLabelValues(operation, "ok").Add(float64(ok))
	m.bulkItems.WithLabelValues(operation, "failed").Add(float64(failed))
}

func outcome(err error) string {
	switch kind := shared.KindOf(err); {
	case err == nil:
		return "ok"
	case kind == nil:
		return "error"
	case errors.Is(kind, shared.ErrUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}
