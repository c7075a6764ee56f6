package directory

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordOutcomes(t *testing.T) {
	svc, _ := newTestService(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	svc.SetMetrics(metrics)

	mustCreate(t, svc, input("Ada", "ada@example.com"))
	_, err := svc.Create(context.Background(), input("Ada", "ada@example.com"))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("create", "rejected")))

	_, err = svc.BulkCreate(context.Background(), []CreateInput{
		input("One", "one@example.com"),
		input("Two", "one@example.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.bulkItems.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.bulkItems.WithLabelValues("create", "failed")))
}

func TestNilMetricsPassErrorsThrough(t *testing.T) {
	var m *Metrics
	assert.NoError(t, m.observe("noop", time.Now(), nil))
	m.bulk("noop", 1, 1)
}
