package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"taskos/pkg/config"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp, shutdown, err := Init(config.TelemetryConfig{Enabled: true}, reader)
	require.NoError(t, err)
	defer shutdown(ctx)

	m, err := NewMetrics(mp)
	require.NoError(t, err)

	m.Syscall(ctx, "write", 0)
	m.Syscall(ctx, "read", -9)
	m.Fork(ctx)
	m.ProcessAdded(ctx)
	m.ProcessAdded(ctx)
	m.ProcessRemoved(ctx)
	m.Reaped(ctx)
	m.SignalDelivered(ctx, 10, "handler")
	m.Fault(ctx, "cow")

	got := collect(t, reader)
	assert.Equal(t, int64(2), got["taskos.syscalls"])
	assert.Equal(t, int64(1), got["taskos.process.forks"])
	assert.Equal(t, int64(1), got["taskos.process.live"])
	assert.Equal(t, int64(1), got["taskos.process.reaped"])
	assert.Equal(t, int64(1), got["taskos.signals.delivered"])
	assert.Equal(t, int64(1), got["taskos.faults"])
}

func TestDisabledIsNoop(t *testing.T) {
	mp, shutdown, err := Init(config.TelemetryConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	m.Fork(context.Background())
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Syscall(context.Background(), "exit", 0)
	m.Fault(context.Background(), "segv")
}
