package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	require.NotNil(t, met, "metric %q not found", name)
	sum, ok := met.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %q is not an int64 sum", name)

	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestCallLifecycleMetrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCallStarted(ctx, "outbound")
	m.RecordCallStarted(ctx, "inbound")
	m.RecordCallEnded(ctx, 3*time.Second)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), sumByAttr(t, rm, "voxcall.calls.started", "direction", "outbound"))
	assert.Equal(t, int64(1), sumByAttr(t, rm, "voxcall.calls.started", "direction", "inbound"))

	active := findMetric(rm, "voxcall.active_sessions")
	require.NotNil(t, active)
	gauge, ok := active.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(1), gauge.DataPoints[0].Value)

	dur := findMetric(rm, "voxcall.call.duration")
	require.NotNil(t, dur)
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.InDelta(t, 3.0, hist.DataPoints[0].Sum, 1e-9)
}

func TestEffectAndSyncCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEffectChange(ctx, "male", "local")
	m.RecordEffectChange(ctx, "child", "remote")
	m.RecordEffectChange(ctx, "child", "remote")
	m.RecordSyncMessage(ctx, "sent")
	m.RecordSetupFailure(ctx, "initialize_pipeline")

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumByAttr(t, rm, "voxcall.effect.changes", "origin", "remote"))
	assert.Equal(t, int64(1), sumByAttr(t, rm, "voxcall.effect.changes", "effect", "male"))
	assert.Equal(t, int64(1), sumByAttr(t, rm, "voxcall.sync.messages", "direction", "sent"))
	assert.Equal(t, int64(1), sumByAttr(t, rm, "voxcall.calls.setup_failures", "step", "initialize_pipeline"))
}

func TestDefaultMetricsIsShared(t *testing.T) {
	assert.Same(t, DefaultMetrics(), DefaultMetrics())
}

func TestStartSpanRecordsError(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "call.setup")
	fields := LogFields(ctx)
	assert.Len(t, fields["trace_id"], 32)
	EndSpan(span, errors.New("boom"))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "call.setup", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestLogFieldsWithoutSpan(t *testing.T) {
	assert.Empty(t, LogFields(context.Background()))
}

func TestInitProvider(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}
