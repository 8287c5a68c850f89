// Package observe provides the OpenTelemetry metrics and tracing used by
// the call controller.
//
// Instruments are created from a [metric.MeterProvider] so tests can pass a
// provider backed by a manual reader. [InitProvider] installs global
// providers with a Prometheus exporter; the CLI serves the result on
// /metrics.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all voxcall metrics.
const meterName = "github.com/vikas-kashyap97/Voice-changer"

// Metrics holds the call and effect instruments.
type Metrics struct {
	// CallsStarted counts sessions that became active. Attribute:
	//   attribute.String("direction", "outbound"|"inbound")
	CallsStarted metric.Int64Counter

	// SetupFailures counts failed call setups. Attribute:
	//   attribute.String("step", ...)
	SetupFailures metric.Int64Counter

	// ActiveSessions is 1 while a call is active.
	ActiveSessions metric.Int64UpDownCounter

	// CallDuration records how long each session was active.
	CallDuration metric.Float64Histogram

	// EffectChanges counts applied effects. Attributes:
	//   attribute.String("effect", ...), attribute.String("origin", ...)
	EffectChanges metric.Int64Counter

	// SyncMessages counts side channel messages. Attribute:
	//   attribute.String("direction", "sent"|"received")
	SyncMessages metric.Int64Counter
}

// durationBuckets spans short test calls to long conversations (seconds).
var durationBuckets = []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallsStarted, err = m.Int64Counter("voxcall.calls.started",
		metric.WithDescription("Calls that became active, by direction."),
	); err != nil {
		return nil, err
	}
	if met.SetupFailures, err = m.Int64Counter("voxcall.calls.setup_failures",
		metric.WithDescription("Failed call setups, by step."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxcall.active_sessions",
		metric.WithDescription("Number of active call sessions."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("voxcall.call.duration",
		metric.WithDescription("Duration of ended calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EffectChanges, err = m.Int64Counter("voxcall.effect.changes",
		metric.WithDescription("Voice effects applied, by effect and origin."),
	); err != nil {
		return nil, err
	}
	if met.SyncMessages, err = m.Int64Counter("voxcall.sync.messages",
		metric.WithDescription("Effect sync messages, by direction."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns metrics on the global meter provider, created on
// first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordCallStarted marks a session as active.
func (m *Metrics) RecordCallStarted(ctx context.Context, direction string) {
	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
	m.ActiveSessions.Add(ctx, 1)
}

// RecordCallEnded marks the active session as ended after d.
func (m *Metrics) RecordCallEnded(ctx context.Context, d time.Duration) {
	m.ActiveSessions.Add(ctx, -1)
	m.CallDuration.Record(ctx, d.Seconds())
}

// RecordSetupFailure counts a failed setup at step.
func (m *Metrics) RecordSetupFailure(ctx context.Context, step string) {
	m.SetupFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

// RecordEffectChange counts an applied effect.
func (m *Metrics) RecordEffectChange(ctx context.Context, effect, origin string) {
	m.EffectChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("effect", effect),
			attribute.String("origin", origin),
		),
	)
}

// RecordSyncMessage counts a side channel message.
func (m *Metrics) RecordSyncMessage(ctx context.Context, direction string) {
	m.SyncMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}
