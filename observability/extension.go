// Package observability exports run metrics over OpenTelemetry, fed from
// the progress broadcaster rather than the engine itself so the hot
// append path stays free of instrumentation.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/ralph/broadcast"
	"github.com/xraph/ralph/id"
)

// meterName is the instrumentation scope name for ralph metrics.
const meterName = "github.com/xraph/ralph"

// MetricsExtension counts progress updates by type and status. Attach it
// to a broadcaster to track task completions, failures, retries, build
// and test outcomes, and HITL waits from one instrument.
//
// Instruments:
//   - ralph.progress.updates (Int64Counter): total progress updates,
//     with attributes: type, status
type MetricsExtension struct {
	updates metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. With no provider configured the instruments are noops
// and the extension is a pass-through.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a MeterProvider for
// testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	updates, err := meter.Int64Counter(
		"ralph.progress.updates",
		metric.WithDescription("Total number of progress updates broadcast"),
		metric.WithUnit("{update}"),
	)
	_ = err // noop fallback guaranteed by OTel API contract

	return &MetricsExtension{updates: updates}
}

// Attach subscribes the extension to a broadcaster. The returned
// subscription ID can be passed to Unsubscribe to detach.
func (m *MetricsExtension) Attach(b *broadcast.Broadcaster) id.SubscriptionID {
	return b.Subscribe(m.Record)
}

// Record counts one progress update.
func (m *MetricsExtension) Record(u *broadcast.ProgressUpdate) {
	m.updates.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", string(u.Type)),
		attribute.String("status", string(u.Status)),
	))
}
