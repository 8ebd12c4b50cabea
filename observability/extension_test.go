package observability_test

import (
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/ralph/broadcast"
	"github.com/xraph/ralph/observability"
)

func TestRecordCountsByTypeAndStatus(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) }) //nolint:errcheck // test teardown

	ext := observability.NewMetricsExtensionWithMeter(provider.Meter("test"))

	b, err := broadcast.New(slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	ext.Attach(b)

	emit := func(typ broadcast.UpdateType, status broadcast.UpdateStatus) {
		b.Emit(&broadcast.ProgressUpdate{Type: typ, Status: status, Message: "x"})
	}
	emit(broadcast.UpdateTask, broadcast.StatusCompleted)
	emit(broadcast.UpdateTask, broadcast.StatusCompleted)
	emit(broadcast.UpdateBuild, broadcast.StatusError)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect error: %v", err)
	}

	sum := findSum(t, rm, "ralph.progress.updates")
	if got := pointValue(sum, "task", "completed"); got != 2 {
		t.Errorf("task/completed count = %d, want 2", got)
	}
	if got := pointValue(sum, "build", "error"); got != 1 {
		t.Errorf("build/error count = %d, want 1", got)
	}
}

func findSum(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Sum[int64] {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("metric %s has data type %T, want Sum[int64]", name, m.Data)
				}
				return sum
			}
		}
	}
	t.Fatalf("metric %s not collected", name)
	return metricdata.Sum[int64]{}
}

func pointValue(sum metricdata.Sum[int64], typ, status string) int64 {
	for _, dp := range sum.DataPoints {
		gotType, _ := dp.Attributes.Value(attribute.Key("type"))
		gotStatus, _ := dp.Attributes.Value(attribute.Key("status"))
		if gotType.AsString() == typ && gotStatus.AsString() == status {
			return dp.Value
		}
	}
	return 0
}
