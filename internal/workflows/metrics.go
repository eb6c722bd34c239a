package workflows

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/fyrsmithlabs/hookrelay/internal/workflows"

// Sweep activity instruments. They resolve through the global meter
// provider, so they export once telemetry has installed one.
var (
	sweepExecutions  metric.Int64Counter
	sweepEvents      metric.Int64Counter
	activityDuration metric.Float64Histogram
)

func init() {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	var err error
	if sweepExecutions, err = meter.Int64Counter("hookrelay.workflows.sweep.executions",
		metric.WithDescription("Sweep activity executions"),
		metric.WithUnit("{execution}")); err != nil {
		sweepExecutions, _ = fallback.Int64Counter("hookrelay.workflows.sweep.executions")
	}
	if sweepEvents, err = meter.Int64Counter("hookrelay.workflows.sweep.events",
		metric.WithDescription("Events delivered by Temporal-driven sweeps"),
		metric.WithUnit("{event}")); err != nil {
		sweepEvents, _ = fallback.Int64Counter("hookrelay.workflows.sweep.events")
	}
	if activityDuration, err = meter.Float64Histogram("hookrelay.workflows.activity.duration",
		metric.WithDescription("Sweep activity duration"),
		metric.WithUnit("s")); err != nil {
		activityDuration, _ = fallback.Float64Histogram("hookrelay.workflows.activity.duration")
	}
}
