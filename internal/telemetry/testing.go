package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry provides in-memory telemetry for tests.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	MetricReader *sdkmetric.ManualReader
}

// NewTestTelemetry creates telemetry backed by a span recorder and a manual metric reader.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	t := &Telemetry{
		config:         cfg,
		tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
	t.healthy.Store(true)

	return &TestTelemetry{Telemetry: t, SpanRecorder: recorder, MetricReader: reader}
}

// SpanByName returns the first ended span with name, or nil.
func (t *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	for _, span := range t.SpanRecorder.Ended() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// AssertSpanAttribute verifies an ended span carries key=expected.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, expected interface{}) {
	tb.Helper()
	span := t.SpanByName(spanName)
	if span == nil {
		tb.Fatalf("span %q not found", spanName)
	}
	for _, attr := range span.Attributes() {
		if string(attr.Key) == key {
			if got := attrValue(attr.Value); got != expected {
				tb.Errorf("span %q attribute %q: got %v, want %v", spanName, key, got, expected)
			}
			return
		}
	}
	tb.Errorf("span %q missing attribute %q", spanName, key)
}

// Collect gathers the current metric snapshot.
func (t *TestTelemetry) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := t.MetricReader.Collect(ctx, &rm)
	return rm, err
}

func attrValue(v attribute.Value) interface{} {
	switch v.Type() {
	case attribute.STRING:
		return v.AsString()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.BOOL:
		return v.AsBool()
	default:
		return v.AsInterface()
	}
}
