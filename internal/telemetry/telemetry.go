package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the tracer and meter providers.
type Telemetry struct {
	config *Config

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	healthy  atomic.Bool
	degraded atomic.Bool
	lastErr  atomic.Value
}

// New creates a Telemetry instance. Disabled config yields a no-op instance;
// exporter failures yield a degraded one rather than an error.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{config: cfg}
	t.healthy.Store(true)

	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.setDegraded(err)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.setDegraded(err)
	} else if mp != nil {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Tracer returns a tracer, falling back to the global provider.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter, falling back to the global provider.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes and stops all providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil && t.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	t.healthy.Store(false)
	return errors.Join(errs...)
}

// HealthStatus reports whether exporters are running.
type HealthStatus struct {
	Healthy  bool
	Degraded bool
	Error    string
}

// Health returns the current telemetry health status.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	h := HealthStatus{Healthy: t.healthy.Load(), Degraded: t.degraded.Load()}
	if msg, ok := t.lastErr.Load().(string); ok {
		h.Error = msg
	}
	return h
}

func (t *Telemetry) setDegraded(err error) {
	t.degraded.Store(true)
	t.lastErr.Store(err.Error())
}
