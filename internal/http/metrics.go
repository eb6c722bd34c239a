package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/hookrelay/internal/http"

// HTTPMetrics records admin API traffic. Instruments that fail to build
// are left nil and skipped.
type HTTPMetrics struct {
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	activeRequests metric.Int64UpDownCounter
	rateLimited    metric.Int64Counter
}

// NewHTTPMetrics builds the admin API instruments on meter, or on the
// global meter provider when meter is nil.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &HTTPMetrics{}
	var errs []error
	var err error

	m.requestsTotal, err = meter.Int64Counter("hookrelay.http.requests_total",
		metric.WithDescription("Admin API requests by method, route template and status"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	// Sweeps run synchronously, so the buckets reach well past a typical request.
	m.requestDur, err = meter.Float64Histogram("hookrelay.http.request_duration_seconds",
		metric.WithDescription("Admin API request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300))
	errs = append(errs, err)

	m.activeRequests, err = meter.Int64UpDownCounter("hookrelay.http.active_requests",
		metric.WithDescription("Admin API requests in progress"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	m.rateLimited, err = meter.Int64Counter("hookrelay.http.schedule_rate_limited",
		metric.WithDescription("Manual schedule requests rejected by the per-project limiter"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		logger.Warn("failed to create some http instruments", zap.Error(err))
	}
	return m
}

// RecordRateLimited counts one rejected schedule request.
func (m *HTTPMetrics) RecordRateLimited(ctx context.Context) {
	if m != nil && m.rateLimited != nil {
		m.rateLimited.Add(ctx, 1)
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(ctx, -1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", responseStatus(c, err)),
			)

			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}

			return err
		}
	}
}

// responseStatus returns the status the client will see. Echo writes
// handler errors after the middleware chain unwinds, so the response
// status is not final yet when err is non-nil.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// normalizePath maps the matched route to a metric label. c.Path() is the
// route template (/api/v1/destinations/:id/enable), so ids never become
// label values; unmatched requests have no template and share "/".
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
