// Package logging provides structured logging for hookrelay.
//
// Logger wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - stdout, rotating file (lumberjack) and OpenTelemetry outputs
//   - automatic context fields (trace_id, project.id, destination.id, request.id)
//   - secret redaction by field name and value pattern
//   - per-level sampling (errors never sampled)
//
// Usage:
//
//	cfg, err := logging.FromSettings(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	defer logger.Sync()
//
//	ctx = logging.WithProjectID(ctx, projectID)
//	logger.Warn(ctx, "webhook delivery failed", zap.Int("status", 502))
//
// Tests use NewTestLogger, which records entries in memory:
//
//	tl := logging.NewTestLogger()
//	svc := delivery.NewExecutor(st, tl.Logger, ...)
//	tl.AssertLogged(t, zapcore.WarnLevel, "circuit opened")
package logging
