// Package logging provides structured logging for the hnm daemon.
//
// The package wraps Zap with:
//   - a Trace level (-2, below Debug) for per-tick tensor dumps
//   - stdout and OpenTelemetry outputs, teed when both are enabled
//   - context fields for trace correlation, run id, tick and level
//   - per-level sampling; errors are never sampled
//
// Create a logger from the file settings:
//
//	cfg, err := logging.FromSettings(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	defer logger.Sync()
//
// Log with context:
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithTick(ctx, tick)
//	logger.Info(ctx, "tick complete", zap.Float64("anomaly", a))
//
// Every entry logged with that context carries run.id and tick, plus
// trace_id and span_id when a span is active.
package logging
