package hnm

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Logger wraps zap.Logger with hierarchy-specific structured logging.
type Logger struct {
	logger  *zap.Logger
	verbose bool
}

// NewLogger creates a new Logger. If logger is nil, uses a no-op logger.
// Recoverable per-tick warnings are logged at Warn when verbose is set and at
// Debug otherwise.
func NewLogger(logger *zap.Logger, verbose bool) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("hnm"), verbose: verbose}
}

// forLevel returns a logger tagged with a level name. Verbosity is inherited
// unless the level asks for it explicitly.
func (l *Logger) forLevel(name string, verbose bool) *Logger {
	if l == nil || l.logger == nil {
		return nil
	}
	return &Logger{
		logger:  l.logger.With(zap.String("level", name)),
		verbose: l.verbose || verbose,
	}
}

// SystemBuilt logs construction of a hierarchy.
func (l *Logger) SystemBuilt(ctx context.Context, levels int, order []string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.Int("levels", levels),
		zap.Strings("order", order),
	}
	fields = append(fields, l.traceFields(ctx)...)
	l.logger.Info("hierarchy built", fields...)
}

// SignalZeroFilled logs an input replaced by zeros.
func (l *Logger) SignalZeroFilled(ctx context.Context, kind, source, reason string, wantDim int) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("source", source),
		zap.String("reason", reason),
		zap.Int("want_dim", wantDim),
	}
	fields = append(fields, l.traceFields(ctx)...)
	if l.verbose {
		l.logger.Warn("signal zero-filled", fields...)
		return
	}
	l.logger.Debug("signal zero-filled", fields...)
}

// TargetIgnored logs a supplied training target that could not be used.
func (l *Logger) TargetIgnored(ctx context.Context, reason string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := append([]zap.Field{zap.String("reason", reason)}, l.traceFields(ctx)...)
	l.logger.Warn("training target ignored", fields...)
}

// UpdateSkipped logs an optimizer step skipped because of non-finite values.
func (l *Logger) UpdateSkipped(ctx context.Context, seq int, loss, gradNorm float64) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.Int("seq_index", seq),
		zap.Float64("loss", loss),
		zap.Float64("grad_norm", gradNorm),
	}
	fields = append(fields, l.traceFields(ctx)...)
	l.logger.Warn("update skipped: non-finite loss or gradient", fields...)
}

// LearningParamsChanged logs a learning rate or weight decay change.
func (l *Logger) LearningParamsChanged(ctx context.Context, lr, wd float64, training bool) {
	if l == nil || l.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.Float64("learning_rate", lr),
		zap.Float64("weight_decay", wd),
		zap.Bool("training", training),
	}
	fields = append(fields, l.traceFields(ctx)...)
	l.logger.Info("learning params changed", fields...)
}

// Debug logs a debug message with context.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, fields...)
	l.logger.Debug(msg, allFields...)
}

// traceFields extracts trace context from the context.
func (l *Logger) traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	sc := span.SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
