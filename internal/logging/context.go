package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ctxKey keys the values this package stores in a context.
type ctxKey int

const (
	runIDKey ctxKey = iota
	tickKey
	levelKey
	loggerKey
)

// ContextFields returns the correlation fields carried by ctx: trace and
// span ids of an active span, then run.id, tick and level when set.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if tick, ok := TickFromContext(ctx); ok {
		fields = append(fields, zap.Uint64("tick", tick))
	}
	if name := LevelFromContext(ctx); name != "" {
		fields = append(fields, zap.String("level", name))
	}
	return fields
}

func value[T any](ctx context.Context, k ctxKey) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

// WithRunID tags ctx with the id of the current daemon run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

func RunIDFromContext(ctx context.Context) string {
	id, _ := value[string](ctx, runIDKey)
	return id
}

// WithTick tags ctx with the index of the tick being stepped.
func WithTick(ctx context.Context, tick uint64) context.Context {
	return context.WithValue(ctx, tickKey, tick)
}

func TickFromContext(ctx context.Context) (uint64, bool) {
	return value[uint64](ctx, tickKey)
}

// WithLevel tags ctx with a hierarchy level name.
func WithLevel(ctx context.Context, level string) context.Context {
	return context.WithValue(ctx, levelKey, level)
}

func LevelFromContext(ctx context.Context) string {
	name, _ := value[string](ctx, levelKey)
	return name
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := value[*Logger](ctx, loggerKey); ok && l != nil {
		return l
	}
	return NewNop()
}
