package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"
)

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := tp.Tracer("test").Start(context.Background(), "tick")
	defer span.End()

	ctx = WithRunID(ctx, "run-7")
	ctx = WithTick(ctx, 0)
	ctx = WithLevel(ctx, "L1")

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range ContextFields(ctx) {
		f.AddTo(enc)
	}
	assert.Equal(t, span.SpanContext().TraceID().String(), enc.Fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), enc.Fields["span_id"])
	assert.Equal(t, true, enc.Fields["trace_sampled"])
	assert.Equal(t, "run-7", enc.Fields["run.id"])
	assert.Equal(t, uint64(0), enc.Fields["tick"], "tick zero is still reported")
	assert.Equal(t, "L1", enc.Fields["level"])
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	_, ok := TickFromContext(ctx)
	assert.False(t, ok)
	assert.Empty(t, RunIDFromContext(ctx))
	assert.Empty(t, LevelFromContext(ctx))

	tick, ok := TickFromContext(WithTick(ctx, 9))
	assert.True(t, ok)
	assert.Equal(t, uint64(9), tick)
}

func TestTestLogger_TraceCorrelation(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	tl := NewTestLogger()
	tl.Info(ctx, "correlated")
	tl.AssertTraceCorrelation(t, "correlated")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "correlated")

	tl.Reset()
	assert.Empty(t, tl.Entries())
}

func TestTestLogger_TickFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithTick(WithRunID(context.Background(), "run-7"), 12)

	tl.Warn(ctx, "tick overran")
	tl.Trace(ctx, "state vector")

	tl.AssertTick(t, "tick overran", "run-7", 12)
	tl.AssertLogged(t, TraceLevel, "state")
	assert.Len(t, tl.Matching(zapcore.WarnLevel, "overran"), 1)
	assert.Empty(t, tl.Matching(zapcore.InfoLevel, "overran"))
}
