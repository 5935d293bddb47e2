package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Output.Writer = &buf
	if mutate != nil {
		mutate(cfg)
	}
	l, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger_JSONOutput(t *testing.T) {
	l, buf := newBufferLogger(t, nil)

	ctx := WithTick(WithRunID(context.Background(), "run-1"), 42)
	l.Named("loop").Info(ctx, "tick complete", zap.Float64("anomaly", 0.5))
	l.Debug(ctx, "filtered at info")
	require.NoError(t, l.Sync())

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	assert.Equal(t, "tick complete", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "loop", entry["logger"])
	assert.Equal(t, "hnm", entry["service"])
	assert.Equal(t, "run-1", entry["run.id"])
	assert.Equal(t, 42.0, entry["tick"])
	assert.Equal(t, 0.5, entry["anomaly"])
	assert.Contains(t, entry, "ts")
	assert.Contains(t, entry, "caller")
}

func TestNewLogger_TraceLevel(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.Level = TraceLevel })
	assert.True(t, l.Enabled(TraceLevel))

	l.Trace(context.Background(), "state vector", zap.Float64s("values", []float64{1, 2}))
	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
}

func TestNewLogger_TraceSuppressedAtInfo(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	assert.False(t, l.Enabled(TraceLevel))
	l.Trace(context.Background(), "state vector")
	assert.Empty(t, buf.String())
}

func TestNewLogger_Console(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.Format = "console" })
	l.Warn(context.Background(), "signal zero-filled", zap.String("kind", "bu"))
	assert.Contains(t, buf.String(), "signal zero-filled")
	assert.Contains(t, buf.String(), "warn")
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)

	cfg = NewDefaultConfig()
	cfg.Output.OTEL = true
	cfg.Output.Stdout = false
	_, err = NewLogger(cfg, nil)
	assert.Error(t, err, "otel output without a provider leaves no core")
}

func TestLogger_WithAndUnderlying(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	child := l.With(zap.String("component", "watcher"))
	child.Underlying().Info("direct")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "watcher", lines[0]["component"])
}

func TestFromContext(t *testing.T) {
	nop := FromContext(context.Background())
	require.NotNil(t, nop)
	assert.False(t, nop.Enabled(zapcore.ErrorLevel))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "from context")
	tl.AssertLogged(t, zapcore.InfoLevel, "from context")
}

func TestLogger_CallerIsTheCallSite(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	l.Info(context.Background(), "wrapped")
	l.Underlying().Info("direct")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line["caller"], "logging/logger_test.go", line["msg"])
	}
}

func TestLogger_SkipsDisabledContextWork(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	l.Debug(WithRunID(context.Background(), "run-x"), "below level")
	assert.Empty(t, buf.String())
}
