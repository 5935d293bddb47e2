package logging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. The tick loop logs full state vectors at it.
const TraceLevel = zapcore.Level(-2)

// wrapperFrames is the number of Logger frames between a caller and zap.
const wrapperFrames = 2

// ParseLevel parses a level name. It accepts "trace" in addition to the
// names zapcore knows.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "trace" {
		return TraceLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel, err
	}
	return lvl, nil
}

// Logger is a context-aware zap logger. Every entry carries the fields
// ContextFields extracts from the context it is logged with.
type Logger struct {
	base   *zap.Logger
	caller *zap.Logger
}

func wrap(z *zap.Logger) *Logger {
	return &Logger{base: z, caller: z.WithOptions(zap.AddCallerSkip(wrapperFrames))}
}

// NewLogger builds a logger from cfg. A nil otelProvider disables the OTEL
// output even when cfg asks for it.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	core, err := buildCore(cfg, otelProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create core: %w", err)
	}

	var opts []zap.Option
	if cfg.Caller.Enabled {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(cfg.Caller.Skip))
	}
	if cfg.Stacktrace.Level != 0 {
		opts = append(opts, zap.AddStacktrace(cfg.Stacktrace.Level))
	}
	if len(cfg.Fields) > 0 {
		keys := make([]string, 0, len(cfg.Fields))
		for k := range cfg.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		static := make([]zap.Field, len(keys))
		for i, k := range keys {
			static[i] = zap.String(k, cfg.Fields[k])
		}
		opts = append(opts, zap.Fields(static...))
	}
	return wrap(zap.New(core, opts...)), nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return wrap(zap.NewNop())
}

// write is shared by the level methods. Context fields are only extracted
// once the entry is known to be written.
func (l *Logger) write(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	ce := l.caller.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(append(ContextFields(ctx), fields...)...)
}

func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, TraceLevel, msg, fields)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.ErrorLevel, msg, fields)
}

// Fatal logs then exits the process.
func (l *Logger) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	l.write(ctx, zapcore.FatalLevel, msg, fields)
}

// With returns a child logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return wrap(l.base.With(fields...))
}

// Named returns a child logger with name appended.
func (l *Logger) Named(name string) *Logger {
	return wrap(l.base.Named(name))
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.base.Core().Enabled(level)
}

// Sync flushes buffered entries. Errors from syncing a terminal or pipe are
// ignored.
func (l *Logger) Sync() error {
	err := l.base.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}

// Underlying returns the zap logger for packages that take one directly.
func (l *Logger) Underlying() *zap.Logger {
	return l.base
}
