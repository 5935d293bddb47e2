package logging

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/hnm/internal/config"
)

// Config describes how a Logger encodes, filters and routes entries.
type Config struct {
	Level  zapcore.Level `koanf:"level"`
	Format string        `koanf:"format"` // json or console
	Output OutputConfig  `koanf:"output"`

	Sampling   SamplingConfig   `koanf:"sampling"`
	Caller     CallerConfig     `koanf:"caller"`
	Stacktrace StacktraceConfig `koanf:"stacktrace"`

	// Fields are attached to every entry.
	Fields map[string]string `koanf:"fields"`
}

// OutputConfig selects the sinks. Both may be enabled.
type OutputConfig struct {
	Stdout bool      `koanf:"stdout"`
	OTEL   bool      `koanf:"otel"`
	Writer io.Writer `koanf:"-"` // replaces os.Stdout when set
}

// SamplingConfig limits repeated entries per level within each Tick.
type SamplingConfig struct {
	Enabled bool                                  `koanf:"enabled"`
	Tick    config.Duration                       `koanf:"tick"`
	Levels  map[zapcore.Level]LevelSamplingConfig `koanf:"levels"`
}

// LevelSamplingConfig keeps the first Initial entries with the same message,
// then every Thereafter-th. Thereafter 0 drops the rest.
type LevelSamplingConfig struct {
	Initial    int `koanf:"initial"`
	Thereafter int `koanf:"thereafter"`
}

// CallerConfig adds the call site to entries. Skip is for helpers that log
// on behalf of their caller.
type CallerConfig struct {
	Enabled bool `koanf:"enabled"`
	Skip    int  `koanf:"skip"`
}

type StacktraceConfig struct {
	Level zapcore.Level `koanf:"level"`
}

// NewDefaultConfig returns JSON to stdout at info with sampling on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    config.Duration(time.Second),
			Levels:  DefaultLevelSamplingConfig(),
		},
		Caller:     CallerConfig{Enabled: true},
		Stacktrace: StacktraceConfig{Level: zapcore.ErrorLevel},
		Fields:     map[string]string{"service": "hnm"},
	}
}

// DefaultLevelSamplingConfig samples everything below error. A loop at tens
// of hertz repeats the same warning every tick while a source is down.
func DefaultLevelSamplingConfig() map[zapcore.Level]LevelSamplingConfig {
	return map[zapcore.Level]LevelSamplingConfig{
		TraceLevel:         {Initial: 1},
		zapcore.DebugLevel: {Initial: 10},
		zapcore.InfoLevel:  {Initial: 100, Thereafter: 10},
		zapcore.WarnLevel:  {Initial: 10, Thereafter: 100},
	}
}

// FromSettings applies the logging section of the config file to the
// defaults.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := ParseLevel(s.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.Output.OTEL = s.OTEL
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("format must be 'json' or 'console', got %q", c.Format))
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		errs = append(errs, errors.New("at least one output must be enabled (stdout or otel)"))
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick.Duration() <= 0 {
			errs = append(errs, errors.New("sampling tick must be > 0 when sampling enabled"))
		}
		for lvl, s := range c.Sampling.Levels {
			if s.Initial < 0 || s.Thereafter < 0 {
				errs = append(errs, fmt.Errorf("sampling for %v must be non-negative", lvl))
			}
		}
	}
	if c.Caller.Skip < 0 {
		errs = append(errs, fmt.Errorf("caller skip must be >= 0, got %d", c.Caller.Skip))
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			errs = append(errs, fmt.Errorf("field %q: key and value must be non-empty", k))
		}
	}
	return errors.Join(errs...)
}
