// Package config provides configuration loading for the hnm daemon.
//
// Configuration is read from a YAML file and overridden by HNM_* environment
// variables. The hierarchy section carries the level definitions consumed by
// internal/hnm; every other section configures the host process around it.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/hnm/internal/hnm"
)

// Source kinds accepted by SignalsConfig.Kind.
const (
	SourceSynthetic = "synthetic"
	SourceNATS      = "nats"
)

// Config holds the complete hnm configuration.
type Config struct {
	Hierarchy HierarchyConfig `koanf:"hierarchy" yaml:"hierarchy"`
	Runtime   RuntimeConfig   `koanf:"runtime" yaml:"runtime"`
	Signals   SignalsConfig   `koanf:"signals" yaml:"signals"`
	Publish   PublishConfig   `koanf:"publish" yaml:"publish"`
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	Logging   LoggingConfig   `koanf:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
}

// HierarchyConfig describes the memory hierarchy.
type HierarchyConfig struct {
	Verbose bool              `koanf:"verbose" yaml:"verbose"`
	Seed    int64             `koanf:"seed" yaml:"seed"`
	Levels  []hnm.LevelConfig `koanf:"levels" yaml:"levels"`
}

// RuntimeConfig controls the host tick loop.
type RuntimeConfig struct {
	TickRateHz    float64        `koanf:"tick_rate_hz" yaml:"tick_rate_hz"`
	ResonantLevel string         `koanf:"resonant_level" yaml:"resonant_level"`
	DetachStates  bool           `koanf:"detach_states" yaml:"detach_states"`
	Learning      LearningConfig `koanf:"learning" yaml:"learning"`
}

// LearningConfig optionally overrides every level's learning parameters at
// startup and on reload. Nil fields leave the per-level values untouched.
type LearningConfig struct {
	LearningRate *float64 `koanf:"learning_rate" yaml:"learning_rate,omitempty"`
	WeightDecay  *float64 `koanf:"weight_decay" yaml:"weight_decay,omitempty"`
}

// Set reports whether any override is present.
func (l LearningConfig) Set() bool {
	return l.LearningRate != nil || l.WeightDecay != nil
}

// SignalsConfig selects where sensory and external signals come from.
type SignalsConfig struct {
	Kind      string          `koanf:"kind" yaml:"kind"`
	Synthetic SyntheticConfig `koanf:"synthetic" yaml:"synthetic"`
	NATS      NATSConfig      `koanf:"nats" yaml:"nats"`
}

// SyntheticConfig parameterizes the built-in oscillator source.
type SyntheticConfig struct {
	Amplitude float64 `koanf:"amplitude" yaml:"amplitude"`
	Period    float64 `koanf:"period" yaml:"period"`
	Noise     float64 `koanf:"noise" yaml:"noise"`
}

// NATSConfig holds NATS connection settings shared by the signal source
// and the publisher.
type NATSConfig struct {
	URL           string   `koanf:"url" yaml:"url"`
	SubjectPrefix string   `koanf:"subject_prefix" yaml:"subject_prefix"`
	Token         Secret   `koanf:"token" yaml:"token,omitempty"`
	Timeout       Duration `koanf:"timeout" yaml:"timeout"`
}

// PublishConfig controls publication of the resonant state.
type PublishConfig struct {
	Enabled bool       `koanf:"enabled" yaml:"enabled"`
	Subject string     `koanf:"subject" yaml:"subject"`
	NATS    NATSConfig `koanf:"nats" yaml:"nats"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port" yaml:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig holds the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
	OTEL   bool   `koanf:"otel" yaml:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled" yaml:"enabled"`
	Endpoint       string   `koanf:"endpoint" yaml:"endpoint"`
	Protocol       string   `koanf:"protocol" yaml:"protocol"`
	ServiceName    string   `koanf:"service_name" yaml:"service_name"`
	Insecure       bool     `koanf:"insecure" yaml:"insecure"`
	SamplingRate   float64  `koanf:"sampling_rate" yaml:"sampling_rate"`
	ExportInterval Duration `koanf:"export_interval" yaml:"export_interval"`
}

// Validate validates the configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	order, err := hnm.ValidateLevels(c.Hierarchy.Levels)
	if err != nil {
		errs = append(errs, fmt.Errorf("hierarchy: %w", err))
	}

	if !(c.Runtime.TickRateHz > 0) || math.IsInf(c.Runtime.TickRateHz, 0) {
		errs = append(errs, fmt.Errorf("runtime.tick_rate_hz must be positive, got %v", c.Runtime.TickRateHz))
	}
	if err == nil && !contains(order, c.Runtime.ResonantLevel) {
		errs = append(errs, fmt.Errorf("runtime.resonant_level %q is not a configured level", c.Runtime.ResonantLevel))
	}
	if lr := c.Runtime.Learning.LearningRate; lr != nil && (*lr < 0 || math.IsNaN(*lr)) {
		errs = append(errs, errors.New("runtime.learning.learning_rate must be >= 0"))
	}
	if wd := c.Runtime.Learning.WeightDecay; wd != nil && (*wd < 0 || math.IsNaN(*wd)) {
		errs = append(errs, errors.New("runtime.learning.weight_decay must be >= 0"))
	}

	switch c.Signals.Kind {
	case SourceSynthetic:
		if c.Signals.Synthetic.Period <= 0 {
			errs = append(errs, errors.New("signals.synthetic.period must be positive"))
		}
		if c.Signals.Synthetic.Noise < 0 {
			errs = append(errs, errors.New("signals.synthetic.noise must be >= 0"))
		}
	case SourceNATS:
		if c.Signals.NATS.URL == "" {
			errs = append(errs, errors.New("signals.nats.url is required for the nats source"))
		}
	default:
		errs = append(errs, fmt.Errorf("signals.kind must be %q or %q, got %q", SourceSynthetic, SourceNATS, c.Signals.Kind))
	}

	if c.Publish.Enabled {
		if c.Publish.NATS.URL == "" {
			errs = append(errs, errors.New("publish.nats.url is required when publishing is enabled"))
		}
		if c.Publish.Subject == "" {
			errs = append(errs, errors.New("publish.subject is required when publishing is enabled"))
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.Port))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
			errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol))
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.sampling_rate must be between 0 and 1, got %v", c.Telemetry.SamplingRate))
		}
	}

	return errors.Join(errs...)
}

// Order returns the level names in stepping order. It assumes Validate passed.
func (c *Config) Order() []string {
	order, _ := hnm.ValidateLevels(c.Hierarchy.Levels)
	return order
}

// TickInterval returns the period between ticks.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.Runtime.TickRateHz)
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
