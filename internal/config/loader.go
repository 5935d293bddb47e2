package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/hnm/internal/hnm"
	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "HNM_"
)

// DefaultPath returns ~/.config/hnm/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "hnm", "config.yaml"), nil
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (HNM_RUNTIME_TICK_RATE_HZ, HNM_SIGNALS_KIND, etc.)
//  2. YAML config file
//  3. Hardcoded defaults
//
// An empty configPath means DefaultPath, which may be absent. An explicit path
// must exist.
//
// The file must not be group or world writable and must be at most 1MB.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the rest is split on its first underscore:
//
//	HNM_RUNTIME_TICK_RATE_HZ -> runtime.tick_rate_hz
//	HNM_SERVER_HTTP_PORT     -> server.http_port
//	HNM_HIERARCHY_SEED       -> hierarchy.seed
//
// Nested sections and the level list cannot be set from the environment.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	required := configPath != ""
	if !required {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	content, err := readConfigFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !required:
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyLevelDefaults(k, cfg.Hierarchy.Levels)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps HNM_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigFileSize)
	}
	return content, nil
}

// validateConfigFileProperties checks file type, permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("config path is not a regular file: %s", info.Name())
	}

	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if len(cfg.Hierarchy.Levels) == 0 {
		cfg.Hierarchy.Levels = DefaultLevels()
	}

	if cfg.Runtime.TickRateHz == 0 {
		cfg.Runtime.TickRateHz = 10
	}
	if cfg.Runtime.ResonantLevel == "" {
		if order, err := hnm.ValidateLevels(cfg.Hierarchy.Levels); err == nil {
			cfg.Runtime.ResonantLevel = order[len(order)-1]
		}
	}

	if cfg.Signals.Kind == "" {
		cfg.Signals.Kind = SourceSynthetic
	}
	if cfg.Signals.Synthetic.Amplitude == 0 {
		cfg.Signals.Synthetic.Amplitude = 1
	}
	if cfg.Signals.Synthetic.Period == 0 {
		cfg.Signals.Synthetic.Period = 64
	}
	applyNATSDefaults(&cfg.Signals.NATS)

	if cfg.Publish.Subject == "" {
		cfg.Publish.Subject = "hnm.state"
	}
	applyNATSDefaults(&cfg.Publish.NATS)

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "hnm"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(15 * time.Second)
	}
}

func applyNATSDefaults(n *NATSConfig) {
	if n.SubjectPrefix == "" {
		n.SubjectPrefix = "hnm"
	}
	if n.Timeout == 0 {
		n.Timeout = Duration(5 * time.Second)
	}
}

// applyLevelDefaults fills the memory parameters a level leaves out of the
// file. Presence is decided from the raw document because zero is a
// meaningful value for several of them (depth 0 is an identity memory).
func applyLevelDefaults(k *koanf.Koanf, levels []hnm.LevelConfig) {
	raw, _ := k.Get("hierarchy.levels").([]interface{})
	def := hnm.DefaultNMMParams()

	// levels beyond the raw list came from DefaultLevels and are complete
	for i := 0; i < len(levels) && i < len(raw); i++ {
		var nmm map[string]interface{}
		if m, ok := raw[i].(map[string]interface{}); ok {
			nmm, _ = m["nmm"].(map[string]interface{})
		}
		has := func(key string) bool {
			_, ok := nmm[key]
			return ok
		}

		p := &levels[i].NMM
		if !has("depth") {
			p.Depth = def.Depth
		}
		if !has("expansion") {
			p.Expansion = def.Expansion
		}
		if !has("activation") {
			p.Activation = def.Activation
		}
		if !has("learning_rate") {
			p.LearningRate = def.LearningRate
		}
		if !has("beta1") {
			p.Beta1 = def.Beta1
		}
		if !has("beta2") {
			p.Beta2 = def.Beta2
		}
		if !has("max_grad_norm") {
			p.MaxGradNorm = def.MaxGradNorm
		}
		if !has("external_signal_role") {
			if levels[i].External != nil {
				p.ExternalSignalRole = hnm.RoleAddToBU
			} else {
				p.ExternalSignalRole = hnm.RoleNone
			}
		}
	}
}

// DefaultLevels returns the two-level hierarchy used when the file defines none:
// a sensory leaf with top-down context from a parent that learns from a
// reward signal.
func DefaultLevels() []hnm.LevelConfig {
	leafParams := hnm.DefaultNMMParams()
	leafParams.Activation = tensor.GELU

	ctxParams := hnm.DefaultNMMParams()
	ctxParams.ExternalSignalRole = hnm.RoleAddToTarget

	return []hnm.LevelConfig{
		{
			Name:               "sensors",
			Dim:                16,
			RawSensoryInputDim: 8,
			TDSources:          []string{"context"},
			NMM:                leafParams,
		},
		{
			Name:      "context",
			Dim:       8,
			BUSources: []string{"sensors"},
			External:  &hnm.ExternalInputConfig{SourceSignalName: "reward", Dim: 2},
			NMM:       ctxParams,
		},
	}
}
