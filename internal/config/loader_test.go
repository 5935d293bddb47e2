package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/hnm/internal/hnm"
	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

const testYAML = `
hierarchy:
  seed: 7
  levels:
    - name: L0
      dim: 4
      raw_sensory_input_dim: 3
      td_sources: [L1]
      nmm:
        depth: 0
        activation: tanh
    - name: L1
      dim: 2
      bu_sources: [L0]
      external:
        source_signal_name: reward
        dim: 1
runtime:
  tick_rate_hz: 20
publish:
  enabled: true
  nats:
    url: nats://127.0.0.1:4222
    token: s3cret
`

// writeConfig writes content to a 0600 file in a fresh temp dir.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadWithFile(t *testing.T) {
	cfg, err := LoadWithFile(writeConfig(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.Hierarchy.Seed)
	require.Len(t, cfg.Hierarchy.Levels, 2)
	assert.Equal(t, []string{"L0", "L1"}, cfg.Order())
	assert.Equal(t, "L1", cfg.Runtime.ResonantLevel, "resonant level defaults to the last level stepped")
	assert.Equal(t, 20.0, cfg.Runtime.TickRateHz)
	assert.Equal(t, 50*time.Millisecond, cfg.TickInterval())

	l0 := cfg.Hierarchy.Levels[0].NMM
	assert.Equal(t, 0, l0.Depth, "explicit zero depth is kept")
	assert.Equal(t, tensor.Tanh, l0.Activation)
	assert.Equal(t, hnm.DefaultExpansion, l0.Expansion)
	assert.Equal(t, hnm.DefaultLearningRate, l0.LearningRate)
	assert.Equal(t, hnm.RoleNone, l0.ExternalSignalRole)

	l1 := cfg.Hierarchy.Levels[1]
	require.NotNil(t, l1.External)
	assert.Equal(t, "reward", l1.External.SourceSignalName)
	assert.Equal(t, hnm.DefaultDepth, l1.NMM.Depth)
	assert.Equal(t, hnm.RoleAddToBU, l1.NMM.ExternalSignalRole)

	assert.Equal(t, "s3cret", cfg.Publish.NATS.Token.Value())
	assert.Equal(t, "hnm.state", cfg.Publish.Subject)
	assert.Equal(t, SourceSynthetic, cfg.Signals.Kind)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadWithFile_EnvOverrides(t *testing.T) {
	t.Setenv("HNM_RUNTIME_TICK_RATE_HZ", "50")
	t.Setenv("HNM_SERVER_HTTP_PORT", "8081")
	t.Setenv("HNM_PUBLISH_SUBJECT", "lab.state")
	t.Setenv("HNM_LOGGING_FORMAT", "console")
	t.Setenv("HNM_HIERARCHY_VERBOSE", "true")

	cfg, err := LoadWithFile(writeConfig(t, testYAML))
	require.NoError(t, err)

	assert.Equal(t, 50.0, cfg.Runtime.TickRateHz)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "lab.state", cfg.Publish.Subject)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.True(t, cfg.Hierarchy.Verbose)
}

func TestLoadWithFile_DefaultPathMayBeAbsent(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLevels(), cfg.Hierarchy.Levels)
	assert.Equal(t, "context", cfg.Runtime.ResonantLevel)
}

func TestLoadWithFile_Errors(t *testing.T) {
	t.Run("explicit path must exist", func(t *testing.T) {
		_, err := LoadWithFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("group writable file is rejected", func(t *testing.T) {
		path := writeConfig(t, testYAML)
		require.NoError(t, os.Chmod(path, 0664))
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("oversized file is rejected", func(t *testing.T) {
		path := writeConfig(t, "# "+strings.Repeat("x", maxConfigFileSize))
		_, err := LoadWithFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("directory is rejected", func(t *testing.T) {
		_, err := LoadWithFile(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a regular file")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := LoadWithFile(writeConfig(t, "hierarchy: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("invalid hierarchy", func(t *testing.T) {
		path := writeConfig(t, `
hierarchy:
  levels:
    - name: L0
      dim: 4
      td_sources: [ghost]
`)
		_, err := LoadWithFile(path)
		assert.ErrorIs(t, err, hnm.ErrMissingSensoryDim)
		assert.ErrorIs(t, err, hnm.ErrUnknownSource)
	})

	t.Run("negative duration", func(t *testing.T) {
		_, err := LoadWithFile(writeConfig(t, "server:\n  shutdown_timeout: -5s\n"))
		assert.Error(t, err)
	})
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"HNM_RUNTIME_TICK_RATE_HZ": "runtime.tick_rate_hz",
		"HNM_SERVER_HTTP_PORT":     "server.http_port",
		"HNM_SIGNALS_KIND":         "signals.kind",
		"HNM_VERBOSE":              "verbose",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
