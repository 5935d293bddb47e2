package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/hnm/internal/config"
	"github.com/fyrsmithlabs/hnm/internal/loop"
)

const testConfig = `
hierarchy:
  seed: 3
  levels:
    - name: L0
      dim: 4
      raw_sensory_input_dim: 4
      td_sources: [L1]
    - name: L1
      dim: 4
      bu_sources: [L0]
publish:
  nats:
    token: hunter2
logging:
  level: warn
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hnm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
		assert.NotEmpty(t, cmd.Short, cmd.Name())
	}
	for _, want := range []string{"run", "validate", "config", "replay", "version"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestValidateCmd(t *testing.T) {
	out, err := execute(t, "", "validate", "--config", writeTestConfig(t, testConfig))
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid")
	assert.Contains(t, out, "order: L0 -> L1")
	assert.Contains(t, out, "resonant level: L1")
	assert.Contains(t, out, "bu(L0)")
}

func TestValidateCmd_InvalidConfig(t *testing.T) {
	path := writeTestConfig(t, `
hierarchy:
  levels:
    - name: A
      dim: 2
      bu_sources: [B]
    - name: B
      dim: 2
      bu_sources: [A]
`)
	_, err := execute(t, "", "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hierarchy")
}

func TestConfigCmd_RedactsSecrets(t *testing.T) {
	out, err := execute(t, "", "config", "--config", writeTestConfig(t, testConfig))
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "[REDACTED]")

	var dumped map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &dumped))
	runtime := dumped["runtime"].(map[string]interface{})
	assert.Equal(t, "L1", runtime["resonant_level"])
	server := dumped["server"].(map[string]interface{})
	assert.Equal(t, "10s", server["shutdown_timeout"])
}

func TestReplayCmd(t *testing.T) {
	var input strings.Builder
	for i := 0; i < 4; i++ {
		rec := loop.Record{
			Sensory: map[string][]float64{"L0": {float64(i), 0.5, -0.5, 1}},
			Targets: map[string][]float64{"L1": {0.1, 0.2, 0.3, 0.4}},
		}
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		input.Write(data)
		input.WriteString("\n")
	}

	out, err := execute(t, input.String(), "replay", "--config", writeTestConfig(t, testConfig), "--input", "-", "--epochs", "3")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "epoch 1\tmean_anomaly "))
	assert.True(t, strings.HasPrefix(lines[2], "epoch 3\tmean_anomaly "))
}

func TestReplayCmd_Errors(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	_, err := execute(t, "", "replay", "--config", path)
	assert.Error(t, err, "--input is required")

	_, err = execute(t, "", "replay", "--config", path, "--input", "-", "--epochs", "0")
	assert.Error(t, err)

	_, err = execute(t, "", "replay", "--config", path, "--input", filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)

	_, err = execute(t, "", "replay", "--config", path, "--input", "-")
	assert.ErrorIs(t, err, loop.ErrNoRecords)
}

func TestLearningState_Merge(t *testing.T) {
	s := &learningState{lr: 1e-3, wd: 0}
	lr := 0.05
	gotLR, gotWD := s.merge(config.LearningConfig{LearningRate: &lr})
	assert.Equal(t, 0.05, gotLR)
	assert.Equal(t, 0.0, gotWD)

	wd := 0.01
	gotLR, gotWD = s.merge(config.LearningConfig{WeightDecay: &wd})
	assert.Equal(t, 0.05, gotLR, "earlier override is kept")
	assert.Equal(t, 0.01, gotWD)
}

func TestBuildSystem_AppliesLearningOverride(t *testing.T) {
	lr := 0.25
	cfg, err := config.LoadWithFile(writeTestConfig(t, testConfig))
	require.NoError(t, err)
	cfg.Runtime.Learning.LearningRate = &lr

	logger, tel, err := initObservability(t.Context(), cfg, &bytes.Buffer{})
	require.NoError(t, err)

	_, sys, state, err := buildSystem(cfg, logger, tel)
	require.NoError(t, err)
	defer sys.Dispose()

	for _, name := range sys.Order() {
		m, _ := sys.Level(name)
		got, wd := m.LearningParams()
		assert.Equal(t, 0.25, got, name)
		assert.Equal(t, 0.0, wd, name)
	}
	assert.Equal(t, 0.25, state.lr)
}
