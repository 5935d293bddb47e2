package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/hnm/internal/config"
)

func TestSampledCore(t *testing.T) {
	core, logs := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.WarnLevel:  {Initial: 2, Thereafter: 0},
			zapcore.ErrorLevel: {Initial: 1, Thereafter: 0},
		},
	})
	l := zap.New(sampled)

	for i := 0; i < 5; i++ {
		l.Warn("signal zero-filled")
		l.Error("update skipped")
		l.Info("tick")
	}

	assert.Equal(t, 2, logs.FilterMessage("signal zero-filled").Len(), "warnings are sampled")
	assert.Equal(t, 5, logs.FilterMessage("update skipped").Len(), "errors are never sampled")
	assert.Equal(t, 5, logs.FilterMessage("tick").Len(), "unlisted levels pass through")
}

func TestSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Same(t, core, newSampledCore(core, SamplingConfig{}))
}

func TestSampledCore_WithKeepsFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels:  map[zapcore.Level]LevelSamplingConfig{zapcore.DebugLevel: {Initial: 1}},
	})
	l := zap.New(sampled).With(zap.String("level", "L0"))
	l.Debug("repeat")
	l.Debug("repeat")

	entries := logs.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, "L0", entries[0].ContextMap()["level"])
}

func TestSampledCore_EachLevelKeepsItsOwnBudget(t *testing.T) {
	core, logs := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.DebugLevel: {Initial: 1},
			zapcore.InfoLevel:  {Initial: 3},
		},
	})
	l := zap.New(sampled)

	for i := 0; i < 6; i++ {
		l.Debug("step")
		l.Info("tick")
	}

	assert.Equal(t, 1, logs.FilterMessage("step").Len())
	assert.Equal(t, 3, logs.FilterMessage("tick").Len())
	assert.Equal(t, 4, logs.Len(), "no level is emitted by another level's sampler")
}
