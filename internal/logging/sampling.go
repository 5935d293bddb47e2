package logging

import (
	"sort"

	"go.uber.org/zap/zapcore"
)

// newSampledCore wraps core with per-level sampling. Each level listed in
// cfg.Levels gets its own sampler; levels not listed pass through unsampled.
// Error and above are never sampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	sampled := make([]zapcore.Level, 0, len(cfg.Levels))
	for level := range cfg.Levels {
		if level < zapcore.ErrorLevel {
			sampled = append(sampled, level)
		}
	}
	sort.Slice(sampled, func(i, j int) bool { return sampled[i] < sampled[j] })

	isSampled := func(l zapcore.Level) bool {
		_, ok := cfg.Levels[l]
		return ok && l < zapcore.ErrorLevel
	}

	cores := make([]zapcore.Core, 0, len(sampled)+1)
	cores = append(cores, &levelFilterCore{
		Core:  core,
		allow: func(l zapcore.Level) bool { return !isSampled(l) },
	})
	for _, level := range sampled {
		s := cfg.Levels[level]
		only := &levelFilterCore{
			Core:  core,
			allow: func(l zapcore.Level) bool { return l == level },
		}
		cores = append(cores, zapcore.NewSamplerWithOptions(only, cfg.Tick.Duration(), s.Initial, s.Thereafter))
	}
	return zapcore.NewTee(cores...)
}

// levelFilterCore admits only the levels allow accepts.
type levelFilterCore struct {
	zapcore.Core
	allow func(zapcore.Level) bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.allow(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

// With creates a child core that preserves level filtering.
func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{
		Core:  c.Core.With(fields),
		allow: c.allow,
	}
}
