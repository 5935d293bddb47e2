// Package signals provides the sensory and external inputs of the memory
// hierarchy: a deterministic synthetic generator and a NATS subscriber.
package signals

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/hnm/internal/config"
	"github.com/fyrsmithlabs/hnm/internal/hnm"
	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// Frame is one tick's worth of input. The caller owns every tensor.
type Frame struct {
	// Sensory maps leaf level names to raw input.
	Sensory map[string]*tensor.Tensor
	// External maps external signal names to values.
	External map[string]*tensor.Tensor
}

// Dispose releases every tensor in the frame.
func (f Frame) Dispose() {
	for _, t := range f.Sensory {
		t.Dispose()
	}
	for _, t := range f.External {
		t.Dispose()
	}
}

// Source produces a Frame per tick. Signals a source cannot provide are left
// out of the frame; the hierarchy zero-fills them.
type Source interface {
	Read(ctx context.Context, b *tensor.Backend, tick uint64) (Frame, error)
	Close() error
}

// Spec lists the signals a hierarchy consumes and their sizes.
type Spec struct {
	Sensory  map[string]int
	External map[string]int
}

// SpecFromLevels derives the Spec of a level set. Levels sharing an external
// signal must agree on its size; the first declaration wins otherwise.
func SpecFromLevels(levels []hnm.LevelConfig) Spec {
	spec := Spec{Sensory: map[string]int{}, External: map[string]int{}}
	for _, lc := range levels {
		if lc.IsLeaf() {
			spec.Sensory[lc.Name] = lc.RawSensoryInputDim
		}
		if lc.External != nil {
			if _, ok := spec.External[lc.External.SourceSignalName]; !ok {
				spec.External[lc.External.SourceSignalName] = lc.External.Dim
			}
		}
	}
	return spec
}

// FromConfig opens the source selected by cfg.Kind. A NATS source owns the
// connection it opens.
func FromConfig(cfg config.SignalsConfig, levels []hnm.LevelConfig, seed int64, logger *zap.Logger) (Source, error) {
	spec := SpecFromLevels(levels)
	switch cfg.Kind {
	case config.SourceSynthetic, "":
		return NewSynthetic(spec, cfg.Synthetic, seed), nil
	case config.SourceNATS:
		nc, err := Connect(cfg.NATS, "hnm-signals", logger)
		if err != nil {
			return nil, err
		}
		src, err := NewNATSSource(nc, cfg.NATS.SubjectPrefix, spec, logger)
		if err != nil {
			nc.Close()
			return nil, err
		}
		src.ownsConn = true
		return src, nil
	default:
		return nil, fmt.Errorf("unknown signal source %q", cfg.Kind)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
