package signals

import (
	"context"
	"math"
	"math/rand"

	"github.com/fyrsmithlabs/hnm/internal/config"
	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// Synthetic generates phase-shifted oscillations for every leaf and slower
// ones for every external signal, plus optional Gaussian noise. The same
// seed and tick sequence always yield the same frames.
type Synthetic struct {
	spec     Spec
	cfg      config.SyntheticConfig
	rng      *rand.Rand
	sensory  []string
	external []string
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(spec Spec, cfg config.SyntheticConfig, seed int64) *Synthetic {
	if cfg.Period <= 0 {
		cfg.Period = 64
	}
	return &Synthetic{
		spec:     spec,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)),
		sensory:  sortedKeys(spec.Sensory),
		external: sortedKeys(spec.External),
	}
}

// Read returns the frame for tick.
func (s *Synthetic) Read(ctx context.Context, b *tensor.Backend, tick uint64) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Sensory:  make(map[string]*tensor.Tensor, len(s.sensory)),
		External: make(map[string]*tensor.Tensor, len(s.external)),
	}
	phase := 2 * math.Pi * float64(tick) / s.cfg.Period

	for li, name := range s.sensory {
		dim := s.spec.Sensory[name]
		t := b.Zeros(1, 1, dim)
		data := t.Mutable()
		for i := range data {
			offset := 2 * math.Pi * float64(i) / float64(dim)
			v := math.Sin(phase+offset) + 0.5*math.Sin(2*phase+offset*float64(li+1))
			data[i] = s.cfg.Amplitude*v + s.noise()
		}
		f.Sensory[name] = t.Keep()
	}

	for _, name := range s.external {
		dim := s.spec.External[name]
		t := b.Zeros(1, 1, dim)
		data := t.Mutable()
		for i := range data {
			data[i] = math.Cos(phase/4+math.Pi*float64(i)/float64(dim)) + s.noise()
		}
		f.External[name] = t.Keep()
	}
	return f, nil
}

func (s *Synthetic) noise() float64 {
	if s.cfg.Noise == 0 {
		return 0
	}
	return s.cfg.Noise * s.rng.NormFloat64()
}

// Close is a no-op.
func (s *Synthetic) Close() error {
	return nil
}
