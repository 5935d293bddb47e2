package hnm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// Options configures a System.
type Options struct {
	// Verbose raises recoverable per-tick warnings from Debug to Warn.
	Verbose bool
	Logger  *zap.Logger
	Metrics *Metrics
}

// StepInput is the per-tick input of a System.
type StepInput struct {
	// States holds one state per level in configuration order.
	States []*MemoryState
	// PreviousOutputs are last tick's Retrieved values, used as top-down input.
	PreviousOutputs map[string]*tensor.Tensor
	// Sensory maps leaf level names to raw input.
	Sensory map[string]*tensor.Tensor
	// External maps external signal names to tensors.
	External map[string]*tensor.Tensor
	Detach   bool
	// TrainingTargets optionally overrides the target of individual levels.
	TrainingTargets map[string]*tensor.Tensor
}

// StepResult holds every level's outputs for one tick.
type StepResult struct {
	Retrieved     map[string]*tensor.Tensor
	NextStates    []*MemoryState
	Anomalies     map[string]float64
	WeightChanges map[string]float64
	BUNorms       map[string]float64
	TDNorms       map[string]float64
	ExtNorms      map[string]float64
	GradNorms     map[string]float64
	Skipped       map[string]bool
}

func newStepResult(n int) *StepResult {
	return &StepResult{
		Retrieved:     make(map[string]*tensor.Tensor, n),
		NextStates:    make([]*MemoryState, n),
		Anomalies:     make(map[string]float64, n),
		WeightChanges: make(map[string]float64, n),
		BUNorms:       make(map[string]float64, n),
		TDNorms:       make(map[string]float64, n),
		ExtNorms:      make(map[string]float64, n),
		GradNorms:     make(map[string]float64, n),
		Skipped:       make(map[string]bool, n),
	}
}

// Dispose releases the Retrieved tensors. NextStates are owned separately;
// release them with DisposeStates.
func (r *StepResult) Dispose() {
	if r == nil {
		return
	}
	for _, t := range r.Retrieved {
		t.Dispose()
	}
}

// System is the hierarchical memory: one Module per level, stepped in
// dependency order.
type System struct {
	backend *tensor.Backend
	levels  []LevelConfig
	order   []string
	index   map[string]int
	modules []*Module

	logger   *Logger
	metrics  *Metrics
	disposed bool
}

// NewSystem validates levels and builds a module for each. Configuration
// errors name the offending level.
func NewSystem(b *tensor.Backend, levels []LevelConfig, opts Options) (*System, error) {
	order, err := ValidateLevels(levels)
	if err != nil {
		return nil, err
	}

	s := &System{
		backend: b,
		levels:  append([]LevelConfig(nil), levels...),
		order:   order,
		index:   make(map[string]int, len(levels)),
		modules: make([]*Module, len(levels)),
		logger:  NewLogger(opts.Logger, opts.Verbose),
		metrics: opts.Metrics,
	}
	dims := make(map[string]int, len(levels))
	for i, lc := range levels {
		s.index[lc.Name] = i
		dims[lc.Name] = lc.Dim
	}

	for i, lc := range levels {
		sourceDims := make(map[string]int, len(lc.BUSources)+len(lc.TDSources))
		for _, src := range lc.BUSources {
			sourceDims[src] = dims[src]
		}
		for _, src := range lc.TDSources {
			sourceDims[src] = dims[src]
		}
		m, err := NewModule(b, lc, sourceDims, s.logger, s.metrics)
		if err != nil {
			s.Dispose()
			return nil, err
		}
		s.modules[i] = m
	}

	s.logger.SystemBuilt(context.Background(), len(levels), order)
	return s, nil
}

// Levels returns the level configurations in declaration order.
func (s *System) Levels() []LevelConfig {
	return append([]LevelConfig(nil), s.levels...)
}

// Order returns level names in the order they are stepped.
func (s *System) Order() []string {
	return append([]string(nil), s.order...)
}

// Level returns the module for name.
func (s *System) Level(name string) (*Module, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.modules[i], true
}

// InitialStates returns a fresh state per level in declaration order.
func (s *System) InitialStates() []*MemoryState {
	states := make([]*MemoryState, len(s.modules))
	for i, m := range s.modules {
		states[i] = m.InitialState()
	}
	return states
}

// Step advances every level by one tick. Missing signals are zero-filled;
// an error is returned only when in.States is unusable or the system is
// disposed. On error nothing is returned and in.States is left untouched.
func (s *System) Step(ctx context.Context, in StepInput) (*StepResult, error) {
	if s.disposed {
		return nil, ErrSystemDisposed
	}
	if len(in.States) != len(s.modules) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrStateCount, len(in.States), len(s.modules))
	}
	for i, st := range in.States {
		if st.Disposed() {
			return nil, fmt.Errorf("level %q: %w", s.levels[i].Name, ErrNilState)
		}
	}

	start := time.Now()
	ctx, span := Tracer().Start(ctx, "hnm.System.Step")
	defer span.End()

	res := newStepResult(len(s.modules))
	for _, name := range s.order {
		i := s.index[name]
		lc := s.levels[i]

		fi := ForwardInput{
			BU:     make(map[string]*tensor.Tensor, len(lc.BUSources)),
			TD:     make(map[string]*tensor.Tensor, len(lc.TDSources)),
			State:  in.States[i],
			Detach: in.Detach,
		}
		if lc.IsLeaf() {
			fi.BU[SensoryInput] = in.Sensory[name]
		}
		for _, src := range lc.BUSources {
			fi.BU[src] = res.Retrieved[src]
		}
		for _, src := range lc.TDSources {
			fi.TD[src] = in.PreviousOutputs[src]
		}
		if lc.External != nil {
			fi.External = in.External[lc.External.SourceSignalName]
		}
		if in.TrainingTargets != nil {
			fi.Target = in.TrainingTargets[name]
		}

		out, err := s.modules[i].ForwardStep(ctx, fi)
		if err != nil {
			res.Dispose()
			DisposeStates(res.NextStates)
			span.RecordError(err)
			span.SetStatus(codes.Error, "step failed")
			return nil, err
		}
		res.Retrieved[name] = out.Retrieved
		res.NextStates[i] = out.NextState
		res.Anomalies[name] = out.Anomaly
		res.WeightChanges[name] = out.WeightChange
		res.BUNorms[name] = out.BUNorm
		res.TDNorms[name] = out.TDNorm
		res.ExtNorms[name] = out.ExtNorm
		res.GradNorms[name] = out.GradNorm
		res.Skipped[name] = out.UpdateSkipped
	}

	span.SetAttributes(attribute.Int("hnm.levels", len(s.modules)))
	s.metrics.RecordStep(ctx, time.Since(start))
	return res, nil
}

// SetLearningParameters applies lr and wd to every level.
func (s *System) SetLearningParameters(lr, wd float64) error {
	if s.disposed {
		return ErrSystemDisposed
	}
	if !nonNegative(lr) || !nonNegative(wd) {
		return fmt.Errorf("%w: learning_rate and weight_decay must be >= 0", ErrInvalidParams)
	}
	for _, m := range s.modules {
		m.setLearningParams(lr, wd)
	}
	s.logger.LearningParamsChanged(context.Background(), lr, wd, lr > 0)
	return nil
}

// Dispose releases every module. Repeated calls are no-ops.
func (s *System) Dispose() {
	if s == nil || s.disposed {
		return
	}
	s.disposed = true
	for _, m := range s.modules {
		m.Dispose()
	}
}
