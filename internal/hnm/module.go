package hnm

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// SensoryInput is the ForwardInput.BU key of a leaf level's raw input.
const SensoryInput = "sensory"

// ErrModuleDisposed is returned by ForwardStep after Dispose.
var ErrModuleDisposed = errors.New("module is disposed")

// ForwardInput is the per-tick input of a Module.
type ForwardInput struct {
	// BU maps bottom-up source names (or SensoryInput) to tensors.
	BU map[string]*tensor.Tensor
	// TD maps top-down source names to the previous tick's outputs.
	TD       map[string]*tensor.Tensor
	State    *MemoryState
	External *tensor.Tensor
	// Target, when set, replaces the self-generated training target.
	Target *tensor.Tensor
	// Detach makes the next state own private copies of its weights.
	Detach bool
}

// StepOutputs is the result of one ForwardStep.
type StepOutputs struct {
	// Retrieved is the prediction with shape [1,1,dim].
	Retrieved *tensor.Tensor
	NextState *MemoryState

	Anomaly      float64
	WeightChange float64
	BUNorm       float64
	TDNorm       float64
	ExtNorm      float64
	// GradNorm is the global gradient norm before clipping.
	GradNorm      float64
	Clipped       bool
	UpdateSkipped bool
}

type head struct {
	source string
	dim    int
	unit   *MemoryUnit
}

// Module is the neural memory module of one level. It owns the live working
// weights of the level and fixed random projection heads for its inputs.
type Module struct {
	backend *tensor.Backend
	cfg     LevelConfig
	params  NMMParams

	bu     []head
	td     []head
	ext    *MemoryUnit
	target *MemoryUnit
	memory *MemoryUnit

	opt    *adam
	lr, wd float64

	logger   *Logger
	metrics  *Metrics
	disposed bool
}

// NewModule builds the module for lc. sourceDims maps every level named in
// lc's bottom-up and top-down sources to its dim.
func NewModule(b *tensor.Backend, lc LevelConfig, sourceDims map[string]int, logger *Logger, metrics *Metrics) (*Module, error) {
	known := make(map[string]int, len(sourceDims)+1)
	for name := range sourceDims {
		known[name] = 0
	}
	known[lc.Name] = 0
	if errs := validateLevel(lc, known); len(errs) > 0 {
		return nil, fmt.Errorf("level %q: %w", lc.Name, errors.Join(errs...))
	}

	p := lc.NMM
	if p.Activation == "" {
		p.Activation = DefaultActivation
	}
	if p.ExternalSignalRole == "" {
		p.ExternalSignalRole = RoleNone
	}
	if logger == nil {
		logger = NewLogger(nil, false)
	}

	m := &Module{
		backend: b,
		cfg:     lc,
		params:  p,
		logger:  logger.forLevel(lc.Name, p.Verbose),
		metrics: metrics,
	}
	built := false
	defer func() {
		if !built {
			m.Dispose()
		}
	}()

	projection := func(in int) (*MemoryUnit, error) {
		return NewMemoryUnit(b, UnitConfig{InputDim: in, Depth: 1, OutputDim: lc.Dim, Activation: tensor.Linear})
	}
	heads := func(sources []string) ([]head, error) {
		var hs []head
		for _, src := range dedupe(sources) {
			dim := sourceDims[src]
			if src == lc.Name {
				dim = lc.Dim
			}
			u, err := projection(dim)
			if err != nil {
				return hs, fmt.Errorf("level %q: source %q: %w", lc.Name, src, err)
			}
			hs = append(hs, head{source: src, dim: dim, unit: u})
		}
		return hs, nil
	}

	var err error
	if lc.IsLeaf() {
		u, err := projection(lc.RawSensoryInputDim)
		if err != nil {
			return nil, fmt.Errorf("level %q: %w", lc.Name, err)
		}
		m.bu = []head{{source: SensoryInput, dim: lc.RawSensoryInputDim, unit: u}}
	} else if m.bu, err = heads(lc.BUSources); err != nil {
		return nil, err
	}
	if m.td, err = heads(lc.TDSources); err != nil {
		return nil, err
	}
	if m.target, err = projection(lc.Dim); err != nil {
		return nil, fmt.Errorf("level %q: %w", lc.Name, err)
	}
	if lc.External != nil {
		if m.ext, err = projection(lc.External.Dim); err != nil {
			return nil, fmt.Errorf("level %q: %w", lc.Name, err)
		}
	}
	m.memory, err = NewMemoryUnit(b, UnitConfig{
		InputDim:   lc.Dim,
		Depth:      p.Depth,
		Expansion:  p.Expansion,
		OutputDim:  lc.Dim,
		Activation: p.Activation,
	})
	if err != nil {
		return nil, fmt.Errorf("level %q: %w", lc.Name, err)
	}

	m.setLearningParams(p.LearningRate, p.WeightDecay)
	built = true
	return m, nil
}

// Name returns the level name.
func (m *Module) Name() string {
	return m.cfg.Name
}

// Config returns the level configuration.
func (m *Module) Config() LevelConfig {
	return m.cfg
}

// Training reports whether ForwardStep updates the weights.
func (m *Module) Training() bool {
	return m.opt != nil
}

// LearningParams returns the current learning rate and weight decay.
func (m *Module) LearningParams() (lr, wd float64) {
	return m.lr, m.wd
}

// Schema returns the parameter shapes of every stateful component.
func (m *Module) Schema() map[string][][]int {
	s := map[string][][]int{ComponentMemoryModel: m.memory.Schema()}
	if m.ext != nil {
		s[ComponentExtProjection] = m.ext.Schema()
	}
	return s
}

// InitialState returns a state with freshly initialised weights and
// SeqIndex 0.
func (m *Module) InitialState() *MemoryState {
	st := &MemoryState{
		LayerWeights: make(map[string][]*tensor.Tensor, 2),
		Optim:        OptimState{LR: m.lr, WD: m.wd},
		Detached:     true,
	}
	// draw order is fixed so a seeded backend yields the same weights
	st.LayerWeights[ComponentMemoryModel] = initParams(m.backend, m.memory.Schema())
	if m.ext != nil {
		st.LayerWeights[ComponentExtProjection] = initParams(m.backend, m.ext.Schema())
	}
	return st
}

// UpdateLearningParams changes the learning rate and weight decay. A zero
// learning rate disables training and drops the optimizer; a new positive
// rate starts a fresh optimizer. Weights are not touched.
func (m *Module) UpdateLearningParams(lr, wd float64) error {
	if !nonNegative(lr) || !nonNegative(wd) {
		return fmt.Errorf("level %q: %w: learning_rate and weight_decay must be >= 0", m.cfg.Name, ErrInvalidParams)
	}
	m.setLearningParams(lr, wd)
	return nil
}

func (m *Module) setLearningParams(lr, wd float64) {
	m.wd = wd
	switch {
	case lr == 0:
		m.opt.dispose()
		m.opt = nil
	case m.opt == nil || m.opt.lr != lr:
		m.opt.dispose()
		m.opt = newAdam(m.backend, lr, m.params.Beta1, m.params.Beta2, m.trainables())
	}
	m.lr = lr
}

// ForwardStep combines the inputs, predicts, and when training takes one
// optimizer step. Missing or malformed inputs are replaced by zeros; errors
// are returned only for an unusable State.
func (m *Module) ForwardStep(ctx context.Context, in ForwardInput) (*StepOutputs, error) {
	if m.disposed {
		return nil, ErrModuleDisposed
	}
	if in.State.Disposed() {
		return nil, fmt.Errorf("level %q: %w", m.cfg.Name, ErrNilState)
	}

	ctx, span := StartSpan(ctx, "hnm.Module.ForwardStep", m.cfg.Name)
	defer span.End()

	arena := m.backend.NewArena()
	defer arena.Release()

	if err := m.load(in.State); err != nil {
		return nil, fmt.Errorf("level %q: %w", m.cfg.Name, err)
	}

	out := &StepOutputs{}
	combinedBU := m.combine(ctx, "bu", m.bu, in.BU)
	combinedTD := m.combine(ctx, "td", m.td, in.TD)
	out.BUNorm = combinedBU.Norm()
	out.TDNorm = combinedTD.Norm()

	role := m.params.ExternalSignalRole
	var projExt *tensor.Tensor
	if m.ext != nil {
		x := m.signal(ctx, "external", m.cfg.External.SourceSignalName, in.External, m.cfg.External.Dim)
		projExt = m.ext.Forward(x)
		out.ExtNorm = projExt.Norm()
	}

	targetBase := combinedBU
	if role == RoleAddToBU {
		targetBase = tensor.Add(combinedBU, projExt)
	}
	target := m.target.Forward(targetBase)
	if role == RoleAddToTarget {
		target = tensor.Add(target, projExt)
	}
	selfTarget := true
	if in.Target != nil {
		if t, ok := m.supervisedTarget(ctx, in.Target); ok {
			target, selfTarget = t, false
		}
	}

	input := tensor.Add(combinedBU, combinedTD)
	if role == RoleAddToBU || role == RoleAddToTD {
		tensor.AddInto(input, projExt)
	}
	prediction := m.memory.Forward(input)

	var l2 float64
	for _, k := range m.kernels() {
		l2 += tensor.SumSquares(k)
	}
	out.Anomaly = tensor.MSE(target, prediction) + m.wd/2*l2

	if m.opt != nil {
		m.train(ctx, out, in.State.SeqIndex, prediction, target, selfTarget)
	}

	retrieved, err := prediction.Reshape(1, 1, m.cfg.Dim)
	if err != nil {
		return nil, fmt.Errorf("level %q: %w", m.cfg.Name, err)
	}
	out.Retrieved = retrieved.Keep()
	out.NextState = m.nextState(in.State.SeqIndex+1, in.Detach)

	span.SetAttributes(
		attribute.Int("hnm.seq_index", in.State.SeqIndex),
		attribute.Float64("hnm.anomaly", out.Anomaly),
		attribute.Float64("hnm.weight_change", out.WeightChange),
		attribute.Bool("hnm.update_skipped", out.UpdateSkipped),
	)
	m.metrics.RecordLevel(ctx, m.cfg.Name, out.Anomaly, out.WeightChange)
	return out, nil
}

func (m *Module) train(ctx context.Context, out *StepOutputs, seq int, prediction, target *tensor.Tensor, selfTarget bool) {
	vars := m.trainables()
	if len(vars) == 0 {
		return
	}
	grads := make([]*tensor.Tensor, len(vars))
	for i, v := range vars {
		grads[i] = m.backend.Zeros(v.Shape()...)
	}
	nMem := len(m.memory.TrainableVariables())

	// d/dp mean((p-t)^2) = 2(p-t)/n
	dPred := tensor.Sub(prediction, target)
	tensor.ScaleInto(dPred, 2/float64(dPred.Size()))
	dInput := m.memory.Backward(dPred, grads[:nMem])

	if m.ext != nil {
		role := m.params.ExternalSignalRole
		dExt := m.backend.Zeros(m.cfg.Dim)
		if role == RoleAddToBU || role == RoleAddToTD {
			tensor.AddInto(dExt, dInput)
		}
		if selfTarget {
			dTarget := tensor.Scale(dPred, -1)
			switch role {
			case RoleAddToTarget:
				tensor.AddInto(dExt, dTarget)
			case RoleAddToBU:
				tensor.AddInto(dExt, m.target.Backward(dTarget, nil))
			}
		}
		m.ext.Backward(dExt, grads[nMem:])
	}

	if m.wd > 0 {
		for i, v := range vars {
			if v.Rank() == 2 {
				tensor.AddScaledInto(grads[i], m.wd, v)
			}
		}
	}

	norm := tensor.GlobalNorm(grads)
	out.GradNorm = norm
	if !finite(out.Anomaly) || !finite(norm) {
		out.UpdateSkipped = true
		m.logger.UpdateSkipped(ctx, seq, out.Anomaly, norm)
		m.metrics.RecordUpdateSkipped(ctx, m.cfg.Name)
		return
	}
	if out.Clipped = tensor.ClipByGlobalNorm(grads, m.params.MaxGradNorm, norm); out.Clipped {
		m.metrics.RecordGradClipped(ctx, m.cfg.Name)
	}

	before := make([]*tensor.Tensor, len(vars))
	for i, v := range vars {
		before[i] = v.Share()
	}
	m.opt.apply(vars, grads)

	var sq float64
	for i, v := range vars {
		d := tensor.Distance(before[i], v)
		sq += d * d
	}
	out.WeightChange = math.Sqrt(sq)
}

// combine projects each declared input through its head and sums the
// projections into a [dim] tensor.
func (m *Module) combine(ctx context.Context, kind string, heads []head, inputs map[string]*tensor.Tensor) *tensor.Tensor {
	sum := m.backend.Zeros(m.cfg.Dim)
	for _, h := range heads {
		x := m.signal(ctx, kind, h.source, inputs[h.source], h.dim)
		tensor.AddInto(sum, h.unit.Forward(x))
	}
	return sum
}

// signal returns t when it is usable as a dim-wide input and a zero tensor
// otherwise.
func (m *Module) signal(ctx context.Context, kind, source string, t *tensor.Tensor, dim int) *tensor.Tensor {
	var reason string
	switch {
	case t.Disposed():
		reason = "missing"
	case !vectorShaped(t, dim):
		reason = fmt.Sprintf("shape %v", t.Shape())
	case !t.IsFinite():
		reason = "non-finite values"
	default:
		return t
	}
	m.logger.SignalZeroFilled(ctx, kind, source, reason, dim)
	m.metrics.RecordZeroFill(ctx, m.cfg.Name, kind)
	return m.backend.Zeros(dim)
}

// vectorShaped accepts [dim] and the [1,1,dim] layout outputs use.
func vectorShaped(t *tensor.Tensor, dim int) bool {
	return t.HasShape(dim) || t.HasShape(1, 1, dim)
}

func (m *Module) supervisedTarget(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, bool) {
	switch {
	case t.Disposed():
		m.logger.TargetIgnored(ctx, "disposed")
	case !vectorShaped(t, m.cfg.Dim):
		m.logger.TargetIgnored(ctx, fmt.Sprintf("shape %v, want %d elements", t.Shape(), m.cfg.Dim))
	case !t.IsFinite():
		m.logger.TargetIgnored(ctx, "non-finite values")
	default:
		return t, true
	}
	return nil, false
}

// load shares the state's weights into the live units.
func (m *Module) load(st *MemoryState) error {
	if err := m.memory.SetWeights(st.LayerWeights[ComponentMemoryModel]); err != nil {
		return fmt.Errorf("%s: %w", ComponentMemoryModel, err)
	}
	if m.ext != nil {
		if err := m.ext.SetWeights(st.LayerWeights[ComponentExtProjection]); err != nil {
			return fmt.Errorf("%s: %w", ComponentExtProjection, err)
		}
	}
	return nil
}

func (m *Module) nextState(seq int, detach bool) *MemoryState {
	st := &MemoryState{
		SeqIndex:     seq,
		LayerWeights: make(map[string][]*tensor.Tensor, 2),
		Optim:        OptimState{LR: m.lr, WD: m.wd},
		Detached:     detach,
	}
	st.LayerWeights[ComponentMemoryModel] = snapshot(m.memory, detach)
	if m.ext != nil {
		st.LayerWeights[ComponentExtProjection] = snapshot(m.ext, detach)
	}
	return st
}

func snapshot(u *MemoryUnit, detach bool) []*tensor.Tensor {
	if !detach {
		return u.Weights()
	}
	params := u.TrainableVariables()
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Clone().Keep()
	}
	return out
}

func (m *Module) trainables() []*tensor.Tensor {
	vars := append([]*tensor.Tensor(nil), m.memory.TrainableVariables()...)
	if m.ext != nil {
		vars = append(vars, m.ext.TrainableVariables()...)
	}
	return vars
}

func (m *Module) kernels() []*tensor.Tensor {
	ks := m.memory.Kernels()
	if m.ext != nil {
		ks = append(ks, m.ext.Kernels()...)
	}
	return ks
}

// Dispose releases the module's weights, heads and optimizer. Repeated calls
// are no-ops.
func (m *Module) Dispose() {
	if m == nil || m.disposed {
		return
	}
	m.disposed = true
	for _, h := range m.bu {
		h.unit.Dispose()
	}
	for _, h := range m.td {
		h.unit.Dispose()
	}
	m.ext.Dispose()
	m.target.Dispose()
	m.memory.Dispose()
	m.opt.dispose()
	m.opt = nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
