package hnm

import (
	"fmt"
	"math"

	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// UnitConfig sizes a MemoryUnit.
type UnitConfig struct {
	InputDim   int
	Depth      int
	Expansion  float64
	OutputDim  int // used only when Depth is 1
	Activation tensor.Activation
}

// OutDim returns the width of the unit's output.
func (c UnitConfig) OutDim() int {
	switch c.Depth {
	case 0:
		return c.InputDim
	case 1:
		return c.OutputDim
	default:
		return c.InputDim
	}
}

// Schema returns the shapes of the unit's parameters in Weights order:
// kernel [in,out] then bias [out] for each layer.
func (c UnitConfig) Schema() [][]int {
	if c.Depth <= 0 {
		return nil
	}
	if c.Depth == 1 {
		return [][]int{{c.InputDim, c.OutputDim}, {c.OutputDim}}
	}
	hidden := int(math.Round(float64(c.InputDim) * c.Expansion))
	if hidden < 1 {
		hidden = 1
	}
	widths := make([]int, 0, c.Depth+1)
	widths = append(widths, c.InputDim)
	for i := 0; i < c.Depth-1; i++ {
		widths = append(widths, hidden)
	}
	widths = append(widths, c.InputDim)

	schema := make([][]int, 0, 2*c.Depth)
	for i := 0; i < c.Depth; i++ {
		schema = append(schema, []int{widths[i], widths[i+1]}, []int{widths[i+1]})
	}
	return schema
}

func (c UnitConfig) validate() error {
	if c.InputDim <= 0 {
		return fmt.Errorf("input dim %d: %w", c.InputDim, ErrInvalidDim)
	}
	if c.Depth < 0 {
		return fmt.Errorf("%w: depth must be >= 0", ErrInvalidParams)
	}
	if c.Depth == 1 && c.OutputDim <= 0 {
		return fmt.Errorf("output dim %d: %w", c.OutputDim, ErrInvalidDim)
	}
	if c.Depth >= 2 && !(c.Expansion > 0) {
		return fmt.Errorf("%w: expansion must be > 0", ErrInvalidParams)
	}
	if c.Activation != "" && !c.Activation.Valid() {
		return fmt.Errorf("%w: unknown activation %q", ErrInvalidParams, c.Activation)
	}
	return nil
}

// initParams allocates Glorot-uniform kernels and zero biases for schema.
// The tensors are promoted out of any open arena.
func initParams(b *tensor.Backend, schema [][]int) []*tensor.Tensor {
	params := make([]*tensor.Tensor, len(schema))
	for i, shape := range schema {
		if len(shape) == 2 {
			params[i] = b.GlorotUniform(shape[0], shape[1]).Keep()
		} else {
			params[i] = b.Zeros(shape...).Keep()
		}
	}
	return params
}

type layerTrace struct {
	input *tensor.Tensor
	pre   *tensor.Tensor
}

// MemoryUnit is a small stack of affine layers with an activation between
// all but the last. With depth 0 it is the identity.
type MemoryUnit struct {
	backend  *tensor.Backend
	cfg      UnitConfig
	schema   [][]int
	params   []*tensor.Tensor
	trace    []layerTrace
	disposed bool
}

// NewMemoryUnit creates a unit with freshly initialised parameters.
func NewMemoryUnit(b *tensor.Backend, cfg UnitConfig) (*MemoryUnit, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Activation == "" {
		cfg.Activation = DefaultActivation
	}
	schema := cfg.Schema()
	return &MemoryUnit{
		backend: b,
		cfg:     cfg,
		schema:  schema,
		params:  initParams(b, schema),
	}, nil
}

// Config returns the unit's configuration.
func (u *MemoryUnit) Config() UnitConfig {
	return u.cfg
}

// Schema returns the parameter shapes in Weights order.
func (u *MemoryUnit) Schema() [][]int {
	return u.schema
}

// Forward applies the unit to x, which may have any shape of size InputDim.
// The result has shape [OutDim]. Intermediates are recorded for Backward and
// belong to the caller's arena.
func (u *MemoryUnit) Forward(x *tensor.Tensor) *tensor.Tensor {
	u.mustLive()
	if x.Size() != u.cfg.InputDim {
		panic(&tensor.ShapeError{Op: "MemoryUnit.Forward", Want: []int{u.cfg.InputDim}, Got: x.Shape()})
	}
	if len(u.params) == 0 {
		return x.Clone()
	}

	u.trace = u.trace[:0]
	layers := len(u.params) / 2
	h := x
	for i := 0; i < layers; i++ {
		z := tensor.Affine(h, u.params[2*i], u.params[2*i+1])
		u.trace = append(u.trace, layerTrace{input: h, pre: z})
		if i < layers-1 {
			h = tensor.Activate(u.cfg.Activation, z)
		} else {
			h = z
		}
	}
	return h
}

// Backward propagates dy through the most recent Forward call and returns the
// gradient with respect to its input. When grads is non-nil it must be
// aligned with Weights and parameter gradients are accumulated into it.
func (u *MemoryUnit) Backward(dy *tensor.Tensor, grads []*tensor.Tensor) *tensor.Tensor {
	u.mustLive()
	if len(u.params) == 0 {
		return dy.Clone()
	}
	if grads != nil && len(grads) != len(u.params) {
		panic(fmt.Sprintf("hnm: Backward got %d gradients for %d parameters", len(grads), len(u.params)))
	}
	layers := len(u.params) / 2
	if len(u.trace) != layers {
		panic("hnm: Backward called without a matching Forward")
	}

	for i := layers - 1; i >= 0; i-- {
		tr := u.trace[i]
		if i < layers-1 {
			dy = tensor.ActivateBackward(u.cfg.Activation, tr.pre, dy)
		}
		var dk, db *tensor.Tensor
		if grads != nil {
			dk, db = grads[2*i], grads[2*i+1]
		}
		dy = tensor.AffineBackward(tr.input, u.params[2*i], dy, dk, db)
	}
	return dy
}

// Weights returns copy-on-write handles onto the parameters, in layer order.
// The caller owns the returned tensors.
func (u *MemoryUnit) Weights() []*tensor.Tensor {
	u.mustLive()
	out := make([]*tensor.Tensor, len(u.params))
	for i, p := range u.params {
		out[i] = p.Share().Keep()
	}
	return out
}

// SetWeights replaces the parameters with copy-on-write handles onto ws. The
// caller keeps ownership of ws.
func (u *MemoryUnit) SetWeights(ws []*tensor.Tensor) error {
	u.mustLive()
	if err := checkSchema(u.schema, ws); err != nil {
		return err
	}
	for i, w := range ws {
		u.params[i].Dispose()
		u.params[i] = w.Share().Keep()
	}
	u.trace = u.trace[:0]
	return nil
}

// TrainableVariables returns the live parameter tensors. Writes through
// Mutable update the unit in place.
func (u *MemoryUnit) TrainableVariables() []*tensor.Tensor {
	u.mustLive()
	return u.params
}

// Kernels returns the rank-2 parameters.
func (u *MemoryUnit) Kernels() []*tensor.Tensor {
	u.mustLive()
	var ks []*tensor.Tensor
	for _, p := range u.params {
		if p.Rank() == 2 {
			ks = append(ks, p)
		}
	}
	return ks
}

// Dispose releases the parameters. Repeated calls are no-ops.
func (u *MemoryUnit) Dispose() {
	if u == nil || u.disposed {
		return
	}
	u.disposed = true
	for _, p := range u.params {
		p.Dispose()
	}
	u.params = nil
	u.trace = nil
}

func (u *MemoryUnit) mustLive() {
	if u.disposed {
		panic("hnm: use of disposed MemoryUnit")
	}
}

func checkSchema(schema [][]int, ws []*tensor.Tensor) error {
	if len(ws) != len(schema) {
		return fmt.Errorf("%w: got %d tensors, want %d", ErrWeightSchema, len(ws), len(schema))
	}
	for i, w := range ws {
		if w == nil || w.Disposed() {
			return fmt.Errorf("%w: tensor %d is nil or disposed", ErrWeightSchema, i)
		}
		if !w.HasShape(schema[i]...) {
			return fmt.Errorf("%w: tensor %d has shape %v, want %v", ErrWeightSchema, i, w.Shape(), schema[i])
		}
	}
	return nil
}
