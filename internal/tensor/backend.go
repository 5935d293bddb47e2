package tensor

import (
	"math"
	"math/rand"
)

const (
	// defaultPoolDepth caps the number of free buffers kept per size.
	defaultPoolDepth = 64
)

// Stats reports allocation accounting for a Backend.
type Stats struct {
	Live      int    // handles created and not yet disposed
	Buffers   int    // buffers currently referenced by at least one handle
	Allocated uint64 // buffers obtained from the Go heap
	Reused    uint64 // buffers served from the free pool
	Arenas    int    // arenas currently open
}

// Backend owns allocation for a family of tensors.
//
// It is passed explicitly to every component that creates tensors; there is
// no package-level backend.
type Backend struct {
	rng       *rand.Rand
	pool      map[int][][]float64
	poolDepth int

	live      int
	buffers   int
	allocated uint64
	reused    uint64

	arenas []*Arena
}

// Option configures a Backend.
type Option func(*Backend)

// WithSeed seeds the random source used for weight initialisation.
func WithSeed(seed int64) Option {
	return func(b *Backend) {
		b.rng = rand.New(rand.NewSource(seed))
	}
}

// WithPoolDepth sets how many free buffers of one size are retained.
// A depth of zero disables pooling.
func WithPoolDepth(depth int) Option {
	return func(b *Backend) {
		if depth >= 0 {
			b.poolDepth = depth
		}
	}
}

// NewBackend creates a Backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		rng:       rand.New(rand.NewSource(1)),
		pool:      make(map[int][][]float64),
		poolDepth: defaultPoolDepth,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Live returns the number of tensor handles that have not been disposed.
func (b *Backend) Live() int {
	return b.live
}

// Stats returns a snapshot of allocation accounting.
func (b *Backend) Stats() Stats {
	return Stats{
		Live:      b.live,
		Buffers:   b.buffers,
		Allocated: b.allocated,
		Reused:    b.reused,
		Arenas:    len(b.arenas),
	}
}

// Zeros returns a zero-filled tensor.
func (b *Backend) Zeros(shape ...int) *Tensor {
	return b.newTensor(shape, b.getBuffer(sizeOf(shape)))
}

// Fill returns a tensor with every element set to v.
func (b *Backend) Fill(v float64, shape ...int) *Tensor {
	t := b.Zeros(shape...)
	data := t.buf.data
	for i := range data {
		data[i] = v
	}
	return t
}

// FromValues copies values into a new tensor of the given shape.
func (b *Backend) FromValues(values []float64, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{len(values)}
	}
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if sizeOf(shape) != len(values) {
		return nil, &ShapeError{Op: "FromValues", Want: shape, Got: []int{len(values)}}
	}
	t := b.Zeros(shape...)
	copy(t.buf.data, values)
	return t, nil
}

// MustFromValues is FromValues that panics on a shape mismatch.
func (b *Backend) MustFromValues(values []float64, shape ...int) *Tensor {
	t, err := b.FromValues(values, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Uniform returns a tensor with elements drawn from U[lo, hi).
func (b *Backend) Uniform(lo, hi float64, shape ...int) *Tensor {
	t := b.Zeros(shape...)
	data := t.buf.data
	for i := range data {
		data[i] = lo + (hi-lo)*b.rng.Float64()
	}
	return t
}

// GlorotUniform returns a [fanIn, fanOut] kernel drawn from the Glorot
// uniform distribution.
func (b *Backend) GlorotUniform(fanIn, fanOut int) *Tensor {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	return b.Uniform(-limit, limit, fanIn, fanOut)
}

// NewArena opens a scope. Tensors created until the arena is released are
// attached to it.
func (b *Backend) NewArena() *Arena {
	a := &Arena{backend: b}
	b.arenas = append(b.arenas, a)
	return a
}

func (b *Backend) newTensor(shape []int, buf *buffer) *Tensor {
	t := &Tensor{
		backend: b,
		shape:   append([]int(nil), shape...),
		buf:     buf,
	}
	b.live++
	if n := len(b.arenas); n > 0 {
		b.arenas[n-1].attach(t)
	}
	return t
}

func (b *Backend) getBuffer(n int) *buffer {
	b.buffers++
	if free := b.pool[n]; len(free) > 0 {
		data := free[len(free)-1]
		b.pool[n] = free[:len(free)-1]
		for i := range data {
			data[i] = 0
		}
		b.reused++
		return &buffer{data: data, refs: 1}
	}
	b.allocated++
	return &buffer{data: make([]float64, n), refs: 1}
}

func (b *Backend) putBuffer(buf *buffer) {
	b.buffers--
	n := len(buf.data)
	if b.poolDepth == 0 || len(b.pool[n]) >= b.poolDepth {
		return
	}
	b.pool[n] = append(b.pool[n], buf.data)
	buf.data = nil
}

// popArena removes a and any arena opened after it from the scope stack.
func (b *Backend) popArena(a *Arena) []*Arena {
	for i := len(b.arenas) - 1; i >= 0; i-- {
		if b.arenas[i] == a {
			inner := b.arenas[i+1:]
			out := make([]*Arena, len(inner))
			copy(out, inner)
			b.arenas = b.arenas[:i]
			return out
		}
	}
	return nil
}

func sizeOf(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func checkShape(shape []int) error {
	for _, d := range shape {
		if d <= 0 {
			return &ShapeError{Op: "shape", Want: nil, Got: shape}
		}
	}
	return nil
}
