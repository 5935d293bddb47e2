package tensor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrDisposed is the panic value used when a disposed tensor is read.
var ErrDisposed = errors.New("tensor: use of disposed tensor")

// ShapeError reports an operation applied to tensors of incompatible shapes.
type ShapeError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	if e.Want == nil {
		return fmt.Sprintf("tensor: %s: invalid shape %v", e.Op, e.Got)
	}
	return fmt.Sprintf("tensor: %s: want shape %v, got %v", e.Op, e.Want, e.Got)
}

type buffer struct {
	data []float64
	refs int
}

// Tensor is a handle onto a dense float64 buffer with a shape.
type Tensor struct {
	backend  *Backend
	shape    []int
	buf      *buffer
	arena    *Arena
	disposed bool
}

// Backend returns the backend that created t.
func (t *Tensor) Backend() *Backend {
	return t.backend
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return sizeOf(t.shape)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// HasShape reports whether the tensor has exactly the given shape.
func (t *Tensor) HasShape(shape ...int) bool {
	if len(shape) != len(t.shape) {
		return false
	}
	for i, d := range shape {
		if t.shape[i] != d {
			return false
		}
	}
	return true
}

// Data returns the underlying elements. The slice must not be modified; use
// Mutable for writes.
func (t *Tensor) Data() []float64 {
	t.mustLive()
	return t.buf.data
}

// Mutable returns the elements for writing, first copying the buffer if it
// is shared with another handle.
func (t *Tensor) Mutable() []float64 {
	t.mustLive()
	if t.buf.refs > 1 {
		fresh := t.backend.getBuffer(len(t.buf.data))
		copy(fresh.data, t.buf.data)
		t.buf.refs--
		t.buf = fresh
	}
	return t.buf.data
}

// Values returns a copy of the elements.
func (t *Tensor) Values() []float64 {
	return append([]float64(nil), t.Data()...)
}

// At returns element i of the flattened tensor.
func (t *Tensor) At(i int) float64 {
	return t.Data()[i]
}

// Shared reports whether the buffer is referenced by another handle.
func (t *Tensor) Shared() bool {
	t.mustLive()
	return t.buf.refs > 1
}

// Share returns a new handle onto the same copy-on-write buffer.
func (t *Tensor) Share() *Tensor {
	t.mustLive()
	t.buf.refs++
	return t.backend.newTensor(t.shape, t.buf)
}

// Reshape returns a new handle sharing t's buffer with a different shape of
// the same size.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	t.mustLive()
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if sizeOf(shape) != t.Size() {
		return nil, &ShapeError{Op: "Reshape", Want: t.shape, Got: shape}
	}
	t.buf.refs++
	return t.backend.newTensor(shape, t.buf), nil
}

// Clone returns a deep copy with a private buffer.
func (t *Tensor) Clone() *Tensor {
	t.mustLive()
	c := t.backend.Zeros(t.shape...)
	copy(c.buf.data, t.buf.data)
	return c
}

// Keep promotes t out of the arena it was created in so that releasing the
// arena leaves it alive. The caller becomes responsible for disposing it.
func (t *Tensor) Keep() *Tensor {
	t.arena = nil
	return t
}

// Dispose releases the handle. Repeated calls are no-ops.
func (t *Tensor) Dispose() {
	if t == nil || t.disposed {
		return
	}
	t.disposed = true
	t.backend.live--
	t.buf.refs--
	if t.buf.refs == 0 {
		t.backend.putBuffer(t.buf)
	}
	t.buf = nil
}

// Disposed reports whether Dispose has been called.
func (t *Tensor) Disposed() bool {
	return t == nil || t.disposed
}

// Norm returns the L2 norm of the elements.
func (t *Tensor) Norm() float64 {
	return floats.Norm(t.Data(), 2)
}

// IsFinite reports whether every element is finite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// String formats the tensor for debugging.
func (t *Tensor) String() string {
	if t.Disposed() {
		return "Tensor(disposed)"
	}
	return fmt.Sprintf("Tensor%v%v", t.shape, t.buf.data)
}

func (t *Tensor) mustLive() {
	if t == nil || t.disposed {
		panic(ErrDisposed)
	}
}
