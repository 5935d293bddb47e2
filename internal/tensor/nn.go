package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Activation names a pointwise non-linearity.
type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Tanh    Activation = "tanh"
	Sigmoid Activation = "sigmoid"
	SiLU    Activation = "silu"
	GELU    Activation = "gelu"
)

// Valid reports whether a is a known activation.
func (a Activation) Valid() bool {
	switch a {
	case Linear, ReLU, Tanh, Sigmoid, SiLU, GELU:
		return true
	}
	return false
}

// ParseActivation converts a configuration string to an Activation.
func ParseActivation(s string) (Activation, error) {
	a := Activation(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown activation %q", s)
	}
	return a, nil
}

// Affine computes y = x·K + b for a flattened x of length in, a kernel of
// shape [in, out] and a bias of length out. The result has shape [out].
func Affine(x, kernel, bias *Tensor) *Tensor {
	in, out := kernelDims("Affine", kernel)
	if x.Size() != in {
		panic(&ShapeError{Op: "Affine", Want: []int{in}, Got: x.Shape()})
	}
	if bias.Size() != out {
		panic(&ShapeError{Op: "Affine bias", Want: []int{out}, Got: bias.Shape()})
	}

	y := x.backend.Zeros(out)
	yv := mat.NewVecDense(out, y.buf.data)
	k := mat.NewDense(in, out, kernel.Data())
	yv.MulVec(k.T(), mat.NewVecDense(in, x.Data()))
	floats.Add(y.buf.data, bias.Data())
	return y
}

// AffineBackward propagates dy through y = x·K + b. It accumulates
// dK += x ⊗ dy and db += dy when the gradient tensors are non-nil and returns
// dx = K·dy with shape [in].
func AffineBackward(x, kernel, dy, dKernel, dBias *Tensor) *Tensor {
	in, out := kernelDims("AffineBackward", kernel)
	if dy.Size() != out {
		panic(&ShapeError{Op: "AffineBackward", Want: []int{out}, Got: dy.Shape()})
	}
	dyv := mat.NewVecDense(out, dy.Data())

	if dKernel != nil {
		dk := mat.NewDense(in, out, dKernel.Mutable())
		dk.RankOne(dk, 1, mat.NewVecDense(in, x.Data()), dyv)
	}
	if dBias != nil {
		floats.Add(dBias.Mutable(), dy.Data())
	}

	dx := x.backend.Zeros(in)
	dxv := mat.NewVecDense(in, dx.buf.data)
	dxv.MulVec(mat.NewDense(in, out, kernel.Data()), dyv)
	return dx
}

// Activate applies the activation a elementwise to z.
func Activate(a Activation, z *Tensor) *Tensor {
	out := z.Clone()
	data := out.buf.data
	for i, v := range data {
		data[i] = activate(a, v)
	}
	return out
}

// ActivateBackward returns dy scaled by the derivative of a at z.
func ActivateBackward(a Activation, z, dy *Tensor) *Tensor {
	mustSameSize("ActivateBackward", z, dy)
	out := dy.Clone()
	data := out.buf.data
	zs := z.Data()
	for i := range data {
		data[i] *= derivative(a, zs[i])
	}
	return out
}

const geluC = 0.7978845608028654 // sqrt(2/pi)

func activate(a Activation, x float64) float64 {
	switch a {
	case ReLU:
		return math.Max(0, x)
	case Tanh:
		return math.Tanh(x)
	case Sigmoid:
		return sigmoid(x)
	case SiLU:
		return x * sigmoid(x)
	case GELU:
		return 0.5 * x * (1 + math.Tanh(geluC*(x+0.044715*x*x*x)))
	default:
		return x
	}
}

func derivative(a Activation, x float64) float64 {
	switch a {
	case ReLU:
		if x > 0 {
			return 1
		}
		return 0
	case Tanh:
		t := math.Tanh(x)
		return 1 - t*t
	case Sigmoid:
		s := sigmoid(x)
		return s * (1 - s)
	case SiLU:
		s := sigmoid(x)
		return s * (1 + x*(1-s))
	case GELU:
		u := geluC * (x + 0.044715*x*x*x)
		t := math.Tanh(u)
		return 0.5*(1+t) + 0.5*x*(1-t*t)*geluC*(1+3*0.044715*x*x)
	default:
		return 1
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func kernelDims(op string, kernel *Tensor) (int, int) {
	if kernel.Rank() != 2 {
		panic(&ShapeError{Op: op + " kernel", Want: []int{-1, -1}, Got: kernel.Shape()})
	}
	return kernel.shape[0], kernel.shape[1]
}
