package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Add returns x + y. The result has x's shape.
func Add(x, y *Tensor) *Tensor {
	mustSameSize("Add", x, y)
	out := x.Clone()
	floats.Add(out.buf.data, y.Data())
	return out
}

// Sub returns x - y. The result has x's shape.
func Sub(x, y *Tensor) *Tensor {
	mustSameSize("Sub", x, y)
	out := x.Clone()
	floats.Sub(out.buf.data, y.Data())
	return out
}

// Scale returns c * x.
func Scale(x *Tensor, c float64) *Tensor {
	out := x.Clone()
	floats.Scale(c, out.buf.data)
	return out
}

// AddInto accumulates src into dst in place.
func AddInto(dst, src *Tensor) {
	mustSameSize("AddInto", dst, src)
	floats.Add(dst.Mutable(), src.Data())
}

// AddScaledInto performs dst += alpha * src in place.
func AddScaledInto(dst *Tensor, alpha float64, src *Tensor) {
	mustSameSize("AddScaledInto", dst, src)
	floats.AddScaled(dst.Mutable(), alpha, src.Data())
}

// ScaleInto multiplies dst by c in place.
func ScaleInto(dst *Tensor, c float64) {
	floats.Scale(c, dst.Mutable())
}

// SumSquares returns the sum of squared elements.
func SumSquares(x *Tensor) float64 {
	return floats.Dot(x.Data(), x.Data())
}

// MSE returns the mean squared difference between x and y.
func MSE(x, y *Tensor) float64 {
	mustSameSize("MSE", x, y)
	d := floats.Distance(x.Data(), y.Data(), 2)
	return d * d / float64(x.Size())
}

// Distance returns the L2 distance between x and y.
func Distance(x, y *Tensor) float64 {
	mustSameSize("Distance", x, y)
	return floats.Distance(x.Data(), y.Data(), 2)
}

// GlobalNorm returns sqrt(sum_i ||t_i||^2) over all tensors.
func GlobalNorm(ts []*Tensor) float64 {
	var sum float64
	for _, t := range ts {
		if t == nil {
			continue
		}
		sum += SumSquares(t)
	}
	return math.Sqrt(sum)
}

// clipEpsilon keeps the clip ratio finite for tiny norms.
const clipEpsilon = 1e-6

// ClipByGlobalNorm scales every tensor by maxNorm/(norm+eps) when norm
// exceeds maxNorm. It reports whether scaling was applied. A non-positive
// maxNorm disables clipping.
func ClipByGlobalNorm(ts []*Tensor, maxNorm, norm float64) bool {
	if maxNorm <= 0 || norm <= maxNorm {
		return false
	}
	ratio := maxNorm / (norm + clipEpsilon)
	for _, t := range ts {
		if t == nil {
			continue
		}
		ScaleInto(t, ratio)
	}
	return true
}

func mustSameSize(op string, x, y *Tensor) {
	if x.Size() != y.Size() {
		panic(&ShapeError{Op: op, Want: x.Shape(), Got: y.Shape()})
	}
}
