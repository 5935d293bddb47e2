package hnm

import (
	"math"

	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// adamEpsilon is added to the denominator of every Adam update.
const adamEpsilon = 1e-7

// adam holds first and second moment estimates for a fixed list of
// variables. Moments are allocated with the optimizer so the live tensor
// count does not change once training starts.
type adam struct {
	lr, beta1, beta2 float64
	step             int
	m, v             []*tensor.Tensor
}

func newAdam(b *tensor.Backend, lr, beta1, beta2 float64, vars []*tensor.Tensor) *adam {
	a := &adam{
		lr:    lr,
		beta1: beta1,
		beta2: beta2,
		m:     make([]*tensor.Tensor, len(vars)),
		v:     make([]*tensor.Tensor, len(vars)),
	}
	for i, w := range vars {
		a.m[i] = b.Zeros(w.Shape()...).Keep()
		a.v[i] = b.Zeros(w.Shape()...).Keep()
	}
	return a
}

// apply performs one bias-corrected Adam update of vars using grads.
func (a *adam) apply(vars, grads []*tensor.Tensor) {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))

	for i, w := range vars {
		g := grads[i].Data()
		m := a.m[i].Mutable()
		v := a.v[i].Mutable()
		wd := w.Mutable()
		for j := range wd {
			m[j] = a.beta1*m[j] + (1-a.beta1)*g[j]
			v[j] = a.beta2*v[j] + (1-a.beta2)*g[j]*g[j]
			mHat := m[j] / c1
			vHat := v[j] / c2
			wd[j] -= a.lr * mHat / (math.Sqrt(vHat) + adamEpsilon)
		}
	}
}

func (a *adam) dispose() {
	if a == nil {
		return
	}
	for i := range a.m {
		a.m[i].Dispose()
		a.v[i].Dispose()
	}
	a.m, a.v = nil, nil
}
