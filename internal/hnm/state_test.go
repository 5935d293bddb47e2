package hnm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

func TestMemoryState_CloneAndDetach(t *testing.T) {
	b := tensor.NewBackend()
	st := &MemoryState{
		SeqIndex: 3,
		LayerWeights: map[string][]*tensor.Tensor{
			ComponentMemoryModel:   {b.MustFromValues([]float64{1, 2})},
			ComponentExtProjection: {b.MustFromValues([]float64{3})},
		},
		Optim: OptimState{LR: 0.1, WD: 0.01},
	}

	clone := st.Clone()
	detached := st.Detach()
	assert.Equal(t, 3, clone.SeqIndex)
	assert.Equal(t, st.Optim, detached.Optim)
	assert.False(t, clone.Detached)
	assert.True(t, detached.Detached)
	assert.Equal(t, []string{ComponentExtProjection, ComponentMemoryModel}, clone.Components())

	assert.True(t, clone.LayerWeights[ComponentMemoryModel][0].Shared())
	assert.False(t, detached.LayerWeights[ComponentMemoryModel][0].Shared())

	clone.LayerWeights[ComponentMemoryModel][0].Mutable()[0] = -1
	assert.Equal(t, []float64{1, 2}, st.LayerWeights[ComponentMemoryModel][0].Values())

	DisposeStates([]*MemoryState{st, clone, detached, nil})
	st.Dispose()
	assert.True(t, st.Disposed())
	assert.Zero(t, b.Live())
	assert.Panics(t, func() { st.Clone() })
}

func TestAdam_FirstStepMovesBySignedLearningRate(t *testing.T) {
	b := tensor.NewBackend()
	w := b.MustFromValues([]float64{1, -1, 0.5})
	g := b.MustFromValues([]float64{0.2, -3, 0})

	opt := newAdam(b, 0.01, DefaultBeta1, DefaultBeta2, []*tensor.Tensor{w})
	defer opt.dispose()
	opt.apply([]*tensor.Tensor{w}, []*tensor.Tensor{g})

	for i, want := range []float64{
		1 - 0.01*0.2/(0.2+adamEpsilon),
		-1 + 0.01*3/(3+adamEpsilon),
		0.5,
	} {
		assert.InDelta(t, want, w.At(i), 1e-12, "element %d", i)
	}
}

func TestAdam_BiasCorrection(t *testing.T) {
	b := tensor.NewBackend()
	w := b.MustFromValues([]float64{0})
	g := b.MustFromValues([]float64{1})
	opt := newAdam(b, 0.1, 0.5, 0.25, []*tensor.Tensor{w})
	defer opt.dispose()

	opt.apply([]*tensor.Tensor{w}, []*tensor.Tensor{g})
	opt.apply([]*tensor.Tensor{w}, []*tensor.Tensor{g})

	// constant gradient: m_hat = v_hat = 1 after bias correction
	step := 0.1 / (1 + adamEpsilon)
	assert.InDelta(t, -2*step, w.At(0), 1e-12)
	require.Len(t, opt.m, 1)
	assert.InDelta(t, 0.75, opt.m[0].At(0), 1e-12)
	assert.InDelta(t, 1-math.Pow(0.25, 2), opt.v[0].At(0), 1e-12)
}
