package hnm

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// toyLevels is the two-level hierarchy used throughout these tests: L0 reads
// raw input and listens top-down to L1; L1 reads L0 bottom-up.
func toyLevels(lr float64) []LevelConfig {
	p := DefaultNMMParams()
	p.LearningRate = lr
	return []LevelConfig{
		{Name: "L0", Dim: 4, RawSensoryInputDim: 4, TDSources: []string{"L1"}, NMM: p},
		{Name: "L1", Dim: 4, BUSources: []string{"L0"}, NMM: p},
	}
}

// driver plays the host loop: it owns states and previous outputs and
// disposes them once superseded.
type driver struct {
	t      *testing.T
	sys    *System
	states []*MemoryState
	prev   map[string]*tensor.Tensor
}

func newDriver(t *testing.T, sys *System) *driver {
	return &driver{t: t, sys: sys, states: sys.InitialStates()}
}

func (d *driver) step(in StepInput) *StepResult {
	d.t.Helper()
	in.States = d.states
	in.PreviousOutputs = d.prev
	res, err := d.sys.Step(context.Background(), in)
	require.NoError(d.t, err)

	DisposeStates(d.states)
	for _, t := range d.prev {
		t.Dispose()
	}
	d.states = res.NextStates
	d.prev = res.Retrieved
	return res
}

func (d *driver) close() {
	DisposeStates(d.states)
	for _, t := range d.prev {
		t.Dispose()
	}
	d.sys.Dispose()
}

func newToySystem(t *testing.T, b *tensor.Backend, lr float64) *System {
	t.Helper()
	sys, err := NewSystem(b, toyLevels(lr), Options{})
	require.NoError(t, err)
	return sys
}

func constant(b *tensor.Backend, v float64, dim int) *tensor.Tensor {
	return b.Fill(v, 1, 1, dim)
}

func TestSystem_InitialStatesStartAtZero(t *testing.T) {
	b := tensor.NewBackend(tensor.WithSeed(1))
	sys := newToySystem(t, b, 1e-3)
	defer sys.Dispose()

	states := sys.InitialStates()
	defer DisposeStates(states)

	require.Len(t, states, 2)
	for i, st := range states {
		assert.Equal(t, 0, st.SeqIndex, "level %d", i)
		assert.Contains(t, st.LayerWeights, ComponentMemoryModel)
	}
}

func TestSystem_SeqIndexAdvancesByStepCount(t *testing.T) {
	b := tensor.NewBackend(tensor.WithSeed(2))
	d := newDriver(t, newToySystem(t, b, 1e-3))
	defer d.close()

	sensory := constant(b, 0.5, 4)
	defer sensory.Dispose()

	const n = 7
	for i := 0; i < n; i++ {
		d.step(StepInput{Sensory: map[string]*tensor.Tensor{"L0": sensory}, Detach: true})
	}
	for _, st := range d.states {
		assert.Equal(t, n, st.SeqIndex)
		assert.True(t, st.Detached)
	}
}

func TestSystem_ZeroLearningRateIsStable(t *testing.T) {
	b := tensor.NewBackend(tensor.WithSeed(3))
	sys := newToySystem(t, b, 0)
	defer sys.Dispose()

	sensory := constant(b, 0.5, 4)
	defer sensory.Dispose()

	states := sys.InitialStates()
	var (
		firstAnomaly   map[string]float64
		firstRetrieved map[string][]float64
	)
	for tick := 0; tick < 20; tick++ {
		res, err := sys.Step(context.Background(), StepInput{
			States:  states,
			Sensory: map[string]*tensor.Tensor{"L0": sensory},
		})
		require.NoError(t, err)
		DisposeStates(states)
		states = res.NextStates

		if tick == 0 {
			firstAnomaly = res.Anomalies
			firstRetrieved = map[string][]float64{}
			for name, r := range res.Retrieved {
				firstRetrieved[name] = r.Values()
			}
		}
		for name := range firstAnomaly {
			assert.Equal(t, firstAnomaly[name], res.Anomalies[name], "tick %d level %s", tick, name)
			assert.Equal(t, firstRetrieved[name], res.Retrieved[name].Values(), "tick %d level %s", tick, name)
			assert.Zero(t, res.WeightChanges[name])
		}
		res.Dispose()
	}
	DisposeStates(states)
}

func TestSystem_AnomalyTrendsDownWithFixedTarget(t *testing.T) {
	b := tensor.NewBackend(tensor.WithSeed(4))
	d := newDriver(t, newToySystem(t, b, 0.01))
	defer d.close()

	sensory := constant(b, 0.5, 4)
	targets := map[string]*tensor.Tensor{
		"L0": b.MustFromValues([]float64{0.2, -0.1, 0.4, 0.0}, 1, 1, 4),
		"L1": b.MustFromValues([]float64{-0.3, 0.1, 0.2, 0.5}, 1, 1, 4),
	}
	defer func() {
		sensory.Dispose()
		for _, t := range targets {
			t.Dispose()
		}
	}()

	const iterations = 150
	history := map[string][]float64{}
	for i := 0; i < iterations; i++ {
		res := d.step(StepInput{
			Sensory:         map[string]*tensor.Tensor{"L0": sensory},
			Detach:          true,
			TrainingTargets: targets,
		})
		for name, a := range res.Anomalies {
			require.False(t, math.IsNaN(a))
			history[name] = append(history[name], a)
		}
	}

	for name, h := range history {
		first, last := mean(h[:10]), mean(h[len(h)-10:])
		assert.Less(t, last, first, "level %s anomaly should fall: first %.4f last %.4f", name, first, last)
	}
}

func TestSystem_LiveTensorCountIsConstant(t *testing.T) {
	b := tensor.NewBackend(tensor.WithSeed(5))
	levels := toyLevels(0.01)
	levels[1].External = &ExternalInputConfig{SourceSignalName: "rules", Dim: 3}
	levels[1].NMM.ExternalSignalRole = RoleAddToBU
	levels[1].NMM.WeightDecay = 1e-4

	sys, err := NewSystem(b, levels, Options{})
	require.NoError(t, err)
	d := newDriver(t, sys)

	sensory := constant(b, 0.5, 4)
	rules := constant(b, 1, 3)

	var baseline int
	for tick := 0; tick < 120; tick++ {
		d.step(StepInput{
			Sensory:  map[string]*tensor.Tensor{"L0": sensory},
			External: map[string]*tensor.Tensor{"rules": rules},
			Detach:   tick%2 == 0,
		})
		if tick == 0 {
			baseline = b.Live()
			continue
		}
		require.Equal(t, baseline, b.Live(), "tick %d leaked tensors", tick)
		require.Zero(t, b.Stats().Arenas)
	}

	d.close()
	sensory.Dispose()
	rules.Dispose()
	assert.Zero(t, b.Live())
}

func TestSystem_SameSeedSameInitialStates(t *testing.T) {
	levels := toyLevels(0.01)
	levels[0].External = &ExternalInputConfig{SourceSignalName: "rag", Dim: 6}
	levels[0].NMM.ExternalSignalRole = RoleAddToBU

	initial := func() map[string]map[string][][]float64 {
		b := tensor.NewBackend(tensor.WithSeed(6))
		sys, err := NewSystem(b, levels, Options{})
		require.NoError(t, err)
		defer sys.Dispose()
		states := sys.InitialStates()
		defer DisposeStates(states)

		out := map[string]map[string][][]float64{}
		for i, st := range states {
			comps := map[string][][]float64{}
			for comp, ws := range st.LayerWeights {
				for _, w := range ws {
					comps[comp] = append(comps[comp], w.Values())
				}
			}
			out[levels[i].Name] = comps
		}
		return out
	}

	for i := 0; i < 10; i++ {
		first, second := initial(), initial()
		require.Contains(t, first["L0"], ComponentExtProjection)
		assert.Equal(t, first, second)
	}
}

func TestSystem_MissingExternalMatchesZeroSignal(t *testing.T) {
	for _, role := range []SignalRole{RoleAddToBU, RoleAddToTD, RoleAddToTarget} {
		t.Run(string(role), func(t *testing.T) {
			levels := toyLevels(0.01)
			levels[0].External = &ExternalInputConfig{SourceSignalName: "rag", Dim: 6}
			levels[0].NMM.ExternalSignalRole = role

			run := func(external map[string]*tensor.Tensor, b *tensor.Backend) []map[string][]float64 {
				sys, err := NewSystem(b, levels, Options{})
				require.NoError(t, err)
				d := newDriver(t, sys)
				defer d.close()

				sensory := constant(b, 0.5, 4)
				defer sensory.Dispose()

				var out []map[string][]float64
				for i := 0; i < 5; i++ {
					res := d.step(StepInput{Sensory: map[string]*tensor.Tensor{"L0": sensory}, External: external})
					snap := map[string][]float64{}
					for name, r := range res.Retrieved {
						snap[name] = append(r.Values(), res.Anomalies[name], res.WeightChanges[name])
					}
					out = append(out, snap)
				}
				return out
			}

			omitted := run(nil, tensor.NewBackend(tensor.WithSeed(6)))

			bz := tensor.NewBackend(tensor.WithSeed(6))
			zeros := bz.Zeros(1, 1, 6)
			explicit := run(map[string]*tensor.Tensor{"rag": zeros}, bz)

			require.Len(t, explicit, len(omitted))
			for i := range omitted {
				for name, want := range omitted[i] {
					assert.InDeltaSlice(t, want, explicit[i][name], 1e-12, "tick %d level %s", i, name)
				}
			}
		})
	}
}

func TestSystem_NonDetachedStatesDoNotAliasLiveWeights(t *testing.T) {
	b := tensor.NewBackend(tensor.WithSeed(7))
	sys := newToySystem(t, b, 0.01)
	defer sys.Dispose()

	sensory := constant(b, 0.5, 4)
	defer sensory.Dispose()

	states := sys.InitialStates()
	res, err := sys.Step(context.Background(), StepInput{
		States:  states,
		Sensory: map[string]*tensor.Tensor{"L0": sensory},
		Detach:  false,
	})
	require.NoError(t, err)
	DisposeStates(states)
	defer res.Dispose()
	defer DisposeStates(res.NextStates)

	mod, ok := sys.Level("L0")
	require.True(t, ok)
	live := mod.memory.TrainableVariables()
	before := make([][]float64, len(live))
	for i, p := range live {
		before[i] = p.Values()
	}

	returned := res.NextStates[0].LayerWeights[ComponentMemoryModel]
	require.Len(t, returned, len(live))
	assert.True(t, returned[0].Shared(), "non-detached weights share buffers with the live module")
	for _, w := range returned {
		data := w.Mutable()
		for j := range data {
			data[j] = 1e6
		}
	}

	for i, p := range live {
		assert.Equal(t, before[i], p.Values(), "live parameter %d was corrupted", i)
	}

	detached := res.NextStates[1].Detach()
	defer detached.Dispose()
	for _, w := range detached.LayerWeights[ComponentMemoryModel] {
		assert.False(t, w.Shared())
	}
}

func TestSystem_EndToEndFirstTick(t *testing.T) {
	b := tensor.NewBackend(tensor.WithSeed(8))
	d := newDriver(t, newToySystem(t, b, 1e-3))
	defer d.close()

	sensory := constant(b, 0.5, 4)
	defer sensory.Dispose()

	res := d.step(StepInput{Sensory: map[string]*tensor.Tensor{"L0": sensory}})

	for _, name := range []string{"L0", "L1"} {
		r := res.Retrieved[name]
		require.NotNil(t, r, name)
		assert.True(t, r.HasShape(1, 1, 4))
		assert.True(t, r.IsFinite())
		for _, v := range r.Data() {
			assert.Less(t, math.Abs(v), 100.0)
		}
		assert.GreaterOrEqual(t, res.Anomalies[name], 0.0)
		assert.GreaterOrEqual(t, res.WeightChanges[name], 0.0)
	}
	assert.Zero(t, res.TDNorms["L0"], "no previous output yet")
	assert.Positive(t, res.BUNorms["L1"])
}

func TestSystem_MissingSensoryIsZeroFilled(t *testing.T) {
	b := tensor.NewBackend(tensor.WithSeed(9))
	d := newDriver(t, newToySystem(t, b, 1e-3))
	defer d.close()

	wrong := b.Fill(1, 7)
	defer wrong.Dispose()
	square := b.Fill(1, 2, 2)
	defer square.Dispose()

	for _, sensory := range []map[string]*tensor.Tensor{nil, {"L0": wrong}, {"L0": square}} {
		res := d.step(StepInput{Sensory: sensory})
		assert.Zero(t, res.BUNorms["L0"])
		for _, r := range res.Retrieved {
			assert.True(t, r.IsFinite())
		}
	}
}

func TestSystem_OrdersLevelsTopologically(t *testing.T) {
	b := tensor.NewBackend(tensor.WithSeed(10))
	levels := toyLevels(1e-3)
	levels[0], levels[1] = levels[1], levels[0]

	sys, err := NewSystem(b, levels, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"L0", "L1"}, sys.Order())

	d := newDriver(t, sys)
	defer d.close()
	sensory := constant(b, 0.5, 4)
	defer sensory.Dispose()

	res := d.step(StepInput{Sensory: map[string]*tensor.Tensor{"L0": sensory}})
	// L1 is declared first but must see L0's output from this tick.
	assert.Positive(t, res.BUNorms["L1"])
	assert.Equal(t, 1, res.NextStates[0].SeqIndex)
}

func TestSystem_RejectsBadConfig(t *testing.T) {
	b := tensor.NewBackend()
	_, err := NewSystem(b, []LevelConfig{
		leaf("L0", 4),
		{Name: "L1", Dim: 4, BUSources: []string{"missing"}, NMM: DefaultNMMParams()},
	}, Options{})
	require.ErrorIs(t, err, ErrUnknownSource)
	assert.Contains(t, err.Error(), `level "L1"`)
	assert.Zero(t, b.Live())
}

func TestSystem_StepContractErrors(t *testing.T) {
	b := tensor.NewBackend()
	sys := newToySystem(t, b, 1e-3)
	ctx := context.Background()

	_, err := sys.Step(ctx, StepInput{})
	assert.ErrorIs(t, err, ErrStateCount)

	states := sys.InitialStates()
	states[1].Dispose()
	_, err = sys.Step(ctx, StepInput{States: states})
	assert.ErrorIs(t, err, ErrNilState)
	DisposeStates(states)

	sys.Dispose()
	sys.Dispose()
	_, err = sys.Step(ctx, StepInput{States: states})
	assert.ErrorIs(t, err, ErrSystemDisposed)
	assert.ErrorIs(t, sys.SetLearningParameters(0.1, 0), ErrSystemDisposed)
	assert.Zero(t, b.Live())
}

func TestSystem_SetLearningParameters(t *testing.T) {
	b := tensor.NewBackend(tensor.WithSeed(11))
	d := newDriver(t, newToySystem(t, b, 0.01))
	defer d.close()

	sensory := constant(b, 0.5, 4)
	defer sensory.Dispose()
	in := StepInput{Sensory: map[string]*tensor.Tensor{"L0": sensory}}

	res := d.step(in)
	assert.Positive(t, res.WeightChanges["L0"])

	require.NoError(t, d.sys.SetLearningParameters(0, 0))
	for _, name := range d.sys.Order() {
		m, _ := d.sys.Level(name)
		assert.False(t, m.Training())
	}
	res = d.step(in)
	assert.Zero(t, res.WeightChanges["L0"])
	assert.Zero(t, res.WeightChanges["L1"])
	assert.Equal(t, 0.0, res.NextStates[0].Optim.LR)

	require.NoError(t, d.sys.SetLearningParameters(0.05, 1e-3))
	res = d.step(in)
	assert.Positive(t, res.WeightChanges["L1"])
	assert.Equal(t, OptimState{LR: 0.05, WD: 1e-3}, res.NextStates[1].Optim)

	assert.ErrorIs(t, d.sys.SetLearningParameters(-1, 0), ErrInvalidParams)
	assert.ErrorIs(t, d.sys.SetLearningParameters(0.1, math.NaN()), ErrInvalidParams)
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
