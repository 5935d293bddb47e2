package hnm

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(provider.Meter(InstrumentationName))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumInt64(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetrics_NilMeter(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.True(t, m.initialized)

	var nilMetrics *Metrics
	nilMetrics.RecordStep(context.Background(), time.Second)
	nilMetrics.RecordZeroFill(context.Background(), "L0", "bu")
}

func TestMetrics_RecordLevelDropsNonFinite(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLevel(ctx, "L0", 0.5, 0.01)
	m.RecordLevel(ctx, "L0", math.NaN(), math.Inf(1))

	got := collect(t, reader)
	hist, ok := got["hnm.level.anomaly"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestSystem_RecordsMetrics(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	b := tensor.NewBackend(tensor.WithSeed(51))
	levels := toyLevels(0.01)
	levels[0].NMM.MaxGradNorm = 1e-9
	levels[1].NMM.MaxGradNorm = 0

	sys, err := NewSystem(b, levels, Options{Metrics: metrics})
	require.NoError(t, err)
	d := newDriver(t, sys)
	defer d.close()

	sensory := constant(b, 0.5, 4)
	defer sensory.Dispose()
	d.step(StepInput{Sensory: map[string]*tensor.Tensor{"L0": sensory}})
	d.step(StepInput{})

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumInt64(t, got["hnm.step.total"]))
	// tick 1: L0 top-down missing; tick 2: L0 sensory missing
	assert.Equal(t, int64(2), sumInt64(t, got["hnm.signal.zero_filled.total"]))
	assert.Equal(t, int64(2), sumInt64(t, got["hnm.grad.clipped.total"]))
	assert.Contains(t, got, "hnm.step.duration.seconds")
	assert.Contains(t, got, "hnm.level.weight_change")
}

func TestSystem_RecordsSkippedUpdates(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	b := tensor.NewBackend(tensor.WithSeed(52))
	sys, err := NewSystem(b, []LevelConfig{leaf("L0", 3)}, Options{Metrics: metrics})
	require.NoError(t, err)
	defer sys.Dispose()

	states := sys.InitialStates()
	defer DisposeStates(states)
	states[0].LayerWeights[ComponentMemoryModel][1].Mutable()[0] = math.NaN()

	res, err := sys.Step(context.Background(), StepInput{States: states})
	require.NoError(t, err)
	defer res.Dispose()
	defer DisposeStates(res.NextStates)
	assert.True(t, res.Skipped["L0"])

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumInt64(t, got["hnm.update.skipped.total"]))
}

func TestSystem_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	b := tensor.NewBackend(tensor.WithSeed(53))
	d := newDriver(t, newToySystem(t, b, 1e-3))
	defer d.close()
	d.step(StepInput{})

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"hnm.Module.ForwardStep", "hnm.Module.ForwardStep", "hnm.System.Step"}, names)
}
