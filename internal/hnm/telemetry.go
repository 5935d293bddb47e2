package hnm

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InstrumentationName is the name used for OTEL instrumentation.
	InstrumentationName = "github.com/fyrsmithlabs/hnm/internal/hnm"
)

// Metrics provides OpenTelemetry metrics for the hierarchy.
type Metrics struct {
	// Counters
	stepsTotal      metric.Int64Counter
	zeroFilledTotal metric.Int64Counter
	skippedTotal    metric.Int64Counter
	clippedTotal    metric.Int64Counter

	// Histograms
	stepDuration metric.Float64Histogram
	anomaly      metric.Float64Histogram
	weightChange metric.Float64Histogram

	initialized bool
}

// NewMetrics creates a new Metrics instance with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.stepsTotal, err = meter.Int64Counter(
		"hnm.step.total",
		metric.WithDescription("Total number of hierarchy steps"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	m.zeroFilledTotal, err = meter.Int64Counter(
		"hnm.signal.zero_filled.total",
		metric.WithDescription("Inputs replaced by zeros because they were missing or malformed"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return nil, err
	}

	m.skippedTotal, err = meter.Int64Counter(
		"hnm.update.skipped.total",
		metric.WithDescription("Optimizer steps skipped because of non-finite loss or gradients"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, err
	}

	m.clippedTotal, err = meter.Int64Counter(
		"hnm.grad.clipped.total",
		metric.WithDescription("Optimizer steps whose gradients were clipped"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, err
	}

	m.stepDuration, err = meter.Float64Histogram(
		"hnm.step.duration.seconds",
		metric.WithDescription("Duration of one hierarchy step in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1),
	)
	if err != nil {
		return nil, err
	}

	m.anomaly, err = meter.Float64Histogram(
		"hnm.level.anomaly",
		metric.WithDescription("Per-level anomaly score (training loss)"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5),
	)
	if err != nil {
		return nil, err
	}

	m.weightChange, err = meter.Float64Histogram(
		"hnm.level.weight_change",
		metric.WithDescription("Per-level L2 norm of the weight delta of one step"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordStep records one completed hierarchy step.
func (m *Metrics) RecordStep(ctx context.Context, duration time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	m.stepsTotal.Add(ctx, 1)
	m.stepDuration.Record(ctx, duration.Seconds())
}

// RecordLevel records a level's diagnostics. Non-finite values are dropped.
func (m *Metrics) RecordLevel(ctx context.Context, level string, anomaly, weightChange float64) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(attribute.String("level", level))
	if finite(anomaly) {
		m.anomaly.Record(ctx, anomaly, attrs)
	}
	if finite(weightChange) {
		m.weightChange.Record(ctx, weightChange, attrs)
	}
}

// RecordZeroFill records an input replaced by zeros.
func (m *Metrics) RecordZeroFill(ctx context.Context, level, kind string) {
	if m == nil || !m.initialized {
		return
	}
	m.zeroFilledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
		attribute.String("kind", kind),
	))
}

// RecordUpdateSkipped records a skipped optimizer step.
func (m *Metrics) RecordUpdateSkipped(ctx context.Context, level string) {
	if m == nil || !m.initialized {
		return
	}
	m.skippedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// RecordGradClipped records a clipped optimizer step.
func (m *Metrics) RecordGradClipped(ctx context.Context, level string) {
	if m == nil || !m.initialized {
		return
	}
	m.clippedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// Tracer returns a tracer for the hnm package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a new span tagged with a level name.
func StartSpan(ctx context.Context, name, level string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	allOpts := append([]trace.SpanStartOption{
		trace.WithAttributes(attribute.String("hnm.level", level)),
	}, opts...)
	return Tracer().Start(ctx, name, allOpts...)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
