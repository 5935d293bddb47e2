// Package loop drives a memory hierarchy in real time: it reads one frame of
// signals per tick, steps the System, keeps the surviving states and outputs,
// and publishes the resonant level.
//
// A Loop is single-threaded. Tick, Run, Replay and Close must be called from
// one goroutine; RequestLearningParams and Snapshot are safe from any.
package loop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/hnm/internal/hnm"
	"github.com/fyrsmithlabs/hnm/internal/logging"
	"github.com/fyrsmithlabs/hnm/internal/publish"
	"github.com/fyrsmithlabs/hnm/internal/signals"
	"github.com/fyrsmithlabs/hnm/internal/tensor"
)

// InstrumentationName is the tracer scope of the loop spans.
const InstrumentationName = "github.com/fyrsmithlabs/hnm/internal/loop"

var (
	// ErrClosed is returned by operations on a closed Loop.
	ErrClosed = errors.New("loop: closed")

	// ErrUnknownLevel is returned when the resonant level is not in the system.
	ErrUnknownLevel = errors.New("loop: unknown resonant level")
)

// Options configures a Loop.
type Options struct {
	// ResonantLevel is published every tick. Defaults to the last level stepped.
	ResonantLevel string
	// TickRateHz paces Run. Defaults to 10.
	TickRateHz float64
	// Detach requests detached next states from every Step.
	Detach bool
	// RunID identifies this run in logs and published messages. Defaults to a
	// random UUID.
	RunID   string
	Logger  *logging.Logger
	Metrics *Metrics
	// Tracer defaults to the global provider's tracer.
	Tracer oteltrace.Tracer
}

type learningRequest struct {
	lr, wd float64
}

// Loop owns a System and everything that flows through it between ticks.
type Loop struct {
	backend   *tensor.Backend
	system    *hnm.System
	source    signals.Source
	publisher publish.Publisher
	opts      Options
	logger    *logging.Logger
	metrics   *Metrics

	states []*hnm.MemoryState
	prev   map[string]*tensor.Tensor
	tick   uint64
	closed bool

	mu      sync.Mutex
	pending *learningRequest

	snapMu   sync.RWMutex
	snapshot Snapshot
}

// New creates a loop over sys. The loop takes ownership of sys, src and pub
// and releases them on Close. A nil pub discards every message.
func New(b *tensor.Backend, sys *hnm.System, src signals.Source, pub publish.Publisher, opts Options) (*Loop, error) {
	if b == nil || sys == nil {
		return nil, errors.New("loop: backend and system are required")
	}
	if src == nil {
		return nil, errors.New("loop: signal source is required")
	}
	if pub == nil {
		pub = publish.Nop{}
	}

	order := sys.Order()
	if opts.ResonantLevel == "" {
		opts.ResonantLevel = order[len(order)-1]
	}
	if _, ok := sys.Level(opts.ResonantLevel); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLevel, opts.ResonantLevel)
	}
	if !(opts.TickRateHz > 0) || math.IsInf(opts.TickRateHz, 0) {
		opts.TickRateHz = 10
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(InstrumentationName)
	}

	l := &Loop{
		backend:   b,
		system:    sys,
		source:    src,
		publisher: pub,
		opts:      opts,
		logger:    opts.Logger.Named("loop"),
		metrics:   opts.Metrics,
		states:    sys.InitialStates(),
		prev:      map[string]*tensor.Tensor{},
	}
	l.snapshot = Snapshot{
		RunID:         opts.RunID,
		Order:         order,
		ResonantLevel: opts.ResonantLevel,
		Levels:        map[string]LevelSnapshot{},
	}

	m, _ := sys.Level(opts.ResonantLevel)
	lr, wd := m.LearningParams()
	l.metrics.LearningRate.Set(lr)
	l.metrics.WeightDecay.Set(wd)
	l.metrics.LiveTensors.Set(float64(b.Live()))
	return l, nil
}

// RunID returns the identifier of this run.
func (l *Loop) RunID() string {
	return l.opts.RunID
}

// ResonantLevel returns the name of the published level.
func (l *Loop) ResonantLevel() string {
	return l.opts.ResonantLevel
}

// RequestLearningParams schedules new learning parameters for every level.
// They take effect at the start of the next tick; a later request replaces
// an earlier one that has not been applied yet.
func (l *Loop) RequestLearningParams(lr, wd float64) error {
	if !validParam(lr) || !validParam(wd) {
		return fmt.Errorf("%w: learning_rate and weight_decay must be finite and >= 0", hnm.ErrInvalidParams)
	}
	l.mu.Lock()
	l.pending = &learningRequest{lr: lr, wd: wd}
	l.mu.Unlock()
	return nil
}

func validParam(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}

// Snapshot returns a copy of the state after the last completed tick.
func (l *Loop) Snapshot() Snapshot {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snapshot.clone()
}

// Tick reads one frame, steps the hierarchy and publishes the resonant
// level. A failed read or publish is logged and counted; only errors that
// leave the loop unusable are returned.
func (l *Loop) Tick(ctx context.Context) error {
	if l.closed {
		return ErrClosed
	}
	start := time.Now()
	ctx = logging.WithTick(logging.WithRunID(ctx, l.opts.RunID), l.tick)
	ctx, span := l.opts.Tracer.Start(ctx, "loop.Tick")
	defer span.End()

	frame, err := l.source.Read(ctx, l.backend, l.tick)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.metrics.SourceErrors.Inc()
		l.logger.Warn(ctx, "signal read failed, stepping with zero-filled input", zap.Error(err))
		frame = signals.Frame{}
	}
	res, err := l.advance(ctx, hnm.StepInput{Sensory: frame.Sensory, External: frame.External})
	frame.Dispose()
	l.refreshLive()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		return err
	}

	msg := publish.Message{
		RunID:        l.opts.RunID,
		Tick:         l.tick - 1,
		Level:        l.opts.ResonantLevel,
		Values:       l.prev[l.opts.ResonantLevel].Values(),
		Anomaly:      res.Anomalies[l.opts.ResonantLevel],
		WeightChange: res.WeightChanges[l.opts.ResonantLevel],
		Timestamp:    time.Now().UTC(),
	}
	if err := l.publisher.Publish(ctx, msg); err != nil {
		l.metrics.PublishErrors.Inc()
		l.logger.Warn(ctx, "publish failed", zap.Error(err))
	}

	elapsed := time.Since(start)
	l.metrics.TickDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.Int64("hnm.tick", int64(msg.Tick)),
		attribute.Float64("hnm.resonant.anomaly", msg.Anomaly),
	)
	l.logger.Trace(ctx, "tick complete",
		zap.String("resonant_level", msg.Level),
		zap.Float64("anomaly", msg.Anomaly),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// advance applies pending learning parameters, steps the system and swaps in
// the new states and outputs. The caller keeps ownership of the tensors in in.
func (l *Loop) advance(ctx context.Context, in hnm.StepInput) (*hnm.StepResult, error) {
	l.applyPending(ctx)

	in.States = l.states
	in.PreviousOutputs = l.prev
	in.Detach = l.opts.Detach
	res, err := l.system.Step(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("tick %d: %w", l.tick, err)
	}

	hnm.DisposeStates(l.states)
	for _, t := range l.prev {
		t.Dispose()
	}
	l.states = res.NextStates
	l.prev = res.Retrieved
	l.tick++

	l.record(res)
	return res, nil
}

func (l *Loop) applyPending(ctx context.Context) {
	l.mu.Lock()
	req := l.pending
	l.pending = nil
	l.mu.Unlock()
	if req == nil {
		return
	}
	if err := l.system.SetLearningParameters(req.lr, req.wd); err != nil {
		l.logger.Error(ctx, "learning parameters rejected", zap.Error(err))
		return
	}
	l.metrics.LearningRate.Set(req.lr)
	l.metrics.WeightDecay.Set(req.wd)
	l.logger.Info(ctx, "learning parameters applied",
		zap.Float64("learning_rate", req.lr),
		zap.Float64("weight_decay", req.wd),
	)
}

// record updates the gauges and the snapshot from res.
func (l *Loop) record(res *hnm.StepResult) {
	levels := make(map[string]LevelSnapshot, len(res.Anomalies))
	for name, anomaly := range res.Anomalies {
		setFinite(l.metrics.Anomaly.WithLabelValues(name), anomaly)
		setFinite(l.metrics.WeightChange.WithLabelValues(name), res.WeightChanges[name])
		setFinite(l.metrics.GradNorm.WithLabelValues(name), res.GradNorms[name])
		setFinite(l.metrics.SignalNorm.WithLabelValues(name, "bu"), res.BUNorms[name])
		setFinite(l.metrics.SignalNorm.WithLabelValues(name, "td"), res.TDNorms[name])
		setFinite(l.metrics.SignalNorm.WithLabelValues(name, "external"), res.ExtNorms[name])
		if res.Skipped[name] {
			l.metrics.SkippedTotal.WithLabelValues(name).Inc()
		}
		levels[name] = LevelSnapshot{
			Anomaly:      Number(anomaly),
			WeightChange: Number(res.WeightChanges[name]),
			GradNorm:     Number(res.GradNorms[name]),
			BUNorm:       Number(res.BUNorms[name]),
			TDNorm:       Number(res.TDNorms[name]),
			ExtNorm:      Number(res.ExtNorms[name]),
			Skipped:      res.Skipped[name],
		}
	}
	l.metrics.Ticks.Inc()

	var resonant []Number
	if t := res.Retrieved[l.opts.ResonantLevel]; t != nil {
		resonant = numbers(t.Values())
	}

	l.snapMu.Lock()
	l.snapshot.Tick = l.tick
	l.snapshot.Timestamp = time.Now().UTC()
	l.snapshot.Levels = levels
	l.snapshot.Resonant = resonant
	l.snapMu.Unlock()
}

// refreshLive reports the backend's live tensor count once the caller has
// released its per-step inputs.
func (l *Loop) refreshLive() {
	live := l.backend.Live()
	l.snapMu.Lock()
	l.snapshot.LiveTensors = live
	l.snapMu.Unlock()
	l.metrics.LiveTensors.Set(float64(live))
}

// Run ticks at the configured rate until ctx is cancelled, then closes the
// loop. It returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()

	limiter := rate.NewLimiter(rate.Limit(l.opts.TickRateHz), 1)
	l.logger.Info(ctx, "tick loop started",
		zap.String("run.id", l.opts.RunID),
		zap.Float64("tick_rate_hz", l.opts.TickRateHz),
		zap.Strings("order", l.system.Order()),
	)
	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails early when the next token lies past the deadline.
			<-ctx.Done()
			break
		}
		if err := l.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}
	l.logger.Info(context.WithoutCancel(ctx), "tick loop stopped", zap.Uint64("ticks", l.tick))
	return nil
}

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() uint64 {
	return l.tick
}

// Close releases the states, outputs, system, source and publisher. It is
// idempotent.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true

	hnm.DisposeStates(l.states)
	l.states = nil
	for _, t := range l.prev {
		t.Dispose()
	}
	l.prev = nil
	l.system.Dispose()

	var errs []error
	if err := l.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing source: %w", err))
	}
	if err := l.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing publisher: %w", err))
	}
	l.metrics.LiveTensors.Set(float64(l.backend.Live()))
	return errors.Join(errs...)
}
