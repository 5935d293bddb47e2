package loop

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "hnm"
	subsystem = "loop"
)

// Metrics holds the Prometheus collectors of the tick loop.
type Metrics struct {
	Ticks         prometheus.Counter
	TickDuration  prometheus.Histogram
	Anomaly       *prometheus.GaugeVec
	WeightChange  *prometheus.GaugeVec
	GradNorm      *prometheus.GaugeVec
	SignalNorm    *prometheus.GaugeVec
	SkippedTotal  *prometheus.CounterVec
	LiveTensors   prometheus.Gauge
	LearningRate  prometheus.Gauge
	WeightDecay   prometheus.Gauge
	PublishErrors prometheus.Counter
	SourceErrors  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ticks_total",
			Help:      "Total number of completed ticks",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one tick including signal read and publish",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		// Labels: level
		Anomaly: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "anomaly",
			Help:      "Latest per-level anomaly (training loss)",
		}, []string{"level"}),
		WeightChange: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "weight_change",
			Help:      "Latest per-level L2 norm of the applied weight update",
		}, []string{"level"}),
		GradNorm: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "grad_norm",
			Help:      "Latest per-level global gradient norm before clipping",
		}, []string{"level"}),
		// Labels: level, kind (bu, td, external)
		SignalNorm: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "signal_norm",
			Help:      "Latest per-level L2 norm of the combined input signals",
		}, []string{"level", "kind"}),
		SkippedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "skipped_updates_total",
			Help:      "Total number of optimizer steps skipped for non-finite loss or gradients",
		}, []string{"level"}),
		LiveTensors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "live_tensors",
			Help:      "Tensor handles alive after the last tick",
		}),
		LearningRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "learning_rate",
			Help:      "Learning rate last applied to every level",
		}),
		WeightDecay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "weight_decay",
			Help:      "Weight decay last applied to every level",
		}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "publish_errors_total",
			Help:      "Total number of failed state publications",
		}),
		SourceErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "source_errors_total",
			Help:      "Total number of failed signal reads",
		}),
	}
}

// setFinite sets g to v, or NaN when v is not finite so the gap is visible.
func setFinite(g prometheus.Gauge, v float64) {
	if math.IsInf(v, 0) {
		v = math.NaN()
	}
	g.Set(v)
}
