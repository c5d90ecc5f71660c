package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "jimaku"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesCaptured   prometheus.Counter
	FramesDropped    prometheus.Counter
	FramesAccepted   prometheus.Counter
	Events           *prometheus.CounterVec
	AcceptDuration   prometheus.Histogram
	ActivePipelines  prometheus.Gauge
	Terminations     *prometheus.CounterVec
	PrepareDurations *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "PCM frames read from the capture session.",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "PCM frames overwritten in the hand-off slot before recognition.",
		}),
		FramesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_accepted_total",
			Help:      "PCM frames fed to the recognizer.",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_events_total",
			Help:      "Recognition events by kind.",
		}, []string{"kind"}),
		AcceptDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognizer_accept_seconds",
			Help:      "Time spent in a single recognizer accept call.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ActivePipelines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipelines_active",
			Help:      "Pipelines currently between start and termination.",
		}),
		Terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_terminations_total",
			Help:      "Pipeline terminations by reason.",
		}, []string{"reason"}),
		PrepareDurations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_prepare_seconds",
			Help:      "Time spent preparing pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
	}
}

func (m *Metrics) FrameCaptured() {
	if m == nil {
		return
	}
	m.FramesCaptured.Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) FrameAccepted(d time.Duration) {
	if m == nil {
		return
	}
	m.FramesAccepted.Inc()
	m.AcceptDuration.Observe(d.Seconds())
}

func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

func (m *Metrics) Prepared(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.PrepareDurations.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.ActivePipelines.Inc()
}

func (m *Metrics) PipelineTerminated(reason string) {
	if m == nil {
		return
	}
	m.ActivePipelines.Dec()
	m.Terminations.WithLabelValues(reason).Inc()
}
