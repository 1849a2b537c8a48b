package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry          *prometheus.Registry
	ActiveSessions    prometheus.Gauge
	FramesTotal       *prometheus.CounterVec
	DetectionsTotal   prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	InferenceSeconds  prometheus.Histogram
	TimeoutsTotal     *prometheus.CounterVec
	ReconnectsTotal   prometheus.Counter
	WireMessagesTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "avmed_detection",
			Name:      "active_sessions",
			Help:      "Number of active detection sessions",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avmed_detection",
			Name:      "frames_total",
			Help:      "Frames submitted to the pipeline",
		}, []string{"path", "outcome"}),
		DetectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avmed_detection",
			Name:      "detections_total",
			Help:      "Detections emitted to callers",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avmed_detection",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before inference by stage",
		}, []string{"stage"}),
		InferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "avmed_detection",
			Name:      "inference_seconds",
			Help:      "Wall-clock duration of one local inference call",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		TimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avmed_detection",
			Name:      "timeouts_total",
			Help:      "Timed-out operations by kind",
		}, []string{"kind"}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avmed_detection",
			Name:      "reconnects_total",
			Help:      "Remote reconnect attempts",
		}),
		WireMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avmed_detection",
			Name:      "wire_messages_total",
			Help:      "Remote protocol messages by direction and type",
		}, []string{"direction", "type"}),
	}
	r.MustRegister(
		m.ActiveSessions, m.FramesTotal, m.DetectionsTotal, m.FramesDropped,
		m.InferenceSeconds, m.TimeoutsTotal, m.ReconnectsTotal, m.WireMessagesTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
