package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the call recording pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter
	Recording       prometheus.Gauge
	StartRejections *prometheus.CounterVec

	// Segment metrics
	SegmentsFinalized prometheus.Counter
	SegmentDuration   prometheus.Histogram
	DeviceErrors      *prometheus.CounterVec

	// Upload metrics
	UploadsInFlight prometheus.Gauge
	UploadDuration  prometheus.Histogram
	UploadFailures  *prometheus.CounterVec
	Verdicts        *prometheus.CounterVec

	// Decision metrics
	StaleVerdicts prometheus.Counter
	Decisions     *prometheus.CounterVec
}

// New creates and registers all metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "callguard_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsStopped: f.NewCounter(prometheus.CounterOpts{
			Name: "callguard_sessions_stopped_total",
			Help: "Total number of recording sessions stopped",
		}),
		Recording: f.NewGauge(prometheus.GaugeOpts{
			Name: "callguard_recording",
			Help: "1 while a recording session is active",
		}),
		StartRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callguard_start_rejections_total",
			Help: "Session starts rejected, by reason",
		}, []string{"reason"}),

		SegmentsFinalized: f.NewCounter(prometheus.CounterOpts{
			Name: "callguard_segments_finalized_total",
			Help: "Total number of audio segments finalized",
		}),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callguard_segment_duration_seconds",
			Help:    "Wall-clock duration of finalized segments",
			Buckets: []float64{1, 2.5, 5, 7.5, 10, 12.5, 15, 30},
		}),
		DeviceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callguard_device_errors_total",
			Help: "Capture device failures, by operation",
		}, []string{"op"}),

		UploadsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "callguard_uploads_in_flight",
			Help: "Number of segment uploads currently in flight",
		}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callguard_upload_duration_seconds",
			Help:    "Time from submit to verdict for successful uploads",
			Buckets: prometheus.DefBuckets,
		}),
		UploadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callguard_upload_failures_total",
			Help: "Failed segment uploads, by stage",
		}, []string{"stage"}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callguard_verdicts_total",
			Help: "Verdicts received from the classifier, by status",
		}, []string{"status"}),

		StaleVerdicts: f.NewCounter(prometheus.CounterOpts{
			Name: "callguard_stale_verdicts_total",
			Help: "Scam verdicts that arrived after their session ended",
		}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callguard_decisions_total",
			Help: "User decisions on scam alerts, by choice",
		}, []string{"choice"}),
	}
}

// Handler returns the HTTP handler exposing the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.Recording.Set(1)
}

func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.SessionsStopped.Inc()
	m.Recording.Set(0)
}

func (m *Metrics) StartRejected(reason string) {
	if m == nil {
		return
	}
	m.StartRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) SegmentFinalized(seconds float64) {
	if m == nil {
		return
	}
	m.SegmentsFinalized.Inc()
	m.SegmentDuration.Observe(seconds)
}

func (m *Metrics) DeviceError(op string) {
	if m == nil {
		return
	}
	m.DeviceErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) UploadStarted() {
	if m == nil {
		return
	}
	m.UploadsInFlight.Inc()
}

func (m *Metrics) UploadFinished() {
	if m == nil {
		return
	}
	m.UploadsInFlight.Dec()
}

func (m *Metrics) UploadFailed(stage string) {
	if m == nil {
		return
	}
	m.UploadFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) VerdictReceived(status string, seconds float64) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(status).Inc()
	m.UploadDuration.Observe(seconds)
}

func (m *Metrics) StaleVerdict() {
	if m == nil {
		return
	}
	m.StaleVerdicts.Inc()
}

func (m *Metrics) Decision(choice string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(choice).Inc()
}
