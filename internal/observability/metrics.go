package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Identification pipeline stages.
const (
	StageTranscribe = "transcribe"
	StageConvert    = "convert"
	StageAnalyze    = "analyze"
	StageMatch      = "match"
	StageTotal      = "pipeline_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	MatchOutcomes  *prometheus.CounterVec
	ProfileUpdates *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec
	InflightJobs   prometheus.Gauge

	stages *StageWindow
}

// NewMetrics registers instruments on reg. A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_meeting_sessions",
			Help:      "Number of open meeting sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Meeting session lifecycle events by type and close reason.",
		}, []string{"event", "reason"}),
		MatchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaker_match_outcomes_total",
			Help:      "Speaker match results by confidence tier.",
		}, []string{"confidence"}),
		ProfileUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_updates_total",
			Help:      "Voice profile updates by blend mode.",
		}, []string{"mode"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by provider.",
		}, []string{"provider"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "identify_stage_latency_ms",
			Help:      "Identification pipeline stage latency in milliseconds.",
			Buckets:   []float64{50, 200, 500, 1000, 3000, 10000, 30000, 60000, 120000},
		}, []string{"stage"}),
		InflightJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identify_inflight_jobs",
			Help:      "Identification jobs currently holding a worker slot.",
		}),
		stages: NewStageWindow(256),
	}
}

// ObserveStage records a stage latency in the histogram and the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

// ObserveIndicator counts a notable pipeline outcome in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

// StageSnapshot summarizes recent stage latencies.
func (m *Metrics) StageSnapshot() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
