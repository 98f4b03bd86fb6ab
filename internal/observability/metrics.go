// Package observability holds the process-wide metrics, trace helpers and
// debug counters.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listen"

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Listen session metrics
	SessionsActive  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	AudioBytesTotal *prometheus.CounterVec
	SegmentsTotal   *prometheus.CounterVec

	// VAD gate metrics
	VADChunksTotal    *prometheus.CounterVec
	VADFinalizesTotal prometheus.Counter

	// STT metrics
	STTErrorsTotal *prometheus.CounterVec

	// Fan-out and upload metrics
	QueueDropsTotal     *prometheus.CounterVec
	ChunkUploadsTotal   *prometheus.CounterVec
	PusherTasksInFlight prometheus.Gauge

	// Agent metrics
	VMEnsureTotal     *prometheus.CounterVec
	SafetyAbortsTotal prometheus.Counter

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		SessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of open sockets",
			},
			[]string{"kind"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total sockets closed, by close code",
			},
			[]string{"kind", "close_code"},
		),
		SessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Listen session duration in seconds",
				Buckets:   []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
			},
		),
		AudioBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_bytes_total",
				Help:      "PCM bytes by stage",
			},
			[]string{"stage"},
		),
		SegmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_total",
				Help:      "Transcript segments received from providers",
			},
			[]string{"provider"},
		),
		VADChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vad_chunks_total",
				Help:      "Chunks classified by the VAD gate",
			},
			[]string{"decision"},
		),
		VADFinalizesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vad_finalizes_total",
				Help:      "Provider finalize calls triggered by hangover expiry",
			},
		),
		STTErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stt_errors_total",
				Help:      "Provider errors by kind",
			},
			[]string{"provider", "kind"},
		),
		QueueDropsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_drops_total",
				Help:      "Items evicted from bounded fan-out queues",
			},
			[]string{"queue"},
		),
		ChunkUploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_uploads_total",
				Help:      "Private cloud chunk uploads by result",
			},
			[]string{"result"},
		),
		PusherTasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pusher_tasks_in_flight",
				Help:      "Tracked follow-up tasks currently running",
			},
		),
		VMEnsureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vm_ensure_total",
				Help:      "Agent VM readiness checks by path and result",
			},
			[]string{"path", "result"},
		),
		SafetyAbortsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "safety_aborts_total",
				Help:      "Agent turns stopped by the safety guard",
			},
		),
		RateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rejected socket connects",
			},
			[]string{"route"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.AudioBytesTotal,
		m.SegmentsTotal,
		m.VADChunksTotal,
		m.VADFinalizesTotal,
		m.STTErrorsTotal,
		m.QueueDropsTotal,
		m.ChunkUploadsTotal,
		m.PusherTasksInFlight,
		m.VMEnsureTotal,
		m.SafetyAbortsTotal,
		m.RateLimitHits,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionEnded(kind string, closeCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(kind).Dec()
	m.SessionsTotal.WithLabelValues(kind, closeCode).Inc()
	if kind != "agent" {
		m.SessionDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordAudio(stage string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(stage).Add(float64(bytes))
}

func (m *Metrics) RecordSegments(provider string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SegmentsTotal.WithLabelValues(provider).Add(float64(n))
}

func (m *Metrics) RecordVADChunk(speech bool) {
	if m == nil {
		return
	}
	decision := "silence"
	if speech {
		decision = "speech"
	}
	m.VADChunksTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordVADFinalize() {
	if m == nil {
		return
	}
	m.VADFinalizesTotal.Inc()
}

func (m *Metrics) RecordSTTError(provider, kind string) {
	if m == nil {
		return
	}
	m.STTErrorsTotal.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) RecordQueueDrop(queue string) {
	if m == nil {
		return
	}
	m.QueueDropsTotal.WithLabelValues(queue).Inc()
}

func (m *Metrics) RecordChunkUpload(result string) {
	if m == nil {
		return
	}
	m.ChunkUploadsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetTasksInFlight(n int) {
	if m == nil {
		return
	}
	m.PusherTasksInFlight.Set(float64(n))
}

func (m *Metrics) RecordVMEnsure(path, result string) {
	if m == nil {
		return
	}
	m.VMEnsureTotal.WithLabelValues(path, result).Inc()
}

func (m *Metrics) RecordSafetyAbort() {
	if m == nil {
		return
	}
	m.SafetyAbortsTotal.Inc()
}

func (m *Metrics) RecordRateLimitHit(route string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(route).Inc()
}
