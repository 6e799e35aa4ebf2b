// Package metricsx tracks per-session usage accumulators and exposes
// process-level prometheus metrics for the interview service.
package metricsx

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxlane/voxlane/pkg/interview/types"
)

// Tracker accumulates one session's token usage, latency samples, and
// speaking/silence/pause time.
type Tracker struct {
	mu sync.Mutex

	inputTokens  int
	outputTokens int
	latencies    []int64

	speaking    time.Duration
	silence     time.Duration
	pausedTotal time.Duration

	speechStart  time.Time
	silenceStart time.Time
	pauseStart   time.Time
	pendingReq   time.Time
}

func NewTracker(now time.Time) *Tracker {
	return &Tracker{silenceStart: now}
}

// Restore seeds the accumulators from a persisted snapshot so a rehydrated
// session keeps counting where it left off instead of overwriting the durable
// totals with zeros on its next flush.
func (t *Tracker) Restore(m types.PerformanceMetrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTokens = m.InputTokens
	t.outputTokens = m.OutputTokens
	t.speaking = m.SpeakingTime
	t.silence = m.SilenceTime
	t.pausedTotal = m.PausedTime
	t.latencies = append([]int64(nil), m.ResponseLatencyMS...)
}

func (t *Tracker) AddUsage(input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTokens += input
	t.outputTokens += output
}

// SpeechStarted closes the running silence window and opens a speaking one.
func (t *Tracker) SpeechStarted(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.silenceStart.IsZero() {
		t.silence += now.Sub(t.silenceStart)
		t.silenceStart = time.Time{}
	}
	t.speechStart = now
}

func (t *Tracker) SpeechStopped(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var d time.Duration
	if !t.speechStart.IsZero() {
		d = now.Sub(t.speechStart)
		t.speaking += d
		t.speechStart = time.Time{}
	}
	t.silenceStart = now
	return d
}

// ResponseRequested marks the start of a provider response for latency
// sampling; FirstAudio closes the sample.
func (t *Tracker) ResponseRequested(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingReq = now
}

func (t *Tracker) FirstAudio(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingReq.IsZero() {
		return
	}
	t.latencies = append(t.latencies, now.Sub(t.pendingReq).Milliseconds())
	t.pendingReq = time.Time{}
}

func (t *Tracker) PauseStarted(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pauseStart.IsZero() {
		t.pauseStart = now
	}
}

func (t *Tracker) PauseEnded(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pauseStart.IsZero() {
		return 0
	}
	d := now.Sub(t.pauseStart)
	t.pausedTotal += d
	t.pauseStart = time.Time{}
	return d
}

func (t *Tracker) Snapshot() types.PerformanceMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	lat := make([]int64, len(t.latencies))
	copy(lat, t.latencies)
	return types.PerformanceMetrics{
		InputTokens:       t.inputTokens,
		OutputTokens:      t.outputTokens,
		SpeakingTime:      t.speaking,
		SilenceTime:       t.silence,
		PausedTime:        t.pausedTotal,
		ResponseLatencyMS: lat,
	}
}

// Metrics holds the process-wide prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	TokensTotal     *prometheus.CounterVec
	AnalysisLatency *prometheus.HistogramVec
	QualityTriggers prometheus.Counter
	PersistFailures prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxlane"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live interview sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions ended, by terminal reason",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Interview session duration in seconds",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Speech provider tokens processed",
		}, []string{"direction"}),
		AnalysisLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_latency_seconds",
			Help:      "Analysis service call latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		QualityTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "environment_checks_total",
			Help:      "Environment-check interventions triggered",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed persistence writes",
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.TokensTotal,
		m.AnalysisLatency,
		m.QualityTriggers,
		m.PersistFailures,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
