package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Live session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Upstream session metrics
	UpstreamInitTotal    *prometheus.CounterVec
	UpstreamInitDuration prometheus.Histogram

	// Frame metrics
	FramesTotal        *prometheus.CounterVec
	FrameBytesTotal    *prometheus.CounterVec
	DroppedFramesTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "live_relay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open client connections",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of client connections by final state",
		},
		[]string{"state"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Client connection duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	upstreamInitTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_init_total",
			Help:      "Upstream session initialization attempts by result",
		},
		[]string{"result"},
	)

	upstreamInitDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_init_duration_seconds",
			Help:      "Time to establish the upstream session",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames relayed by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	frameBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_total",
			Help:      "Frame payload bytes relayed by direction",
		},
		[]string{"direction"},
	)

	droppedFramesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames dropped by reason",
		},
		[]string{"reason"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error frames sent to clients by kind",
		},
		[]string{"kind"},
	)

	rateLimitHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"limit_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		upstreamInitTotal,
		upstreamInitDuration,
		framesTotal,
		frameBytesTotal,
		droppedFramesTotal,
		errorsTotal,
		rateLimitHits,
	)

	return &Metrics{
		registry:             registry,
		SessionsActive:       sessionsActive,
		SessionsTotal:        sessionsTotal,
		SessionDuration:      sessionDuration,
		UpstreamInitTotal:    upstreamInitTotal,
		UpstreamInitDuration: upstreamInitDuration,
		FramesTotal:          framesTotal,
		FrameBytesTotal:      frameBytesTotal,
		DroppedFramesTotal:   droppedFramesTotal,
		ErrorsTotal:          errorsTotal,
		RateLimitHits:        rateLimitHits,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(state).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordUpstreamInit(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamInitTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.UpstreamInitDuration.Observe(duration.Seconds())
	}
}

// RecordFrame records one relayed frame. direction is "inbound" or "outbound".
func (m *Metrics) RecordFrame(direction, kind string, bytes int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, kind).Inc()
	if bytes > 0 {
		m.FrameBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

func (m *Metrics) RecordDroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.DroppedFramesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRateLimitHit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}
