package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/handlers"
	"github.com/vango-go/live-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/live-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/live-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	"github.com/vango-go/live-relay/pkg/gateway/mw"
	"github.com/vango-go/live-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/live-relay/pkg/gateway/upstream"
)

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	metrics *metrics.Metrics

	dialer       upstream.Dialer
	limiter      *ratelimit.Limiter
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
}

// New wires the relay routes. A nil metrics disables /metrics recording but
// the endpoint still answers.
func New(cfg config.Config, logger *slog.Logger, dialer upstream.Dialer, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		metrics: m,
		dialer:  dialer,
		limiter: ratelimit.New(ratelimit.Config{
			ConnectRPS:              cfg.ConnectRPS,
			ConnectBurst:            cfg.ConnectBurst,
			MaxConcurrentWSSessions: cfg.MaxSessionsPerPrincipal,
		}),
		lifecycle:    &lifecycle.Lifecycle{},
		liveSessions: sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:       s.cfg,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	live := mw.RateLimit(s.cfg, s.limiter, s.metrics, handlers.LiveHandler{
		Config:       s.cfg,
		Dialer:       s.dialer,
		Logger:       s.logger,
		Metrics:      s.metrics,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
	})
	s.mux.Handle("/v1/live", live)
	s.mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			handlers.NotFoundHandler{}.ServeHTTP(w, r)
			return
		}
		live.ServeHTTP(w, r)
	}))
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) SetDraining(draining bool) {
	if s == nil || s.lifecycle == nil {
		return
	}
	s.lifecycle.SetDraining(draining)
}

// NotifyLiveSessionsDraining tells every connected client the relay is going
// away and returns how many were notified.
func (s *Server) NotifyLiveSessionsDraining() int {
	if s == nil {
		return 0
	}
	return s.liveSessions.NotifyAll(protocol.MsgShuttingDown)
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	if s == nil {
		return true
	}
	return s.liveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	if s == nil {
		return 0
	}
	return s.liveSessions.CancelAll()
}

func (s *Server) LiveSessionCount() int {
	if s == nil {
		return 0
	}
	return s.liveSessions.Count()
}
