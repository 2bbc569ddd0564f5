package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/live-relay/pkg/gateway/live/session"
	"github.com/vango-go/live-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	"github.com/vango-go/live-relay/pkg/gateway/mw"
	"github.com/vango-go/live-relay/pkg/gateway/principal"
	"github.com/vango-go/live-relay/pkg/gateway/upstream"
)

// LiveHandler accepts browser WebSocket connections and runs one relay
// session per connection.
type LiveHandler struct {
	Config       config.Config
	Dialer       upstream.Dialer
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, "method not allowed", reqID)
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, http.StatusServiceUnavailable, "relay is draining", reqID)
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, http.StatusForbidden, "origin is not allowed", reqID)
		return
	}
	if h.Dialer == nil {
		apierror.Write(w, http.StatusServiceUnavailable, "upstream is not configured", reqID)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		// Origin was checked above against the allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "request_id", reqID, "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sessionID := "s_" + uuid.NewString()
	startAt := time.Now()
	logger.Info("client connected", "session_id", sessionID, "request_id", reqID, "remote_addr", r.RemoteAddr,
		"client_ip", principal.ClientIP(r, h.Config.TrustProxyHeaders))

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Dialer:    h.Dialer,
		Logger:    logger,
		Metrics:   h.Metrics,
		SessionID: sessionID,
		RequestID: reqID,
		StartTime: startAt,
		Config: session.Config{
			MaxMessageBytes:     h.Config.MaxMessageBytes,
			MaxFramesPerSecond:  h.Config.MaxFramesPerSecond,
			MaxBytesPerSecond:   h.Config.MaxBytesPerSecond,
			InboundBurstSeconds: h.Config.InboundBurstSeconds,
			OutboundQueueSize:   h.Config.OutboundQueueSize,
			BackpressureTimeout: h.Config.BackpressureTimeout,
			PingInterval:        h.Config.PingInterval,
			WriteTimeout:        h.Config.WriteTimeout,
			InitAttempts:        h.Config.UpstreamInitAttempts,
			InitBackoff:         h.Config.UpstreamInitBackoff,
			InitialPrompt:       h.Config.Prompt(),
		},
	})
	if err != nil {
		logger.Error("failed to initialize relay session", "session_id", sessionID, "request_id", reqID, "error", err)
		return
	}

	unregister := h.LiveSessions.Register(sessionID, sessions.Handle{
		Cancel: s.Cancel,
		Notify: s.Notify,
	})
	defer unregister()

	if err := s.Run(); err != nil {
		logger.Warn("relay session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
	logger.Info("client closed",
		"session_id", sessionID,
		"request_id", reqID,
		"state", string(s.State()),
		"duration_ms", time.Since(startAt).Milliseconds(),
	)
}

// originAllowed accepts requests without an Origin header (non-browser
// clients) and every origin when no allowlist is configured.
func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	allowed := h.Config.OriginSet()
	if len(allowed) == 0 {
		return true
	}
	_, ok := allowed[origin]
	return ok
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := mw.RequestIDFrom(ctx)
	return id
}
