package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/live-relay/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports config health. It returns 503 while the process is
// draining so load balancers stop routing new connections.
type ReadyHandler struct {
	Config       config.Config
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		DrainingSince  string   `json:"draining_since,omitempty"`
		AuthMode       string   `json:"auth_mode"`
		Model          string   `json:"model"`
		LiveSessions   int      `json:"live_sessions"`
		OriginsEnabled bool     `json:"origin_allowlist_enabled"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	drainStart, draining := h.Lifecycle.DrainingSince()
	var drainingSince string
	if draining {
		drainingSince = drainStart.UTC().Format(time.RFC3339)
	}

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		DrainingSince:  drainingSince,
		AuthMode:       string(h.Config.AuthMode),
		Model:          h.Config.GeminiModel,
		LiveSessions:   h.LiveSessions.Count(),
		OriginsEnabled: len(h.Config.AllowedOrigins) > 0,
		Issues:         issues,
	})
}
