package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voxlane/voxlane/pkg/gateway/config"
	"github.com/voxlane/voxlane/pkg/interview/session"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Registry  *session.Registry
	Questions int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		ActiveSessions int      `json:"active_sessions"`
		Questions      int      `json:"questions"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.ProviderAPIKey == "" {
		issues = append(issues, "provider api key not configured")
	}
	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "analysis api key not configured")
	}
	if h.Config.VADLoweredThreshold <= 0 || h.Config.VADLoweredThreshold > h.Config.VADThreshold {
		issues = append(issues, "vad thresholds misconfigured")
	}
	if h.Config.DisconnectedGrace <= 0 || h.Config.HeartbeatTimeout <= 0 || h.Config.IdleTimeout <= 0 {
		issues = append(issues, "watchdog thresholds must be > 0")
	}
	if h.Config.MaxSessionAge <= 0 {
		issues = append(issues, "max session age must be > 0")
	}
	if h.Questions == 0 {
		issues = append(issues, "no interview questions loaded")
	}

	active := 0
	if h.Registry != nil {
		active = h.Registry.Len()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		ActiveSessions: active,
		Questions:      h.Questions,
		Issues:         issues,
	})
}
