package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/voxlane/pkg/gateway/apierror"
	"github.com/voxlane/voxlane/pkg/interview/protocol"
	"github.com/voxlane/voxlane/pkg/interview/session"
)

// attachTimeout bounds the provider dial done inside OpenConnection.
const attachTimeout = 15 * time.Second

// InterviewHandler upgrades GET /v1/interview?session_id=... to a websocket
// and hands the socket to the session manager. Errors before the upgrade are
// HTTP; errors after it travel as protocol frames on the socket.
type InterviewHandler struct {
	Manager        *session.Manager
	Logger         *slog.Logger
	AllowedOrigins map[string]struct{}
}

func (h InterviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "method not allowed",
		})
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeError(w, r, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "session_id is required",
			Param:   "session_id",
		})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		if h.Logger != nil {
			h.Logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		}
		return
	}

	// The request context dies when this handler returns; the session
	// outlives it, so attachment gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()

	if err := h.Manager.OpenConnection(ctx, sessionID, conn); err != nil {
		_ = conn.WriteJSON(socketError(err))
		_ = conn.Close()
	}
}

// checkOrigin mirrors the HTTP CORS policy on the websocket handshake: an
// empty allowlist admits only same-host (or origin-less) callers.
func (h InterviewHandler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.AllowedOrigins) == 0 {
		return strings.EqualFold(trimScheme(origin), r.Host)
	}
	_, ok := h.AllowedOrigins[origin]
	return ok
}

func trimScheme(origin string) string {
	if i := strings.Index(origin, "://"); i >= 0 {
		return origin[i+3:]
	}
	return origin
}

func socketError(err error) protocol.ServerError {
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		return protocol.ServerError{
			Type:    "error",
			Code:    "session_busy",
			Message: "session already has an open connection",
		}
	case errors.Is(err, session.ErrRetryShortly):
		return protocol.ServerError{
			Type:       "error",
			Code:       "retry_shortly",
			Message:    "previous connection is still closing, retry shortly",
			RetryAfter: 1000,
		}
	default:
		return protocol.ServerError{
			Type:    "error",
			Code:    "internal_error",
			Message: "failed to start session",
		}
	}
}
