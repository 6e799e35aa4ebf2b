package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/voxlane/pkg/interview/protocol"
	"github.com/voxlane/voxlane/pkg/interview/types"
)

// Watchdog is the single process-wide liveness sweep. One slow ticker scans
// every live session for max-age, heartbeat, idle, and disconnected-grace
// violations; a second, faster ticker sends protocol-level pings to open
// respondent connections, which some network intermediaries require
// independent of the application heartbeat.
type Watchdog struct {
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time
	cfg     Config
}

func NewWatchdog(m *Manager) *Watchdog {
	return &Watchdog{
		manager: m,
		logger:  m.logger,
		now:     m.now,
		cfg:     m.cfg,
	}
}

// Run blocks until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()
	ping := time.NewTicker(w.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			w.SweepOnce(w.now())
		case <-ping.C:
			w.PingOnce()
		}
	}
}

type violation struct {
	reason    string
	resumable bool
}

// SweepOnce evaluates every live session once against the liveness
// thresholds, terminating violators and warning sessions that are close.
func (w *Watchdog) SweepOnce(now time.Time) {
	w.manager.registry.Each(func(s *Session) {
		s.mu.Lock()
		if s.terminated || s.phase == types.PhaseFinalizing {
			s.mu.Unlock()
			return
		}

		v, timeLeft := w.evaluateLocked(s, now)
		if v == nil {
			if timeLeft > 0 && timeLeft <= w.cfg.WarningWindow && !s.warned {
				s.warned = true
				s.sendLocked(protocol.ServerSessionWarning{
					Type:    "session_warning",
					Code:    "session_expiring",
					Message: "the session will end soon unless activity resumes",
				})
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		w.logger.Info("watchdog terminating session", "session_id", s.id, "reason", v.reason)
		w.manager.terminate(s, v.reason, v.resumable)
	})
}

// evaluateLocked returns the first violated threshold, or nil plus the time
// remaining until the nearest one.
func (w *Watchdog) evaluateLocked(s *Session, now time.Time) (*violation, time.Duration) {
	age := now.Sub(s.createdAt)
	if age > w.cfg.MaxSessionAge {
		return &violation{reason: "max_duration_exceeded", resumable: false}, 0
	}

	if !s.disconnectedAt.IsZero() {
		if now.Sub(s.disconnectedAt) > w.cfg.DisconnectedGrace {
			// Past the grace window the session is torn down; a later connect
			// for this id starts fresh from durable state.
			return &violation{reason: "disconnected_timeout", resumable: false}, 0
		}
		return nil, w.cfg.DisconnectedGrace - now.Sub(s.disconnectedAt)
	}

	if now.Sub(s.lastHeartbeat) > w.cfg.HeartbeatTimeout {
		return &violation{reason: "heartbeat_timeout", resumable: true}, 0
	}
	if s.phase != types.PhasePaused && now.Sub(s.lastActivity) > w.cfg.IdleTimeout {
		return &violation{reason: "idle_timeout", resumable: true}, 0
	}

	left := w.cfg.MaxSessionAge - age
	if d := w.cfg.HeartbeatTimeout - now.Sub(s.lastHeartbeat); d < left {
		left = d
	}
	if d := w.cfg.IdleTimeout - now.Sub(s.lastActivity); d < left {
		left = d
	}
	return nil, left
}

// PingOnce sends a websocket ping to every open respondent connection.
func (w *Watchdog) PingOnce() {
	deadline := w.now().Add(5 * time.Second)
	w.manager.registry.Each(func(s *Session) {
		s.mu.Lock()
		conn := s.conn
		open := s.connOpen
		s.mu.Unlock()
		if open && conn != nil {
			_ = conn.WriteControl(websocket.PingMessage, nil, deadline)
		}
	})
}
