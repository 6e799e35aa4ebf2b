package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxlane/voxlane/pkg/interview/analysis"
	"github.com/voxlane/voxlane/pkg/interview/flow"
	"github.com/voxlane/voxlane/pkg/interview/guidance"
	"github.com/voxlane/voxlane/pkg/interview/metricsx"
	"github.com/voxlane/voxlane/pkg/interview/persist"
	"github.com/voxlane/voxlane/pkg/interview/protocol"
	"github.com/voxlane/voxlane/pkg/interview/provider"
	"github.com/voxlane/voxlane/pkg/interview/quality"
	"github.com/voxlane/voxlane/pkg/interview/tasks"
	"github.com/voxlane/voxlane/pkg/interview/types"
	"github.com/voxlane/voxlane/pkg/interview/wire"
)

// ErrSessionBusy rejects a connection for a session id whose socket is still
// open elsewhere.
var ErrSessionBusy = errors.New("session has an open connection elsewhere")

// ErrRetryShortly rejects a connection while the previous socket is mid-close.
// Two connections must never coexist, even briefly.
var ErrRetryShortly = errors.New("previous connection still closing, retry shortly")

const environmentCheckMessage = "I'm having a little trouble hearing you clearly. Could you check that you're in a quiet spot and your microphone is close by? Then we can pick up right where we left off."

// Config carries the per-deployment interview policy.
type Config struct {
	Questions         []types.Question
	AdditionalEnabled bool
	MaxAdditional     int

	Voice               string
	VADThreshold        float64
	VADLoweredThreshold float64
	SilenceDurationMS   int

	PersistInterval       time.Duration
	GuidanceTimeout       time.Duration
	GuidanceMinConfidence float64
	FinalizeTimeout       time.Duration

	Quality quality.Config

	MaxSessionAge     time.Duration
	HeartbeatTimeout  time.Duration
	IdleTimeout       time.Duration
	DisconnectedGrace time.Duration
	WarningWindow     time.Duration
	SweepInterval     time.Duration
	PingInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAdditional:       3,
		Voice:               "alloy",
		VADThreshold:        0.5,
		VADLoweredThreshold: 0.3,
		SilenceDurationMS:   700,
		PersistInterval:     2 * time.Second,
		GuidanceTimeout:     10 * time.Second,
		FinalizeTimeout:     30 * time.Second,
		Quality:             quality.DefaultConfig(),
		MaxSessionAge:       90 * time.Minute,
		HeartbeatTimeout:    60 * time.Second,
		IdleTimeout:         5 * time.Minute,
		DisconnectedGrace:   2 * time.Minute,
		WarningWindow:       30 * time.Second,
		SweepInterval:       10 * time.Second,
		PingInterval:        20 * time.Second,
	}
}

// withDefaults fills unset policy fields without touching what the caller
// did set.
func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxAdditional <= 0 {
		cfg.MaxAdditional = def.MaxAdditional
	}
	if cfg.Voice == "" {
		cfg.Voice = def.Voice
	}
	if cfg.VADThreshold <= 0 {
		cfg.VADThreshold = def.VADThreshold
	}
	if cfg.VADLoweredThreshold <= 0 {
		cfg.VADLoweredThreshold = def.VADLoweredThreshold
	}
	if cfg.SilenceDurationMS <= 0 {
		cfg.SilenceDurationMS = def.SilenceDurationMS
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = def.PersistInterval
	}
	if cfg.GuidanceTimeout <= 0 {
		cfg.GuidanceTimeout = def.GuidanceTimeout
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	if cfg.Quality.ShortWordMax <= 0 {
		cfg.Quality = def.Quality
	}
	if cfg.MaxSessionAge <= 0 {
		cfg.MaxSessionAge = def.MaxSessionAge
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.DisconnectedGrace <= 0 {
		cfg.DisconnectedGrace = def.DisconnectedGrace
	}
	if cfg.WarningWindow <= 0 {
		cfg.WarningWindow = def.WarningWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return cfg
}

// ProviderDialer opens the outbound speech-provider connection. Tests
// substitute one backed by a fake conn.
type ProviderDialer func(ctx context.Context, opts provider.Options) (*provider.Relay, error)

type Dependencies struct {
	Logger   *slog.Logger
	Store    persist.Store
	Analysis analysis.Service
	Metrics  *metricsx.Metrics
	Dial     ProviderDialer
	Now      func() time.Time
	Config   Config
}

// Manager composes the per-session components and owns the registry. All
// session mutations, regardless of source, are serialized through the
// session's mutex.
type Manager struct {
	logger   *slog.Logger
	store    persist.Store
	analysis analysis.Service
	metrics  *metricsx.Metrics
	dial     ProviderDialer
	now      func() time.Time
	cfg      Config

	registry *Registry

	// openMu serializes connection-attach decisions so two connects for the
	// same id cannot both create or both attach.
	openMu sync.Mutex
}

func NewManager(deps Dependencies) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	deps.Config = withDefaults(deps.Config)
	return &Manager{
		logger:   deps.Logger,
		store:    deps.Store,
		analysis: deps.Analysis,
		metrics:  deps.Metrics,
		dial:     deps.Dial,
		now:      deps.Now,
		cfg:      deps.Config,
		registry: NewRegistry(),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

// OpenConnection attaches a respondent socket to the session for sessionID,
// creating or rehydrating the session as needed, and starts the read loops.
// A session whose socket is already open rejects the newcomer; one mid-close
// asks it to retry.
func (m *Manager) OpenConnection(ctx context.Context, sessionID string, conn RespondentConn) error {
	now := m.now()

	m.openMu.Lock()
	s := m.registry.Get(sessionID)
	resumed := false
	if s != nil {
		s.mu.Lock()
		switch {
		case s.connOpen:
			s.mu.Unlock()
			m.openMu.Unlock()
			return ErrSessionBusy
		case s.closing:
			s.mu.Unlock()
			m.openMu.Unlock()
			return ErrRetryShortly
		default:
			s.conn = conn
			s.connOpen = true
			s.epoch = uuid.NewString()
			s.phase = types.PhaseAwaitingResume
			s.disconnectedAt = time.Time{}
			s.warned = false
			s.lastHeartbeat = now
			s.lastActivity = now
			resumed = true
			s.mu.Unlock()
		}
	} else {
		rec, err := m.store.LoadSession(ctx, sessionID)
		if err != nil && !errors.Is(err, persist.ErrNotFound) {
			m.openMu.Unlock()
			return fmt.Errorf("load session %s: %w", sessionID, err)
		}
		s = m.newSession(sessionID, conn, rec, now)
		resumed = rec != nil
		m.registry.Put(s)
		if m.metrics != nil {
			m.metrics.SessionsActive.Inc()
		}
	}
	m.openMu.Unlock()

	s.mu.Lock()
	s.sendLocked(protocol.ServerConnected{
		Type:            "connected",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		Resume:          m.resumeStateLocked(s, resumed),
	})
	epoch := s.epoch
	s.mu.Unlock()

	relay, err := m.dial(ctx, provider.Options{
		Logger:       m.logger,
		Epoch:        epoch,
		CurrentEpoch: s.Epoch,
		Handler:      &relayHandler{m: m, s: s},
	})
	if err != nil {
		m.logger.Error("provider dial failed", "session_id", sessionID, "error", err)
		m.terminate(s, "provider_unavailable", true)
		return err
	}

	s.mu.Lock()
	s.relay = relay
	var instructions string
	if resumed {
		instructions = s.flow.ResumeInstructions(s.tailSnapshotLocked())
	} else {
		instructions = s.flow.InitialInstructions()
	}
	s.flow.PrimeResponse()
	m.configureLocked(s, instructions)
	if resumed {
		s.flow.ResumePendingOffer()
	}
	s.mu.Unlock()

	go relay.Run()
	go m.readLoop(s, conn)
	return nil
}

func (m *Manager) newSession(id string, conn RespondentConn, rec *persist.Record, now time.Time) *Session {
	s := &Session{
		id:            id,
		epoch:         uuid.NewString(),
		phase:         types.PhaseInitializing,
		conn:          conn,
		connOpen:      true,
		tracker:       metricsx.NewTracker(now),
		tasks:         tasks.NewGroup(),
		createdAt:     now,
		lastHeartbeat: now,
		lastActivity:  now,
		vadThreshold:  m.cfg.VADThreshold,
	}
	s.guidance = guidance.New(m.analysis, guidance.Options{
		Logger:        m.logger,
		Timeout:       m.cfg.GuidanceTimeout,
		MinConfidence: m.cfg.GuidanceMinConfidence,
	})
	s.flow = flow.NewController(flow.Deps{
		Logger:            m.logger,
		Analysis:          m.analysis,
		Tasks:             s.tasks,
		Questions:         m.cfg.Questions,
		AdditionalEnabled: m.cfg.AdditionalEnabled,
		MaxAdditional:     m.cfg.MaxAdditional,
		TranscriptFor:     s.transcriptForLocked,
		FullTranscript:    s.fullTranscriptLocked,
		QualityScore:      func() int { return quality.Score(s.signals) },
		Configure:         func(instructions string) { m.configureLocked(s, instructions) },
		RequestResponse:   func() { m.requestResponseLocked(s) },
		Send:              s.sendLocked,
		Mutate: func(fn func()) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.terminated {
				return
			}
			fn()
		},
		SchedulePersist: func() { s.gateway.Schedule() },
		PersistNow:      func() { go s.gateway.Flush() },
		Complete:        func(reason string) { m.completeLocked(s, reason) },
	})
	s.gateway = persist.NewGateway(m.store, id, s.snapshotPatch, persist.GatewayOptions{
		Logger:   m.logger,
		Interval: m.cfg.PersistInterval,
	})

	if rec != nil {
		m.rehydrate(s, rec)
	}
	return s
}

// rehydrate rebuilds runtime state from the durable record. The in-memory
// tail is the suffix of the persisted transcript.
func (m *Manager) rehydrate(s *Session, rec *persist.Record) {
	s.transcript = append(s.transcript, rec.Transcript...)
	if n := len(s.transcript); n > tailLimit {
		s.tail = append(s.tail, s.transcript[n-tailLimit:]...)
	} else {
		s.tail = append(s.tail, s.transcript...)
	}
	s.signals = quality.Signals{
		ForeignLanguageCount: rec.Quality.ForeignLanguageCount,
		IncoherentCount:      rec.Quality.IncoherentCount,
		RepeatedWordCount:    rec.Quality.RepeatedWordCount,
		ShortUtteranceStreak: rec.Quality.ShortUtteranceStreak,
		QuestionRepeatCount:  rec.Quality.QuestionRepeatCount,
	}
	s.pausedTotal = rec.PausedTotal
	s.sessionSummary = rec.SessionSummary
	s.tracker.Restore(rec.Performance)
	s.phase = types.PhaseAwaitingResume
	s.flow.Restore(rec)
}

func (m *Manager) resumeStateLocked(s *Session, resumed bool) protocol.ResumeState {
	state := protocol.ResumeState{
		Resumed:       resumed,
		QuestionIndex: s.flow.CurrentIndex(),
		Phase:         string(s.phase),
	}
	if resumed {
		for _, e := range s.tail {
			state.TranscriptTail = append(state.TranscriptTail, protocol.ResumeTranscriptEntry{
				Speaker: string(e.Speaker),
				Text:    e.Text,
			})
		}
	}
	return state
}

// --- Respondent socket ---

func (m *Manager) readLoop(s *Session, conn RespondentConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(s, conn, err)
			return
		}
		m.handleMessage(s, conn, data)
	}
}

// handleDisconnect degrades the session to disconnected-but-resumable. The
// connection epoch is rotated so trailing provider events from this
// connection's relay are discarded, and state is flushed for rehydration.
func (m *Manager) handleDisconnect(s *Session, conn RespondentConn, err error) {
	s.mu.Lock()
	if s.conn != conn || s.terminated {
		s.mu.Unlock()
		return
	}
	s.connOpen = false
	s.closing = true
	s.disconnectedAt = m.now()
	s.epoch = uuid.NewString()
	relay := s.relay
	s.relay = nil
	s.mu.Unlock()

	m.logger.Info("respondent disconnected", "session_id", s.id, "error", err)
	if relay != nil {
		_ = relay.Close()
	}
	s.gateway.Flush()

	s.mu.Lock()
	s.closing = false
	s.conn = nil
	s.mu.Unlock()
}

func (m *Manager) handleMessage(s *Session, conn RespondentConn, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			s.mu.Lock()
			s.sendLocked(protocol.ServerError{Type: "error", Code: de.Code, Message: de.Error()})
			s.mu.Unlock()
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.conn != conn {
		return
	}
	s.lastActivity = m.now()

	switch msg := msg.(type) {
	case protocol.ClientAudioChunk:
		// Audio is silently dropped unless the session is active; a paused or
		// awaiting-resume session must not let stray buffered audio trigger a
		// provider response.
		if s.phase == types.PhaseActive && s.relay != nil {
			_ = s.relay.AppendAudio(msg.DataB64)
		}
	case protocol.ClientCommitAudio:
		if s.phase == types.PhaseActive && s.relay != nil {
			_ = s.relay.CommitAudio()
		}
	case protocol.ClientTextInput:
		if s.phase == types.PhaseActive || s.phase == types.PhaseAdditionalQuestions {
			m.handleTextInputLocked(s, msg.Text)
		}
	case protocol.ClientPause:
		if s.phase == types.PhaseActive || s.phase == types.PhaseAdditionalQuestions {
			s.phase = types.PhasePaused
			s.tracker.PauseStarted(m.now())
			go s.gateway.Flush()
		}
	case protocol.ClientResume:
		switch s.phase {
		case types.PhasePaused:
			s.pausedTotal += s.tracker.PauseEnded(m.now())
			s.phase = types.PhaseActive
		case types.PhaseAwaitingResume:
			s.phase = types.PhaseActive
		}
	case protocol.ClientAdvanceQuestion:
		if s.phase == types.PhaseActive {
			s.flow.Advance()
		}
	case protocol.ClientEndInterview:
		m.completeLocked(s, "ended_by_respondent")
	case protocol.ClientRequestAdditionalQuestions:
		if s.flow.MainExhausted() {
			s.phase = types.PhaseAdditionalQuestions
			s.flow.RequestAdditional()
		}
	case protocol.ClientDeclineAdditionalQuestions:
		if s.flow.MainExhausted() && !s.flow.ConsentRecorded() {
			s.flow.DeclineAdditional()
		}
	case protocol.ClientAdvanceAdditionalQuestion:
		if s.phase == types.PhaseAdditionalQuestions {
			s.flow.AdvanceAdditional()
		}
	case protocol.ClientEndAdditionalQuestions:
		s.flow.EndAdditional()
	case protocol.ClientHeartbeatPing:
		s.lastHeartbeat = m.now()
	case protocol.ClientAudioReady, protocol.ClientDetectedSilence, protocol.ClientCalibrationComplete:
		// Activity bookkeeping only.
	case protocol.ClientResumingAudio:
		// The explicit resume signal: the client replays audio it buffered
		// while the server was not accepting it.
		if s.phase == types.PhaseAwaitingResume {
			s.phase = types.PhaseActive
		}
		if s.phase == types.PhaseActive && s.relay != nil && msg.DataB64 != "" {
			_ = s.relay.AppendAudio(msg.DataB64)
		}
	}
}

// handleTextInputLocked is the blocking input path: the provider does not
// auto-create a response for injected text, so the orchestrator requests one.
func (m *Manager) handleTextInputLocked(s *Session, text string) {
	m.ingestRespondentTurnLocked(s, text, s.flow.CurrentIndex(), 0)
	if s.relay != nil {
		if err := s.relay.InjectText("user", text); err != nil {
			m.logger.Warn("text inject failed", "session_id", s.id, "error", err)
			return
		}
		m.requestResponseLocked(s)
	}
}

// ingestRespondentTurnLocked is the single path every respondent turn takes,
// audio or text: quality evaluation, sanitized transcript append, metrics,
// interventions, guidance trigger, persistence.
func (m *Manager) ingestRespondentTurnLocked(s *Session, text string, questionIndex int, speaking time.Duration) {
	q, _ := s.flow.CurrentQuestion()
	out := quality.Evaluate(m.cfg.Quality, s.signals, text, q.ExpectShortAnswer)
	s.signals = out.Signals
	clean := out.Sanitized

	s.appendTranscriptLocked(types.TranscriptEntry{
		Speaker:       types.SpeakerRespondent,
		Text:          clean,
		Timestamp:     m.now(),
		QuestionIndex: questionIndex,
	})
	s.flow.RecordRespondentTurn(clean, speaking)
	s.sendLocked(protocol.ServerRespondentTranscript{
		Type:          "respondent_transcript",
		Text:          clean,
		QuestionIndex: questionIndex,
	})

	if out.TriggerEnvironmentCheck {
		if m.metrics != nil {
			m.metrics.QualityTriggers.Inc()
		}
		s.sendLocked(protocol.ServerQualityWarning{
			Type:    "quality_warning",
			Score:   quality.Score(s.signals),
			Message: "transcription quality is degraded",
		})
		s.flow.ApplyGuidance(types.Guidance{
			Action:     types.GuidanceEnvironmentCheck,
			Message:    environmentCheckMessage,
			Confidence: 1,
		})
	}
	if out.LowerVADSensitivity {
		m.setVADLocked(s, m.cfg.VADLoweredThreshold, false)
	}
	if out.RestoreVADSensitivity {
		m.setVADLocked(s, m.cfg.VADThreshold, true)
	}

	m.triggerGuidanceLocked(s)
	s.gateway.Schedule()
}

// setVADLocked pushes a turn-detection change without touching instructions.
func (m *Manager) setVADLocked(s *Session, threshold float64, restored bool) {
	s.vadThreshold = threshold
	s.vadLowered = !restored
	if s.relay != nil {
		s.flow.NoteExternalConfigure()
		if err := s.relay.Configure(m.sessionConfigLocked(s, s.flow.CurrentInstructions())); err != nil {
			m.logger.Warn("vad reconfigure failed", "session_id", s.id, "error", err)
		}
	}
	s.sendLocked(protocol.ServerVADSensitivityUpdate{
		Type:      "vad_sensitivity_update",
		Threshold: threshold,
		Restored:  restored,
	})
}

// triggerGuidanceLocked fires the lag-by-one-turn analysis: computed from the
// turn that just completed, applied (if confident) to the next utterance
// only. Single-flight; a turn arriving while a call is in flight gets no
// guidance rather than queueing one.
func (m *Manager) triggerGuidanceLocked(s *Session) {
	if s.guidance.Busy() {
		return
	}
	idx := s.flow.CurrentIndex()
	q, ok := s.flow.CurrentQuestion()
	if !ok {
		return
	}
	in := analysis.GuidanceInput{
		QuestionIndex:   idx,
		CurrentQuestion: q,
		TranscriptTail:  s.tailSnapshotLocked(),
		Metrics:         s.flow.MetricsFor(idx),
		QualityScore:    quality.Score(s.signals),
	}
	s.tasks.Go("guidance", func(ctx context.Context) {
		start := m.now()
		g, err := s.guidance.Analyze(ctx, in)
		if m.metrics != nil {
			m.metrics.AnalysisLatency.WithLabelValues("guidance").Observe(m.now().Sub(start).Seconds())
		}
		if err != nil || !s.guidance.ShouldApply(g) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.terminated {
			return
		}
		s.flow.ApplyGuidance(g)
		if g.Action == types.GuidanceProbeFollowup {
			s.flow.NoteFollowUp()
		}
	})
}

// --- Provider side ---

func (m *Manager) configureLocked(s *Session, instructions string) {
	if s.relay == nil {
		return
	}
	if err := s.relay.Configure(m.sessionConfigLocked(s, instructions)); err != nil {
		m.logger.Warn("provider configure failed", "session_id", s.id, "error", err)
	}
}

func (m *Manager) sessionConfigLocked(s *Session, instructions string) wire.SessionConfig {
	return wire.SessionConfig{
		Modalities:   []string{"audio", "text"},
		Voice:        m.cfg.Voice,
		Instructions: instructions,
		TurnDetection: &wire.TurnDetection{
			Type:              "server_vad",
			Threshold:         s.vadThreshold,
			SilenceDurationMS: m.cfg.SilenceDurationMS,
		},
	}
}

func (m *Manager) requestResponseLocked(s *Session) {
	if s.relay == nil {
		return
	}
	s.tracker.ResponseRequested(m.now())
	err := s.relay.CreateResponse(nil)
	switch {
	case errors.Is(err, provider.ErrResponseActive):
		// Replayed when the in-flight response finishes.
		s.pendingResponse = true
	case err != nil:
		m.logger.Warn("response request failed", "session_id", s.id, "error", err)
	}
}

// relayHandler adapts epoch-filtered provider events into session mutations.
// All callbacks arrive on the relay's read goroutine.
type relayHandler struct {
	m *Manager
	s *Session
}

func (h *relayHandler) locked(fn func()) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.s.terminated {
		return
	}
	fn()
}

func (h *relayHandler) OnSessionReady() {
	h.locked(func() {
		if h.s.phase == types.PhaseInitializing {
			h.s.phase = types.PhaseActive
		}
		h.s.flow.ConfirmConfigured()
	})
}

func (h *relayHandler) OnAudioDelta(dataB64 string) {
	h.locked(func() {
		h.s.tracker.FirstAudio(h.m.now())
		h.s.interviewerSpeaking = true
		h.s.sendLocked(protocol.ServerAudioChunk{Type: "audio_chunk", DataB64: dataB64})
	})
}

func (h *relayHandler) OnAudioDone() {
	h.locked(func() {
		h.s.interviewerSpeaking = false
		h.s.sendLocked(protocol.ServerAudioDone{Type: "audio_done"})
	})
}

func (h *relayHandler) OnTranscriptDelta(text string) {
	h.locked(func() {
		h.s.interviewerPartial += text
		h.s.sendLocked(protocol.ServerInterviewerTranscriptDelta{Type: "interviewer_transcript_delta", Text: text})
	})
}

func (h *relayHandler) OnTranscriptDone(text string) {
	h.locked(func() {
		h.s.interviewerPartial = ""
		h.s.appendTranscriptLocked(types.TranscriptEntry{
			Speaker:       types.SpeakerInterviewer,
			Text:          text,
			Timestamp:     h.m.now(),
			QuestionIndex: h.s.flow.CurrentIndex(),
		})
		h.s.sendLocked(protocol.ServerInterviewerTranscriptDone{Type: "interviewer_transcript_done", Text: text})
		h.s.gateway.Schedule()
	})
}

func (h *relayHandler) OnTranscriptionCompleted(text string, usage *wire.Usage) {
	h.locked(func() {
		if usage != nil {
			h.s.tracker.AddUsage(usage.InputTokens, usage.OutputTokens)
		}
		// Tagged with the question active when speech started, not when the
		// transcription arrived; answers straddling a transition stay with
		// their question.
		h.m.ingestRespondentTurnLocked(h.s, text, h.s.speechQuestionIndex, h.s.lastSpeechDuration)
	})
}

func (h *relayHandler) OnSpeechStarted() {
	h.locked(func() {
		h.s.tracker.SpeechStarted(h.m.now())
		h.s.speechQuestionIndex = h.s.flow.CurrentIndex()
		if h.s.interviewerSpeaking {
			// Barge-in: the respondent talked over the interviewer.
			h.s.markLastInterviewerInterruptedLocked()
			h.s.interviewerSpeaking = false
		}
		h.s.sendLocked(protocol.ServerSpeakingStarted{Type: "speaking_started"})
	})
}

func (h *relayHandler) OnSpeechStopped() {
	h.locked(func() {
		h.s.lastSpeechDuration = h.s.tracker.SpeechStopped(h.m.now())
		h.s.sendLocked(protocol.ServerSpeakingStopped{Type: "speaking_stopped"})
	})
}

func (h *relayHandler) OnResponseDone(status string, usage *wire.Usage) {
	h.locked(func() {
		if usage != nil {
			h.s.tracker.AddUsage(usage.InputTokens, usage.OutputTokens)
			if h.m.metrics != nil {
				h.m.metrics.TokensTotal.WithLabelValues("input").Add(float64(usage.InputTokens))
				h.m.metrics.TokensTotal.WithLabelValues("output").Add(float64(usage.OutputTokens))
			}
		}
		if h.s.pendingResponse {
			h.s.pendingResponse = false
			h.m.requestResponseLocked(h.s)
		}
	})
}

func (h *relayHandler) OnProviderError(err wire.ProviderError) {
	h.m.logger.Error("provider error", "session_id", h.s.id, "code", err.Code, "message", err.Message)
	h.locked(func() {
		h.s.sendLocked(protocol.ServerError{Type: "error", Code: "provider_error", Message: "speech service error"})
	})
}

func (h *relayHandler) OnRelayClosed(err error) {
	h.m.logger.Warn("provider relay closed", "session_id", h.s.id, "error", err)
	go h.m.reconnectProvider(h.s)
}

// reconnectProvider redials after the provider socket dies underneath a live
// session. The epoch rotates so the dead relay's trailing events are
// discarded; the new session is configured with resume instructions.
func (m *Manager) reconnectProvider(s *Session) {
	s.mu.Lock()
	if s.terminated || !s.connOpen {
		s.mu.Unlock()
		return
	}
	s.epoch = uuid.NewString()
	epoch := s.epoch
	s.relay = nil
	s.mu.Unlock()

	relay, err := m.dial(context.Background(), provider.Options{
		Logger:       m.logger,
		Epoch:        epoch,
		CurrentEpoch: s.Epoch,
		Handler:      &relayHandler{m: m, s: s},
	})
	if err != nil {
		m.logger.Error("provider redial failed", "session_id", s.id, "error", err)
		m.terminate(s, "provider_unavailable", true)
		return
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		_ = relay.Close()
		return
	}
	s.relay = relay
	s.flow.PrimeResponse()
	m.configureLocked(s, s.flow.ResumeInstructions(s.tailSnapshotLocked()))
	s.mu.Unlock()
	go relay.Run()
}

// --- Finalization ---

// completeLocked is the flow controller's completion callback and the
// end-interview handler. The heavy lifting happens off the lock.
func (m *Manager) completeLocked(s *Session, reason string) {
	if s.phase == types.PhaseFinalizing || s.terminated {
		return
	}
	s.phase = types.PhaseFinalizing
	s.endReason = reason
	go m.finalize(s, reason, true, false)
}

// terminate ends a session from the watchdog or a setup failure. No session
// summary is generated; outstanding background work is still awaited.
func (m *Manager) terminate(s *Session, reason string, resumable bool) {
	s.mu.Lock()
	if s.phase == types.PhaseFinalizing || s.terminated {
		s.mu.Unlock()
		return
	}
	s.phase = types.PhaseFinalizing
	s.endReason = reason
	s.mu.Unlock()
	m.finalize(s, reason, false, resumable)
}

// finalize awaits outstanding background summary tasks, optionally generates
// the session summary, flushes durable state, notifies the respondent, and
// removes the session from the registry. Always called off the session lock.
func (m *Manager) finalize(s *Session, reason string, complete, resumable bool) {
	waitCtx, cancel := context.WithTimeout(context.Background(), m.cfg.FinalizeTimeout)
	defer cancel()
	if !s.tasks.Wait(waitCtx) {
		m.logger.Warn("finalize proceeding with unfinished background tasks",
			"session_id", s.id, "pending", s.tasks.Pending())
	}

	if complete {
		s.mu.Lock()
		in := analysis.SessionSummaryInput{
			Transcript: s.fullTranscriptLocked(),
			Summaries:  s.flow.Summaries(),
		}
		s.mu.Unlock()

		sumCtx, sumCancel := context.WithTimeout(context.Background(), m.cfg.FinalizeTimeout)
		summary, err := m.analysis.GenerateSessionSummary(sumCtx, in)
		sumCancel()
		if err != nil {
			m.logger.Warn("session summary failed", "session_id", s.id, "error", err)
		} else {
			s.mu.Lock()
			s.sessionSummary = summary.Text
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	if complete {
		s.phase = types.PhaseCompleted
	} else {
		s.phase = types.PhaseTerminated
	}
	s.terminated = true
	createdAt := s.createdAt
	relay := s.relay
	conn := s.conn
	s.relay = nil
	s.mu.Unlock()

	s.gateway.Flush()

	s.mu.Lock()
	if complete {
		s.sendLocked(protocol.ServerInterviewComplete{Type: "interview_complete"})
	} else {
		s.sendLocked(protocol.ServerSessionTerminated{Type: "session_terminated", Reason: reason, Resumable: resumable})
	}
	s.connOpen = false
	s.conn = nil
	s.mu.Unlock()

	if relay != nil {
		_ = relay.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.tasks.Cancel()
	m.registry.Delete(s.id)

	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
		m.metrics.SessionsTotal.WithLabelValues(reason).Inc()
		m.metrics.SessionDuration.Observe(m.now().Sub(createdAt).Seconds())
	}
	m.logger.Info("session ended", "session_id", s.id, "reason", reason, "resumable", resumable)
}

// Shutdown drains the registry for process exit: every live session gets a
// warning, durable state is flushed, and the manager waits for sessions to
// end until ctx expires, then terminates the stragglers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.registry.Each(func(s *Session) {
		s.mu.Lock()
		s.sendLocked(protocol.ServerSessionWarning{
			Type:    "session_warning",
			Code:    "server_shutdown",
			Message: "the service is restarting; your progress is saved",
		})
		s.mu.Unlock()
		s.gateway.Flush()
	})

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for m.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			m.registry.Each(func(s *Session) {
				m.terminate(s, "server_shutdown", true)
			})
			return
		case <-ticker.C:
		}
	}
}
