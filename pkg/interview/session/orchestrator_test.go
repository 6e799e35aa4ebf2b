package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/voxlane/pkg/interview/analysis"
	"github.com/voxlane/voxlane/pkg/interview/persist"
	"github.com/voxlane/voxlane/pkg/interview/protocol"
	"github.com/voxlane/voxlane/pkg/interview/provider"
	"github.com/voxlane/voxlane/pkg/interview/types"
)

// --- Fakes ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeStore struct {
	mu      sync.Mutex
	patches []persist.Patch
	rec     *persist.Record
	loads   int
}

func (f *fakeStore) PersistPatch(_ context.Context, _ string, patch persist.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	return nil
}

func (f *fakeStore) LoadSession(context.Context, string) (*persist.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.rec == nil {
		return nil, persist.ErrNotFound
	}
	rec := *f.rec
	return &rec, nil
}

func (f *fakeStore) lastPatch() (persist.Patch, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.patches) == 0 {
		return persist.Patch{}, false
	}
	return f.patches[len(f.patches)-1], true
}

type fakeAnalysis struct {
	mu           sync.Mutex
	summaryCalls int
}

func (f *fakeAnalysis) AnalyzeGuidance(context.Context, analysis.GuidanceInput) (types.Guidance, error) {
	return types.Guidance{Action: types.GuidanceNone}, nil
}

func (f *fakeAnalysis) SummarizeQuestion(_ context.Context, in analysis.SummarizeInput) (types.QuestionSummary, error) {
	f.mu.Lock()
	f.summaryCalls++
	f.mu.Unlock()
	return types.QuestionSummary{
		QuestionIndex: in.QuestionIndex,
		QuestionText:  in.Question.Text,
		Summary:       "summary",
	}, nil
}

func (f *fakeAnalysis) DetectTopicOverlap(context.Context, analysis.OverlapInput) (types.OverlapResult, error) {
	return types.OverlapResult{}, nil
}

func (f *fakeAnalysis) GenerateAdditionalQuestions(context.Context, analysis.AdditionalQuestionsInput) ([]types.GeneratedQuestion, error) {
	return nil, nil
}

func (f *fakeAnalysis) GenerateSessionSummary(context.Context, analysis.SessionSummaryInput) (types.SessionSummary, error) {
	return types.SessionSummary{Text: "overall summary"}, nil
}

type fakeRespConn struct {
	mu     sync.Mutex
	in     chan []byte
	sent   []any
	pings  int
	closed bool
}

func newFakeRespConn() *fakeRespConn {
	return &fakeRespConn{in: make(chan []byte, 64)}
}

func (c *fakeRespConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.in
	if !ok {
		return 0, nil, errors.New("respondent connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeRespConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeRespConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.PingMessage {
		c.pings++
	}
	return nil
}

func (c *fakeRespConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *fakeRespConn) clientSend(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- data
}

func (c *fakeRespConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeProviderConn struct {
	mu     sync.Mutex
	in     chan []byte
	writes []any
	closed bool
}

func newFakeProviderConn() *fakeProviderConn {
	return &fakeProviderConn{in: make(chan []byte, 64)}
}

func (c *fakeProviderConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.in
	if !ok {
		return 0, nil, errors.New("provider connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeProviderConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, v)
	return nil
}

func (c *fakeProviderConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *fakeProviderConn) emit(t *testing.T, frame string) {
	t.Helper()
	c.in <- []byte(frame)
}

// --- Test environment ---

type env struct {
	clock    *fakeClock
	store    *fakeStore
	analysis *fakeAnalysis
	manager  *Manager

	mu    sync.Mutex
	conns []*fakeProviderConn
}

func newEnv(t *testing.T, questions []types.Question, additional bool) *env {
	t.Helper()
	e := &env{
		clock:    newFakeClock(),
		store:    &fakeStore{},
		analysis: &fakeAnalysis{},
	}
	cfg := DefaultConfig()
	cfg.Questions = questions
	cfg.AdditionalEnabled = additional
	cfg.PersistInterval = 10 * time.Millisecond
	cfg.FinalizeTimeout = 2 * time.Second

	e.manager = NewManager(Dependencies{
		Store:    e.store,
		Analysis: e.analysis,
		Now:      e.clock.Now,
		Config:   cfg,
		Dial: func(_ context.Context, opts provider.Options) (*provider.Relay, error) {
			pc := newFakeProviderConn()
			e.mu.Lock()
			e.conns = append(e.conns, pc)
			e.mu.Unlock()
			return provider.New(pc, opts), nil
		},
	})
	return e
}

func (e *env) providerConn(i int) *fakeProviderConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func interviewQuestions(n int) []types.Question {
	out := make([]types.Question, n)
	for i := range out {
		out[i] = types.Question{Text: fmt.Sprintf("question %d", i+1)}
	}
	return out
}

// providerWroteType reports whether any frame of the given wire type was
// written to the fake provider connection.
func providerWroteType(pc *fakeProviderConn, typ string) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, w := range pc.writes {
		b, err := json.Marshal(w)
		if err != nil {
			continue
		}
		var frame struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(b, &frame) == nil && frame.Type == typ {
			return true
		}
	}
	return false
}

// speakTurn simulates one respondent audio turn through the provider side.
func speakTurn(t *testing.T, pc *fakeProviderConn, text string) {
	t.Helper()
	pc.emit(t, `{"type":"input_audio_buffer.speech_started"}`)
	pc.emit(t, `{"type":"input_audio_buffer.speech_stopped"}`)
	frame, _ := json.Marshal(map[string]string{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": text,
	})
	pc.emit(t, string(frame))
}

// --- Tests ---

func TestOpenConnection_FreshSessionVoicesFirstQuestion(t *testing.T) {
	e := newEnv(t, interviewQuestions(3), false)
	conn := newFakeRespConn()

	if err := e.manager.OpenConnection(context.Background(), "s1", conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	waitFor(t, "connected message", func() bool {
		for _, m := range conn.messages() {
			if c, ok := m.(protocol.ServerConnected); ok {
				return c.SessionID == "s1" && !c.Resume.Resumed
			}
		}
		return false
	})

	pc := e.providerConn(0)
	waitFor(t, "session.update", func() bool {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		return len(pc.writes) >= 1
	})

	pc.emit(t, `{"type":"session.created"}`)

	waitFor(t, "response.create after configure ack", func() bool {
		return providerWroteType(pc, "response.create")
	})

	if got := e.manager.registry.Get("s1").Phase(); got != types.PhaseActive {
		t.Errorf("phase = %s, want active", got)
	}
}

func TestOpenConnection_SecondSocketRejectedWhileOpen(t *testing.T) {
	e := newEnv(t, interviewQuestions(1), false)
	conn1 := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn1); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn1.Close() })

	conn2 := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn2); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("err = %v, want ErrSessionBusy", err)
	}
}

func TestEndToEnd_ThreeQuestionsDeclineAdditional(t *testing.T) {
	e := newEnv(t, interviewQuestions(3), true)
	conn := newFakeRespConn()

	if err := e.manager.OpenConnection(context.Background(), "s1", conn); err != nil {
		t.Fatal(err)
	}
	pc := e.providerConn(0)
	pc.emit(t, `{"type":"session.created"}`)

	s := e.manager.registry.Get("s1")
	waitFor(t, "session active", func() bool { return s.Phase() == types.PhaseActive })

	for i := 0; i < 3; i++ {
		speakTurn(t, pc, fmt.Sprintf("my answer to question number %d in detail", i+1))
		want := i + 1
		waitFor(t, "respondent transcript appended", func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			n := 0
			for _, entry := range s.transcript {
				if entry.Speaker == types.SpeakerRespondent {
					n++
				}
			}
			return n == want
		})
		conn.clientSend(t, protocol.ClientAdvanceQuestion{Type: "advance_question"})
		cursor := i + 1
		waitFor(t, "cursor advanced", func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.flow.Cursor() == cursor
		})
	}

	waitFor(t, "additional questions offer", func() bool {
		for _, m := range conn.messages() {
			if _, ok := m.(protocol.ServerAdditionalQuestionsOffer); ok {
				return true
			}
		}
		return false
	})

	conn.clientSend(t, protocol.ClientDeclineAdditionalQuestions{Type: "decline_additional_questions"})

	waitFor(t, "session finalized", func() bool {
		return e.manager.registry.Len() == 0
	})

	patch, ok := e.store.lastPatch()
	if !ok {
		t.Fatal("nothing persisted")
	}
	if patch.Status == nil || *patch.Status != types.PhaseCompleted {
		t.Errorf("persisted status = %v, want completed", patch.Status)
	}
	if len(patch.Summaries) != 3 {
		t.Errorf("persisted %d summaries, want 3", len(patch.Summaries))
	}
	if pending := s.tasks.Pending(); pending != 0 {
		t.Errorf("pending task map has %d entries at finalize, want 0", pending)
	}
	if patch.SessionSummary == nil || *patch.SessionSummary != "overall summary" {
		t.Error("session summary not persisted")
	}

	var completed bool
	for _, m := range conn.messages() {
		if _, ok := m.(protocol.ServerInterviewComplete); ok {
			completed = true
		}
	}
	if !completed {
		t.Error("interview_complete not sent")
	}
}

func TestReconnect_WithinGraceReattaches(t *testing.T) {
	e := newEnv(t, interviewQuestions(3), false)
	conn1 := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn1); err != nil {
		t.Fatal(err)
	}
	pc := e.providerConn(0)
	pc.emit(t, `{"type":"session.created"}`)

	s := e.manager.registry.Get("s1")
	waitFor(t, "session active", func() bool { return s.Phase() == types.PhaseActive })

	speakTurn(t, pc, "a perfectly ordinary first answer")
	waitFor(t, "transcript", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.transcript) == 1
	})
	conn1.clientSend(t, protocol.ClientAdvanceQuestion{Type: "advance_question"})
	waitFor(t, "cursor", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.flow.Cursor() == 1
	})

	oldEpoch := s.Epoch()
	conn1.Close()
	waitFor(t, "disconnect recorded", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.connOpen && !s.closing && !s.disconnectedAt.IsZero()
	})
	if s.Epoch() == oldEpoch {
		t.Error("epoch must rotate on disconnect so trailing relay events are stale")
	}

	// Within the grace window: reattach to the same session.
	e.clock.Advance(30 * time.Second)
	conn2 := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn2.Close() })

	if got := e.manager.registry.Get("s1"); got != s {
		t.Fatal("reconnect created a new session instead of reattaching")
	}
	if got := s.Phase(); got != types.PhaseAwaitingResume {
		t.Errorf("phase = %s, want awaiting_resume", got)
	}
	waitFor(t, "resumed connected message", func() bool {
		for _, m := range conn2.messages() {
			if c, ok := m.(protocol.ServerConnected); ok {
				return c.Resume.Resumed && c.Resume.QuestionIndex == 1 && len(c.Resume.TranscriptTail) == 1
			}
		}
		return false
	})

	// Audio is dropped until the client signals resume.
	s.mu.Lock()
	if s.phase != types.PhaseAwaitingResume {
		t.Error("audio must not be forwarded while awaiting resume")
	}
	s.mu.Unlock()
	conn2.clientSend(t, protocol.ClientResumingAudio{Type: "client_resuming_audio"})
	waitFor(t, "active after resume signal", func() bool { return s.Phase() == types.PhaseActive })
}

func TestReconnect_AfterGraceYieldsFreshSession(t *testing.T) {
	e := newEnv(t, interviewQuestions(3), false)
	conn1 := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn1); err != nil {
		t.Fatal(err)
	}
	e.providerConn(0).emit(t, `{"type":"session.created"}`)
	s := e.manager.registry.Get("s1")
	waitFor(t, "session active", func() bool { return s.Phase() == types.PhaseActive })

	conn1.Close()
	waitFor(t, "disconnect recorded", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.connOpen && !s.closing
	})

	// Past the grace window the watchdog tears the session down.
	e.clock.Advance(e.manager.cfg.DisconnectedGrace + time.Second)
	NewWatchdog(e.manager).SweepOnce(e.clock.Now())
	waitFor(t, "session removed", func() bool { return e.manager.registry.Len() == 0 })

	conn2 := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn2.Close() })

	fresh := e.manager.registry.Get("s1")
	if fresh == s {
		t.Fatal("expected a fresh session after the grace window")
	}
	waitFor(t, "fresh connected message", func() bool {
		for _, m := range conn2.messages() {
			if c, ok := m.(protocol.ServerConnected); ok {
				return !c.Resume.Resumed
			}
		}
		return false
	})
}

// Reopening a session must carry the durable performance totals forward: the
// first flush after rehydration writes the tracker snapshot wholesale, so a
// tracker starting from zero would wipe the persisted counters.
func TestRehydrate_KeepsPersistedPerformanceTotals(t *testing.T) {
	e := newEnv(t, interviewQuestions(3), false)
	e.store.rec = &persist.Record{
		SessionID:     "s1",
		QuestionIndex: 1,
		Transcript: []types.TranscriptEntry{
			{Speaker: types.SpeakerRespondent, Text: "my earlier answer", QuestionIndex: 0},
		},
		Performance: types.PerformanceMetrics{InputTokens: 1234, OutputTokens: 56},
	}

	conn := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	pc := e.providerConn(0)
	pc.emit(t, `{"type":"session.created"}`)

	s := e.manager.registry.Get("s1")
	conn.clientSend(t, protocol.ClientResumingAudio{Type: "client_resuming_audio"})
	waitFor(t, "active after resume", func() bool { return s.Phase() == types.PhaseActive })

	speakTurn(t, pc, "a fresh answer given after reconnecting to the interview")
	waitFor(t, "flush keeps the durable totals", func() bool {
		patch, ok := e.store.lastPatch()
		return ok && patch.Performance != nil &&
			patch.Performance.InputTokens == 1234 && patch.Performance.OutputTokens == 56
	})
}

// A session that went down at the additional-questions decision point must be
// asked again on the new socket.
func TestRehydrate_ReoffersAdditionalQuestionsWhenConsentPending(t *testing.T) {
	e := newEnv(t, interviewQuestions(2), true)
	e.store.rec = &persist.Record{
		SessionID:     "s1",
		QuestionIndex: 2,
		QuestionStates: []types.QuestionState{
			{Index: 0, Status: types.QuestionAnswered},
			{Index: 1, Status: types.QuestionAnswered},
		},
	}

	conn := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	waitFor(t, "offer resent on reattach", func() bool {
		for _, m := range conn.messages() {
			if _, ok := m.(protocol.ServerAdditionalQuestionsOffer); ok {
				return true
			}
		}
		return false
	})
	if got := e.manager.registry.Len(); got != 1 {
		t.Errorf("registry size = %d, want the session still alive awaiting consent", got)
	}
}

func TestAudioDroppedWhilePaused(t *testing.T) {
	e := newEnv(t, interviewQuestions(1), false)
	conn := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	pc := e.providerConn(0)
	pc.emit(t, `{"type":"session.created"}`)
	s := e.manager.registry.Get("s1")
	waitFor(t, "active", func() bool { return s.Phase() == types.PhaseActive })

	conn.clientSend(t, protocol.ClientPause{Type: "pause"})
	waitFor(t, "paused", func() bool { return s.Phase() == types.PhasePaused })

	// The read loop handles frames in order: once the trailing resume has
	// taken effect, the audio chunk sent while paused was already dropped.
	conn.clientSend(t, protocol.ClientAudioChunk{Type: "audio_chunk", DataB64: "AAAA"})
	conn.clientSend(t, protocol.ClientResume{Type: "resume"})
	waitFor(t, "resumed", func() bool { return s.Phase() == types.PhaseActive })

	if providerWroteType(pc, "input_audio_buffer.append") {
		t.Error("audio forwarded to provider while paused")
	}
}

func TestBargeIn_MarksInterviewerEntryInterrupted(t *testing.T) {
	e := newEnv(t, interviewQuestions(1), false)
	conn := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	pc := e.providerConn(0)
	pc.emit(t, `{"type":"session.created"}`)
	s := e.manager.registry.Get("s1")
	waitFor(t, "active", func() bool { return s.Phase() == types.PhaseActive })

	pc.emit(t, `{"type":"response.audio_transcript.done","transcript":"tell me about your day"}`)
	waitFor(t, "interviewer entry", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.transcript) == 1
	})

	pc.emit(t, `{"type":"response.audio.delta","delta":"UklGRg=="}`)
	pc.emit(t, `{"type":"input_audio_buffer.speech_started"}`)

	waitFor(t, "interrupted flag", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.transcript) == 1 && s.transcript[0].Interrupted
	})
}

func TestWatchdog_WarnsOnceThenTerminates(t *testing.T) {
	e := newEnv(t, interviewQuestions(1), false)
	conn := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn); err != nil {
		t.Fatal(err)
	}
	pc := e.providerConn(0)
	pc.emit(t, `{"type":"session.created"}`)
	s := e.manager.registry.Get("s1")
	waitFor(t, "active", func() bool { return s.Phase() == types.PhaseActive })

	w := NewWatchdog(e.manager)

	// Inside the warning window of the heartbeat timeout.
	e.clock.Advance(e.manager.cfg.HeartbeatTimeout - 10*time.Second)
	w.SweepOnce(e.clock.Now())
	w.SweepOnce(e.clock.Now())

	warnings := 0
	for _, m := range conn.messages() {
		if sw, ok := m.(protocol.ServerSessionWarning); ok && sw.Code == "session_expiring" {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want exactly 1", warnings)
	}

	e.clock.Advance(20 * time.Second)
	w.SweepOnce(e.clock.Now())
	waitFor(t, "terminated", func() bool { return e.manager.registry.Len() == 0 })

	var reason string
	for _, m := range conn.messages() {
		if st, ok := m.(protocol.ServerSessionTerminated); ok {
			reason = st.Reason
		}
	}
	if reason != "heartbeat_timeout" {
		t.Errorf("termination reason = %q, want heartbeat_timeout", reason)
	}
}

func TestWatchdog_PingsOpenConnections(t *testing.T) {
	e := newEnv(t, interviewQuestions(1), false)
	conn := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	NewWatchdog(e.manager).PingOnce()

	conn.mu.Lock()
	pings := conn.pings
	conn.mu.Unlock()
	if pings != 1 {
		t.Errorf("pings = %d, want 1", pings)
	}
}

func TestQualityDegradation_TriggersEnvironmentCheckOnce(t *testing.T) {
	e := newEnv(t, interviewQuestions(1), false)
	conn := newFakeRespConn()
	if err := e.manager.OpenConnection(context.Background(), "s1", conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	pc := e.providerConn(0)
	pc.emit(t, `{"type":"session.created"}`)
	s := e.manager.registry.Get("s1")
	waitFor(t, "active", func() bool { return s.Phase() == types.PhaseActive })

	// Two foreign-language turns trip the trigger; a third inside the
	// cooldown must not fire again.
	speakTurn(t, pc, "да конечно я согласен")
	speakTurn(t, pc, "это очень интересный вопрос")
	speakTurn(t, pc, "я не понимаю")

	waitFor(t, "three turns ingested", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.transcript) == 3
	})

	warnings := 0
	for _, m := range conn.messages() {
		if _, ok := m.(protocol.ServerQualityWarning); ok {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("quality warnings = %d, want exactly 1", warnings)
	}

	var guided bool
	for _, m := range conn.messages() {
		if g, ok := m.(protocol.ServerGuidanceNotice); ok && g.Action == string(types.GuidanceEnvironmentCheck) {
			guided = true
		}
	}
	if !guided {
		t.Error("environment-check guidance not applied")
	}
}
