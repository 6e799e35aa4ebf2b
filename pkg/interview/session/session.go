// Package session owns the live interview runtime: the per-session state
// machine, the process-wide registry, and the watchdog. One Session exists
// per session id; all mutations are serialized through its mutex regardless
// of which event source (respondent socket, provider socket, timers) they
// originate from.
package session

import (
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/interview/flow"
	"github.com/voxlane/voxlane/pkg/interview/guidance"
	"github.com/voxlane/voxlane/pkg/interview/metricsx"
	"github.com/voxlane/voxlane/pkg/interview/persist"
	"github.com/voxlane/voxlane/pkg/interview/provider"
	"github.com/voxlane/voxlane/pkg/interview/quality"
	"github.com/voxlane/voxlane/pkg/interview/tasks"
	"github.com/voxlane/voxlane/pkg/interview/types"
)

// tailLimit bounds the in-memory transcript tail used for live reasoning.
// The persistence buffer is unbounded and append-only.
const tailLimit = 20

// RespondentConn is the subset of *websocket.Conn the session needs from the
// respondent side; tests substitute a fake.
type RespondentConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Session struct {
	mu sync.Mutex

	id    string
	epoch string
	phase types.Phase

	conn     RespondentConn
	connOpen bool
	// closing marks a respondent socket that errored but whose teardown has
	// not finished; a concurrent reconnect must back off rather than attach.
	closing bool

	relay *provider.Relay

	// transcript is the unbounded persistence buffer; tail is its bounded
	// suffix used as live analysis context.
	transcript []types.TranscriptEntry
	tail       []types.TranscriptEntry

	flow     *flow.Controller
	signals  quality.Signals
	guidance *guidance.Pipeline
	tracker  *metricsx.Tracker
	tasks    *tasks.Group
	gateway  *persist.Gateway

	sessionSummary string

	createdAt      time.Time
	lastHeartbeat  time.Time
	lastActivity   time.Time
	disconnectedAt time.Time
	warned         bool
	pausedTotal    time.Duration

	// speechQuestionIndex is captured when respondent speech starts so the
	// eventual transcription is tagged with the question that was active
	// then, not the one active when transcription completes.
	speechQuestionIndex int
	lastSpeechDuration  time.Duration

	interviewerSpeaking bool
	interviewerPartial  string

	vadThreshold float64
	vadLowered   bool

	// pendingResponse remembers a response request rejected because the
	// provider still had one in flight; it is replayed on response-done.
	pendingResponse bool

	terminated bool
	endReason  string
}

func (s *Session) ID() string { return s.id }

// Epoch returns the live connection epoch; relays capture it at open time
// and compare on every event.
func (s *Session) Epoch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Session) Phase() types.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// appendTranscriptLocked appends to both buffers, keeping the tail a suffix
// of the persistence buffer.
func (s *Session) appendTranscriptLocked(e types.TranscriptEntry) {
	s.transcript = append(s.transcript, e)
	s.tail = append(s.tail, e)
	if len(s.tail) > tailLimit {
		s.tail = s.tail[len(s.tail)-tailLimit:]
	}
}

// markLastInterviewerInterruptedLocked flags the most recent interviewer
// entry; transcript entries are otherwise immutable once appended.
func (s *Session) markLastInterviewerInterruptedLocked() {
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].Speaker == types.SpeakerInterviewer {
			s.transcript[i].Interrupted = true
			break
		}
	}
	for i := len(s.tail) - 1; i >= 0; i-- {
		if s.tail[i].Speaker == types.SpeakerInterviewer {
			s.tail[i].Interrupted = true
			break
		}
	}
}

func (s *Session) transcriptForLocked(index int) []types.TranscriptEntry {
	var out []types.TranscriptEntry
	for _, e := range s.transcript {
		if e.QuestionIndex == index {
			out = append(out, e)
		}
	}
	return out
}

func (s *Session) fullTranscriptLocked() []types.TranscriptEntry {
	out := make([]types.TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Session) tailSnapshotLocked() []types.TranscriptEntry {
	out := make([]types.TranscriptEntry, len(s.tail))
	copy(out, s.tail)
	return out
}

// sendLocked writes one message to the respondent connection. Write failures
// are connection errors handled by the read loop; dropping the frame here is
// correct.
func (s *Session) sendLocked(msg any) {
	if !s.connOpen || s.conn == nil {
		return
	}
	_ = s.conn.WriteJSON(msg)
}

// snapshotPatch builds the full durable patch. It takes the session lock
// itself: the persistence gateway invokes it from the debounce goroutine.
func (s *Session) snapshotPatch() persist.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotPatchLocked()
}

func (s *Session) snapshotPatchLocked() persist.Patch {
	phase := s.phase
	qi := s.flow.Cursor()
	inAdd := s.flow.InAdditional()
	addIdx := s.flow.AdditionalIndex()
	perf := s.tracker.Snapshot()
	perf.PausedTime = s.pausedTotal
	qual := types.QualityMetrics{
		Score:                quality.Score(s.signals),
		ForeignLanguageCount: s.signals.ForeignLanguageCount,
		IncoherentCount:      s.signals.IncoherentCount,
		RepeatedWordCount:    s.signals.RepeatedWordCount,
		ShortUtteranceStreak: s.signals.ShortUtteranceStreak,
		QuestionRepeatCount:  s.signals.QuestionRepeatCount,
	}
	pausedTotal := s.pausedTotal
	summary := s.sessionSummary

	patch := persist.Patch{
		Status:              &phase,
		QuestionIndex:       &qi,
		InAdditional:        &inAdd,
		AdditionalIndex:     &addIdx,
		AdditionalConsent:   s.flow.Consent(),
		Transcript:          s.fullTranscriptLocked(),
		LastGuidance:        s.flow.LastGuidance(),
		QuestionStates:      s.flow.States(),
		Summaries:           s.flow.Summaries(),
		AdditionalQuestions: s.flow.AdditionalQuestions(),
		Performance:         &perf,
		Quality:             &qual,
		PausedTotal:         &pausedTotal,
	}
	if summary != "" {
		patch.SessionSummary = &summary
	}
	return patch
}
