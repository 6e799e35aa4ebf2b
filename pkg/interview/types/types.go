// Package types holds the interview domain model shared across the
// orchestrator, flow controller, analysis service, and persistence gateway.
package types

import "time"

type Speaker string

const (
	SpeakerInterviewer Speaker = "interviewer"
	SpeakerRespondent  Speaker = "respondent"
)

// Phase is the session lifecycle state.
type Phase string

const (
	PhaseInitializing        Phase = "initializing"
	PhaseActive              Phase = "active"
	PhasePaused              Phase = "paused"
	PhaseAwaitingResume      Phase = "awaiting_resume"
	PhaseAdditionalQuestions Phase = "additional_questions"
	PhaseFinalizing          Phase = "finalizing"
	PhaseCompleted           Phase = "completed"
	PhaseTerminated          Phase = "terminated"
)

// TranscriptEntry is immutable once appended, except for Interrupted, which
// may be set retroactively when the respondent barges in.
type TranscriptEntry struct {
	Speaker       Speaker   `json:"speaker"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
	QuestionIndex int       `json:"question_index"`
	Interrupted   bool      `json:"interrupted,omitempty"`
}

// Question is one template question presented by the interviewer.
type Question struct {
	Text              string `json:"text"`
	InterviewerNotes  string `json:"interviewer_notes,omitempty"`
	ExpectShortAnswer bool   `json:"expect_short_answer,omitempty"`
	FollowUpTarget    int    `json:"follow_up_target,omitempty"`
}

type QuestionStatus string

const (
	QuestionNotStarted QuestionStatus = "not_started"
	QuestionInProgress QuestionStatus = "in_progress"
	QuestionAnswered   QuestionStatus = "answered"
)

type QuestionState struct {
	Index             int            `json:"index"`
	Status            QuestionStatus `json:"status"`
	GuidanceSuggested bool           `json:"guidance_suggested_move_on,omitempty"`
}

type QuestionMetrics struct {
	WordCount      int           `json:"word_count"`
	SpeakingTime   time.Duration `json:"speaking_time"`
	TurnCount      int           `json:"turn_count"`
	FollowUpCount  int           `json:"follow_up_count"`
	FollowUpTarget int           `json:"follow_up_target"`
}

type GuidanceAction string

const (
	GuidanceNone             GuidanceAction = "none"
	GuidanceProbeFollowup    GuidanceAction = "probe_followup"
	GuidanceSuggestNext      GuidanceAction = "suggest_next_question"
	GuidanceEnvironmentCheck GuidanceAction = "suggest_environment_check"
)

// Guidance steers the interviewer's next utterance only; it is never applied
// retroactively to what was already said.
type Guidance struct {
	Action     GuidanceAction `json:"action"`
	Message    string         `json:"message,omitempty"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// QuestionSummary is produced at most once per question index.
type QuestionSummary struct {
	QuestionIndex int    `json:"question_index"`
	QuestionText  string `json:"question_text"`
	Summary       string `json:"summary"`
}

// GeneratedQuestion is one analysis-proposed additional question. Transcript
// and Summary are attached as the sub-flow walks through it.
type GeneratedQuestion struct {
	Text       string            `json:"text"`
	Rationale  string            `json:"rationale,omitempty"`
	Transcript []TranscriptEntry `json:"transcript,omitempty"`
	Summary    string            `json:"summary,omitempty"`
}

type OverlapResult struct {
	Overlaps     bool   `json:"overlaps"`
	OverlapsWith []int  `json:"overlaps_with,omitempty"`
	Explanation  string `json:"explanation,omitempty"`
}

type SessionSummary struct {
	Text string `json:"text"`
}

// PerformanceMetrics is the persisted per-session usage/latency snapshot.
type PerformanceMetrics struct {
	InputTokens       int           `json:"input_tokens"`
	OutputTokens      int           `json:"output_tokens"`
	SpeakingTime      time.Duration `json:"speaking_time"`
	SilenceTime       time.Duration `json:"silence_time"`
	PausedTime        time.Duration `json:"paused_time"`
	ResponseLatencyMS []int64       `json:"response_latency_ms,omitempty"`
}

// QualityMetrics is the persisted snapshot of the quality signal counters.
type QualityMetrics struct {
	Score                int `json:"score"`
	ForeignLanguageCount int `json:"foreign_language_count"`
	IncoherentCount      int `json:"incoherent_count"`
	RepeatedWordCount    int `json:"repeated_word_count"`
	ShortUtteranceStreak int `json:"short_utterance_streak"`
	QuestionRepeatCount  int `json:"question_repeat_count"`
}
