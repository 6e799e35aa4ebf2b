// Package flow drives the multi-phase question flow: main template questions,
// topic-overlap handling on transitions, and the optional additional-questions
// sub-flow after the last main question.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxlane/voxlane/pkg/interview/analysis"
	"github.com/voxlane/voxlane/pkg/interview/persist"
	"github.com/voxlane/voxlane/pkg/interview/protocol"
	"github.com/voxlane/voxlane/pkg/interview/tasks"
	"github.com/voxlane/voxlane/pkg/interview/types"
)

const (
	defaultGenerateTimeout = 30 * time.Second
	defaultSummaryTimeout  = 30 * time.Second
	defaultOverlapTimeout  = 10 * time.Second
	lowQualityThreshold    = 60
)

// Deps wires the controller to its session. Callback contract: all controller
// methods are invoked with the session serialized (single-writer discipline);
// async continuations re-enter through Mutate, which the orchestrator runs
// under the same serialization.
type Deps struct {
	Logger   *slog.Logger
	Analysis analysis.Service
	Tasks    *tasks.Group

	Questions         []types.Question
	AdditionalEnabled bool
	MaxAdditional     int

	GenerateTimeout time.Duration
	SummaryTimeout  time.Duration
	OverlapTimeout  time.Duration

	// TranscriptFor returns an immutable snapshot of the transcript entries
	// tagged with the given absolute question index.
	TranscriptFor  func(index int) []types.TranscriptEntry
	FullTranscript func() []types.TranscriptEntry
	QualityScore   func() int

	// Configure pushes a full interviewer-instruction rebuild to the provider.
	Configure func(instructions string)
	// RequestResponse asks the provider to voice the next utterance.
	RequestResponse func()
	// Send delivers one server message to the respondent connection.
	Send func(msg any)
	// Mutate runs fn serialized with all other session mutations.
	Mutate func(fn func())

	SchedulePersist func()
	PersistNow      func()

	// Complete finalizes the session with a terminal reason.
	Complete func(reason string)
}

type pendingConfirm struct {
	version int64
	respond bool
}

type Controller struct {
	deps Deps

	cursor       int
	inAdditional bool

	states  []types.QuestionState
	metrics map[int]*types.QuestionMetrics

	summaries map[int]types.QuestionSummary

	additional    []types.GeneratedQuestion
	additionalIdx int
	consent       *bool
	generating    bool

	lastGuidance        *types.Guidance
	currentInstructions string

	// transitionVersion cancels stale question-transition continuations:
	// only the response trigger belonging to the latest version may fire.
	transitionVersion int64
	confirmQueue      []pendingConfirm
}

func NewController(deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.GenerateTimeout <= 0 {
		deps.GenerateTimeout = defaultGenerateTimeout
	}
	if deps.SummaryTimeout <= 0 {
		deps.SummaryTimeout = defaultSummaryTimeout
	}
	if deps.OverlapTimeout <= 0 {
		deps.OverlapTimeout = defaultOverlapTimeout
	}
	if deps.MaxAdditional <= 0 {
		deps.MaxAdditional = 3
	}

	c := &Controller{
		deps:      deps,
		states:    make([]types.QuestionState, len(deps.Questions)),
		metrics:   make(map[int]*types.QuestionMetrics),
		summaries: make(map[int]types.QuestionSummary),
	}
	for i := range c.states {
		c.states[i] = types.QuestionState{Index: i, Status: types.QuestionNotStarted}
	}
	if len(c.states) > 0 {
		c.states[0].Status = types.QuestionInProgress
	}
	return c
}

// Restore rehydrates flow state from a durable record. The question cursor
// only moves forward during a session; restore is the one sanctioned rewind.
func (c *Controller) Restore(rec *persist.Record) {
	if rec == nil {
		return
	}
	if rec.QuestionIndex >= 0 && rec.QuestionIndex <= len(c.deps.Questions) {
		c.cursor = rec.QuestionIndex
	}
	c.inAdditional = rec.InAdditional
	c.additionalIdx = rec.AdditionalIndex
	c.consent = rec.AdditionalConsent
	if len(rec.AdditionalQuestions) > 0 {
		c.additional = rec.AdditionalQuestions
	}
	for _, st := range rec.QuestionStates {
		if st.Index >= 0 && st.Index < len(c.states) {
			c.states[st.Index] = st
		}
	}
	for _, s := range rec.Summaries {
		c.summaries[s.QuestionIndex] = s
	}
	c.lastGuidance = rec.LastGuidance
}

// CurrentIndex is the absolute question index. Additional questions address
// the same index space, synthetically offset past the template length.
func (c *Controller) CurrentIndex() int {
	if c.inAdditional {
		return len(c.deps.Questions) + c.additionalIdx
	}
	return c.cursor
}

func (c *Controller) InAdditional() bool { return c.inAdditional }

func (c *Controller) CurrentQuestion() (types.Question, bool) {
	if c.inAdditional {
		if c.additionalIdx < len(c.additional) {
			return types.Question{Text: c.additional[c.additionalIdx].Text}, true
		}
		return types.Question{}, false
	}
	if c.cursor < len(c.deps.Questions) {
		return c.deps.Questions[c.cursor], true
	}
	return types.Question{}, false
}

// MainExhausted reports whether the cursor has moved past the last template
// question.
func (c *Controller) MainExhausted() bool {
	return !c.inAdditional && c.cursor >= len(c.deps.Questions)
}

func (c *Controller) ConsentRecorded() bool { return c.consent != nil }

// InitialInstructions builds the provider configuration for a fresh session.
func (c *Controller) InitialInstructions() string {
	q, ok := c.CurrentQuestion()
	if !ok {
		return interviewerPersona
	}
	c.currentInstructions = buildAskInstructions(q, c.CurrentIndex(), len(c.deps.Questions))
	return c.currentInstructions
}

// ResumeInstructions builds the provider configuration for a restored session.
func (c *Controller) ResumeInstructions(tail []types.TranscriptEntry) string {
	q, ok := c.CurrentQuestion()
	if !ok {
		q = types.Question{Text: "wrap up the conversation"}
	}
	c.currentInstructions = BuildResumeInstructions(q, c.CurrentIndex(), len(c.deps.Questions), tail)
	return c.currentInstructions
}

// Advance moves to the next main question. It snapshots the transcript of
// the question being left before the cursor moves (a background summary task
// must not observe a shifted index), then asynchronously summarizes the
// completed question, checks the upcoming one for topic overlap, and rewrites
// the interviewer instructions accordingly.
func (c *Controller) Advance() {
	if c.inAdditional {
		c.AdvanceAdditional()
		return
	}
	if c.cursor >= len(c.deps.Questions) {
		return
	}

	leaving := c.cursor
	leavingQuestion := c.deps.Questions[leaving]
	snapshot := c.deps.TranscriptFor(leaving)

	c.states[leaving].Status = types.QuestionAnswered
	c.cursor++
	c.transitionVersion++
	version := c.transitionVersion

	c.EnsureSummary(leaving, leavingQuestion, snapshot)

	if c.cursor >= len(c.deps.Questions) {
		c.deps.SchedulePersist()
		c.offerAdditionalOrComplete()
		return
	}

	upcoming := c.deps.Questions[c.cursor]
	upcomingIdx := c.cursor
	c.states[upcomingIdx].Status = types.QuestionInProgress
	c.deps.Send(protocol.ServerQuestionChanged{
		Type:          "question_changed",
		QuestionIndex: upcomingIdx,
		QuestionText:  upcoming.Text,
	})
	c.deps.SchedulePersist()

	summaries := persist.NormalizeSummaries(c.summaries)
	transcript := c.deps.FullTranscript()
	quality := c.deps.QualityScore()

	c.deps.Tasks.Go(fmt.Sprintf("overlap:%d:%d", upcomingIdx, version), func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, c.deps.OverlapTimeout)
		defer cancel()
		overlap, err := c.deps.Analysis.DetectTopicOverlap(ctx, analysis.OverlapInput{
			UpcomingIndex:    upcomingIdx,
			UpcomingQuestion: upcoming,
			Summaries:        summaries,
			Transcript:       transcript,
		})
		if err != nil {
			c.deps.Logger.Debug("topic overlap check skipped", "question", upcomingIdx, "error", err)
			overlap = types.OverlapResult{}
		}

		c.deps.Mutate(func() {
			// A later advance supersedes this transition entirely.
			if version != c.transitionVersion {
				return
			}

			var instructions string
			switch {
			case overlap.Overlaps:
				c.deps.Send(protocol.ServerTopicOverlapDetected{
					Type:          "topic_overlap_detected",
					QuestionIndex: upcomingIdx,
					OverlapsWith:  overlap.OverlapsWith,
				})
				instructions = buildOverlapInstructions(upcoming, upcomingIdx, len(c.deps.Questions), overlap)
			case quality < lowQualityThreshold:
				instructions = buildConfirmThenAskInstructions(upcoming, upcomingIdx, len(c.deps.Questions), lastRespondentText(snapshot))
			default:
				instructions = buildAskInstructions(upcoming, upcomingIdx, len(c.deps.Questions))
			}
			c.configure(instructions, version, true)
		})
	})
}

// configure pushes instructions and records the pending confirmation. respond
// marks whether the provider's configuration ack should trigger a response.
func (c *Controller) configure(instructions string, version int64, respond bool) {
	c.currentInstructions = instructions
	c.confirmQueue = append(c.confirmQueue, pendingConfirm{version: version, respond: respond})
	c.deps.Configure(instructions)
}

// PrimeResponse records that the next configuration ack should voice the
// current question. Used for the initial configure on connect and the resume
// configure on reattach, which are pushed by the orchestrator rather than by
// a question transition.
func (c *Controller) PrimeResponse() {
	c.confirmQueue = append(c.confirmQueue, pendingConfirm{version: c.transitionVersion, respond: true})
}

// NoteExternalConfigure records a configuration push made outside the flow
// (VAD sensitivity changes) so the provider's ack is consumed without firing
// a response.
func (c *Controller) NoteExternalConfigure() {
	c.confirmQueue = append(c.confirmQueue, pendingConfirm{version: c.transitionVersion, respond: false})
}

// ConfirmConfigured handles the provider's configuration ack. Confirmations
// arrive in configure order; only the trigger belonging to the current
// transition version fires, so rapid advances voice exactly one question.
func (c *Controller) ConfirmConfigured() {
	if len(c.confirmQueue) == 0 {
		return
	}
	head := c.confirmQueue[0]
	c.confirmQueue = c.confirmQueue[1:]
	if !head.respond {
		return
	}
	if head.version != c.transitionVersion {
		c.deps.Logger.Debug("dropping stale question transition", "version", head.version, "current", c.transitionVersion)
		return
	}
	c.deps.RequestResponse()
}

// ApplyGuidance folds an applied guidance into the live instructions for the
// next turn. The rewrite is a full rebuild and is persisted immediately:
// losing applied guidance on crash would be respondent-visible.
func (c *Controller) ApplyGuidance(g types.Guidance) {
	c.lastGuidance = &g

	if g.Action == types.GuidanceSuggestNext && !c.inAdditional && c.cursor < len(c.states) {
		c.states[c.cursor].GuidanceSuggested = true
	}

	base := c.baseInstructions()
	c.configure(BuildGuidanceInstructions(base, g), c.transitionVersion, false)

	c.deps.Send(protocol.ServerGuidanceNotice{
		Type:    "guidance_notice",
		Action:  string(g.Action),
		Message: g.Message,
	})
	c.deps.PersistNow()
}

// CurrentInstructions returns the instruction text last pushed to the
// provider, for configuration pushes that change other session fields.
func (c *Controller) CurrentInstructions() string {
	if c.currentInstructions == "" {
		return c.baseInstructions()
	}
	return c.currentInstructions
}

func (c *Controller) baseInstructions() string {
	q, ok := c.CurrentQuestion()
	if !ok {
		return interviewerPersona
	}
	if c.inAdditional {
		return buildAdditionalInstructions(c.additional[c.additionalIdx], c.additionalIdx+1, len(c.additional))
	}
	return buildAskInstructions(q, c.cursor, len(c.deps.Questions))
}

// EnsureSummary requests a summary for the given absolute index exactly once.
// A second request for an index that already has a summary, or one still in
// flight, is a no-op; duplicate and retried triggers are safe.
func (c *Controller) EnsureSummary(index int, q types.Question, snapshot []types.TranscriptEntry) {
	if _, done := c.summaries[index]; done {
		return
	}
	key := fmt.Sprintf("summary:%d", index)
	c.deps.Tasks.Go(key, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, c.deps.SummaryTimeout)
		defer cancel()
		summary, err := c.deps.Analysis.SummarizeQuestion(ctx, analysis.SummarizeInput{
			QuestionIndex: index,
			Question:      q,
			Transcript:    snapshot,
		})
		if err != nil {
			c.deps.Logger.Warn("question summary failed", "question", index, "error", err)
			return
		}
		c.deps.Mutate(func() {
			if _, done := c.summaries[index]; done {
				return
			}
			c.summaries[index] = summary
			if c.inAdditional || index >= len(c.deps.Questions) {
				aq := index - len(c.deps.Questions)
				if aq >= 0 && aq < len(c.additional) {
					c.additional[aq].Summary = summary.Summary
				}
			}
			c.deps.SchedulePersist()
		})
	})
}

// offerAdditionalOrComplete runs after the last main question is answered.
func (c *Controller) offerAdditionalOrComplete() {
	if !c.deps.AdditionalEnabled {
		c.deps.Complete("completed")
		return
	}
	if c.consent != nil {
		if *c.consent {
			// Consent already recorded (restored session); resume generation.
			c.RequestAdditional()
		} else {
			c.deps.Complete("completed")
		}
		return
	}
	// Never silently skip and never silently run: the client prompts.
	c.deps.Send(protocol.ServerAdditionalQuestionsOffer{Type: "additional_questions_offer"})
}

// ResumePendingOffer re-delivers the end-of-main-flow decision for a restored
// session that was persisted at the additional-questions offer point. The
// offer is connection-scoped: without a resend, a reattached client whose
// consent is still unrecorded would wait forever on a prompt that only the old
// socket saw. Recorded consent resumes its path instead (regenerate or
// complete).
func (c *Controller) ResumePendingOffer() {
	if c.inAdditional || c.cursor < len(c.deps.Questions) {
		return
	}
	c.offerAdditionalOrComplete()
}

// RequestAdditional records consent and generates the follow-up questions.
func (c *Controller) RequestAdditional() {
	consent := true
	c.consent = &consent
	if c.generating || len(c.additional) > 0 {
		return
	}
	c.generating = true
	c.deps.Send(protocol.ServerAdditionalQuestionsGenerating{Type: "additional_questions_generating"})
	c.deps.PersistNow()

	transcript := c.deps.FullTranscript()
	summaries := persist.NormalizeSummaries(c.summaries)

	c.deps.Tasks.Go("additional:generate", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, c.deps.GenerateTimeout)
		defer cancel()
		questions, err := c.deps.Analysis.GenerateAdditionalQuestions(ctx, analysis.AdditionalQuestionsInput{
			MaxQuestions: c.deps.MaxAdditional,
			Transcript:   transcript,
			Summaries:    summaries,
		})

		c.deps.Mutate(func() {
			c.generating = false
			if err != nil || len(questions) == 0 {
				if err != nil {
					c.deps.Logger.Warn("additional question generation failed", "error", err)
				}
				c.deps.Send(protocol.ServerAdditionalQuestionsNone{Type: "additional_questions_none"})
				c.deps.Complete("completed")
				return
			}

			c.additional = questions
			c.additionalIdx = 0
			c.inAdditional = true
			c.deps.Send(protocol.ServerAdditionalQuestionsReady{Type: "additional_questions_ready", Count: len(questions)})
			c.startAdditionalQuestion()
		})
	})
}

// DeclineAdditional records the one-shot decline and completes the session.
// There is no path to revisit the decision.
func (c *Controller) DeclineAdditional() {
	consent := false
	c.consent = &consent
	c.deps.PersistNow()
	c.deps.Complete("completed")
}

func (c *Controller) startAdditionalQuestion() {
	aq := c.additional[c.additionalIdx]
	c.deps.Send(protocol.ServerAdditionalQuestionStarted{
		Type:          "additional_question_started",
		QuestionIndex: c.CurrentIndex(),
		QuestionText:  aq.Text,
	})

	c.transitionVersion++
	c.configure(buildAdditionalInstructions(aq, c.additionalIdx+1, len(c.additional)), c.transitionVersion, true)
	c.deps.SchedulePersist()
}

// AdvanceAdditional finishes the current additional question and either
// starts the next one or completes the session.
func (c *Controller) AdvanceAdditional() {
	if !c.inAdditional || c.additionalIdx >= len(c.additional) {
		return
	}
	leaving := c.CurrentIndex()
	snapshot := c.deps.TranscriptFor(leaving)
	c.additional[c.additionalIdx].Transcript = snapshot
	c.EnsureSummary(leaving, types.Question{Text: c.additional[c.additionalIdx].Text}, snapshot)

	c.additionalIdx++
	if c.additionalIdx >= len(c.additional) {
		c.deps.Complete("completed")
		return
	}
	c.startAdditionalQuestion()
}

// EndAdditional completes the session from anywhere in the sub-flow.
func (c *Controller) EndAdditional() {
	if !c.inAdditional {
		return
	}
	leaving := c.CurrentIndex()
	if c.additionalIdx < len(c.additional) {
		snapshot := c.deps.TranscriptFor(leaving)
		c.additional[c.additionalIdx].Transcript = snapshot
		c.EnsureSummary(leaving, types.Question{Text: c.additional[c.additionalIdx].Text}, snapshot)
	}
	c.deps.Complete("completed")
}

// RecordRespondentTurn updates the per-question metrics for the active
// question.
func (c *Controller) RecordRespondentTurn(text string, speaking time.Duration) {
	idx := c.CurrentIndex()
	m := c.metrics[idx]
	if m == nil {
		target := 0
		if !c.inAdditional && c.cursor < len(c.deps.Questions) {
			target = c.deps.Questions[c.cursor].FollowUpTarget
		}
		m = &types.QuestionMetrics{FollowUpTarget: target}
		c.metrics[idx] = m
	}
	m.TurnCount++
	m.WordCount += len(splitWords(text))
	m.SpeakingTime += speaking
}

// NoteFollowUp counts one interviewer follow-up on the active question.
func (c *Controller) NoteFollowUp() {
	idx := c.CurrentIndex()
	if m := c.metrics[idx]; m != nil {
		m.FollowUpCount++
	}
}

func (c *Controller) MetricsFor(index int) types.QuestionMetrics {
	if m := c.metrics[index]; m != nil {
		return *m
	}
	return types.QuestionMetrics{}
}

func (c *Controller) States() []types.QuestionState {
	out := make([]types.QuestionState, len(c.states))
	copy(out, c.states)
	return out
}

func (c *Controller) Summaries() []types.QuestionSummary {
	return persist.NormalizeSummaries(c.summaries)
}

func (c *Controller) SummaryCount() int { return len(c.summaries) }

func (c *Controller) LastGuidance() *types.Guidance { return c.lastGuidance }

func (c *Controller) AdditionalQuestions() []types.GeneratedQuestion {
	out := make([]types.GeneratedQuestion, len(c.additional))
	copy(out, c.additional)
	return out
}

func (c *Controller) Cursor() int { return c.cursor }

func (c *Controller) AdditionalIndex() int { return c.additionalIdx }

func (c *Controller) Consent() *bool { return c.consent }

func lastRespondentText(entries []types.TranscriptEntry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Speaker == types.SpeakerRespondent {
			return entries[i].Text
		}
	}
	return ""
}

func splitWords(text string) []string {
	fields := make([]string, 0, 8)
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			if start >= 0 {
				fields = append(fields, text[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, text[start:])
	}
	return fields
}
