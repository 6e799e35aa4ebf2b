// Package analysis defines the contract with the external analysis model:
// guidance for the interviewer's next utterance, per-question summaries,
// topic-overlap checks, additional-question generation, and the final
// session summary. All calls are pure request/response; the service holds no
// session state.
package analysis

import (
	"context"

	"github.com/voxlane/voxlane/pkg/interview/types"
)

type GuidanceInput struct {
	QuestionIndex   int
	CurrentQuestion types.Question
	TranscriptTail  []types.TranscriptEntry
	Metrics         types.QuestionMetrics
	QualityScore    int
}

type SummarizeInput struct {
	QuestionIndex int
	Question      types.Question
	// Transcript is an immutable snapshot of the entries belonging to this
	// question, captured when the question was left.
	Transcript []types.TranscriptEntry
}

type OverlapInput struct {
	UpcomingIndex    int
	UpcomingQuestion types.Question
	Summaries        []types.QuestionSummary
	Transcript       []types.TranscriptEntry
}

type AdditionalQuestionsInput struct {
	MaxQuestions int
	Transcript   []types.TranscriptEntry
	Summaries    []types.QuestionSummary
}

type SessionSummaryInput struct {
	Transcript []types.TranscriptEntry
	Summaries  []types.QuestionSummary
}

type Service interface {
	AnalyzeGuidance(ctx context.Context, in GuidanceInput) (types.Guidance, error)
	SummarizeQuestion(ctx context.Context, in SummarizeInput) (types.QuestionSummary, error)
	DetectTopicOverlap(ctx context.Context, in OverlapInput) (types.OverlapResult, error)
	GenerateAdditionalQuestions(ctx context.Context, in AdditionalQuestionsInput) ([]types.GeneratedQuestion, error)
	GenerateSessionSummary(ctx context.Context, in SessionSummaryInput) (types.SessionSummary, error)
}
