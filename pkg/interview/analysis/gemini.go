package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/voxlane/voxlane/pkg/interview/types"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini implements Service on the Gemini API. Every method issues one
// structured-JSON generation call; callers own timeouts via ctx.
type Gemini struct {
	client *genai.Client
	model  string
}

type GeminiOptions struct {
	APIKey string
	Model  string
}

func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) generateJSON(ctx context.Context, prompt string, out any) error {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return fmt.Errorf("empty model response")
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("decode model response: %w", err)
	}
	return nil
}

func (g *Gemini) AnalyzeGuidance(ctx context.Context, in GuidanceInput) (types.Guidance, error) {
	var sb strings.Builder
	sb.WriteString("You observe a live voice interview. Decide whether the interviewer needs guidance for the NEXT utterance only.\n")
	fmt.Fprintf(&sb, "Current question (#%d): %s\n", in.QuestionIndex+1, in.CurrentQuestion.Text)
	fmt.Fprintf(&sb, "Turns on this question: %d, follow-ups asked: %d of %d recommended.\n",
		in.Metrics.TurnCount, in.Metrics.FollowUpCount, in.Metrics.FollowUpTarget)
	fmt.Fprintf(&sb, "Transcription quality score: %d/100.\n", in.QualityScore)
	sb.WriteString("Recent transcript:\n")
	writeTranscript(&sb, in.TranscriptTail)
	sb.WriteString(`Respond as JSON: {"action":"none|probe_followup|suggest_next_question|suggest_environment_check","message":"...","confidence":0.0,"reasoning":"..."}`)

	var out types.Guidance
	if err := g.generateJSON(ctx, sb.String(), &out); err != nil {
		return types.Guidance{Action: types.GuidanceNone}, err
	}
	if out.Action == "" {
		out.Action = types.GuidanceNone
	}
	return out, nil
}

func (g *Gemini) SummarizeQuestion(ctx context.Context, in SummarizeInput) (types.QuestionSummary, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summarize the respondent's answer to interview question #%d: %s\n", in.QuestionIndex+1, in.Question.Text)
	sb.WriteString("Transcript for this question:\n")
	writeTranscript(&sb, in.Transcript)
	sb.WriteString(`Respond as JSON: {"summary":"2-4 sentence factual summary of what the respondent said"}`)

	var out struct {
		Summary string `json:"summary"`
	}
	if err := g.generateJSON(ctx, sb.String(), &out); err != nil {
		return types.QuestionSummary{}, err
	}
	return types.QuestionSummary{
		QuestionIndex: in.QuestionIndex,
		QuestionText:  in.Question.Text,
		Summary:       out.Summary,
	}, nil
}

func (g *Gemini) DetectTopicOverlap(ctx context.Context, in OverlapInput) (types.OverlapResult, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The interviewer is about to ask question #%d: %s\n", in.UpcomingIndex+1, in.UpcomingQuestion.Text)
	sb.WriteString("Answers so far, summarized:\n")
	for _, s := range in.Summaries {
		fmt.Fprintf(&sb, "- Q%d (%s): %s\n", s.QuestionIndex+1, s.QuestionText, s.Summary)
	}
	sb.WriteString("Recent transcript:\n")
	writeTranscript(&sb, in.Transcript)
	sb.WriteString(`Has the respondent already substantially covered the upcoming question? Respond as JSON: {"overlaps":false,"overlaps_with":[0],"explanation":"..."}`)

	var out types.OverlapResult
	if err := g.generateJSON(ctx, sb.String(), &out); err != nil {
		return types.OverlapResult{}, err
	}
	return out, nil
}

func (g *Gemini) GenerateAdditionalQuestions(ctx context.Context, in AdditionalQuestionsInput) ([]types.GeneratedQuestion, error) {
	max := in.MaxQuestions
	if max <= 0 {
		max = 3
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Propose up to %d follow-up interview questions that close gaps left by the main interview. Only propose a question if the transcript leaves a genuine gap.\n", max)
	sb.WriteString("Question summaries:\n")
	for _, s := range in.Summaries {
		fmt.Fprintf(&sb, "- Q%d (%s): %s\n", s.QuestionIndex+1, s.QuestionText, s.Summary)
	}
	sb.WriteString("Full transcript:\n")
	writeTranscript(&sb, in.Transcript)
	sb.WriteString(`Respond as JSON: {"questions":[{"text":"...","rationale":"..."}]}`)

	var out struct {
		Questions []types.GeneratedQuestion `json:"questions"`
	}
	if err := g.generateJSON(ctx, sb.String(), &out); err != nil {
		return nil, err
	}
	if len(out.Questions) > max {
		out.Questions = out.Questions[:max]
	}
	return out.Questions, nil
}

func (g *Gemini) GenerateSessionSummary(ctx context.Context, in SessionSummaryInput) (types.SessionSummary, error) {
	var sb strings.Builder
	sb.WriteString("Write a concise overall summary of this interview session.\n")
	sb.WriteString("Question summaries:\n")
	for _, s := range in.Summaries {
		fmt.Fprintf(&sb, "- Q%d (%s): %s\n", s.QuestionIndex+1, s.QuestionText, s.Summary)
	}
	sb.WriteString("Full transcript:\n")
	writeTranscript(&sb, in.Transcript)
	sb.WriteString(`Respond as JSON: {"text":"one paragraph summary"}`)

	var out types.SessionSummary
	if err := g.generateJSON(ctx, sb.String(), &out); err != nil {
		return types.SessionSummary{}, err
	}
	return out, nil
}

func writeTranscript(sb *strings.Builder, entries []types.TranscriptEntry) {
	for _, e := range entries {
		fmt.Fprintf(sb, "[%s] %s\n", e.Speaker, e.Text)
	}
}
