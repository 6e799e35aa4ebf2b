package flow

import (
	"fmt"
	"strings"

	"github.com/voxlane/voxlane/pkg/interview/types"
)

const interviewerPersona = "You are a warm, professional interviewer conducting a structured voice interview. Keep utterances short and conversational, one question at a time. Never read stage directions aloud."

// buildAskInstructions is the plain case: present the question as written.
func buildAskInstructions(q types.Question, index, total int) string {
	var sb strings.Builder
	sb.WriteString(interviewerPersona)
	fmt.Fprintf(&sb, "\n\nYou are on question %d of %d. Ask the respondent:\n%q", index+1, total, q.Text)
	if strings.TrimSpace(q.InterviewerNotes) != "" {
		fmt.Fprintf(&sb, "\nInterviewer notes: %s", q.InterviewerNotes)
	}
	return sb.String()
}

// buildOverlapInstructions acknowledges that the respondent already touched
// this topic and asks for elaboration instead of repeating the question.
func buildOverlapInstructions(q types.Question, index, total int, overlap types.OverlapResult) string {
	var sb strings.Builder
	sb.WriteString(interviewerPersona)
	fmt.Fprintf(&sb, "\n\nYou are on question %d of %d: %q.", index+1, total, q.Text)
	sb.WriteString("\nThe respondent has already touched on this topic earlier in the conversation.")
	if strings.TrimSpace(overlap.Explanation) != "" {
		fmt.Fprintf(&sb, " Earlier coverage: %s", overlap.Explanation)
	}
	sb.WriteString("\nBriefly acknowledge what they already said, then ask them to elaborate or add anything new. Do not repeat the question verbatim.")
	return sb.String()
}

// buildConfirmThenAskInstructions handles degraded transcription quality:
// paraphrase the prior answer back for confirmation before moving on.
func buildConfirmThenAskInstructions(q types.Question, index, total int, priorAnswer string) string {
	var sb strings.Builder
	sb.WriteString(interviewerPersona)
	sb.WriteString("\n\nThe audio connection has been unreliable, so first paraphrase the respondent's previous answer back to them in one sentence and ask if you understood correctly.")
	if strings.TrimSpace(priorAnswer) != "" {
		fmt.Fprintf(&sb, "\nTheir previous answer, as transcribed: %q", priorAnswer)
	}
	fmt.Fprintf(&sb, "\nOnce confirmed, move on to question %d of %d:\n%q", index+1, total, q.Text)
	return sb.String()
}

func buildAdditionalInstructions(q types.GeneratedQuestion, number, total int) string {
	var sb strings.Builder
	sb.WriteString(interviewerPersona)
	fmt.Fprintf(&sb, "\n\nThe main interview is complete. You are asking follow-up question %d of %d, proposed to close a gap in the conversation. Ask the respondent:\n%q", number, total, q.Text)
	if strings.TrimSpace(q.Rationale) != "" {
		fmt.Fprintf(&sb, "\nWhy this matters: %s", q.Rationale)
	}
	return sb.String()
}

// BuildGuidanceInstructions rebuilds the full instruction text with the
// guidance message folded in. Always a full rebuild, never a delta, so a
// stale guidance line can never survive a later rewrite.
func BuildGuidanceInstructions(base string, g types.Guidance) string {
	msg := strings.TrimSpace(g.Message)
	if msg == "" {
		return base
	}
	return base + "\n\nGuidance for your next utterance only: " + msg
}

// BuildResumeInstructions configures a restored provider session: summarize
// where the conversation left off instead of restarting the question cold.
func BuildResumeInstructions(q types.Question, index, total int, tail []types.TranscriptEntry) string {
	var sb strings.Builder
	sb.WriteString(interviewerPersona)
	fmt.Fprintf(&sb, "\n\nThe conversation was interrupted and has just resumed. You are on question %d of %d: %q.", index+1, total, q.Text)
	if len(tail) > 0 {
		sb.WriteString("\nThe conversation so far (most recent last):")
		for _, e := range tail {
			fmt.Fprintf(&sb, "\n[%s] %s", e.Speaker, e.Text)
		}
	}
	sb.WriteString("\nBriefly welcome the respondent back and pick up where you left off. Do not restart the interview.")
	return sb.String()
}
