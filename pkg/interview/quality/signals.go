// Package quality scores respondent transcripts for degraded capture
// conditions: foreign-language bleed, transcription incoherence, repeated-word
// connection glitches, and streaks of suspiciously short answers. All
// detection functions are pure; Evaluate folds one utterance into an
// immutable Signals value and reports what the caller should do about it.
package quality

import (
	"regexp"
	"strings"
)

type Config struct {
	// ShortWordMax is the word count at or below which an utterance counts
	// toward the short-utterance streak.
	ShortWordMax int
	// CooldownUtterances suppresses a second environment check for this many
	// utterances after one fires.
	CooldownUtterances int
	// RearmUtterances allows an early re-trigger once this many post-trigger
	// utterances have elapsed and the trigger conditions hold again.
	RearmUtterances int
	// GoodRunRestore is the number of consecutive clean utterances after
	// which a lowered VAD sensitivity is restored to its default.
	GoodRunRestore int
}

func DefaultConfig() Config {
	return Config{
		ShortWordMax:       2,
		CooldownUtterances: 15,
		RearmUtterances:    5,
		GoodRunRestore:     5,
	}
}

// Signals is the rolling per-session accumulator. It is a value type; every
// Evaluate call returns an updated copy.
type Signals struct {
	ForeignLanguageCount int
	IncoherentCount      int
	RepeatedWordCount    int
	ShortUtteranceStreak int
	QuestionRepeatCount  int

	// GoodUtteranceRun counts consecutive utterances with no detection hits.
	GoodUtteranceRun int

	// CheckTriggered is true once an environment check has fired at least once.
	CheckTriggered bool
	// UtterancesSinceTrigger counts utterances seen since the last trigger.
	UtterancesSinceTrigger int

	VADLowered bool
}

// Outcome reports what one utterance did to the signals and what the
// orchestrator should do in response.
type Outcome struct {
	Signals   Signals
	Sanitized string

	ForeignDetected   bool
	ForeignConfidence float64
	Incoherent        bool
	RepeatRequest     bool
	RepeatedWords     RepeatedWordResult

	TriggerEnvironmentCheck bool
	LowerVADSensitivity     bool
	RestoreVADSensitivity   bool
}

// Evaluate folds a single respondent utterance into the signals.
// expectShortAnswer suppresses the short-utterance streak for questions whose
// expected answer type makes short answers normal (yes/no and similar).
func Evaluate(cfg Config, s Signals, text string, expectShortAnswer bool) Outcome {
	if cfg.ShortWordMax <= 0 {
		cfg = DefaultConfig()
	}

	out := Outcome{RepeatedWords: DetectRepeatedWords(text)}
	out.ForeignDetected, out.ForeignConfidence = DetectForeignLanguage(text)
	out.Incoherent = DetectIncoherent(text)
	out.RepeatRequest = DetectRepeatRequest(text)
	out.Sanitized = SanitizeRepeatedWords(text)

	if s.CheckTriggered {
		s.UtterancesSinceTrigger++
	}

	hit := false
	if out.ForeignDetected {
		s.ForeignLanguageCount++
		hit = true
	}
	if out.Incoherent {
		s.IncoherentCount++
		hit = true
	}
	if out.RepeatedWords.Detected {
		s.RepeatedWordCount++
		hit = true
	}
	if out.RepeatRequest {
		s.QuestionRepeatCount++
		hit = true
	}

	words := countWords(out.Sanitized)
	if words <= cfg.ShortWordMax && !expectShortAnswer {
		s.ShortUtteranceStreak++
	} else if words > cfg.ShortWordMax {
		s.ShortUtteranceStreak = 0
	}

	if hit || (words <= cfg.ShortWordMax && !expectShortAnswer) {
		s.GoodUtteranceRun = 0
	} else {
		s.GoodUtteranceRun++
	}

	if conditionsMet(s) && eligible(cfg, s, hit) {
		out.TriggerEnvironmentCheck = true
		s.CheckTriggered = true
		s.UtterancesSinceTrigger = 0
	}

	// Repeated short answers without hallucination signals point at the
	// endpoint detector cutting the respondent off, not at noise.
	if !s.VADLowered && s.ShortUtteranceStreak >= 3 && s.ForeignLanguageCount == 0 && s.IncoherentCount == 0 {
		s.VADLowered = true
		out.LowerVADSensitivity = true
	} else if s.VADLowered && s.GoodUtteranceRun >= cfg.GoodRunRestore {
		s.VADLowered = false
		out.RestoreVADSensitivity = true
	}

	out.Signals = s
	return out
}

func conditionsMet(s Signals) bool {
	if s.ForeignLanguageCount >= 2 {
		return true
	}
	secondary := 0
	if s.ShortUtteranceStreak >= 3 {
		secondary++
	}
	if s.QuestionRepeatCount >= 3 {
		secondary++
	}
	if s.IncoherentCount >= 2 {
		secondary++
	}
	return secondary >= 2
}

func eligible(cfg Config, s Signals, freshHit bool) bool {
	if !s.CheckTriggered {
		return true
	}
	if s.UtterancesSinceTrigger >= cfg.CooldownUtterances {
		return true
	}
	// Early re-arm: conditions recurring (a fresh hit well after the trigger)
	// beat the cooldown; stale counters alone do not.
	return freshHit && s.UtterancesSinceTrigger >= cfg.RearmUtterances
}

// ShouldTriggerEnvironmentCheck reports whether the accumulated signals alone
// satisfy the trigger conditions, ignoring cooldown state.
func ShouldTriggerEnvironmentCheck(s Signals) bool {
	return conditionsMet(s)
}

// Score computes the 0..100 transcription quality score.
func Score(s Signals) int {
	score := 100

	score -= minInt(60, 30*s.ForeignLanguageCount)
	score -= minInt(30, 15*s.IncoherentCount)
	if s.QuestionRepeatCount > 2 {
		score -= 15 + 5*(s.QuestionRepeatCount-3)
	}
	if s.ShortUtteranceStreak > 2 {
		score -= 5 * (s.ShortUtteranceStreak - 2)
	}
	score -= minInt(45, 15*s.RepeatedWordCount)

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

var (
	nonLatinScript = regexp.MustCompile(`[\p{Cyrillic}\p{Han}\p{Hiragana}\p{Katakana}\p{Arabic}\p{Hebrew}\p{Devanagari}\p{Hangul}\p{Greek}\p{Thai}]`)

	// Short lexical giveaways for a fixed set of Romance/Germanic languages.
	// These count as partial-confidence hits only.
	lexicalHints = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:el|la|los|las|pero|porque|gracias|también|está|señor)\b`),
		regexp.MustCompile(`(?i)\b(?:le|les|oui|merci|être|c'est|pourquoi|avec|très)\b`),
		regexp.MustCompile(`(?i)\b(?:und|aber|nicht|danke|ich|sie|über|warum)\b`),
		regexp.MustCompile(`(?i)\b(?:não|obrigado|você|também|porquê)\b`),
		regexp.MustCompile(`(?i)\b(?:ma|perché|grazie|però|anche|così)\b`),
		regexp.MustCompile(`(?i)\b(?:maar|niet|dank|waarom|zij)\b`),
	}
)

var (
	// Single-word repeat requests; only counted when the whole utterance is
	// that one word, since these also appear inside ordinary answers.
	repeatRequestWords = map[string]struct{}{
		"what": {}, "sorry": {}, "pardon": {}, "huh": {}, "eh": {},
	}

	repeatRequestPhrases = []string{
		"repeat the question",
		"repeat that",
		"say that again",
		"say it again",
		"come again",
		"what was the question",
		"didn't catch",
		"didn't hear",
		"can't hear",
		"cannot hear",
		"one more time",
	}
)

// DetectRepeatRequest reports whether the utterance asks for the question to
// be repeated rather than answering it. Repeat requests are the
// question-repeat signal: the respondent heard noise, not the question.
func DetectRepeatRequest(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	words := strings.Fields(lower)
	if len(words) == 1 {
		if _, ok := repeatRequestWords[normalizeWord(words[0])]; ok {
			return true
		}
	}
	for _, p := range repeatRequestPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// DetectForeignLanguage reports whether the text looks like it slipped out of
// the interview language. Non-Latin script is a maximum-confidence hit; short
// lexical matches are partial-confidence hits.
func DetectForeignLanguage(text string) (bool, float64) {
	if nonLatinScript.MatchString(text) {
		return true, 1.0
	}
	for _, re := range lexicalHints {
		if re.MatchString(text) {
			return true, 0.5
		}
	}
	return false, 0
}

var (
	concatenatedWord = regexp.MustCompile(`[a-z][A-Z][a-z]`)

	standaloneFunctionWords = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "of": {}, "to": {}, "and": {},
		"or": {}, "but": {}, "in": {}, "on": {}, "at": {}, "for": {},
	}

	trailingFunctionWords = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "of": {}, "to": {}, "and": {},
		"or": {}, "with": {}, "in": {}, "for": {},
	}

	nonsensePhrases = map[string]struct{}{
		"thank you for watching":    {},
		"thanks for watching":       {},
		"subscribe to my channel":   {},
		"see you in the next video": {},
		"transcription by":          {},
	}
)

// DetectIncoherent flags utterances that read like recognizer hallucinations
// rather than speech: empty text, concatenated words, long repeated-character
// runs, a lone function word, known filler phrases, or a very short utterance
// trailing off on an incomplete function word.
func DetectIncoherent(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if concatenatedWord.MatchString(trimmed) {
		return true
	}
	if hasCharRun(trimmed, 6) {
		return true
	}

	lower := strings.ToLower(trimmed)
	if _, ok := nonsensePhrases[strings.Trim(lower, ".!? ")]; ok {
		return true
	}

	words := strings.Fields(lower)
	if len(words) == 1 {
		if _, ok := standaloneFunctionWords[normalizeWord(words[0])]; ok {
			return true
		}
	}
	if len(words) > 1 && len(words) <= 3 {
		if _, ok := trailingFunctionWords[normalizeWord(words[len(words)-1])]; ok {
			return true
		}
	}
	return false
}

// hasCharRun reports whether s contains n or more consecutive identical runes.
func hasCharRun(s string, n int) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run >= n {
			return true
		}
	}
	return false
}

type RepeatedWordResult struct {
	Detected   bool
	Word       string
	RunLength  int
	Confidence float64
}

const repeatedWordThreshold = 4

// DetectRepeatedWords finds runs of four or more consecutive identical
// normalized words. Natural emphasis rarely exceeds a double; longer runs are
// connection glitches. Confidence scales with run length.
func DetectRepeatedWords(text string) RepeatedWordResult {
	words := strings.Fields(text)
	var best RepeatedWordResult

	run := 1
	for i := 1; i <= len(words); i++ {
		if i < len(words) && normalizeWord(words[i]) != "" && normalizeWord(words[i]) == normalizeWord(words[i-1]) {
			run++
			continue
		}
		if run >= repeatedWordThreshold && run > best.RunLength {
			best = RepeatedWordResult{
				Detected:   true,
				Word:       normalizeWord(words[i-1]),
				RunLength:  run,
				Confidence: repeatConfidence(run),
			}
		}
		run = 1
	}
	return best
}

func repeatConfidence(run int) float64 {
	c := 0.7 + 0.1*float64(run-repeatedWordThreshold)
	if c > 1.0 {
		return 1.0
	}
	return c
}

// SanitizeRepeatedWords collapses glitch-length runs (repeatedWordThreshold or
// more identical normalized words) down to two. Shorter runs are left alone:
// natural speech repeats up to a triple ("no no no") and only detection-length
// runs are glitches. Works across whitespace- and punctuation-separated
// repeats, and is idempotent.
func SanitizeRepeatedWords(text string) string {
	words := strings.Fields(text)
	if len(words) < repeatedWordThreshold {
		return text
	}

	kept := make([]string, 0, len(words))
	changed := false
	for i := 0; i < len(words); {
		j := i + 1
		norm := normalizeWord(words[i])
		for norm != "" && j < len(words) && normalizeWord(words[j]) == norm {
			j++
		}
		if j-i >= repeatedWordThreshold {
			kept = append(kept, words[i], words[i+1])
			changed = true
		} else {
			kept = append(kept, words[i:j]...)
		}
		i = j
	}
	if !changed {
		return text
	}
	return strings.Join(kept, " ")
}

func normalizeWord(w string) string {
	return strings.Trim(strings.ToLower(w), ".,!?;:'\"()[]-")
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
