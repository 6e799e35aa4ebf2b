// Package protocol defines the respondent-connection message set as a closed
// tagged union. Every inbound frame decodes to exactly one concrete type or a
// DecodeError; there is no pass-through of unknown message types.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// --- Client → server messages ---

type ClientAudioChunk struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ClientCommitAudio struct {
	Type string `json:"type"`
}

type ClientTextInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientPause struct {
	Type string `json:"type"`
}

type ClientResume struct {
	Type string `json:"type"`
}

type ClientAdvanceQuestion struct {
	Type string `json:"type"`
}

type ClientEndInterview struct {
	Type string `json:"type"`
}

type ClientRequestAdditionalQuestions struct {
	Type string `json:"type"`
}

type ClientDeclineAdditionalQuestions struct {
	Type string `json:"type"`
}

type ClientAdvanceAdditionalQuestion struct {
	Type string `json:"type"`
}

type ClientEndAdditionalQuestions struct {
	Type string `json:"type"`
}

type ClientHeartbeatPing struct {
	Type string `json:"type"`
}

type ClientAudioReady struct {
	Type string `json:"type"`
}

type ClientDetectedSilence struct {
	Type       string `json:"type"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// ClientResumingAudio carries audio the client buffered while the server was
// not accepting it (reconnect, calibration).
type ClientResumingAudio struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64,omitempty"`
}

type ClientCalibrationComplete struct {
	Type string `json:"type"`
}

// DecodeClientMessage decodes one inbound respondent frame.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "audio_chunk":
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_chunk.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "commit_audio":
		return ClientCommitAudio{Type: typ}, nil
	case "text_input":
		var msg ClientTextInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_input", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_input.text is required", "text")
		}
		return msg, nil
	case "pause":
		return ClientPause{Type: typ}, nil
	case "resume":
		return ClientResume{Type: typ}, nil
	case "advance_question":
		return ClientAdvanceQuestion{Type: typ}, nil
	case "end_interview":
		return ClientEndInterview{Type: typ}, nil
	case "request_additional_questions":
		return ClientRequestAdditionalQuestions{Type: typ}, nil
	case "decline_additional_questions":
		return ClientDeclineAdditionalQuestions{Type: typ}, nil
	case "advance_additional_question":
		return ClientAdvanceAdditionalQuestion{Type: typ}, nil
	case "end_additional_questions":
		return ClientEndAdditionalQuestions{Type: typ}, nil
	case "heartbeat_ping":
		return ClientHeartbeatPing{Type: typ}, nil
	case "audio_ready":
		return ClientAudioReady{Type: typ}, nil
	case "client_detected_silence":
		var msg ClientDetectedSilence
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid client_detected_silence", "")
		}
		return msg, nil
	case "client_resuming_audio":
		var msg ClientResumingAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid client_resuming_audio", "")
		}
		return msg, nil
	case "client_calibration_complete":
		return ClientCalibrationComplete{Type: typ}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// --- Server → client messages ---

// ResumeState is sent in Connected so a reattaching client can rebuild its UI.
type ResumeState struct {
	Resumed        bool                    `json:"resumed"`
	QuestionIndex  int                     `json:"question_index"`
	Phase          string                  `json:"phase"`
	TranscriptTail []ResumeTranscriptEntry `json:"transcript_tail,omitempty"`
}

type ResumeTranscriptEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type ServerConnected struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	Resume          ResumeState `json:"resume"`
}

type ServerAudioChunk struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ServerAudioDone struct {
	Type string `json:"type"`
}

type ServerInterviewerTranscriptDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerInterviewerTranscriptDone struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerRespondentTranscript struct {
	Type          string `json:"type"`
	Text          string `json:"text"`
	QuestionIndex int    `json:"question_index"`
}

type ServerSpeakingStarted struct {
	Type string `json:"type"`
}

type ServerSpeakingStopped struct {
	Type string `json:"type"`
}

type ServerGuidanceNotice struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

type ServerQuestionChanged struct {
	Type          string `json:"type"`
	QuestionIndex int    `json:"question_index"`
	QuestionText  string `json:"question_text,omitempty"`
	Additional    bool   `json:"additional,omitempty"`
}

type ServerTopicOverlapDetected struct {
	Type          string `json:"type"`
	QuestionIndex int    `json:"question_index"`
	OverlapsWith  []int  `json:"overlaps_with,omitempty"`
}

// ServerAdditionalQuestionsOffer asks the client to prompt the respondent
// for consent; the sub-flow never starts or is skipped silently.
type ServerAdditionalQuestionsOffer struct {
	Type string `json:"type"`
}

type ServerAdditionalQuestionsGenerating struct {
	Type string `json:"type"`
}

type ServerAdditionalQuestionsReady struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type ServerAdditionalQuestionsNone struct {
	Type string `json:"type"`
}

type ServerAdditionalQuestionStarted struct {
	Type          string `json:"type"`
	QuestionIndex int    `json:"question_index"`
	QuestionText  string `json:"question_text"`
}

type ServerQualityWarning struct {
	Type    string `json:"type"`
	Score   int    `json:"score"`
	Message string `json:"message"`
}

type ServerVADSensitivityUpdate struct {
	Type      string  `json:"type"`
	Threshold float64 `json:"threshold"`
	Restored  bool    `json:"restored,omitempty"`
}

type ServerSessionWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerSessionTerminated struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Resumable bool   `json:"resumable"`
}

type ServerInterviewComplete struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after_ms,omitempty"`
}
