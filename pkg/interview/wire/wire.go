// Package wire defines the event contract a realtime speech provider must
// satisfy. Outbound frames configure the provider session and push audio or
// text; inbound frames decode to a closed union of typed events so dispatch
// is exhaustive at compile time.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TurnDetection controls the provider's speech-endpoint sensitivity.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// SessionConfig is sent on connect and on every instruction rewrite.
type SessionConfig struct {
	Modalities    []string       `json:"modalities"`
	Voice         string         `json:"voice,omitempty"`
	Instructions  string         `json:"instructions"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
}

// --- Outbound (client → provider) ---

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type AudioAppend struct {
	Type    string `json:"type"`
	DataB64 string `json:"audio"`
}

type AudioCommit struct {
	Type string `json:"type"`
}

type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ItemContent `json:"content"`
}

type ItemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ResponseCreate struct {
	Type     string          `json:"type"`
	Response *ResponseParams `json:"response,omitempty"`
}

type ResponseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: "session.update", Session: cfg}
}

func NewAudioAppend(b64 string) AudioAppend {
	return AudioAppend{Type: "input_audio_buffer.append", DataB64: b64}
}

func NewAudioCommit() AudioCommit {
	return AudioCommit{Type: "input_audio_buffer.commit"}
}

func NewTextItem(role, text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type:    "message",
			Role:    role,
			Content: []ItemContent{{Type: "input_text", Text: text}},
		},
	}
}

func NewResponseCreate(params *ResponseParams) ResponseCreate {
	return ResponseCreate{Type: "response.create", Response: params}
}

// --- Inbound (provider → client) ---

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type SessionCreated struct {
	Type string `json:"type"`
}

type SessionUpdated struct {
	Type string `json:"type"`
}

type AudioDelta struct {
	Type    string `json:"type"`
	DataB64 string `json:"delta"`
}

type AudioDone struct {
	Type string `json:"type"`
}

type TranscriptDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type TranscriptDone struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// TranscriptionCompleted carries the final recognition of one respondent turn.
type TranscriptionCompleted struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Usage      *Usage `json:"usage,omitempty"`
}

type SpeechStarted struct {
	Type string `json:"type"`
}

type SpeechStopped struct {
	Type string `json:"type"`
}

type ResponseCreated struct {
	Type string `json:"type"`
}

type ResponseDone struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`
}

type ProviderError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e ProviderError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ActiveResponseInProgress reports whether a provider error is the
// informational "conversation already has an active response" rejection,
// which is recoverable and must not surface to the respondent.
func (e ProviderError) ActiveResponseInProgress() bool {
	if strings.Contains(e.Code, "active_response") {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "already has an active response")
}

// DecodeEvent decodes one inbound provider frame into a typed event.
func DecodeEvent(data []byte) (any, error) {
	var envelope struct {
		Type  string `json:"type"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid provider frame: %w", err)
	}

	switch envelope.Type {
	case "session.created":
		return SessionCreated{Type: envelope.Type}, nil
	case "session.updated":
		return SessionUpdated{Type: envelope.Type}, nil
	case "response.audio.delta":
		var ev AudioDelta
		return ev, json.Unmarshal(data, &ev)
	case "response.audio.done":
		return AudioDone{Type: envelope.Type}, nil
	case "response.audio_transcript.delta":
		var ev TranscriptDelta
		return ev, json.Unmarshal(data, &ev)
	case "response.audio_transcript.done":
		var ev TranscriptDone
		return ev, json.Unmarshal(data, &ev)
	case "conversation.item.input_audio_transcription.completed":
		var ev TranscriptionCompleted
		return ev, json.Unmarshal(data, &ev)
	case "input_audio_buffer.speech_started":
		return SpeechStarted{Type: envelope.Type}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{Type: envelope.Type}, nil
	case "response.created":
		return ResponseCreated{Type: envelope.Type}, nil
	case "response.done":
		var outer struct {
			Type     string `json:"type"`
			Response struct {
				Status string `json:"status"`
				Usage  *Usage `json:"usage"`
			} `json:"response"`
		}
		if err := json.Unmarshal(data, &outer); err != nil {
			return nil, err
		}
		return ResponseDone{Type: outer.Type, Status: outer.Response.Status, Usage: outer.Response.Usage}, nil
	case "error":
		ev := ProviderError{Type: envelope.Type}
		if envelope.Error != nil {
			ev.Code = envelope.Error.Code
			ev.Message = envelope.Error.Message
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unsupported provider event type %q", envelope.Type)
	}
}
