package wire

import (
	"testing"
)

func TestDecodeEvent_TranscriptionCompleted(t *testing.T) {
	raw := `{"type":"conversation.item.input_audio_transcription.completed","transcript":"I studied biology","usage":{"input_tokens":12,"output_tokens":4,"total_tokens":16}}`
	ev, err := DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tc, ok := ev.(TranscriptionCompleted)
	if !ok {
		t.Fatalf("expected TranscriptionCompleted, got %T", ev)
	}
	if tc.Transcript != "I studied biology" {
		t.Errorf("Transcript = %q", tc.Transcript)
	}
	if tc.Usage == nil || tc.Usage.TotalTokens != 16 {
		t.Errorf("Usage = %+v", tc.Usage)
	}
}

func TestDecodeEvent_ResponseDone(t *testing.T) {
	raw := `{"type":"response.done","response":{"status":"completed","usage":{"input_tokens":100,"output_tokens":40,"total_tokens":140}}}`
	ev, err := DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	done, ok := ev.(ResponseDone)
	if !ok {
		t.Fatalf("expected ResponseDone, got %T", ev)
	}
	if done.Status != "completed" || done.Usage == nil || done.Usage.OutputTokens != 40 {
		t.Errorf("unexpected decode: %+v", done)
	}
}

func TestDecodeEvent_Error(t *testing.T) {
	raw := `{"type":"error","error":{"code":"conversation_already_has_active_response","message":"Conversation already has an active response"}}`
	ev, err := DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	perr, ok := ev.(ProviderError)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", ev)
	}
	if !perr.ActiveResponseInProgress() {
		t.Error("active-response rejection must be classified as informational")
	}

	other := ProviderError{Code: "server_error", Message: "internal"}
	if other.ActiveResponseInProgress() {
		t.Error("unrelated errors must not be classified as active-response")
	}
}

func TestDecodeEvent_Unknown(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"type":"rate_limits.updated"}`)); err == nil {
		t.Fatal("expected error for unsupported event type")
	}
}

func TestDecodeEvent_SpeechLifecycle(t *testing.T) {
	if ev, err := DecodeEvent([]byte(`{"type":"input_audio_buffer.speech_started"}`)); err != nil {
		t.Fatalf("decode: %v", err)
	} else if _, ok := ev.(SpeechStarted); !ok {
		t.Fatalf("expected SpeechStarted, got %T", ev)
	}
	if ev, err := DecodeEvent([]byte(`{"type":"input_audio_buffer.speech_stopped"}`)); err != nil {
		t.Fatalf("decode: %v", err)
	} else if _, ok := ev.(SpeechStopped); !ok {
		t.Fatalf("expected SpeechStopped, got %T", ev)
	}
}
