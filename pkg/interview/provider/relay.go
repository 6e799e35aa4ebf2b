// Package provider owns the outbound connection to the realtime speech
// provider and translates its wire events into orchestrator callbacks.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/voxlane/voxlane/pkg/interview/wire"
)

// ErrResponseActive is returned by CreateResponse while the provider is still
// producing a previous response. Providers reject concurrent responses, so
// the relay refuses to send one rather than surface a protocol error.
var ErrResponseActive = errors.New("provider response already in progress")

var ErrRelayClosed = errors.New("provider relay closed")

// Conn is the subset of *websocket.Conn the relay needs; tests substitute a
// fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// Handler receives translated provider events. All callbacks are invoked from
// the relay's single read goroutine, already filtered for stale epochs.
type Handler interface {
	OnSessionReady()
	OnAudioDelta(dataB64 string)
	OnAudioDone()
	OnTranscriptDelta(text string)
	OnTranscriptDone(text string)
	OnTranscriptionCompleted(text string, usage *wire.Usage)
	OnSpeechStarted()
	OnSpeechStopped()
	OnResponseDone(status string, usage *wire.Usage)
	OnProviderError(err wire.ProviderError)
	OnRelayClosed(err error)
}

type Relay struct {
	logger  *slog.Logger
	conn    Conn
	handler Handler

	// epoch is the session connection epoch captured when this relay was
	// opened. currentEpoch reports the session's live epoch; a mismatch means
	// this relay belongs to a superseded connection and its events must not
	// touch session state.
	epoch        string
	currentEpoch func() string

	writeMu sync.Mutex

	responseActive atomic.Bool
	closed         atomic.Bool
}

type Options struct {
	Logger       *slog.Logger
	Epoch        string
	CurrentEpoch func() string
	Handler      Handler
}

func New(conn Conn, opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CurrentEpoch == nil {
		epoch := opts.Epoch
		opts.CurrentEpoch = func() string { return epoch }
	}
	return &Relay{
		logger:       opts.Logger,
		conn:         conn,
		handler:      opts.Handler,
		epoch:        opts.Epoch,
		currentEpoch: opts.CurrentEpoch,
	}
}

// Dial opens the provider websocket and returns a relay bound to it.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*Relay, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return New(conn, opts), nil
}

// Configure sends the provider session configuration. Called once on connect
// and again on every interviewer-instruction rewrite.
func (r *Relay) Configure(cfg wire.SessionConfig) error {
	return r.writeJSON(wire.NewSessionUpdate(cfg))
}

func (r *Relay) AppendAudio(dataB64 string) error {
	return r.writeJSON(wire.NewAudioAppend(dataB64))
}

func (r *Relay) CommitAudio() error {
	return r.writeJSON(wire.NewAudioCommit())
}

// InjectText creates a conversation item without triggering a response.
func (r *Relay) InjectText(role, text string) error {
	return r.writeJSON(wire.NewTextItem(role, text))
}

// CreateResponse asks the provider to produce the next interviewer utterance.
func (r *Relay) CreateResponse(params *wire.ResponseParams) error {
	if r.responseActive.Load() {
		return ErrResponseActive
	}
	if err := r.writeJSON(wire.NewResponseCreate(params)); err != nil {
		return err
	}
	r.responseActive.Store(true)
	return nil
}

func (r *Relay) ResponseActive() bool {
	return r.responseActive.Load()
}

func (r *Relay) Epoch() string {
	return r.epoch
}

func (r *Relay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.conn.Close()
}

func (r *Relay) writeJSON(v any) error {
	if r.closed.Load() {
		return ErrRelayClosed
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(v)
}

// Run reads provider frames until the connection dies, dispatching each to
// the handler. It must be run on its own goroutine.
func (r *Relay) Run() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.closed.Store(true)
			if r.fresh("closed") {
				r.handler.OnRelayClosed(err)
			}
			return
		}

		ev, err := wire.DecodeEvent(data)
		if err != nil {
			r.logger.Debug("ignoring provider frame", "error", err)
			continue
		}
		r.dispatch(ev)
	}
}

func (r *Relay) dispatch(ev any) {
	// Track the response lifecycle even for stale relays so a dying
	// connection cannot wedge the flag, then drop anything stale.
	switch ev.(type) {
	case wire.ResponseCreated:
		r.responseActive.Store(true)
	case wire.ResponseDone:
		r.responseActive.Store(false)
	}

	switch ev := ev.(type) {
	case wire.SessionCreated, wire.SessionUpdated:
		if r.fresh("session_ready") {
			r.handler.OnSessionReady()
		}
	case wire.AudioDelta:
		if r.fresh("audio_delta") {
			r.handler.OnAudioDelta(ev.DataB64)
		}
	case wire.AudioDone:
		if r.fresh("audio_done") {
			r.handler.OnAudioDone()
		}
	case wire.TranscriptDelta:
		if r.fresh("transcript_delta") {
			r.handler.OnTranscriptDelta(ev.Delta)
		}
	case wire.TranscriptDone:
		if r.fresh("transcript_done") {
			r.handler.OnTranscriptDone(ev.Transcript)
		}
	case wire.TranscriptionCompleted:
		if r.fresh("transcription_completed") {
			r.handler.OnTranscriptionCompleted(ev.Transcript, ev.Usage)
		}
	case wire.SpeechStarted:
		if r.fresh("speech_started") {
			r.handler.OnSpeechStarted()
		}
	case wire.SpeechStopped:
		if r.fresh("speech_stopped") {
			r.handler.OnSpeechStopped()
		}
	case wire.ResponseCreated:
		// Lifecycle flag handled above; nothing to forward.
	case wire.ResponseDone:
		if r.fresh("response_done") {
			r.handler.OnResponseDone(ev.Status, ev.Usage)
		}
	case wire.ProviderError:
		if ev.ActiveResponseInProgress() {
			r.logger.Info("provider already has an active response", "code", ev.Code)
			return
		}
		if r.fresh("error") {
			r.handler.OnProviderError(ev)
		}
	}
}

// fresh reports whether this relay still belongs to the session's current
// connection epoch. Events from superseded relays are discarded with a
// warning; this is the primary defense against a dying socket's trailing
// events corrupting fresh session state.
func (r *Relay) fresh(event string) bool {
	current := r.currentEpoch()
	if current == r.epoch {
		return true
	}
	r.logger.Warn("discarding provider event from stale connection epoch",
		"event", event, "relay_epoch", r.epoch, "current_epoch", current)
	return false
}
