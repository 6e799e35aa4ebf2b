// Package persist is the debounced writer between live session state and the
// external storage collaborator. Bursts of transcript and metric updates
// coalesce into one write after a quiet period; phase transitions and
// teardown force an immediate flush.
package persist

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/voxlane/voxlane/pkg/interview/types"
)

var ErrNotFound = errors.New("session record not found")

// Record is the durable shape of one session, returned by Load for
// rehydration.
type Record struct {
	SessionID string      `json:"session_id"`
	Status    types.Phase `json:"status"`

	QuestionIndex     int   `json:"question_index"`
	InAdditional      bool  `json:"in_additional"`
	AdditionalIndex   int   `json:"additional_index"`
	AdditionalConsent *bool `json:"additional_consent,omitempty"`

	Transcript          []types.TranscriptEntry   `json:"transcript"`
	LastGuidance        *types.Guidance           `json:"last_guidance,omitempty"`
	QuestionStates      []types.QuestionState     `json:"question_states"`
	Summaries           []types.QuestionSummary   `json:"summaries"`
	AdditionalQuestions []types.GeneratedQuestion `json:"additional_questions,omitempty"`
	SessionSummary      string                    `json:"session_summary,omitempty"`

	Performance types.PerformanceMetrics `json:"performance"`
	Quality     types.QualityMetrics     `json:"quality"`

	PausedTotal time.Duration `json:"paused_total"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Patch is a partial update merged into the stored record. Nil pointer and
// nil slice fields are left untouched; Transcript always carries the full
// unbounded persistence buffer, never the bounded in-memory tail.
type Patch struct {
	Status *types.Phase

	QuestionIndex     *int
	InAdditional      *bool
	AdditionalIndex   *int
	AdditionalConsent *bool

	Transcript          []types.TranscriptEntry
	LastGuidance        *types.Guidance
	QuestionStates      []types.QuestionState
	Summaries           []types.QuestionSummary
	AdditionalQuestions []types.GeneratedQuestion
	SessionSummary      *string

	Performance *types.PerformanceMetrics
	Quality     *types.QualityMetrics

	PausedTotal *time.Duration
}

// Store is implemented by the external storage collaborator.
type Store interface {
	PersistPatch(ctx context.Context, sessionID string, patch Patch) error
	LoadSession(ctx context.Context, sessionID string) (*Record, error)
}

// NormalizeSummaries compacts the sparse by-index summary map into a dense,
// index-ordered list. Summaries are produced out of order, so the in-memory
// representation may have holes; storage never sees them.
func NormalizeSummaries(byIndex map[int]types.QuestionSummary) []types.QuestionSummary {
	if len(byIndex) == 0 {
		return []types.QuestionSummary{}
	}
	out := make([]types.QuestionSummary, 0, len(byIndex))
	for _, s := range byIndex {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionIndex < out[j].QuestionIndex })
	return out
}

const defaultDebounce = 2 * time.Second

// Gateway debounces writes for one session. Schedule restarts the quiet
// period; Flush writes immediately and is always safe to call when idle.
type Gateway struct {
	store     Store
	logger    *slog.Logger
	sessionID string
	snapshot  func() Patch

	writeTimeout time.Duration
	debounced    func(func())

	mu    sync.Mutex
	dirty bool
}

type GatewayOptions struct {
	Logger       *slog.Logger
	Interval     time.Duration
	WriteTimeout time.Duration
}

// NewGateway builds a per-session gateway. snapshot must return a complete
// patch of the session's current durable state; it is invoked on the
// debounce goroutine and must take its own lock.
func NewGateway(store Store, sessionID string, snapshot func() Patch, opts GatewayOptions) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultDebounce
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Gateway{
		store:        store,
		logger:       opts.Logger,
		sessionID:    sessionID,
		snapshot:     snapshot,
		writeTimeout: opts.WriteTimeout,
		debounced:    debounce.New(opts.Interval),
	}
}

// Schedule marks the session dirty and (re)starts the debounce timer.
func (g *Gateway) Schedule() {
	g.mu.Lock()
	g.dirty = true
	g.mu.Unlock()
	g.debounced(g.fire)
}

func (g *Gateway) fire() {
	g.mu.Lock()
	if !g.dirty {
		// A Flush already wrote this state; the trailing timer has nothing
		// to do.
		g.mu.Unlock()
		return
	}
	g.dirty = false
	g.mu.Unlock()
	g.write()
}

// Flush writes the current state immediately. Invoked on pause, on phase
// transitions, and before cleanup.
func (g *Gateway) Flush() {
	g.mu.Lock()
	g.dirty = false
	g.mu.Unlock()
	g.write()
}

func (g *Gateway) write() {
	ctx, cancel := context.WithTimeout(context.Background(), g.writeTimeout)
	defer cancel()
	if err := g.store.PersistPatch(ctx, g.sessionID, g.snapshot()); err != nil {
		// Persistence failures never reach the conversation path; the next
		// scheduled or forced flush retries with fresher state.
		g.logger.Error("session persist failed", "session_id", g.sessionID, "error", err)
	}
}
