// Package guidance runs the per-turn analysis call that steers the
// interviewer's next utterance. One call per respondent turn, single-flight
// per session, and always lag-by-one-turn: guidance computed from the turn
// that just completed may only influence the next one.
package guidance

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxlane/voxlane/pkg/interview/analysis"
	"github.com/voxlane/voxlane/pkg/interview/types"
)

// ErrBusy is returned when an analysis call is already in flight for this
// session. Overlapping calls are rejected outright, not queued.
var ErrBusy = errors.New("guidance analysis already in flight")

const (
	defaultTimeout       = 10 * time.Second
	defaultMinConfidence = 0.6
)

type Pipeline struct {
	svc    analysis.Service
	logger *slog.Logger

	timeout       time.Duration
	minConfidence float64

	busy atomic.Bool
}

type Options struct {
	Logger        *slog.Logger
	Timeout       time.Duration
	MinConfidence float64
}

func New(svc analysis.Service, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = defaultMinConfidence
	}
	return &Pipeline{
		svc:           svc,
		logger:        opts.Logger,
		timeout:       opts.Timeout,
		minConfidence: opts.MinConfidence,
	}
}

// Analyze issues one bounded analysis call. On timeout or transport error it
// returns the error and the interview continues on the interviewer's prior
// instructions; the caller never blocks the conversation on this.
func (p *Pipeline) Analyze(ctx context.Context, in analysis.GuidanceInput) (types.Guidance, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return types.Guidance{Action: types.GuidanceNone}, ErrBusy
	}
	defer p.busy.Store(false)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	g, err := p.svc.AnalyzeGuidance(ctx, in)
	if err != nil {
		p.logger.Debug("guidance analysis skipped", "error", err)
		return types.Guidance{Action: types.GuidanceNone}, err
	}
	return g, nil
}

// ShouldApply gates guidance on action and confidence.
func (p *Pipeline) ShouldApply(g types.Guidance) bool {
	return g.Action != types.GuidanceNone && g.Action != "" && g.Confidence > p.minConfidence
}

// Busy reports whether an analysis call is currently in flight.
func (p *Pipeline) Busy() bool {
	return p.busy.Load()
}
