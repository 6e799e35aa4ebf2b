package persist

import (
	"context"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/interview/types"
)

// MemoryStore keeps session records in process memory. Development fallback
// for running without a database; records vanish on restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (m *MemoryStore) PersistPatch(ctx context.Context, sessionID string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		rec = &Record{SessionID: sessionID, CreatedAt: m.now()}
		m.records[sessionID] = rec
	}

	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.QuestionIndex != nil {
		rec.QuestionIndex = *patch.QuestionIndex
	}
	if patch.InAdditional != nil {
		rec.InAdditional = *patch.InAdditional
	}
	if patch.AdditionalIndex != nil {
		rec.AdditionalIndex = *patch.AdditionalIndex
	}
	if patch.AdditionalConsent != nil {
		consent := *patch.AdditionalConsent
		rec.AdditionalConsent = &consent
	}
	if patch.SessionSummary != nil {
		rec.SessionSummary = *patch.SessionSummary
	}
	if patch.PausedTotal != nil {
		rec.PausedTotal = *patch.PausedTotal
	}
	if patch.Transcript != nil {
		rec.Transcript = append([]types.TranscriptEntry(nil), patch.Transcript...)
	}
	if patch.LastGuidance != nil {
		g := *patch.LastGuidance
		rec.LastGuidance = &g
	}
	if patch.QuestionStates != nil {
		rec.QuestionStates = append([]types.QuestionState(nil), patch.QuestionStates...)
	}
	if patch.Summaries != nil {
		rec.Summaries = append([]types.QuestionSummary(nil), patch.Summaries...)
	}
	if patch.AdditionalQuestions != nil {
		rec.AdditionalQuestions = append([]types.GeneratedQuestion(nil), patch.AdditionalQuestions...)
	}
	if patch.Performance != nil {
		rec.Performance = *patch.Performance
	}
	if patch.Quality != nil {
		rec.Quality = *patch.Quality
	}
	rec.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) LoadSession(ctx context.Context, sessionID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}
