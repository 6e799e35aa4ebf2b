// Package pg implements the persistence Store on Postgres. One dense row per
// session; collection-valued fields live in jsonb columns so partial patches
// stay single-statement upserts.
package pg

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/voxlane/voxlane/pkg/interview/persist"
	"github.com/voxlane/voxlane/pkg/interview/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool *pgxpool.Pool
}

// Open connects, pings, and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// column is one patch field mapped to its SQL column.
type column struct {
	name string
	arg  any
}

// patchColumns maps the set fields of a patch onto upsert columns. Nil
// pointer and nil slice fields are absent from the result.
func patchColumns(patch persist.Patch) ([]column, error) {
	var cols []column

	if patch.Status != nil {
		cols = append(cols, column{"status", string(*patch.Status)})
	}
	if patch.QuestionIndex != nil {
		cols = append(cols, column{"question_index", *patch.QuestionIndex})
	}
	if patch.InAdditional != nil {
		cols = append(cols, column{"in_additional", *patch.InAdditional})
	}
	if patch.AdditionalIndex != nil {
		cols = append(cols, column{"additional_index", *patch.AdditionalIndex})
	}
	if patch.AdditionalConsent != nil {
		cols = append(cols, column{"additional_consent", *patch.AdditionalConsent})
	}
	if patch.SessionSummary != nil {
		cols = append(cols, column{"session_summary", *patch.SessionSummary})
	}
	if patch.PausedTotal != nil {
		cols = append(cols, column{"paused_total_ms", patch.PausedTotal.Milliseconds()})
	}

	jsonCols := []struct {
		name string
		v    any
		set  bool
	}{
		{"transcript", patch.Transcript, patch.Transcript != nil},
		{"last_guidance", patch.LastGuidance, patch.LastGuidance != nil},
		{"question_states", patch.QuestionStates, patch.QuestionStates != nil},
		{"summaries", patch.Summaries, patch.Summaries != nil},
		{"additional_questions", patch.AdditionalQuestions, patch.AdditionalQuestions != nil},
		{"performance", patch.Performance, patch.Performance != nil},
		{"quality", patch.Quality, patch.Quality != nil},
	}
	for _, jc := range jsonCols {
		if !jc.set {
			continue
		}
		data, err := json.Marshal(jc.v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", jc.name, err)
		}
		cols = append(cols, column{jc.name, data})
	}
	return cols, nil
}

func (s *Store) PersistPatch(ctx context.Context, sessionID string, patch persist.Patch) error {
	cols, err := patchColumns(patch)
	if err != nil {
		return err
	}

	names := []string{"session_id"}
	placeholders := []string{"$1"}
	args := []any{sessionID}
	var updates []string
	for i, c := range cols {
		names = append(names, c.name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, c.arg)
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c.name, c.name))
	}
	updates = append(updates, "updated_at = now()")

	query := fmt.Sprintf(
		`INSERT INTO interview_sessions (%s) VALUES (%s) ON CONFLICT (session_id) DO UPDATE SET %s`,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("persist session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (*persist.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT status, question_index, in_additional, additional_index, additional_consent,
		       transcript, last_guidance, question_states, summaries, additional_questions,
		       session_summary, performance, quality, paused_total_ms, created_at, updated_at
		FROM interview_sessions
		WHERE session_id = $1
	`, sessionID)

	var (
		rec            persist.Record
		status         string
		transcript     []byte
		lastGuidance   []byte
		questionStates []byte
		summaries      []byte
		additional     []byte
		performance    []byte
		qualityRaw     []byte
		pausedMS       int64
	)
	err := row.Scan(&status, &rec.QuestionIndex, &rec.InAdditional, &rec.AdditionalIndex,
		&rec.AdditionalConsent, &transcript, &lastGuidance, &questionStates, &summaries,
		&additional, &rec.SessionSummary, &performance, &qualityRaw, &pausedMS,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	rec.SessionID = sessionID
	rec.Status = types.Phase(status)
	rec.PausedTotal = time.Duration(pausedMS) * time.Millisecond

	for _, f := range []struct {
		data []byte
		dst  any
	}{
		{transcript, &rec.Transcript},
		{questionStates, &rec.QuestionStates},
		{summaries, &rec.Summaries},
		{additional, &rec.AdditionalQuestions},
		{performance, &rec.Performance},
		{qualityRaw, &rec.Quality},
	} {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
		}
	}
	if len(lastGuidance) > 0 && string(lastGuidance) != "null" {
		rec.LastGuidance = &types.Guidance{}
		if err := json.Unmarshal(lastGuidance, rec.LastGuidance); err != nil {
			return nil, fmt.Errorf("decode session %s guidance: %w", sessionID, err)
		}
	}
	return &rec, nil
}
