package persist

import (
	"context"
	"errors"
	"testing"

	"github.com/voxlane/voxlane/pkg/interview/types"
)

func TestMemoryStore_LoadMissing(t *testing.T) {
	m := NewMemoryStore()
	if _, err := m.LoadSession(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_PatchesMerge(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	active := types.PhaseActive
	qi := 1
	if err := m.PersistPatch(ctx, "s1", Patch{Status: &active, QuestionIndex: &qi}); err != nil {
		t.Fatal(err)
	}
	summary := "done"
	if err := m.PersistPatch(ctx, "s1", Patch{SessionSummary: &summary}); err != nil {
		t.Fatal(err)
	}

	rec, err := m.LoadSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != types.PhaseActive || rec.QuestionIndex != 1 {
		t.Errorf("earlier patch lost: %+v", rec)
	}
	if rec.SessionSummary != "done" {
		t.Errorf("session summary = %q", rec.SessionSummary)
	}
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	qi := 0
	if err := m.PersistPatch(ctx, "s1", Patch{QuestionIndex: &qi}); err != nil {
		t.Fatal(err)
	}
	rec, _ := m.LoadSession(ctx, "s1")
	rec.QuestionIndex = 99

	again, _ := m.LoadSession(ctx, "s1")
	if again.QuestionIndex != 0 {
		t.Error("mutating a loaded record leaked into the store")
	}
}
