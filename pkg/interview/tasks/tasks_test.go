package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_DuplicateKeyRejected(t *testing.T) {
	g := NewGroup()
	release := make(chan struct{})

	if !g.Go("q:0", func(context.Context) { <-release }) {
		t.Fatal("first task should start")
	}
	if g.Go("q:0", func(context.Context) {}) {
		t.Error("duplicate key must be rejected while in flight")
	}
	if !g.Running("q:0") {
		t.Error("Running should report the in-flight key")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !g.Wait(ctx) {
		t.Fatal("group did not drain")
	}

	// Key is reusable once the task finished.
	if !g.Go("q:0", func(context.Context) {}) {
		t.Error("key should be reusable after completion")
	}
}

func TestGroup_WaitTimesOut(t *testing.T) {
	g := NewGroup()
	release := make(chan struct{})
	defer close(release)
	g.Go("slow", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if g.Wait(ctx) {
		t.Error("Wait should report false when tasks outlive ctx")
	}
}

func TestGroup_CancelStopsTasksAndBlocksNew(t *testing.T) {
	g := NewGroup()
	var sawCancel atomic.Bool
	g.Go("a", func(ctx context.Context) {
		<-ctx.Done()
		sawCancel.Store(true)
	})

	g.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !g.Wait(ctx) {
		t.Fatal("group did not drain after cancel")
	}
	if !sawCancel.Load() {
		t.Error("task context was not canceled")
	}
	if g.Go("b", func(context.Context) {}) {
		t.Error("new tasks must be rejected after cancel")
	}
}

func TestGroup_PendingCount(t *testing.T) {
	g := NewGroup()
	release := make(chan struct{})
	g.Go("x", func(context.Context) { <-release })
	g.Go("y", func(context.Context) { <-release })
	if got := g.Pending(); got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g.Wait(ctx)
	if got := g.Pending(); got != 0 {
		t.Errorf("Pending after drain = %d, want 0", got)
	}
}
