// Package tasks is a per-session structured task group. Background work is
// keyed by logical unit (question index, additional-question index) so
// finalization can await exactly the outstanding units and teardown can
// cancel them.
package tasks

import (
	"context"
	"sync"
)

type Group struct {
	mu      sync.Mutex
	pending map[string]struct{}
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewGroup() *Group {
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{
		pending: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go starts fn on its own goroutine under the given key. It returns false
// without starting anything if a task with the same key is already in flight
// or the group has been canceled.
func (g *Group) Go(key string, fn func(ctx context.Context)) bool {
	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		return false
	}
	if _, exists := g.pending[key]; exists {
		g.mu.Unlock()
		return false
	}
	g.pending[key] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.pending, key)
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn(g.ctx)
	}()
	return true
}

// Running reports whether a task with the given key is in flight.
func (g *Group) Running(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[key]
	return ok
}

func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Wait blocks until all outstanding tasks finish or ctx is done. It returns
// true when the group drained cleanly.
func (g *Group) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Cancel signals every task's context and prevents new tasks from starting.
func (g *Group) Cancel() {
	g.cancel()
}
