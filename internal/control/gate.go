// Package control holds the task-scoped pause gate and cancellation token.
package control

import (
	"context"
	"sync"
)

// Gate blocks acquirers while paused. The ready channel is closed while
// running; Pause swaps in a fresh open channel and Resume closes it.
type Gate struct {
	mu     sync.Mutex
	ready  chan struct{}
	paused bool
}

// NewGate returns a gate in the running state.
func NewGate() *Gate {
	ready := make(chan struct{})
	close(ready)

	return &Gate{ready: ready}
}

// Pause stops new acquisitions. It reports false if the gate was already paused.
func (g *Gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused {
		return false
	}

	g.paused = true
	g.ready = make(chan struct{})

	return true
}

// Resume releases waiters. It reports false if the gate was not paused.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		return false
	}

	g.paused = false
	close(g.ready)

	return true
}

// Paused reports whether the gate is paused.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.paused
}

// Ready returns a channel that is closed once the gate is running.
func (g *Gate) Ready() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.ready
}

// Wait blocks until the gate is running or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
