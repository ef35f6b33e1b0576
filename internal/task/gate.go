// Package task executes the per-channel test protocol against the two PLC
// connections, producing raw outcomes for the state machine.
package task

import (
	"context"
	"sync"
)

// Gate is a resettable pause gate. Wait blocks while the gate is closed
// and returns immediately while it is open. It is checked at fixed points
// between protocol steps; it never interrupts an in-flight PLC call.
type Gate struct {
	mu sync.Mutex
	ch chan struct{} // closed channel means the gate is open
}

// NewGate creates an open gate.
func NewGate() *Gate {
	g := &Gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

// Close shuts the gate; subsequent Wait calls block until Open.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// already closed
	}
}

// Open releases the gate, waking every blocked Wait.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// already open
	default:
		close(g.ch)
	}
}

// IsOpen reports the gate's current state.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is open or the context is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
