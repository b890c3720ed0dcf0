// Package drain tracks in-flight work so shutdown can wait for it.
package drain

import (
	"context"
	"sync"
)

// Gate counts active work items. Once Start is called no new work is
// admitted and Wait returns when the last item leaves.
type Gate struct {
	mu       sync.Mutex
	draining bool
	active   int
	idle     chan struct{}
}

// Enter admits one work item. It returns false while draining.
func (g *Gate) Enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	if g.active == 0 {
		g.idle = make(chan struct{})
	}
	g.active++
	return true
}

// Leave marks one admitted item as finished.
func (g *Gate) Leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == 0 {
		return
	}
	g.active--
	if g.active == 0 {
		close(g.idle)
	}
}

// Start marks the gate as draining.
func (g *Gate) Start() {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()
}

// IsDraining reports whether draining is in progress.
func (g *Gate) IsDraining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

// Active returns the number of admitted items.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Wait blocks until no item is active or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.active == 0 {
		g.mu.Unlock()
		return nil
	}
	idle := g.idle
	g.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
