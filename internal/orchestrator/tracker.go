package orchestrator

import (
	"context"
	"sync"
)

// tracker maintains the contiguous completion watermark for one person's
// combination space. Workers resolve indices out of order; the watermark only
// advances through an unbroken prefix of resolved indices, so a checkpoint
// taken at the watermark never skips an unresolved combination.
type tracker struct {
	mu       sync.Mutex
	next     int64
	resolved map[int64]struct{}
}

func newTracker(start int64) *tracker {
	return &tracker{next: start, resolved: make(map[int64]struct{})}
}

// resolve marks index done and returns the new watermark.
func (t *tracker) resolve(index int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolved[index] = struct{}{}
	for {
		if _, ok := t.resolved[t.next]; !ok {
			break
		}
		delete(t.resolved, t.next)
		t.next++
	}
	return t.next
}

// watermark returns the current contiguous completion count.
func (t *tracker) watermark() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// gate is a pool-wide pause point. Workers wait on it between combinations;
// closing it parks every worker until it reopens.
type gate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newGate() *gate {
	g := &gate{open: make(chan struct{})}
	close(g.open)
	return g
}

// pause closes the gate. Reports false if it was already closed.
func (g *gate) pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		return false
	}
	g.open = make(chan struct{})
	return true
}

// resume reopens the gate. Reports false if it was already open.
func (g *gate) resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		return false
	default:
	}
	close(g.open)
	return true
}

// wait blocks until the gate is open or ctx is done.
func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		return false
	default:
		return true
	}
}
