// Package neighbor implements the per-peer bookkeeping tables: a
// delivery-probability profile per neighbor, and the set of
// currently-known replica holders. Each entry carries its own
// cancellable expiry handle driven by the injected clock.Scheduler
// rather than a background sweep.
package neighbor

import (
	"sync"
	"time"

	"github.com/rhpman/protocol/pkg/clock"
	"github.com/rhpman/protocol/pkg/store"
)

// NodeID re-exported for convenience.
type NodeID = store.NodeID

type profileEntry struct {
	delivery float64
	handle   clock.Handle
}

// ProfileTable tracks the most recent Ping-reported delivery probability
// for every currently-fresh neighbor.
type ProfileTable struct {
	mu        sync.RWMutex
	sched     *clock.Scheduler
	timeout   time.Duration
	entries   map[NodeID]*profileEntry
}

// NewProfileTable builds a table whose entries expire timeout after their
// last refresh.
func NewProfileTable(sched *clock.Scheduler, timeout time.Duration) *ProfileTable {
	return &ProfileTable{
		sched:   sched,
		timeout: timeout,
		entries: make(map[NodeID]*profileEntry),
	}
}

// Observe records a Ping from peer with the given delivery value and
// (re)arms its expiry timer.
func (p *ProfileTable) Observe(peer NodeID, delivery float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[peer]; ok {
		p.sched.Cancel(e.handle)
		e.delivery = delivery
		e.handle = p.armExpiry(peer)
		return
	}
	e := &profileEntry{delivery: delivery}
	e.handle = p.armExpiry(peer)
	p.entries[peer] = e
}

func (p *ProfileTable) armExpiry(peer NodeID) clock.Handle {
	return p.sched.Schedule(p.timeout, func() {
		p.mu.Lock()
		delete(p.entries, peer)
		p.mu.Unlock()
	})
}

// Get returns the last-observed delivery value for peer, if still fresh.
func (p *ProfileTable) Get(peer NodeID) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[peer]
	if !ok {
		return 0, false
	}
	return e.delivery, true
}

// AtLeast returns every peer whose current profile value is >= sigma,
// excluding any id present in exclude.
func (p *ProfileTable) AtLeast(sigma float64, exclude map[NodeID]struct{}) []NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]NodeID, 0, len(p.entries))
	for peer, e := range p.entries {
		if _, skip := exclude[peer]; skip {
			continue
		}
		if e.delivery >= sigma {
			out = append(out, peer)
		}
	}
	return out
}

// All returns every currently-fresh peer id.
func (p *ProfileTable) All() []NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]NodeID, 0, len(p.entries))
	for peer := range p.entries {
		out = append(out, peer)
	}
	return out
}

// Len reports the number of currently-fresh peers.
func (p *ProfileTable) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Clear removes every entry, cancelling their timers. Used on engine Stop.
func (p *ProfileTable) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		p.sched.Cancel(e.handle)
		delete(p.entries, id)
	}
}
