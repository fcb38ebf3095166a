package neighbor

import (
	"sync"
	"time"

	"github.com/rhpman/protocol/pkg/clock"
)

type replicaEntry struct {
	handle clock.Handle
}

// ReplicaSet tracks the currently-known replica-holder peer ids. When
// the set transitions from non-empty to empty — either because every
// entry expired or because the last one was explicitly removed by a
// step-down ModeChange — onEmpty fires exactly once per transition,
// which is how the election watchdog learns it must start a new
// election.
type ReplicaSet struct {
	mu      sync.Mutex
	sched   *clock.Scheduler
	timeout time.Duration
	entries map[NodeID]*replicaEntry
	onEmpty func()
}

// NewReplicaSet builds a set whose entries expire timeout after their
// last refresh. onEmpty may be nil.
func NewReplicaSet(sched *clock.Scheduler, timeout time.Duration, onEmpty func()) *ReplicaSet {
	return &ReplicaSet{
		sched:   sched,
		timeout: timeout,
		entries: make(map[NodeID]*replicaEntry),
		onEmpty: onEmpty,
	}
}

// Observe records a ReplicaAnnounce from peer and (re)arms its expiry
// timer.
func (r *ReplicaSet) Observe(peer NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[peer]; ok {
		r.sched.Cancel(e.handle)
		e.handle = r.armExpiry(peer)
		return
	}
	e := &replicaEntry{}
	e.handle = r.armExpiry(peer)
	r.entries[peer] = e
}

func (r *ReplicaSet) armExpiry(peer NodeID) clock.Handle {
	return r.sched.Schedule(r.timeout, func() {
		r.mu.Lock()
		_, existed := r.entries[peer]
		if existed {
			delete(r.entries, peer)
		}
		empty := len(r.entries) == 0
		cb := r.onEmpty
		r.mu.Unlock()
		if existed && empty && cb != nil {
			cb()
		}
	})
}

// Insert adds peer unconditionally (used for ModeChange step-up/handover),
// arming a fresh expiry timer.
func (r *ReplicaSet) Insert(peer NodeID) {
	r.Observe(peer)
}

// Remove erases peer (used for ModeChange step-down/handover). If this
// empties the set, onEmpty fires.
func (r *ReplicaSet) Remove(peer NodeID) {
	r.mu.Lock()
	e, ok := r.entries[peer]
	if ok {
		r.sched.Cancel(e.handle)
		delete(r.entries, peer)
	}
	empty := len(r.entries) == 0
	cb := r.onEmpty
	r.mu.Unlock()
	if ok && empty && cb != nil {
		cb()
	}
}

// Contains reports whether peer is currently a known replica holder.
func (r *ReplicaSet) Contains(peer NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[peer]
	return ok
}

// All returns a snapshot of every known replica holder id. Callers can
// safely Remove() entries while iterating this slice, since it is a
// copy, not a live view of the map.
func (r *ReplicaSet) All() []NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NodeID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Empty reports whether no replica holder is currently known.
func (r *ReplicaSet) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) == 0
}

// Len reports how many replica holders are currently known.
func (r *ReplicaSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear removes every entry without firing onEmpty, used on engine Stop.
func (r *ReplicaSet) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		r.sched.Cancel(e.handle)
		delete(r.entries, id)
	}
}
