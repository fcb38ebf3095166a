// Package lookup implements pending-request bookkeeping: minting a
// request id, tracking its deadline, and making sure at most one of
// success or failure ever fires for it (exactly one unless Clear
// discards the request first).
package lookup

import (
	"sync"
	"time"

	"github.com/rhpman/protocol/pkg/clock"
	"github.com/rhpman/protocol/pkg/store"
)

// NodeID and MessageID are re-exported for convenience.
type NodeID = store.NodeID
type MessageID uint64

type pendingEntry struct {
	dataID uint64
	handle clock.Handle
	done   bool
}

// Tracker correlates outstanding Request envelopes with the data id they
// asked for, and guarantees at most one terminal callback per request.
type Tracker struct {
	mu      sync.Mutex
	sched   *clock.Scheduler
	timeout time.Duration
	nextID  uint64
	pending map[MessageID]*pendingEntry

	onSuccess func(dataID uint64, item store.DataItem)
	onFailure func(dataID uint64)
}

// NewTracker builds a Tracker. onSuccess/onFailure may be nil; a nil
// callback means the corresponding outcome goes unobserved.
func NewTracker(sched *clock.Scheduler, timeout time.Duration, onSuccess func(uint64, store.DataItem), onFailure func(uint64)) *Tracker {
	return &Tracker{
		sched:     sched,
		timeout:   timeout,
		pending:   make(map[MessageID]*pendingEntry),
		onSuccess: onSuccess,
		onFailure: onFailure,
	}
}

// Begin mints a new request id for dataID, schedules its timeout, and
// returns the id the caller should put on the outbound Request envelope.
func (t *Tracker) Begin(dataID uint64) MessageID {
	t.mu.Lock()
	t.nextID++
	id := MessageID(t.nextID)
	t.mu.Unlock()
	t.Track(id, dataID)
	return id
}

// Track registers dataID as pending under an id minted elsewhere and
// schedules its timeout. Used by the top-level engine, which mints one
// unified id space for every outbound envelope (including Requests) so a
// Request's wire.MessageID can double as its own duplicate-suppression
// key and its lookup correlation key.
func (t *Tracker) Track(id MessageID, dataID uint64) {
	t.mu.Lock()
	e := &pendingEntry{dataID: dataID}
	e.handle = t.sched.Schedule(t.timeout, func() { t.fail(id) })
	t.pending[id] = e
	t.mu.Unlock()
}

// Resolve matches an inbound Response against its pending request. Late
// responses for an already-completed or expired request are silently
// dropped.
func (t *Tracker) Resolve(requestID MessageID, item store.DataItem) {
	t.mu.Lock()
	e, ok := t.pending[requestID]
	if !ok || e.done {
		t.mu.Unlock()
		return
	}
	e.done = true
	delete(t.pending, requestID)
	t.sched.Cancel(e.handle)
	cb := t.onSuccess
	t.mu.Unlock()

	if cb != nil {
		cb(e.dataID, item)
	}
}

func (t *Tracker) fail(requestID MessageID) {
	t.mu.Lock()
	e, ok := t.pending[requestID]
	if !ok || e.done {
		t.mu.Unlock()
		return
	}
	e.done = true
	delete(t.pending, requestID)
	cb := t.onFailure
	t.mu.Unlock()

	if cb != nil {
		cb(e.dataID)
	}
}

// Pending reports how many requests are currently outstanding.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Clear cancels every outstanding timeout without firing any callback,
// used on engine Stop — late firings after Stop must be no-ops.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.pending {
		e.done = true
		t.sched.Cancel(e.handle)
		delete(t.pending, id)
	}
}
