// Package engine wires the RHPMAN subsystems — bounded storage, neighbor
// profiles, the replica-set view, election, lookup tracking and
// dissemination — into a single per-node protocol engine. One Engine owns
// one node's state; inbound datagrams arrive through the routing
// transport's Deliver callback and timers through the injected scheduler.
// The only application-facing surface is Save and Lookup.
package engine

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rhpman/protocol/internal/config"
	"github.com/rhpman/protocol/internal/telemetry"
	"github.com/rhpman/protocol/pkg/clock"
	"github.com/rhpman/protocol/pkg/dissemination"
	"github.com/rhpman/protocol/pkg/election"
	"github.com/rhpman/protocol/pkg/fitness"
	"github.com/rhpman/protocol/pkg/lookup"
	"github.com/rhpman/protocol/pkg/neighbor"
	"github.com/rhpman/protocol/pkg/routing"
	"github.com/rhpman/protocol/pkg/store"
	"github.com/rhpman/protocol/pkg/wire"
)

// NodeID re-exported for convenience.
type NodeID = store.NodeID

// State is the engine's lifecycle phase.
type State int

const (
	NotStarted State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// ErrNotStarted is returned by Stop on an engine that was never started.
var ErrNotStarted = errors.New("engine: stop called before start")

type lookupCallbacks struct {
	onSuccess func(store.DataItem)
	onFailure func(uint64)
}

// Engine is the per-node top-level RHPMAN protocol state. One instance
// owns its own tables; nothing is shared across nodes.
type Engine struct {
	cfg       config.Config
	transport routing.Transport
	sched     *clock.Scheduler
	log       *zap.Logger

	self NodeID

	storage  *store.Container
	buffer   *store.Container
	profiles *neighbor.ProfileTable
	replicas *neighbor.ReplicaSet
	seen     *wire.SeenSet

	calc    *fitness.Calculator
	elecFit fitness.ElectionFitness

	tracker *lookup.Tracker
	dissem  *dissemination.Engine
	machine *election.Machine

	nextID uint64 // atomic

	cbMu      sync.Mutex
	callbacks map[uint64][]lookupCallbacks

	mu            sync.Mutex
	state         State
	pingStop      chan struct{}
	announceStop  chan struct{}
}

// Option configures optional collaborators at construction time.
type Option func(*Engine)

// WithLogger overrides the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithElectionFitness overrides the default TrivialElectionFitness.
func WithElectionFitness(f fitness.ElectionFitness) Option {
	return func(e *Engine) { e.elecFit = f }
}

// WithCDCEstimator overrides the default TrivialCDC used by the P_ij
// calculator.
func WithCDCEstimator(cdc fitness.CDCEstimator) Option {
	return func(e *Engine) { e.calc = fitness.NewCalculator(fitness.Weights{WCDC: e.cfg.WCDC, WCol: e.cfg.WCol}, cdc) }
}

// WithScheduler overrides the default wall-clock scheduler, for tests.
func WithScheduler(sched *clock.Scheduler) Option {
	return func(e *Engine) { e.sched = sched }
}

// New builds an Engine over the given transport. The engine does not
// start any timer or open the transport until Start is called.
func New(cfg config.Config, transport routing.Transport, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		transport: transport,
		log:       zap.NewNop(),
		state:     NotStarted,
		callbacks: make(map[uint64][]lookupCallbacks),
		elecFit:   fitness.TrivialElectionFitness{},
	}
	e.calc = fitness.NewCalculator(fitness.Weights{WCDC: cfg.WCDC, WCol: cfg.WCol}, fitness.TrivialCDC{})
	for _, opt := range opts {
		opt(e)
	}
	if e.sched == nil {
		e.sched = clock.New()
	}

	e.self = transport.OwnNodeID()
	e.storage = store.NewContainer(cfg.StorageCapacity)
	e.buffer = store.NewContainer(cfg.BufferCapacity)
	e.profiles = neighbor.NewProfileTable(e.sched, cfg.ProfileTimeout)
	e.seen = wire.NewSeenSet(10_000, 2*cfg.RequestTimeout)
	e.tracker = lookup.NewTracker(e.sched, cfg.RequestTimeout, e.onLookupSuccess, e.onLookupFailure)

	// ReplicaSet's onEmpty callback needs the election Machine, and the
	// Machine needs the ReplicaSet: close the cycle with one indirection
	// cell instead of constructing either twice.
	var onReplicasEmpty func()
	e.replicas = neighbor.NewReplicaSet(e.sched, cfg.MissingReplicationTimeout, func() {
		if onReplicasEmpty != nil {
			onReplicasEmpty()
		}
	})
	e.dissem = dissemination.New(transport, e.profiles, e.replicas)

	elecCfg := election.Config{
		ElectionTimeout:           cfg.ElectionTimeout,
		ElectionCooldown:          cfg.ElectionCooldown,
		ProfileDelay:              cfg.ProfileDelay,
		MissingReplicationTimeout: cfg.MissingReplicationTimeout,
	}
	e.machine = election.New(e.sched, e.self, elecCfg, e.electionCallbacks(), e.replicas, cfg.Role)
	onReplicasEmpty = e.machine.NoteReplicasEmpty

	return e
}

func (e *Engine) electionCallbacks() election.Callbacks {
	return election.Callbacks{
		BroadcastElection: e.broadcastElection,
		BroadcastFitness:  e.broadcastFitness,
		BroadcastModeChange: func(old, new NodeID) {
			e.broadcastModeChange(old, new)
		},
		ComputeFitness:          func() float64 { return e.elecFit.Fitness() },
		ScheduleReplicaAnnounce: e.startReplicaAnnounce,
		CancelReplicaAnnounce:   e.stopReplicaAnnounce,
		OnRoleChange:            e.onRoleChange,
	}
}

// ---- lifecycle ----

// Start registers the engine as the transport's receiver, initializes the
// periodic schedules and kicks off the node's first election. The node's
// own id was already latched by New. Idempotent against a second Start
// call.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state == Running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.transport.SetReceiver(e)
	telemetry.Role.Set(float64(e.machine.Role()))

	e.mu.Lock()
	e.pingStop = make(chan struct{})
	e.mu.Unlock()
	go e.pingLoop(e.pingStop)

	// A node configured to start in the Replicating role must make itself
	// known the same way an election winner would, or its neighborhood
	// never learns it exists and elects a second holder alongside it. The
	// replica watchdog is armed only for non-replica observers: a holder
	// is its own evidence of replication.
	if e.machine.Role() == fitness.Replicating {
		ann := e.buildEnvelope(wire.TagReplicaAnnounce)
		e.dissem.BroadcastElection(wire.Encode(ann))
		e.startReplicaAnnounce()
	} else {
		e.machine.NoteReplicaAnnounceReceived()
	}
	e.machine.Kickoff()

	e.mu.Lock()
	e.state = Running
	e.mu.Unlock()
	e.log.Info("engine started", zap.Uint32("self", uint32(e.self)))
	return nil
}

// Stop cancels every outstanding timer and closes the transport.
// Idempotent against a second Stop call; Stop before Start is an error.
func (e *Engine) Stop() error {
	e.mu.Lock()
	switch e.state {
	case NotStarted:
		e.mu.Unlock()
		e.log.Error("stop called before start")
		return ErrNotStarted
	case Stopped:
		e.mu.Unlock()
		return nil
	}
	e.state = Stopped
	pingStop := e.pingStop
	announceStop := e.announceStop
	e.mu.Unlock()

	if pingStop != nil {
		close(pingStop)
	}
	if announceStop != nil {
		close(announceStop)
	}
	e.machine.Stop()
	e.tracker.Clear()
	e.profiles.Clear()
	e.replicas.Clear()
	_ = e.transport.Close()
	e.log.Info("engine stopped")
	return nil
}

// State returns the engine's current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Role returns the node's current election role.
func (e *Engine) Role() fitness.Role {
	return e.machine.Role()
}

// FreeSpace returns the number of free Storage slots.
func (e *Engine) FreeSpace() uint32 {
	return e.storage.FreeSpace()
}

// ---- application API ----

// Save stores item locally if room is available and disseminates it
// regardless; the return value reports only whether local Storage had
// room.
func (e *Engine) Save(item store.DataItem) bool {
	ok := e.storage.Store(item)
	if !ok {
		telemetry.StoreOverflows.Inc()
		e.log.Warn("storage full, item not stored locally", zap.Uint64("id", item.ID))
	}
	telemetry.StorageOccupancy.Set(float64(e.storage.Len()))

	env := e.buildEnvelope(wire.TagStore)
	env.Store.Item = item
	e.dissem.Send(e.cfg.ForwardingThreshold, store.NoNode, wire.Encode(env))
	return ok
}

// Lookup resolves dataID against local state first, then the network.
// While the engine keeps running, exactly one of onSuccess or onFailure
// fires eventually; Stop discards pending lookups without firing either.
// A local hit fires onSuccess synchronously before any outbound message.
func (e *Engine) Lookup(dataID uint64, onSuccess func(store.DataItem), onFailure func(uint64)) {
	if item, ok := e.storage.Get(dataID); ok {
		telemetry.LookupOutcomes.WithLabelValues("self_hit").Inc()
		if onSuccess != nil {
			onSuccess(item)
		}
		return
	}
	if e.cfg.OptionalCheckBuffer {
		if item, ok := e.buffer.Get(dataID); ok {
			telemetry.LookupOutcomes.WithLabelValues("self_hit").Inc()
			if onSuccess != nil {
				onSuccess(item)
			}
			return
		}
	}

	e.registerCallback(dataID, lookupCallbacks{onSuccess: onSuccess, onFailure: onFailure})

	id := e.mintID()
	e.tracker.Track(lookup.MessageID(id), dataID)
	telemetry.PendingLookups.Set(float64(e.tracker.Pending()))

	replicaIDs := e.replicas.All()
	var recipients []NodeID
	var sigma float64
	if len(replicaIDs) > 0 {
		recipients = replicaIDs
	} else {
		sigma = e.calc.Pij(e.machine.Role(), e.replicaInNeighborhood())
		recipients = e.profiles.AtLeast(sigma, nil)
	}

	env := wire.Envelope{ID: wire.MessageID(id), TimestampMs: wire.NowMillis(e.sched.Now()), Tag: wire.TagRequest}
	env.Request = wire.RequestPayload{DataID: dataID, Requestor: e.self, Sigma: sigma}
	payload := wire.Encode(env)
	for _, peer := range recipients {
		_ = e.transport.Unicast(peer, payload)
	}
}

func (e *Engine) registerCallback(dataID uint64, cb lookupCallbacks) {
	e.cbMu.Lock()
	e.callbacks[dataID] = append(e.callbacks[dataID], cb)
	e.cbMu.Unlock()
}

func (e *Engine) popCallback(dataID uint64) (lookupCallbacks, bool) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	q := e.callbacks[dataID]
	if len(q) == 0 {
		return lookupCallbacks{}, false
	}
	cb := q[0]
	if len(q) == 1 {
		delete(e.callbacks, dataID)
	} else {
		e.callbacks[dataID] = q[1:]
	}
	return cb, true
}

func (e *Engine) onLookupSuccess(dataID uint64, item store.DataItem) {
	telemetry.PendingLookups.Set(float64(e.tracker.Pending()))
	telemetry.LookupOutcomes.WithLabelValues("success").Inc()
	if cb, ok := e.popCallback(dataID); ok && cb.onSuccess != nil {
		cb.onSuccess(item)
	}
}

func (e *Engine) onLookupFailure(dataID uint64) {
	telemetry.PendingLookups.Set(float64(e.tracker.Pending()))
	telemetry.LookupOutcomes.WithLabelValues("failure").Inc()
	if cb, ok := e.popCallback(dataID); ok && cb.onFailure != nil {
		cb.onFailure(dataID)
	}
}

// ---- inbound dispatch (routing.Receiver) ----

// Deliver is called by the transport for every inbound datagram. It must
// not block, per the routing.Receiver contract.
func (e *Engine) Deliver(from NodeID, payload []byte) {
	env, _, err := wire.Decode(payload)
	if err != nil {
		e.log.Debug("dropping malformed envelope", zap.Uint32("from", uint32(from)), zap.Error(err))
		return
	}

	now := e.sched.Now()
	if e.seen.CheckAndMark(env.ID, now) {
		telemetry.DuplicateDrops.Inc()
		return
	}

	switch env.Tag {
	case wire.TagPing:
		e.handlePing(from, env)
	case wire.TagReplicaAnnounce:
		e.handleReplicaAnnounce(from)
	case wire.TagElection:
		e.machine.HandleElection(now)
	case wire.TagFitness:
		e.machine.HandleFitnessVote(from, env.Fitness.Fitness)
	case wire.TagModeChange:
		e.machine.HandleModeChange(env.ModeChange.Old, env.ModeChange.New)
	case wire.TagStore:
		e.handleStore(from, env, payload)
	case wire.TagRequest:
		e.handleRequest(from, env, payload)
	case wire.TagResponse:
		e.tracker.Resolve(lookup.MessageID(env.Response.RequestID), env.Response.Item)
	case wire.TagTransfer:
		e.handleTransfer(env)
	default:
		e.log.Debug("dropping unrecognised tag", zap.Uint8("tag", uint8(env.Tag)))
	}
}

func (e *Engine) handlePing(from NodeID, env wire.Envelope) {
	e.profiles.Observe(from, env.Ping.Delivery)

	if !e.cfg.OptionalCarrierForwarding {
		return
	}
	selfPij := e.calc.Pij(e.machine.Role(), e.replicaInNeighborhood())
	if env.Ping.Delivery <= selfPij {
		return
	}
	items := e.buffer.All()
	if len(items) == 0 {
		return
	}
	out := e.buildEnvelope(wire.TagTransfer)
	out.Transfer.Items = items
	if err := e.transport.Unicast(from, wire.Encode(out)); err != nil {
		e.log.Debug("carrier transfer failed", zap.Uint32("to", uint32(from)), zap.Error(err))
		return
	}
	e.buffer.Clear()
	telemetry.BufferOccupancy.Set(0)
}

func (e *Engine) handleReplicaAnnounce(from NodeID) {
	e.replicas.Observe(from)
	e.machine.NoteReplicaAnnounceReceived()
}

func (e *Engine) handleStore(from NodeID, env wire.Envelope, payload []byte) {
	item := env.Store.Item
	if e.storage.Has(item.ID) || e.buffer.Has(item.ID) {
		return
	}

	if e.machine.Role() == fitness.Replicating {
		if !e.storage.Store(item) {
			telemetry.StoreOverflows.Inc()
			e.log.Warn("storage full, disseminated item not stored", zap.Uint64("id", item.ID))
		}
		telemetry.StorageOccupancy.Set(float64(e.storage.Len()))
		return
	}

	e.dissem.Send(e.cfg.ForwardingThreshold, from, payload)

	pij := e.calc.Pij(e.machine.Role(), e.replicaInNeighborhood())
	if pij > e.cfg.CarryingThreshold {
		if !e.buffer.Store(item) {
			e.log.Warn("buffer full, item not carried", zap.Uint64("id", item.ID))
		}
		telemetry.BufferOccupancy.Set(float64(e.buffer.Len()))
	}
}

func (e *Engine) handleRequest(from NodeID, env wire.Envelope, payload []byte) {
	req := env.Request
	if item, ok := e.storage.Get(req.DataID); ok {
		e.respond(req.Requestor, env.ID, item)
	} else if e.cfg.OptionalCheckBuffer {
		if item, ok := e.buffer.Get(req.DataID); ok {
			e.respond(req.Requestor, env.ID, item)
		}
	}

	e.dissem.Send(e.cfg.ForwardingThreshold, from, payload)
}

func (e *Engine) respond(to NodeID, requestID wire.MessageID, item store.DataItem) {
	resp := e.buildEnvelope(wire.TagResponse)
	resp.Response = wire.ResponsePayload{RequestID: requestID, Item: item}
	if err := e.transport.Unicast(to, wire.Encode(resp)); err != nil {
		e.log.Debug("response delivery failed", zap.Uint32("to", uint32(to)), zap.Error(err))
	}
}

// handleTransfer lands a peer's handed-off buffer into this node's live
// containers: Storage for a replica holder, Buffer otherwise. Items whose
// id is already held anywhere locally are skipped, so an id never appears
// in both containers at once.
func (e *Engine) handleTransfer(env wire.Envelope) {
	fresh := make([]store.DataItem, 0, len(env.Transfer.Items))
	for _, it := range env.Transfer.Items {
		if e.storage.Has(it.ID) || e.buffer.Has(it.ID) {
			continue
		}
		fresh = append(fresh, it)
	}

	var accepted int
	if e.machine.Role() == fitness.Replicating {
		accepted = e.storage.TransferFrom(fresh)
		telemetry.StorageOccupancy.Set(float64(e.storage.Len()))
	} else {
		accepted = e.buffer.TransferFrom(fresh)
		telemetry.BufferOccupancy.Set(float64(e.buffer.Len()))
	}
	if accepted < len(fresh) {
		telemetry.StoreOverflows.Inc()
		e.log.Warn("overflow during transfer", zap.Int("accepted", accepted), zap.Int("offered", len(fresh)))
	}
}

// ---- election side effects ----

func (e *Engine) broadcastElection() {
	env := e.buildEnvelope(wire.TagElection)
	e.dissem.BroadcastElection(wire.Encode(env))
	telemetry.ElectionsStarted.Inc()
}

func (e *Engine) broadcastFitness(f float64) {
	env := e.buildEnvelope(wire.TagFitness)
	env.Fitness.Fitness = f
	e.dissem.BroadcastElection(wire.Encode(env))
}

func (e *Engine) broadcastModeChange(old, new NodeID) {
	env := e.buildEnvelope(wire.TagModeChange)
	env.ModeChange = wire.ModeChangePayload{Old: old, New: new}
	e.dissem.BroadcastElection(wire.Encode(env))
}

func (e *Engine) onRoleChange(old, new fitness.Role) {
	telemetry.Role.Set(float64(new))
	direction := "step_up"
	if new == fitness.NonReplicating {
		direction = "step_down"
	}
	telemetry.RoleTransitions.WithLabelValues(direction).Inc()
	e.log.Info("role changed", zap.Int("old", int(old)), zap.Int("new", int(new)))
}

func (e *Engine) startReplicaAnnounce() {
	e.mu.Lock()
	if e.announceStop != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.announceStop = stop
	e.mu.Unlock()
	go e.announceLoop(stop)
}

func (e *Engine) stopReplicaAnnounce() {
	e.mu.Lock()
	stop := e.announceStop
	e.announceStop = nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// ---- periodic loops ----

func (e *Engine) pingLoop(stop chan struct{}) {
	ticker := e.sched.Ticker(e.cfg.ProfileDelay)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			env := e.buildEnvelope(wire.TagPing)
			env.Ping.Delivery = e.calc.Pij(e.machine.Role(), e.replicaInNeighborhood())
			e.dissem.BroadcastNeighborhood(wire.Encode(env))
		}
	}
}

func (e *Engine) announceLoop(stop chan struct{}) {
	ticker := e.sched.Ticker(e.cfg.ProfileDelay)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			env := e.buildEnvelope(wire.TagReplicaAnnounce)
			e.dissem.BroadcastElection(wire.Encode(env))
		}
	}
}

// ---- helpers ----

// mintID returns a fresh envelope id: this node's id in the upper 32 bits
// and the engine's own counter in the lower 32, so ids minted by different
// engines never collide in a peer's duplicate-suppression set.
func (e *Engine) mintID() uint64 {
	n := atomic.AddUint64(&e.nextID, 1)
	return uint64(e.self)<<32 | (n & 0xFFFFFFFF)
}

func (e *Engine) buildEnvelope(tag wire.Tag) wire.Envelope {
	return wire.Envelope{
		ID:          wire.MessageID(e.mintID()),
		TimestampMs: wire.NowMillis(e.sched.Now()),
		Tag:         tag,
	}
}

// replicaInNeighborhood reports whether any currently-known replica
// holder is also a currently-profiled (i.e. within neighborhood_hops)
// peer. profiles is populated only from TTL=h Ping broadcasts, while
// replicas can include holders learned at the wider TTL=h_r, so the
// intersection stands in for a per-peer hop count nothing else tracks.
func (e *Engine) replicaInNeighborhood() bool {
	for _, r := range e.replicas.All() {
		if _, ok := e.profiles.Get(r); ok {
			return true
		}
	}
	return false
}
