// Package election implements the replica-holder election state machine:
// a watchdog that notices a replica-less neighborhood, a broadcast
// Election/Fitness exchange, and a deterministic decision that flips at
// most one node's role per election. The machine advances on inbound
// messages and timer firings, collecting ballots in a map and deciding
// by comparison once the election timeout expires.
package election

import (
	"sync"
	"time"

	"github.com/rhpman/protocol/pkg/clock"
	"github.com/rhpman/protocol/pkg/fitness"
	"github.com/rhpman/protocol/pkg/neighbor"
	"github.com/rhpman/protocol/pkg/store"
)

// NodeID re-exported for convenience.
type NodeID = store.NodeID

// State is the election state machine's current phase.
type State int

const (
	Idle State = iota
	Collecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Collecting:
		return "Collecting"
	default:
		return "Unknown"
	}
}

// Config holds the election-related timing parameters.
type Config struct {
	ElectionTimeout           time.Duration
	ElectionCooldown          time.Duration
	ProfileDelay              time.Duration
	MissingReplicationTimeout time.Duration
}

// Callbacks is the small set of side effects the machine needs to perform
// against the rest of the engine. Every field is required except
// OnRoleChange, which is purely observational.
type Callbacks struct {
	// BroadcastElection sends a bare Election envelope at TTL=h_r.
	BroadcastElection func()
	// BroadcastFitness sends a Fitness(f) envelope at TTL=h_r.
	BroadcastFitness func(f float64)
	// BroadcastModeChange sends a ModeChange(old,new) envelope at TTL=h_r.
	BroadcastModeChange func(old, new NodeID)
	// ComputeFitness returns this node's election fitness, computed fresh
	// at the start of every election.
	ComputeFitness func() float64
	// ScheduleReplicaAnnounce arms (or re-arms) the periodic
	// ReplicaAnnounce broadcast at the configured ProfileDelay; called
	// once when this node wins and becomes Replicating.
	ScheduleReplicaAnnounce func()
	// CancelReplicaAnnounce stops the periodic ReplicaAnnounce broadcast;
	// called when this node steps down.
	CancelReplicaAnnounce func()
	// OnRoleChange is an optional observer hook (metrics/logging).
	OnRoleChange func(old, new fitness.Role)
}

// Machine is the per-node election state machine.
type Machine struct {
	mu sync.Mutex

	sched    *clock.Scheduler
	self     NodeID
	cfg      Config
	cb       Callbacks
	replicas *neighbor.ReplicaSet

	state           State
	role            fitness.Role
	minElectionTime time.Time
	selfFitness     float64
	votes           map[NodeID]float64

	decideHandle   clock.Handle
	watchdogHandle clock.Handle
}

// New builds a Machine. initialRole is the node's configured starting
// role.
func New(sched *clock.Scheduler, self NodeID, cfg Config, cb Callbacks, replicas *neighbor.ReplicaSet, initialRole fitness.Role) *Machine {
	return &Machine{
		sched:    sched,
		self:     self,
		cfg:      cfg,
		cb:       cb,
		replicas: replicas,
		state:    Idle,
		role:     initialRole,
		votes:    make(map[NodeID]float64),
	}
}

// Role returns the node's current role.
func (m *Machine) Role() fitness.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// State returns the machine's current phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// MinElectionTime returns the earliest time a newly-received Election
// broadcast will be accepted. It never decreases.
func (m *Machine) MinElectionTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minElectionTime
}

// Kickoff starts the node's very first election, called once from the
// top-level engine's start sequence.
func (m *Machine) Kickoff() {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.startElection()
}

// NoteReplicaAnnounceReceived re-arms the replica watchdog: a single
// timer reset to missing_replication_timeout on every ReplicaAnnounce
// received. Its expiry, if the node is still Idle, starts a new election.
// The watchdog is never armed while this node is itself Replicating — a
// holder is its own evidence of replication, and arming it would make
// the holder re-run an election every timeout forever, since its own
// broadcasts never loop back to re-arm it.
func (m *Machine) NoteReplicaAnnounceReceived() {
	m.mu.Lock()
	m.sched.Cancel(m.watchdogHandle)
	if m.role == fitness.Replicating {
		m.mu.Unlock()
		return
	}
	m.watchdogHandle = m.sched.Schedule(m.cfg.MissingReplicationTimeout, m.watchdogFired)
	m.mu.Unlock()
}

func (m *Machine) watchdogFired() {
	m.mu.Lock()
	start := m.state == Idle && m.role != fitness.Replicating
	m.mu.Unlock()
	if start {
		m.startElection()
	}
}

// NoteReplicasEmpty is wired as the neighbor.ReplicaSet's onEmpty
// callback; a drained replica set is one of the two Idle-state triggers
// for starting an election.
func (m *Machine) NoteReplicasEmpty() {
	m.mu.Lock()
	idle := m.state == Idle
	m.mu.Unlock()
	if idle {
		m.startElection()
	}
}

// startElection is the Idle-triggered path: broadcast Election, then
// enter Collecting.
func (m *Machine) startElection() {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.cb.BroadcastElection()
	m.enterCollecting()
}

// HandleElection processes an inbound bare Election envelope. A receiver
// already in Collecting ignores it; an Idle receiver enters Collecting
// itself, but only if the rate limit has elapsed.
func (m *Machine) HandleElection(now time.Time) {
	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return
	}
	if now.Before(m.minElectionTime) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.enterCollecting()
}

// enterCollecting implements the table's "Collecting | enter" row: it is
// the single place min_election_time, votes, self fitness and the decide
// timer are (re)initialized, regardless of which Idle-state trigger led
// here.
func (m *Machine) enterCollecting() {
	now := m.sched.Now()
	f := m.cb.ComputeFitness()

	m.mu.Lock()
	m.state = Collecting
	m.votes = make(map[NodeID]float64)
	m.selfFitness = f
	next := now.Add(m.cfg.ElectionCooldown)
	if next.After(m.minElectionTime) {
		m.minElectionTime = next
	}
	m.sched.Cancel(m.decideHandle)
	m.decideHandle = m.sched.Schedule(m.cfg.ElectionTimeout, m.decide)
	m.mu.Unlock()

	m.cb.BroadcastFitness(f)
}

// HandleFitnessVote records an inbound ballot while Collecting. Votes
// received outside Collecting (e.g. a straggler after decision) are
// dropped.
func (m *Machine) HandleFitnessVote(peer NodeID, f float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Collecting {
		return
	}
	m.votes[peer] = f
}

// decide fires when the election_timeout timer expires. It computes the
// winner, clears the votes, and applies the Deciding-state transition
// table before returning to Idle.
func (m *Machine) decide() {
	m.mu.Lock()
	if m.state != Collecting {
		m.mu.Unlock()
		return
	}
	F := m.selfFitness
	role := m.role
	maxVote := -1.0
	hasVote := false
	for _, v := range m.votes {
		hasVote = true
		if v > maxVote {
			maxVote = v
		}
	}
	m.votes = make(map[NodeID]float64)

	var winnerIsSelf bool
	if !hasVote {
		winnerIsSelf = true
	} else if role == fitness.Replicating {
		// Incumbent retains role on a tie; a challenger must strictly
		// exceed it.
		winnerIsSelf = F >= maxVote
	} else {
		winnerIsSelf = F > maxVote
	}
	m.mu.Unlock()

	m.applyDecision(winnerIsSelf, role)
}

func (m *Machine) applyDecision(winnerIsSelf bool, role fitness.Role) {
	switch {
	case winnerIsSelf && role == fitness.NonReplicating:
		m.setRole(fitness.Replicating)
		m.mu.Lock()
		m.sched.Cancel(m.watchdogHandle)
		m.mu.Unlock()
		m.cb.BroadcastModeChange(m.self, m.self)
		m.cb.ScheduleReplicaAnnounce()
	case !winnerIsSelf && role == fitness.Replicating:
		m.setRole(fitness.NonReplicating)
		// Back to observing: the stepped-down node must notice if the new
		// holder goes silent, so the watchdog starts fresh here.
		m.mu.Lock()
		m.sched.Cancel(m.watchdogHandle)
		m.watchdogHandle = m.sched.Schedule(m.cfg.MissingReplicationTimeout, m.watchdogFired)
		m.mu.Unlock()
		m.cb.CancelReplicaAnnounce()
		m.cb.BroadcastModeChange(m.self, 0)
	}

	m.mu.Lock()
	m.state = Idle
	m.mu.Unlock()
}

func (m *Machine) setRole(newRole fitness.Role) {
	m.mu.Lock()
	old := m.role
	m.role = newRole
	m.mu.Unlock()
	if m.cb.OnRoleChange != nil {
		m.cb.OnRoleChange(old, newRole)
	}
}

// HandleModeChange applies an inbound ModeChange(old,new) to the replica
// set: old==new is a step-up, new==NoNode is a step-down, anything else
// is a direct handover.
func (m *Machine) HandleModeChange(old, new NodeID) {
	switch {
	case old == new:
		m.replicas.Insert(new)
	case new == store.NoNode:
		m.replicas.Remove(old)
	default:
		m.replicas.Remove(old)
		m.replicas.Insert(new)
	}
}

// Stop cancels every outstanding timer, for engine shutdown. Late
// firings after Stop are no-ops because the handles are gone.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sched.Cancel(m.decideHandle)
	m.sched.Cancel(m.watchdogHandle)
}
