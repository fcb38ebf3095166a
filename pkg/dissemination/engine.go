// Package dissemination implements the semi-probabilistic send rule:
// always reach every known replica holder, plus every profiled neighbor
// whose delivery probability clears a threshold.
package dissemination

import (
	"github.com/rhpman/protocol/pkg/neighbor"
	"github.com/rhpman/protocol/pkg/routing"
	"github.com/rhpman/protocol/pkg/store"
)

// NodeID re-exported for convenience.
type NodeID = store.NodeID

// Engine computes recipients and issues unicasts on behalf of the
// top-level engine's Save and relay-on-receive paths.
type Engine struct {
	transport routing.Transport
	profiles  *neighbor.ProfileTable
	replicas  *neighbor.ReplicaSet
}

// New builds a dissemination Engine over the given transport and tables.
func New(transport routing.Transport, profiles *neighbor.ProfileTable, replicas *neighbor.ReplicaSet) *Engine {
	return &Engine{transport: transport, profiles: profiles, replicas: replicas}
}

// Recipients computes R = { p in profiles | profiles[p] >= sigma } \
// replicas \ exclude, plus every known replica holder. The replica
// holders are returned first, then R, with no duplicates.
func (e *Engine) Recipients(sigma float64, exclude NodeID) []NodeID {
	replicaIDs := e.replicas.All()
	seen := make(map[NodeID]struct{}, len(replicaIDs)+1)
	seen[exclude] = struct{}{}

	out := make([]NodeID, 0, len(replicaIDs))
	for _, r := range replicaIDs {
		if _, skip := seen[r]; skip {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}

	filtered := e.profiles.AtLeast(sigma, seen)
	out = append(out, filtered...)
	return out
}

// Send unicasts payload to every computed recipient. exclude is normally
// the peer a relayed message arrived from, so it is never echoed back.
func (e *Engine) Send(sigma float64, exclude NodeID, payload []byte) {
	for _, peer := range e.Recipients(sigma, exclude) {
		_ = e.transport.Unicast(peer, payload)
	}
}

// BroadcastNeighborhood issues a raw hop-limited broadcast at TTL=h, used
// for Ping.
func (e *Engine) BroadcastNeighborhood(payload []byte) {
	_ = e.transport.BroadcastNeighborhood(payload)
}

// BroadcastElection issues a raw hop-limited broadcast at TTL=h_r, used
// for ReplicaAnnounce, Election, Fitness and ModeChange.
func (e *Engine) BroadcastElection(payload []byte) {
	_ = e.transport.BroadcastElection(payload)
}
