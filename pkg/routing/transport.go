// Package routing abstracts the lower routing layer the protocol engine
// sits on: hop-limited broadcast and unicast datagram delivery, and a way
// to learn this node's own id. The engine never depends on a concrete
// transport; it only depends on this interface, so tests can run many
// engines over an in-memory Network while real deployments use UDP.
package routing

import "github.com/rhpman/protocol/pkg/store"

// NodeID is re-exported from store for convenience.
type NodeID = store.NodeID

// Receiver is implemented by whatever wants inbound datagrams — normally
// the top-level engine. Deliver must not block.
type Receiver interface {
	Deliver(from NodeID, payload []byte)
}

// Transport is the outbound half of the routing collaborator: unicast to
// one known peer, or hop-limited broadcast at one of two configured TTLs.
// Every send is fire-and-forget; the protocol is designed to tolerate loss,
// duplication (suppressed by the wire layer) and reordering.
type Transport interface {
	// Unicast sends payload to a single known peer.
	Unicast(dest NodeID, payload []byte) error
	// BroadcastNeighborhood sends payload hop-limited to TTL=h (the
	// neighborhood radius used for Ping and local dissemination).
	BroadcastNeighborhood(payload []byte) error
	// BroadcastElection sends payload hop-limited to TTL=h_r (the larger
	// election-neighborhood radius used for ReplicaAnnounce, Election,
	// Fitness, ModeChange).
	BroadcastElection(payload []byte) error
	// OwnNodeID returns this node's identifier, as allocated by the
	// routing layer: an opaque 32-bit id, not a raw IP.
	OwnNodeID() NodeID
	// SetReceiver registers the callback invoked for every inbound
	// datagram addressed to this node. Must be called before the
	// transport starts delivering.
	SetReceiver(r Receiver)
	// Close releases any underlying resources (sockets, goroutines).
	Close() error
}
