package routing

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// UDPTransport is a minimal real-network adapter satisfying Transport. It
// does not implement multi-hop TTL semantics; that belongs to the lower
// routing layer this package abstracts. This adapter instead fans a
// "neighborhood broadcast" out to whatever peer set the caller currently
// considers in-radius (as reported by pkg/registry or manual
// configuration) — the hop-limiting itself is assumed to already be
// handled by the network the process is deployed on, or is approximated
// by the configured peer subset.
type UDPTransport struct {
	conn net.PacketConn
	log  *zap.Logger
	self NodeID

	mu                  sync.RWMutex
	addrs               map[NodeID]net.Addr
	neighborhoodPeers    []NodeID
	electionPeers        []NodeID
	receiver             Receiver
	closed               bool
}

// NewUDPTransport binds a UDP socket on listenAddr (e.g. ":7000") for the
// given self id.
func NewUDPTransport(listenAddr string, self NodeID, log *zap.Logger) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("routing: listen udp %s: %w", listenAddr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &UDPTransport{
		conn:  conn,
		log:   log,
		self:  self,
		addrs: make(map[NodeID]net.Addr),
	}
	go t.readLoop()
	return t, nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			t.log.Debug("routing: udp read error", zap.Error(err))
			continue
		}
		from, ok := t.idForAddr(addr)
		if !ok {
			t.log.Debug("routing: datagram from unregistered peer", zap.String("addr", addr.String()))
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		t.mu.RLock()
		r := t.receiver
		t.mu.RUnlock()
		if r != nil {
			r.Deliver(from, payload)
		}
	}
}

func (t *UDPTransport) idForAddr(addr net.Addr) (NodeID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, a := range t.addrs {
		if a.String() == addr.String() {
			return id, true
		}
	}
	return 0, false
}

// SetPeerAddr registers (or updates) the network address for a peer id,
// as learned from pkg/registry.
func (t *UDPTransport) SetPeerAddr(id NodeID, addr net.Addr) {
	t.mu.Lock()
	t.addrs[id] = addr
	t.mu.Unlock()
}

// SetNeighborhoodPeers configures which known peers count as within the
// Ping/dissemination radius (TTL=h).
func (t *UDPTransport) SetNeighborhoodPeers(ids []NodeID) {
	t.mu.Lock()
	t.neighborhoodPeers = append([]NodeID(nil), ids...)
	t.mu.Unlock()
}

// SetElectionPeers configures which known peers count as within the
// election radius (TTL=h_r).
func (t *UDPTransport) SetElectionPeers(ids []NodeID) {
	t.mu.Lock()
	t.electionPeers = append([]NodeID(nil), ids...)
	t.mu.Unlock()
}

func (t *UDPTransport) SetReceiver(r Receiver) {
	t.mu.Lock()
	t.receiver = r
	t.mu.Unlock()
}

func (t *UDPTransport) OwnNodeID() NodeID { return t.self }

func (t *UDPTransport) Unicast(dest NodeID, payload []byte) error {
	t.mu.RLock()
	addr, ok := t.addrs[dest]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("routing: no known address for peer %d", dest)
	}
	_, err := t.conn.WriteTo(payload, addr)
	return err
}

func (t *UDPTransport) BroadcastNeighborhood(payload []byte) error {
	t.mu.RLock()
	peers := append([]NodeID(nil), t.neighborhoodPeers...)
	t.mu.RUnlock()
	return t.fanOut(peers, payload)
}

func (t *UDPTransport) BroadcastElection(payload []byte) error {
	t.mu.RLock()
	peers := append([]NodeID(nil), t.electionPeers...)
	t.mu.RUnlock()
	return t.fanOut(peers, payload)
}

func (t *UDPTransport) fanOut(peers []NodeID, payload []byte) error {
	var firstErr error
	for _, p := range peers {
		if err := t.Unicast(p, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
