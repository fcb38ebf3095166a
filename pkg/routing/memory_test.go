package routing

import (
	"sync"
	"testing"
	"time"
)

type recordingReceiver struct {
	mu  sync.Mutex
	got []struct {
		from    NodeID
		payload string
	}
}

func (r *recordingReceiver) Deliver(from NodeID, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, struct {
		from    NodeID
		payload string
	}{from, string(payload)})
}

func (r *recordingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestUnicastDeliversOnlyToDestination(t *testing.T) {
	net := NewNetwork()
	a := net.Join(1)
	b := net.Join(2)
	c := net.Join(3)

	rb, rc := &recordingReceiver{}, &recordingReceiver{}
	b.SetReceiver(rb)
	c.SetReceiver(rc)

	if err := a.Unicast(2, []byte("hello")); err != nil {
		t.Fatalf("Unicast: %v", err)
	}

	deadline := time.After(time.Second)
	for rb.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for delivery")
		default:
		}
	}
	if rc.count() != 0 {
		t.Fatalf("node c received a message addressed to b")
	}
}

func TestUnicastToUnknownPeerErrors(t *testing.T) {
	net := NewNetwork()
	a := net.Join(1)
	if err := a.Unicast(99, []byte("x")); err == nil {
		t.Fatalf("expected error unicasting to unknown peer")
	}
}

func TestBroadcastNeighborhoodRespectsConfiguredRadius(t *testing.T) {
	net := NewNetwork()
	a := net.Join(1)
	b := net.Join(2)
	c := net.Join(3)
	net.SetNeighbors(1, []NodeID{2}, []NodeID{2, 3})

	rb, rc := &recordingReceiver{}, &recordingReceiver{}
	b.SetReceiver(rb)
	c.SetReceiver(rc)

	_ = a.BroadcastNeighborhood([]byte("ping"))

	deadline := time.After(time.Second)
	for rb.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for neighborhood delivery")
		default:
		}
	}
	time.Sleep(20 * time.Millisecond)
	if rc.count() != 0 {
		t.Fatalf("node c outside neighborhood radius received broadcast")
	}
}

func TestBroadcastElectionReachesWiderRadius(t *testing.T) {
	net := NewNetwork()
	a := net.Join(1)
	b := net.Join(2)
	c := net.Join(3)
	net.SetNeighbors(1, []NodeID{2}, []NodeID{2, 3})

	rb, rc := &recordingReceiver{}, &recordingReceiver{}
	b.SetReceiver(rb)
	c.SetReceiver(rc)

	_ = a.BroadcastElection([]byte("election"))

	deadline := time.After(time.Second)
	for rb.count() == 0 || rc.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for election-radius delivery")
		default:
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	net := NewNetwork()
	a := net.Join(1)
	b := net.Join(2)
	r := &recordingReceiver{}
	b.SetReceiver(r)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Unicast(2, []byte("x")); err == nil {
		t.Fatalf("expected error unicasting to closed transport")
	}
}
