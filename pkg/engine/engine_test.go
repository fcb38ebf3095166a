package engine

import (
	"sync"
	"testing"
	"time"

	benclock "github.com/benbjohnson/clock"

	"github.com/rhpman/protocol/internal/config"
	"github.com/rhpman/protocol/pkg/clock"
	"github.com/rhpman/protocol/pkg/fitness"
	"github.com/rhpman/protocol/pkg/routing"
	"github.com/rhpman/protocol/pkg/store"
	"github.com/rhpman/protocol/pkg/wire"
)

// sharedClock wraps clock.NewMock so every engine in a test topology
// advances in lockstep.
func sharedClock(t *testing.T) (*clock.Scheduler, *benclock.Mock) {
	t.Helper()
	sched, mock := clock.NewMock()
	return sched, mock
}

func awaitTrue(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// fullMesh wires every id in ids as both a neighborhood and an election
// neighborhood peer of every other id, so every broadcast reaches
// everyone regardless of TTL class — enough to exercise the protocol
// logic without modeling real multi-hop radio ranges.
func fullMesh(net *routing.Network, ids ...routing.NodeID) {
	for _, id := range ids {
		var peers []routing.NodeID
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		net.SetNeighbors(id, peers, peers)
	}
}

func newTestEngine(t *testing.T, sched *clock.Scheduler, transport routing.Transport, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.StorageCapacity = 4
	cfg.BufferCapacity = 4
	cfg.RequestTimeout = 5 * time.Second
	cfg.ProfileDelay = 6 * time.Second
	cfg.MissingReplicationTimeout = 5 * time.Second
	cfg.ProfileTimeout = 5 * time.Second
	cfg.ElectionTimeout = 1 * time.Second
	cfg.ElectionCooldown = 500 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, transport, WithScheduler(sched))
}

func TestSelfHitLookupFiresSynchronously(t *testing.T) {
	sched, _ := sharedClock(t)
	net := routing.NewNetwork()
	n1 := net.Join(1)
	e := newTestEngine(t, sched, n1, nil)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	if !e.Save(store.DataItem{ID: 42, Payload: []byte("x")}) {
		t.Fatalf("Save failed despite free capacity")
	}

	var gotSuccess bool
	var gotItem store.DataItem
	e.Lookup(42, func(item store.DataItem) {
		gotSuccess = true
		gotItem = item
	}, func(uint64) {
		t.Fatalf("unexpected failure callback on self-hit")
	})

	if !gotSuccess || gotItem.ID != 42 {
		t.Fatalf("expected synchronous self-hit success, got success=%v item=%v", gotSuccess, gotItem)
	}
}

func TestReplicaRoundTrip(t *testing.T) {
	sched, _ := sharedClock(t)
	net := routing.NewNetwork()
	t1 := net.Join(1)
	t2 := net.Join(2)
	fullMesh(net, 1, 2)

	n1 := newTestEngine(t, sched, t1, func(c *config.Config) { c.Role = fitness.Replicating })
	n2 := newTestEngine(t, sched, t2, nil)
	if err := n1.Start(); err != nil {
		t.Fatalf("n1 Start: %v", err)
	}
	if err := n2.Start(); err != nil {
		t.Fatalf("n2 Start: %v", err)
	}
	defer n1.Stop()
	defer n2.Stop()

	n1.Save(store.DataItem{ID: 7, Payload: []byte("seven")})
	n2.replicas.Insert(1) // N2 already knows N1 is a replica holder

	var success, failure bool
	var got store.DataItem
	n2.Lookup(7, func(item store.DataItem) {
		success = true
		got = item
	}, func(uint64) {
		failure = true
	})

	awaitTrue(t, time.Second, func() bool { return success })
	if failure {
		t.Fatalf("failure callback fired alongside success")
	}
	if got.ID != 7 {
		t.Fatalf("got item id %d, want 7", got.ID)
	}
}

func TestLookupTimeoutFiresFailureExactlyOnce(t *testing.T) {
	sched, mock := sharedClock(t)
	net := routing.NewNetwork()
	t2 := net.Join(2)

	n2 := newTestEngine(t, sched, t2, nil)
	if err := n2.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n2.Stop()

	successCount := 0
	failureCount := 0
	n2.Lookup(99, func(store.DataItem) { successCount++ }, func(uint64) { failureCount++ })

	mock.Add(6 * time.Second)

	if failureCount != 1 {
		t.Fatalf("failureCount = %d, want 1", failureCount)
	}
	if successCount != 0 {
		t.Fatalf("successCount = %d, want 0", successCount)
	}
}

func TestElectionHandoverThreeNodes(t *testing.T) {
	sched, mock := sharedClock(t)
	net := routing.NewNetwork()
	t1 := net.Join(1)
	t2 := net.Join(2)
	t3 := net.Join(3)
	fullMesh(net, 1, 2, 3)

	fitnesses := map[routing.NodeID]float64{1: 0.3, 2: 0.5, 3: 0.9}
	build := func(transport routing.Transport, id routing.NodeID) *Engine {
		e := newTestEngine(t, sched, transport, nil)
		e.elecFit = constFitness(fitnesses[id])
		return e
	}
	n1 := build(t1, 1)
	n2 := build(t2, 2)
	n3 := build(t3, 3)

	for _, n := range []*Engine{n1, n2, n3} {
		if err := n.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer n.Stop()
	}

	time.Sleep(20 * time.Millisecond) // let the Fitness broadcasts settle over the in-memory channels
	mock.Add(2 * time.Second)         // past election_timeout
	time.Sleep(20 * time.Millisecond)

	awaitTrue(t, time.Second, func() bool { return n3.Role() == fitness.Replicating })
	if n1.Role() != fitness.NonReplicating || n2.Role() != fitness.NonReplicating {
		t.Fatalf("expected only N3 replicating, got n1=%v n2=%v n3=%v", n1.Role(), n2.Role(), n3.Role())
	}

	awaitTrue(t, time.Second, func() bool { return n1.replicas.Contains(3) && n2.replicas.Contains(3) })
}

func TestStoreDisseminationRespectsForwardingThreshold(t *testing.T) {
	sched, _ := sharedClock(t)
	net := routing.NewNetwork()
	t1 := net.Join(1)
	t2 := net.Join(2)
	t3 := net.Join(3)
	fullMesh(net, 1, 2, 3)

	n1 := newTestEngine(t, sched, t1, func(c *config.Config) { c.Role = fitness.Replicating })
	n2 := newTestEngine(t, sched, t2, func(c *config.Config) { c.Role = fitness.Replicating })
	n3 := newTestEngine(t, sched, t3, nil)
	for _, n := range []*Engine{n1, n2, n3} {
		if err := n.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer n.Stop()
	}

	// N1 knows N2/N3's profiles directly so the forwarding computation in
	// Save has something to filter against: N2 clears sigma=0.4, N3 does not.
	n1.profiles.Observe(2, 0.7)
	n1.profiles.Observe(3, 0.2)

	n1.Save(store.DataItem{ID: 55, Payload: []byte("data")})

	awaitTrue(t, time.Second, func() bool { return n2.storage.Has(55) })
	time.Sleep(20 * time.Millisecond)
	if n3.storage.Has(55) || n3.buffer.Has(55) {
		t.Fatalf("N3 (below forwarding threshold) should not have received the item")
	}
}

func TestCarryingThresholdGovernsBuffering(t *testing.T) {
	sched, _ := sharedClock(t)
	net := routing.NewNetwork()

	// Carrier: U_col weight 1.0 and a replica holder visible in the
	// neighborhood push P_ij to 1.0, above the 0.6 carrying threshold.
	tc := net.Join(1)
	carrier := newTestEngine(t, sched, tc, func(c *config.Config) {
		c.WCDC = 0.0
		c.WCol = 1.0
	})
	if err := carrier.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer carrier.Stop()
	carrier.replicas.Insert(5)
	carrier.profiles.Observe(5, 0.9)

	env := wire.Envelope{ID: 900, Tag: wire.TagStore}
	env.Store.Item = store.DataItem{ID: 300, Payload: []byte("carry")}
	carrier.Deliver(9, wire.Encode(env))

	awaitTrue(t, time.Second, func() bool { return carrier.buffer.Has(300) })
	if carrier.storage.Has(300) {
		t.Fatalf("non-replica should buffer, not store, a carried item")
	}

	// Bystander: P_ij stays 0.0 with no replica in the neighborhood, so the
	// same Store passes through without being cached anywhere.
	tb := net.Join(2)
	bystander := newTestEngine(t, sched, tb, nil)
	if err := bystander.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bystander.Stop()

	env2 := wire.Envelope{ID: 901, Tag: wire.TagStore}
	env2.Store.Item = store.DataItem{ID: 301, Payload: []byte("pass")}
	bystander.Deliver(9, wire.Encode(env2))

	time.Sleep(20 * time.Millisecond)
	if bystander.buffer.Has(301) || bystander.storage.Has(301) {
		t.Fatalf("node below carrying threshold should not cache the item")
	}
}

func TestCarrierForwardingHandsOffBufferWhenEnabled(t *testing.T) {
	sched, _ := sharedClock(t)
	net := routing.NewNetwork()
	t1 := net.Join(1)
	t9 := net.Join(9)

	n1 := newTestEngine(t, sched, t1, func(c *config.Config) { c.OptionalCarrierForwarding = true })
	if err := n1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n1.Stop()

	rcv := &tagCounter{}
	t9.SetReceiver(rcv)

	n1.buffer.Store(store.DataItem{ID: 70, Payload: []byte("carried")})

	// Peer 9 advertises a delivery probability above n1's own P_ij (0.0
	// here), so n1 hands its whole buffer over and clears it.
	ping := wire.Envelope{ID: 910, Tag: wire.TagPing}
	ping.Ping.Delivery = 0.9
	n1.Deliver(9, wire.Encode(ping))

	awaitTrue(t, time.Second, func() bool { return rcv.count(wire.TagTransfer) == 1 })
	if n1.buffer.Len() != 0 {
		t.Fatalf("buffer should be empty after carrier handoff, has %d items", n1.buffer.Len())
	}
}

func TestCarrierForwardingDisabledKeepsBuffer(t *testing.T) {
	sched, _ := sharedClock(t)
	net := routing.NewNetwork()
	t1 := net.Join(1)
	net.Join(9)

	n1 := newTestEngine(t, sched, t1, nil) // OptionalCarrierForwarding off
	if err := n1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n1.Stop()

	n1.buffer.Store(store.DataItem{ID: 70, Payload: []byte("carried")})

	ping := wire.Envelope{ID: 911, Tag: wire.TagPing}
	ping.Ping.Delivery = 0.9
	n1.Deliver(9, wire.Encode(ping))

	time.Sleep(20 * time.Millisecond)
	if !n1.buffer.Has(70) {
		t.Fatalf("buffer should be untouched with carrier forwarding disabled")
	}
}

func TestTransferLandsInStorageForReplicaAndSkipsKnownIDs(t *testing.T) {
	sched, _ := sharedClock(t)
	net := routing.NewNetwork()
	t1 := net.Join(1)

	n1 := newTestEngine(t, sched, t1, func(c *config.Config) { c.Role = fitness.Replicating })
	if err := n1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n1.Stop()

	n1.storage.Store(store.DataItem{ID: 1, Payload: []byte("already here")})

	env := wire.Envelope{ID: 920, Tag: wire.TagTransfer}
	env.Transfer.Items = []store.DataItem{
		{ID: 1, Payload: []byte("dup")},
		{ID: 2, Payload: []byte("new")},
	}
	n1.Deliver(9, wire.Encode(env))

	awaitTrue(t, time.Second, func() bool { return n1.storage.Has(2) })
	if n1.buffer.Has(1) || n1.buffer.Has(2) {
		t.Fatalf("replica holder should land transfers in Storage, not Buffer")
	}
	got, _ := n1.storage.Get(1)
	if string(got.Payload) != "already here" {
		t.Fatalf("transfer overwrote an id the node already held")
	}
}

func TestReplicaHolderStaysQuiescentPastWatchdogTimeout(t *testing.T) {
	sched, mock := sharedClock(t)
	net := routing.NewNetwork()
	t1 := net.Join(1)
	t2 := net.Join(2)
	fullMesh(net, 1, 2)

	obs := &tagCounter{}
	t2.SetReceiver(obs)

	n1 := newTestEngine(t, sched, t1, func(c *config.Config) { c.Role = fitness.Replicating })
	if err := n1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n1.Stop()

	time.Sleep(20 * time.Millisecond)
	baseline := obs.count(wire.TagElection) // the initial election from Start

	// Nothing ever re-arms a holder's watchdog from outside (its own
	// broadcasts never loop back), so sitting far past
	// missing_replication_timeout must not re-trigger elections.
	for i := 0; i < 4; i++ {
		mock.Add(6 * time.Second)
		time.Sleep(20 * time.Millisecond)
	}

	if got := obs.count(wire.TagElection); got != baseline {
		t.Fatalf("holder re-ran elections in steady state: %d -> %d Election broadcasts", baseline, got)
	}
	if n1.Role() != fitness.Replicating {
		t.Fatalf("Role = %v, want Replicating", n1.Role())
	}
	if got := obs.count(wire.TagReplicaAnnounce); got == 0 {
		t.Fatalf("holder sent no periodic ReplicaAnnounce while quiescent")
	}
}

func TestStopBeforeStartIsAnError(t *testing.T) {
	sched, _ := sharedClock(t)
	net := routing.NewNetwork()
	t1 := net.Join(1)

	e := newTestEngine(t, sched, t1, nil)
	if err := e.Stop(); err == nil {
		t.Fatalf("Stop before Start should error")
	}
	if e.State() != NotStarted {
		t.Fatalf("State = %v, want NotStarted after misused Stop", e.State())
	}
}

func TestDuplicateEnvelopeProducesNoExtraState(t *testing.T) {
	sched, _ := sharedClock(t)
	net := routing.NewNetwork()
	t1 := net.Join(1)

	n1 := newTestEngine(t, sched, t1, func(c *config.Config) { c.Role = fitness.Replicating })
	if err := n1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n1.Stop()

	env := wire.Envelope{ID: 1000, Tag: wire.TagStore}
	env.Store.Item = store.DataItem{ID: 7000, Payload: []byte("dup")}
	payload := wire.Encode(env)

	n1.Deliver(2, payload)
	before := n1.storage.Len()
	n1.Deliver(2, payload)
	after := n1.storage.Len()

	if before != after {
		t.Fatalf("duplicate delivery changed storage length: %d -> %d", before, after)
	}
	if before != 1 {
		t.Fatalf("expected exactly one stored item after first delivery, got %d", before)
	}
}

type constFitness float64

func (c constFitness) Fitness() float64 { return float64(c) }

// tagCounter counts inbound envelopes per tag, for tests that observe a
// node's traffic from a peer's side of the network.
type tagCounter struct {
	mu     sync.Mutex
	counts map[wire.Tag]int
}

func (c *tagCounter) Deliver(_ routing.NodeID, payload []byte) {
	env, _, err := wire.Decode(payload)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.counts == nil {
		c.counts = make(map[wire.Tag]int)
	}
	c.counts[env.Tag]++
	c.mu.Unlock()
}

func (c *tagCounter) count(tag wire.Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tag]
}
