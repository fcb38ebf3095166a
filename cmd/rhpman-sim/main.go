// Command rhpman-sim drives a small in-process cluster of RHPMAN engines
// over the in-memory routing.Network, firing concurrent Save/Lookup
// pairs at the simulated mesh and reporting throughput and hit rate.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rhpman/protocol/internal/config"
	"github.com/rhpman/protocol/pkg/clock"
	"github.com/rhpman/protocol/pkg/engine"
	"github.com/rhpman/protocol/pkg/fitness"
	"github.com/rhpman/protocol/pkg/routing"
	"github.com/rhpman/protocol/pkg/store"
)

func main() {
	nodes := flag.Int("nodes", 8, "number of simulated nodes")
	n := flag.Int("n", 2000, "number of save/lookup pairs")
	conc := flag.Int("c", 16, "concurrency")
	valSize := flag.Int("val", 128, "item payload size in bytes")
	replicas := flag.Int("replicas", 2, "number of nodes started already in the Replicating role")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	sched := clock.New()
	net := routing.NewNetwork()

	ids := make([]routing.NodeID, *nodes)
	for i := range ids {
		ids[i] = routing.NodeID(i + 1)
	}
	for _, id := range ids {
		var peers []routing.NodeID
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		net.SetNeighbors(id, peers, peers)
	}

	// Data owners are drawn at random from the whole population, not taken
	// from a fixed prefix, so the initial replica holders land in different
	// neighborhoods from run to run.
	owners := make(map[int]struct{}, *replicas)
	if *replicas > *nodes {
		*replicas = *nodes
	}
	for _, idx := range rand.Perm(*nodes)[:*replicas] {
		owners[idx] = struct{}{}
	}

	engines := make([]*engine.Engine, *nodes)
	for i, id := range ids {
		transport := net.Join(id)
		cfg := config.Default()
		if _, ok := owners[i]; ok {
			cfg.Role = fitness.Replicating
		}
		engines[i] = engine.New(cfg, transport, engine.WithScheduler(sched), engine.WithLogger(log))
		if err := engines[i].Start(); err != nil {
			log.Fatal("start engine", zap.Error(err))
		}
	}
	defer func() {
		for _, e := range engines {
			e.Stop()
		}
	}()

	log.Info("cluster up", zap.Int("nodes", *nodes), zap.Int("replicas", *replicas))
	time.Sleep(200 * time.Millisecond) // let initial Election/Fitness broadcasts settle

	var successes, failures uint64
	var wg sync.WaitGroup
	sem := make(chan struct{}, *conc)
	start := time.Now()

	for i := 0; i < *n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			id := uint64(i)
			payload := make([]byte, *valSize)
			rand.Read(payload)

			saver := engines[rand.Intn(len(engines))]
			saver.Save(store.DataItem{ID: id, Payload: payload})

			time.Sleep(5 * time.Millisecond) // let Store dissemination land before the lookup

			done := make(chan struct{})
			looker := engines[rand.Intn(len(engines))]
			looker.Lookup(id, func(store.DataItem) {
				atomic.AddUint64(&successes, 1)
				close(done)
			}, func(uint64) {
				atomic.AddUint64(&failures, 1)
				close(done)
			})
			<-done
		}(i)
	}
	wg.Wait()

	dur := time.Since(start)
	fmt.Printf("Completed %d save/lookup pairs in %s (%.2f pairs/s), %d succeeded, %d failed\n",
		*n, dur, float64(*n)/dur.Seconds(), atomic.LoadUint64(&successes), atomic.LoadUint64(&failures))
}
