// Command rhpman-node runs one RHPMAN protocol node over a real UDP
// transport, discovering peers through etcd: bind the transport, watch
// for peer changes, register with etcd, start the engine, then serve the
// debug HTTP surface.
package main

import (
	"net"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/rhpman/protocol/internal/config"
	"github.com/rhpman/protocol/internal/telemetry"
	"github.com/rhpman/protocol/pkg/engine"
	"github.com/rhpman/protocol/pkg/node"
	"github.com/rhpman/protocol/pkg/registry"
	"github.com/rhpman/protocol/pkg/routing"
	"github.com/rhpman/protocol/pkg/store"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// 1. Parse this node's identity and listen address.
	selfID, err := strconv.ParseUint(os.Getenv("SELF_ID"), 10, 32)
	if err != nil {
		log.Fatal("invalid SELF_ID", zap.Error(err))
	}
	listenAddr := os.Getenv("SELF_ADDR")
	if listenAddr == "" {
		listenAddr = ":7000"
	}

	transport, err := routing.NewUDPTransport(listenAddr, store.NodeID(selfID), log)
	if err != nil {
		log.Fatal("bind udp transport", zap.Error(err))
	}
	defer transport.Close()

	// 2. Create the etcd client used for peer discovery.
	log.Info("creating etcd client")
	cli, err := registry.NewClient([]string{envOr("ETCD_ENDPOINT", "http://etcd:2379")})
	if err != nil {
		log.Fatal("dial etcd", zap.Error(err))
	}
	defer cli.Close()

	// 3. Bootstrap and then continuously watch the peer roster, feeding
	// every known address into the transport as both a neighborhood and
	// election-neighborhood peer. Hop-limiting belongs to the lower
	// routing layer, so every known peer is treated as reachable at both
	// TTL classes.
	watchCancel, err := registry.WatchPeers(cli, log, func(peers map[store.NodeID]string) {
		ids := make([]store.NodeID, 0, len(peers))
		for id, addr := range peers {
			if id == store.NodeID(selfID) {
				continue
			}
			udpAddr, err := net.ResolveUDPAddr("udp", addr)
			if err != nil {
				log.Warn("skipping peer with unparseable address", zap.Uint32("peer", uint32(id)), zap.Error(err))
				continue
			}
			transport.SetPeerAddr(id, udpAddr)
			ids = append(ids, id)
		}
		transport.SetNeighborhoodPeers(ids)
		transport.SetElectionPeers(ids)
		log.Info("peer roster updated", zap.Int("count", len(ids)))
	})
	if err != nil {
		log.Fatal("watch peers", zap.Error(err))
	}
	defer watchCancel()

	// 4. Register this node so peers can discover it in turn.
	log.Info("registering with etcd", zap.Uint64("id", selfID), zap.String("addr", listenAddr))
	_, registerCancel, err := registry.RegisterNode(cli, store.NodeID(selfID), listenAddr, 10)
	if err != nil {
		log.Fatal("register node", zap.Error(err))
	}
	defer registerCancel()

	// 5. Build and start the protocol engine itself.
	cfg := config.FromEnv()
	eng := engine.New(cfg, transport, engine.WithLogger(log))
	if err := eng.Start(); err != nil {
		log.Fatal("start engine", zap.Error(err))
	}
	defer eng.Stop()

	// 6. Serve the debug/ops HTTP surface alongside the engine.
	n := node.New(eng, log)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.HandleFunc("/info", n.Info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/items/", func(w http.ResponseWriter, r *http.Request) {
		op := methodToOp(r.Method)
		telemetry.Instrument(op, http.HandlerFunc(n.Item)).ServeHTTP(w, r)
	})

	httpAddr := envOr("HTTP_ADDR", ":8080")
	log.Info("rhpman node listening", zap.String("addr", httpAddr))
	if err := http.ListenAndServe(httpAddr, mux); err != nil {
		log.Fatal("http server", zap.Error(err))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	default:
		return "other"
	}
}

