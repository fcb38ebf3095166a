// Package registry is the etcd-backed cluster roster used when the engine
// runs over a real pkg/routing.UDPTransport: it answers "who else is out
// there and at what address" so the transport has addresses to unicast
// to, outside of the hop-limited broadcast the lower routing layer
// provides on its own.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/rhpman/protocol/pkg/store"
)

const keyPrefix = "/rhpman/nodes/"

// NewClient dials an etcd cluster.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode publishes id -> addr under a TTL-backed lease and keeps the
// lease alive in the background until the returned cancel func is called.
func RegisterNode(cli *clientv3.Client, id store.NodeID, addr string, ttl int64) (clientv3.LeaseID, func(), error) {
	lease, err := cli.Grant(context.Background(), ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("registry: grant lease: %w", err)
	}

	key := keyPrefix + strconv.FormatUint(uint64(id), 10)
	if _, err := cli.Put(context.Background(), key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("registry: put %s: %w", key, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	keepAlive, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range keepAlive {
			// drain; etcd's client renews the lease as long as this channel
			// is read, we don't need to inspect each response.
		}
	}()

	return lease.ID, cancel, nil
}

// GetPeers does a one-shot read of the current roster, for bootstrapping a
// node's initial peer set before WatchPeers takes over.
func GetPeers(cli *clientv3.Client) (map[store.NodeID]string, error) {
	resp, err := cli.Get(context.Background(), keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get peers: %w", err)
	}
	peers := make(map[store.NodeID]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id, ok := parseNodeID(string(kv.Key))
		if !ok {
			continue
		}
		peers[id] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers streams roster changes and calls onChange with the full
// current roster every time a node registers, re-registers, or its lease
// expires. onChange is called from the watch goroutine; callers that
// touch shared state from it must synchronize themselves. The returned
// func stops the watch.
func WatchPeers(cli *clientv3.Client, log *zap.Logger, onChange func(map[store.NodeID]string)) (func(), error) {
	if log == nil {
		log = zap.NewNop()
	}
	peers, err := GetPeers(cli)
	if err != nil {
		return nil, err
	}
	onChange(peers)

	ctx, cancel := context.WithCancel(context.Background())
	watch := cli.Watch(ctx, keyPrefix, clientv3.WithPrefix())
	go func() {
		for resp := range watch {
			if resp.Err() != nil {
				log.Warn("registry: watch error", zap.Error(resp.Err()))
				continue
			}
			for _, ev := range resp.Events {
				id, ok := parseNodeID(string(ev.Kv.Key))
				if !ok {
					continue
				}
				switch ev.Type {
				case clientv3.EventTypePut:
					peers[id] = string(ev.Kv.Value)
				case clientv3.EventTypeDelete:
					delete(peers, id)
				}
			}
			snapshot := make(map[store.NodeID]string, len(peers))
			for id, addr := range peers {
				snapshot[id] = addr
			}
			onChange(snapshot)
		}
	}()

	return cancel, nil
}

func parseNodeID(key string) (store.NodeID, bool) {
	s := strings.TrimPrefix(key, keyPrefix)
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return store.NodeID(n), true
}
