// Package node is the debug/ops HTTP surface for a running rhpman
// engine: health checks, process info, and a manual item endpoint
// dispatching on HTTP method, over plain net/http with no router
// library.
package node

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rhpman/protocol/pkg/engine"
	"github.com/rhpman/protocol/pkg/fitness"
	"github.com/rhpman/protocol/pkg/store"
)

// Node wraps a running engine.Engine with HTTP handlers for operators:
// health checks, process info, and a manual save/lookup surface useful
// for driving or inspecting a node without a full client.
type Node struct {
	eng *engine.Engine
	log *zap.Logger
}

// New wraps eng. log may be nil, matching the engine's own logger convention.
func New(eng *engine.Engine, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{eng: eng, log: log}
}

// Healthz returns 200 once the engine has been started.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if n.eng.State() != engine.Running {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info reports this node's role and its number of free Storage slots.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		Now       time.Time `json:"now"`
		Role      string    `json:"role"`
		FreeSpace uint32    `json:"free_space"`
	}
	role := "non_replicating"
	if n.eng.Role() == fitness.Replicating {
		role = "replicating"
	}
	data, _ := json.Marshal(resp{Now: time.Now(), Role: role, FreeSpace: n.eng.FreeSpace()})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Item handles the manual data-item surface: PUT to save, GET to look up.
// The path is expected as /items/<id>.
func (n *Node) Item(w http.ResponseWriter, req *http.Request) {
	idStr := req.URL.Path[len("/items/"):]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid item id", http.StatusBadRequest)
		return
	}

	switch req.Method {
	case http.MethodPut, http.MethodPost:
		n.put(w, req, id)
	case http.MethodGet:
		n.get(w, req, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (n *Node) put(w http.ResponseWriter, req *http.Request, id uint64) {
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !n.eng.Save(store.DataItem{ID: id, Payload: payload}) {
		http.Error(w, "storage full", http.StatusInsufficientStorage)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// get resolves the item synchronously over HTTP by blocking on the
// engine's async Lookup until it resolves or the request times out.
func (n *Node) get(w http.ResponseWriter, req *http.Request, id uint64) {
	type result struct {
		item store.DataItem
		ok   bool
	}
	done := make(chan result, 1)
	n.eng.Lookup(id,
		func(item store.DataItem) { done <- result{item, true} },
		func(uint64) { done <- result{ok: false} },
	)

	select {
	case r := <-done:
		if !r.ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(r.item.Payload)
	case <-req.Context().Done():
		n.log.Debug("node: request cancelled awaiting lookup", zap.Uint64("id", id))
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
	}
}
