// Package wire defines the tagged-union message envelope exchanged
// between RHPMAN nodes and its length-delimited binary codec. A Tag
// discriminant selects which payload variant is active; dispatch on it
// happens in exactly one place per direction (Encode and Decode).
package wire

import (
	"time"

	"github.com/rhpman/protocol/pkg/store"
)

// MessageID is a 64-bit value, unique across the run, used for
// request/response correlation and duplicate suppression.
type MessageID uint64

// NodeID re-exported for callers that only need the wire package.
type NodeID = store.NodeID

// Tag discriminates the envelope payload.
type Tag uint8

const (
	TagPing Tag = iota + 1
	TagReplicaAnnounce
	TagElection
	TagFitness
	TagModeChange
	TagStore
	TagRequest
	TagResponse
	TagTransfer
)

func (t Tag) String() string {
	switch t {
	case TagPing:
		return "Ping"
	case TagReplicaAnnounce:
		return "ReplicaAnnounce"
	case TagElection:
		return "Election"
	case TagFitness:
		return "Fitness"
	case TagModeChange:
		return "ModeChange"
	case TagStore:
		return "Store"
	case TagRequest:
		return "Request"
	case TagResponse:
		return "Response"
	case TagTransfer:
		return "Transfer"
	default:
		return "Unknown"
	}
}

// Envelope is the common header plus exactly one payload variant. Fields
// outside the active variant are left at their zero value.
type Envelope struct {
	ID          MessageID
	TimestampMs uint64
	Tag         Tag

	Ping            PingPayload
	Fitness         FitnessPayload
	ModeChange      ModeChangePayload
	Store           StorePayload
	Request         RequestPayload
	Response        ResponsePayload
	Transfer        TransferPayload
}

// PingPayload carries the neighborhood beacon's delivery estimate.
type PingPayload struct {
	Delivery float64
}

// FitnessPayload carries an election ballot.
type FitnessPayload struct {
	Fitness float64
}

// ModeChangePayload announces a role transition. Old==New means a
// step-up (New became a replica holder); New==0 means a step-down.
type ModeChangePayload struct {
	Old NodeID
	New NodeID
}

// StorePayload disseminates a single data item.
type StorePayload struct {
	Item store.DataItem
}

// RequestPayload asks for a data item by id. Routing is decoded and kept
// on the struct for wire compatibility but is a lower-layer concern; the
// engine never reads it.
type RequestPayload struct {
	DataID    uint64
	Requestor NodeID
	Sigma     float64
	Routing   []byte
}

// ResponsePayload answers a Request by request id.
type ResponsePayload struct {
	RequestID MessageID
	Item      store.DataItem
}

// TransferPayload hands off an entire buffer's contents to a peer.
type TransferPayload struct {
	Items []store.DataItem
}

// NowMillis is a small helper so callers don't repeat the conversion.
func NowMillis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

// ReplicaAnnounce and Election carry no payload beyond the envelope
// header; TagReplicaAnnounce / TagElection envelopes leave every payload
// field at its zero value.
