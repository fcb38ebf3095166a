package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/rhpman/protocol/pkg/store"
)

// Encode serializes an Envelope into a self-delimiting binary frame:
// a fixed header (id, timestamp, tag) followed by a tag-specific body.
// All integers are big-endian; this is a deliberate wire choice, not a
// platform default, so two independent implementations agree.
func Encode(e Envelope) []byte {
	var buf bytes.Buffer
	putU64(&buf, uint64(e.ID))
	putU64(&buf, e.TimestampMs)
	buf.WriteByte(byte(e.Tag))

	switch e.Tag {
	case TagPing:
		putF64(&buf, e.Ping.Delivery)
	case TagReplicaAnnounce, TagElection:
		// no payload
	case TagFitness:
		putF64(&buf, e.Fitness.Fitness)
	case TagModeChange:
		putU32(&buf, uint32(e.ModeChange.Old))
		putU32(&buf, uint32(e.ModeChange.New))
	case TagStore:
		putItem(&buf, e.Store.Item)
	case TagRequest:
		putU64(&buf, e.Request.DataID)
		putU32(&buf, uint32(e.Request.Requestor))
		putF64(&buf, e.Request.Sigma)
		putBytes(&buf, e.Request.Routing)
	case TagResponse:
		putU64(&buf, uint64(e.Response.RequestID))
		putItem(&buf, e.Response.Item)
	case TagTransfer:
		putU32(&buf, uint32(len(e.Transfer.Items)))
		for _, it := range e.Transfer.Items {
			putItem(&buf, it)
		}
	}

	// Frame with a leading length prefix so a stream transport (unlike a
	// datagram transport, which already delivers one frame per read) can
	// find message boundaries.
	body := buf.Bytes()
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// Decode parses a single frame produced by Encode, returning the envelope
// and the number of bytes consumed. Any length prefix that doesn't match
// the available data, or any tag Decode doesn't recognise, is reported as
// an error so the caller can drop the envelope and log at debug — a
// malformed or unknown-tag envelope is a transient peer error, not fatal.
func Decode(data []byte) (Envelope, int, error) {
	if len(data) < 4 {
		return Envelope{}, 0, fmt.Errorf("wire: frame too short for length prefix")
	}
	n := int(binary.BigEndian.Uint32(data))
	if len(data) < 4+n {
		return Envelope{}, 0, fmt.Errorf("wire: frame declares %d bytes, have %d", n, len(data)-4)
	}
	body := data[4 : 4+n]
	consumed := 4 + n

	r := bytes.NewReader(body)
	var e Envelope

	id, err := getU64(r)
	if err != nil {
		return Envelope{}, consumed, fmt.Errorf("wire: decode id: %w", err)
	}
	e.ID = MessageID(id)

	ts, err := getU64(r)
	if err != nil {
		return Envelope{}, consumed, fmt.Errorf("wire: decode timestamp: %w", err)
	}
	e.TimestampMs = ts

	tagByte, err := r.ReadByte()
	if err != nil {
		return Envelope{}, consumed, fmt.Errorf("wire: decode tag: %w", err)
	}
	e.Tag = Tag(tagByte)

	switch e.Tag {
	case TagPing:
		v, err := getF64(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode ping: %w", err)
		}
		e.Ping.Delivery = v
	case TagReplicaAnnounce, TagElection:
		// no payload
	case TagFitness:
		v, err := getF64(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode fitness: %w", err)
		}
		e.Fitness.Fitness = v
	case TagModeChange:
		old, err := getU32(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode modechange old: %w", err)
		}
		nw, err := getU32(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode modechange new: %w", err)
		}
		e.ModeChange = ModeChangePayload{Old: store.NodeID(old), New: store.NodeID(nw)}
	case TagStore:
		item, err := getItem(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode store item: %w", err)
		}
		e.Store.Item = item
	case TagRequest:
		dataID, err := getU64(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode request data id: %w", err)
		}
		requestor, err := getU32(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode request requestor: %w", err)
		}
		sigma, err := getF64(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode request sigma: %w", err)
		}
		routing, err := getBytes(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode request routing: %w", err)
		}
		e.Request = RequestPayload{DataID: dataID, Requestor: store.NodeID(requestor), Sigma: sigma, Routing: routing}
	case TagResponse:
		reqID, err := getU64(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode response request id: %w", err)
		}
		item, err := getItem(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode response item: %w", err)
		}
		e.Response = ResponsePayload{RequestID: MessageID(reqID), Item: item}
	case TagTransfer:
		count, err := getU32(r)
		if err != nil {
			return Envelope{}, consumed, fmt.Errorf("wire: decode transfer count: %w", err)
		}
		items := make([]store.DataItem, 0, count)
		for i := uint32(0); i < count; i++ {
			it, err := getItem(r)
			if err != nil {
				return Envelope{}, consumed, fmt.Errorf("wire: decode transfer item %d: %w", i, err)
			}
			items = append(items, it)
		}
		e.Transfer.Items = items
	default:
		return Envelope{}, consumed, fmt.Errorf("wire: unrecognised tag %d", tagByte)
	}

	return e, consumed, nil
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putF64(buf *bytes.Buffer, v float64) {
	putU64(buf, math.Float64bits(v))
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putU32(buf, uint32(len(b)))
	buf.Write(b)
}

func putItem(buf *bytes.Buffer, it store.DataItem) {
	putU64(buf, it.ID)
	putU32(buf, uint32(it.Owner))
	putBytes(buf, it.Payload)
}

func getU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func getF64(r *bytes.Reader) (float64, error) {
	bits, err := getU64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func getItem(r *bytes.Reader) (store.DataItem, error) {
	id, err := getU64(r)
	if err != nil {
		return store.DataItem{}, err
	}
	owner, err := getU32(r)
	if err != nil {
		return store.DataItem{}, err
	}
	payload, err := getBytes(r)
	if err != nil {
		return store.DataItem{}, err
	}
	return store.DataItem{ID: id, Owner: store.NodeID(owner), Payload: payload}, nil
}
