// Package msg implements the peer wire protocol: a length-prefixed frame
// envelope (adapted from decred.org/dcrdex's dex/msgjson message envelope,
// generalized from dcrdex's JSON-over-websocket Message to the raw
// length-prefixed-over-TCP/TLS framing spec.md §6 requires) and the JSON
// payload bodies carried inside it.
package msg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Type identifies a frame's payload.
type Type uint8

const (
	TypeHello Type = iota
	TypeDisconnecting
	TypePing
	TypePong
	TypeGetOrders
	TypeOrders
	TypeOrder
	TypeOrderInvalidation
	TypeSwapRequest
	TypeSwapAccepted
	TypeSwapFailed
	TypeSwapComplete
	TypeNodeStateUpdate
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "Hello"
	case TypeDisconnecting:
		return "Disconnecting"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeGetOrders:
		return "GetOrders"
	case TypeOrders:
		return "Orders"
	case TypeOrder:
		return "Order"
	case TypeOrderInvalidation:
		return "OrderInvalidation"
	case TypeSwapRequest:
		return "SwapRequest"
	case TypeSwapAccepted:
		return "SwapAccepted"
	case TypeSwapFailed:
		return "SwapFailed"
	case TypeSwapComplete:
		return "SwapComplete"
	case TypeNodeStateUpdate:
		return "NodeStateUpdate"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// maxFrameBody caps a single frame body to guard against a malicious or
// buggy peer claiming an enormous length prefix.
const maxFrameBody = 16 << 20 // 16 MiB

// Frame is one decoded wire message. The byte layout on the wire is:
//
//	4 bytes  big-endian uint32 length of everything after this field
//	1 byte   Type
//	1 byte   hasRequestID (0 or 1)
//	16 bytes PacketID
//	16 bytes RequestID (only present if hasRequestID == 1)
//	N bytes  JSON body
type Frame struct {
	Type      Type
	PacketID  uuid.UUID
	RequestID *uuid.UUID // set on a response frame, correlating it to a request
	Body      json.RawMessage
}

// NewFrame builds a request/notification Frame (no RequestID) with body
// marshaled from payload.
func NewFrame(t Type, payload interface{}) (*Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("msg: marshal %s: %w", t, err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("msg: generate packet id: %w", err)
	}
	return &Frame{Type: t, PacketID: id, Body: body}, nil
}

// NewResponse builds a Frame tagged as a response to requestID.
func NewResponse(t Type, requestID uuid.UUID, payload interface{}) (*Frame, error) {
	f, err := NewFrame(t, payload)
	if err != nil {
		return nil, err
	}
	f.RequestID = &requestID
	return f, nil
}

// Decode unmarshals Body into v.
func (f *Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Body, v)
}

// Encode writes the frame to w in the wire format documented on Frame.
func Encode(w io.Writer, f *Frame) error {
	hasReq := byte(0)
	if f.RequestID != nil {
		hasReq = 1
	}

	payloadLen := 1 + 1 + 16 + len(f.Body)
	if hasReq == 1 {
		payloadLen += 16
	}

	buf := make([]byte, 4+payloadLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(payloadLen))
	buf[4] = byte(f.Type)
	buf[5] = hasReq
	copy(buf[6:22], f.PacketID[:])
	off := 22
	if hasReq == 1 {
		copy(buf[off:off+16], f.RequestID[:])
		off += 16
	}
	copy(buf[off:], f.Body)

	_, err := w.Write(buf)
	return err
}

// DecodeFrom reads one frame from r.
func DecodeFrom(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 18 || n > maxFrameBody {
		return nil, fmt.Errorf("msg: %w: length %d", ErrMalformedPacket, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	f := &Frame{Type: Type(payload[0])}
	hasReq := payload[1]
	copy(f.PacketID[:], payload[2:18])
	off := 18
	if hasReq == 1 {
		if len(payload) < off+16 {
			return nil, fmt.Errorf("msg: %w: truncated request id", ErrMalformedPacket)
		}
		var rid uuid.UUID
		copy(rid[:], payload[off:off+16])
		f.RequestID = &rid
		off += 16
	}
	f.Body = json.RawMessage(payload[off:])
	return f, nil
}

// ErrMalformedPacket is returned by DecodeFrom when a frame cannot be
// parsed; per spec.md §4.3 the caller must close the connection with
// reason MalformedPacket on this error.
var ErrMalformedPacket = errors.New("malformed packet")
