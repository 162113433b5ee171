package msg

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func roundTrip(t *testing.T, typ Type, payload interface{}, out interface{}) *Frame {
	t.Helper()
	f, err := NewFrame(typ, payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := DecodeFrom(&buf)
	if err != nil {
		t.Fatalf("DecodeFrom: %v", err)
	}
	if got.Type != typ {
		t.Fatalf("type mismatch: want %s got %s", typ, got.Type)
	}
	if got.PacketID != f.PacketID {
		t.Fatalf("packet id not preserved: want %s got %s", f.PacketID, got.PacketID)
	}
	if got.RequestID != nil {
		t.Fatalf("expected no request id on a notification frame")
	}
	if err := got.Decode(out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestHelloRoundTrip(t *testing.T) {
	in := Hello{
		NodePubKey: "02abcdef",
		Version:    "1.0.0",
		NetworkID:  "testnet",
		Addresses:  []string{"10.0.0.1:8885"},
		Pairs:      []string{"BTC/LTC"},
	}
	var out Hello
	roundTrip(t, TypeHello, in, &out)
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("payload not bit-exact: want %+v got %+v", in, out)
	}
}

func TestOrderPayloadRoundTrip(t *testing.T) {
	p := 0.5
	in := OrderPayload{
		ID: "order1", PairID: "BTC/LTC", Quantity: -10,
		Price: &p, CreatedAt: 12345, PayTo: "lnaddr",
	}
	var out OrderPayload
	roundTrip(t, TypeOrder, in, &out)
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("payload not bit-exact: want %+v got %+v", in, out)
	}
}

func TestResponseFramePreservesRequestID(t *testing.T) {
	reqID := uuid.New()
	f, err := NewResponse(TypePong, reqID, Pong{})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeFrom(&buf)
	if err != nil {
		t.Fatalf("DecodeFrom: %v", err)
	}
	if got.RequestID == nil || *got.RequestID != reqID {
		t.Fatalf("expected request id %s preserved, got %+v", reqID, got.RequestID)
	}
}

func TestDisconnectingRoundTrip(t *testing.T) {
	in := Disconnecting{Reason: ReasonBanned, Message: "too many violations"}
	var out Disconnecting
	roundTrip(t, TypeDisconnecting, in, &out)
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("payload not bit-exact: want %+v got %+v", in, out)
	}
}

func TestSwapRequestRoundTrip(t *testing.T) {
	in := SwapRequest{
		RHash: "deadbeef", Quantity: 100, PairID: "BTC/LTC",
		OrderID: "o1", TakerOrderID: "t1", TakerCltvDelta: 144,
		TakerPayTo: "pubkey@host",
	}
	var out SwapRequest
	roundTrip(t, TypeSwapRequest, in, &out)
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("payload not bit-exact: want %+v got %+v", in, out)
	}
}

func TestDecodeFromRejectsUndersizedFrame(t *testing.T) {
	var buf bytes.Buffer
	// length prefix claims 5 bytes, below the 18-byte minimum envelope.
	buf.Write([]byte{0, 0, 0, 5})
	buf.Write([]byte{0, 0, 0, 0, 0})
	if _, err := DecodeFrom(&buf); err == nil {
		t.Fatal("expected an error decoding an undersized frame")
	}
}

func TestDisconnectReasonReconnectWorthy(t *testing.T) {
	if !ReasonConnectionTimeout.ReconnectWorthy() {
		t.Fatal("expected ConnectionTimeout to be reconnect-worthy")
	}
	if ReasonBanned.ReconnectWorthy() {
		t.Fatal("expected Banned to not be reconnect-worthy")
	}
}
