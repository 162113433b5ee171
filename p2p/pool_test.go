package p2p

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ExchangeUnion/xunion/msg"
	"github.com/ExchangeUnion/xunion/reputation"
)

// fakeRemote drives the other end of a net.Pipe as if it were a remote
// node completing the handshake with the given pubkey.
func fakeRemote(t *testing.T, conn net.Conn, pubKey string) {
	t.Helper()
	go func() {
		f, err := msg.DecodeFrom(conn)
		if err != nil {
			return
		}
		if f.Type != msg.TypeHello {
			return
		}
		reply, err := msg.NewFrame(msg.TypeHello, msg.Hello{NodePubKey: pubKey, Version: "1.0.0"})
		if err != nil {
			return
		}
		msg.Encode(conn, reply)
	}()
}

func testPool(selfPubKey string, dialConn net.Conn) *Pool {
	p := New(Config{
		SelfPubKey: selfPubKey,
		Version:    "1.0.0",
		NetworkID:  "testnet",
		Dialer: func(ctx context.Context, address string) (net.Conn, error) {
			return dialConn, nil
		},
	})
	p.Run(context.Background())
	return p
}

// S5: a node must refuse to connect to itself.
func TestAddOutboundRejectsSelfConnect(t *testing.T) {
	p := testPool("self-pubkey", nil)
	err := p.AddOutbound("127.0.0.1:9999", "self-pubkey", false, false)
	if err != ErrConnectToSelf {
		t.Fatalf("expected ErrConnectToSelf, got %v", err)
	}
}

// S5 (observed during handshake rather than pre-checked): the remote
// claims our own pubkey once connected.
func TestAddOutboundRejectsSelfConnectObservedAtHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	fakeRemote(t, server, "self-pubkey")

	p := testPool("self-pubkey", client)
	err := p.AddOutbound("127.0.0.1:9999", "", false, false)
	if err != ErrConnectToSelf {
		t.Fatalf("expected ErrConnectToSelf, got %v", err)
	}
}

// S6: connecting to a node whose handshake pubkey differs from the one
// expected must be rejected, and the error should name both.
func TestAddOutboundRejectsWrongPubKey(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	fakeRemote(t, server, "actual-pubkey")

	p := testPool("my-pubkey", client)
	err := p.AddOutbound("127.0.0.1:9999", "expected-pubkey", false, false)
	if err == nil {
		t.Fatal("expected an error for a mismatched pubkey")
	}
	if got := err.Error(); !strings.Contains(got, "actual-pubkey") || !strings.Contains(got, "expected-pubkey") {
		t.Fatalf("expected the error to name both pubkeys, got %q", got)
	}
}

// S7: a second connection attempt to an already-connected peer is
// rejected before any dial is attempted.
func TestAddOutboundRejectsDuplicateConnection(t *testing.T) {
	p := testPool("my-pubkey", nil)
	p.mtx.Lock()
	p.peers["peer-pubkey"] = newPeer(nil, "127.0.0.1:1", false)
	p.mtx.Unlock()

	err := p.AddOutbound("127.0.0.1:2", "peer-pubkey", false, false)
	if err != ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

// Banned peers must be refused even with a correct pubkey.
func TestAddOutboundRejectsBannedPeer(t *testing.T) {
	rep := reputation.NewStore(0)
	rep.Ban("banned-pubkey")

	p := New(Config{SelfPubKey: "my-pubkey", Reputation: rep})
	p.Run(context.Background())

	err := p.AddOutbound("127.0.0.1:2", "banned-pubkey", false, false)
	if err != ErrBanned {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

// A successful outbound handshake registers the peer under its pubkey
// and transitions it to Open.
func TestAddOutboundSucceedsAndRegistersPeer(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	fakeRemote(t, server, "remote-pubkey")
	// fakeRemote's Hello advertises no pairs, so no GetOrders request
	// follows the handshake and nothing else needs draining.

	p := testPool("my-pubkey", client)
	if err := p.AddOutbound("127.0.0.1:2", "remote-pubkey", false, false); err != nil {
		t.Fatalf("AddOutbound: %v", err)
	}
	peer, ok := p.Get("remote-pubkey")
	if !ok {
		t.Fatal("expected remote-pubkey to be registered")
	}
	if peer.State() != StateOpen {
		t.Fatalf("expected peer state Open, got %s", peer.State())
	}
}

// Inbound connections are accepted the mirror way, with the same
// self-connect/banned/duplicate checks.
func TestAcceptInboundRejectsSelfConnect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		f, _ := msg.NewFrame(msg.TypeHello, msg.Hello{NodePubKey: "my-pubkey"})
		msg.Encode(client, f)
		msg.DecodeFrom(client) // drain the disconnect notice, if any
	}()

	p := New(Config{SelfPubKey: "my-pubkey"})
	err := p.AcceptInbound(server)
	if err != ErrConnectToSelf {
		t.Fatalf("expected ErrConnectToSelf, got %v", err)
	}
}

func TestAcceptInboundRejectsBannedPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	rep := reputation.NewStore(0)
	rep.Ban("bad-actor")

	go func() {
		f, _ := msg.NewFrame(msg.TypeHello, msg.Hello{NodePubKey: "bad-actor"})
		msg.Encode(client, f)
		msg.DecodeFrom(client)
	}()

	p := New(Config{SelfPubKey: "my-pubkey", Reputation: rep})
	err := p.AcceptInbound(server)
	if err != ErrBanned {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

func TestAcceptInboundSucceeds(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f, _ := msg.NewFrame(msg.TypeHello, msg.Hello{NodePubKey: "remote-pubkey", Pairs: []string{"BTC/LTC"}})
		msg.Encode(client, f)
		reply, err := msg.DecodeFrom(client)
		if err != nil || reply.Type != msg.TypeHello {
			return
		}
		msg.DecodeFrom(client) // GetOrders request
	}()

	p := New(Config{SelfPubKey: "my-pubkey"})
	if err := p.AcceptInbound(server); err != nil {
		t.Fatalf("AcceptInbound: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fake remote handshake")
	}
	if _, ok := p.Get("remote-pubkey"); !ok {
		t.Fatal("expected remote-pubkey registered after inbound handshake")
	}
}

// S8: only outbound peers are retried on a reconnect-worthy disconnect;
// inbound peers are never retried regardless of reason.
func TestReconnectWorthyOnlyAppliesToOutbound(t *testing.T) {
	outbound := newPeer(nil, "addr", false)
	outbound.lastDisconnectReason = msg.ReasonConnectionTimeout
	if !outbound.reconnectWorthy() {
		t.Fatal("expected an outbound peer with ConnectionTimeout to be reconnect-worthy")
	}

	inbound := newPeer(nil, "addr", true)
	inbound.lastDisconnectReason = msg.ReasonConnectionTimeout
	if inbound.reconnectWorthy() {
		t.Fatal("expected an inbound peer to never be reconnect-worthy")
	}

	outboundTerminal := newPeer(nil, "addr", false)
	outboundTerminal.lastDisconnectReason = msg.ReasonBanned
	if outboundTerminal.reconnectWorthy() {
		t.Fatal("expected a Banned disconnect to not be reconnect-worthy")
	}
}

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	b := &backoffState{}
	first := b.next()
	second := b.next()
	if second < first*2-1 || second > first*2+1 {
		t.Fatalf("expected backoff to roughly double, got %s then %s", first, second)
	}
	for i := 0; i < 20; i++ {
		b.next()
	}
	if got := b.next(); got != maxReconnectDelay {
		t.Fatalf("expected backoff capped at %s, got %s", maxReconnectDelay, got)
	}
}

func TestBackoffRevoke(t *testing.T) {
	b := &backoffState{}
	if b.isRevoked() {
		t.Fatal("expected a fresh backoffState to not be revoked")
	}
	b.revoke()
	if !b.isRevoked() {
		t.Fatal("expected revoke to take effect")
	}
}

// Tor addresses are rejected unless explicitly allowed.
func TestAddOutboundRejectsTorWhenDisabled(t *testing.T) {
	p := testPool("my-pubkey", nil)
	err := p.AddOutbound("abc123def456ghij.onion:9999", "", false, false)
	if err != ErrTorDisabled {
		t.Fatalf("expected ErrTorDisabled, got %v", err)
	}
}
