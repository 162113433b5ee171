package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ExchangeUnion/xunion/dex"
	"github.com/ExchangeUnion/xunion/msg"
	"github.com/ExchangeUnion/xunion/reputation"
)

// Sentinel errors surfaced to callers of addOutbound/accept, matching the
// error text spec.md's seed scenarios assert against.
var (
	ErrConnectToSelf        = errors.New("cannot attempt connection to self")
	ErrAlreadyConnected     = errors.New("already connected")
	ErrUnexpectedNodePubKey = errors.New("unexpected node pubkey")
	ErrBanned               = errors.New("peer is banned")
	ErrTorDisabled          = errors.New("tor address rejected: tor is disabled")
	ErrTooManyInbound       = errors.New("p2p: inbound connection cap reached")
	ErrTooManyOutbound      = errors.New("p2p: outbound connection cap reached")
)

// Handler is the narrow contract Pool uses to deliver inbound gossip and
// swap-protocol packets to the rest of the daemon, keeping p2p free of a
// direct dependency on orderbook or swap's concrete types.
type Handler interface {
	HandleOrder(peerID string, o *msg.OrderPayload)
	HandleOrderInvalidation(peerID string, inv *msg.OrderInvalidation)
	// OwnOrders returns this node's resting orders for the requested
	// pairs, to answer a peer's GetOrders.
	OwnOrders(pairs []string) []msg.OrderPayload
	HandleSwapRequest(peerID string, req *msg.SwapRequest)
	HandleSwapAccepted(peerID string, acc *msg.SwapAccepted)
	HandleSwapFailed(peerID string, f *msg.SwapFailed)
	HandleSwapComplete(peerID string, c *msg.SwapComplete)
	HandlePeerDisconnect(peerID string)
}

// Dialer abstracts net.Dial so tests can inject an in-memory transport.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Config collects Pool's dependencies and this node's identity.
type Config struct {
	Log         dex.Logger
	SelfPubKey  string
	Version     string
	NetworkID   string
	Addresses   []string
	Pairs       []string
	Reputation  *reputation.Store
	Handler     Handler
	Dialer      Dialer
	AllowTor    bool
	PingInterval time.Duration

	// MaxInbound and MaxOutbound cap the number of simultaneously open
	// connections in each direction. Zero means unlimited.
	MaxInbound  int
	MaxOutbound int
}

// backoffState tracks exponential reconnect delay for one outbound peer,
// generalized from dcrdex client/comms.WsConn's fixed-interval retry
// loop (spec.md §4.3 calls for exponential backoff capped at ~5 minutes
// rather than a fixed interval).
type backoffState struct {
	mtx      sync.Mutex
	delay    time.Duration
	revoked  bool
	attempts int
}

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 5 * time.Minute
)

func (b *backoffState) next() time.Duration {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.delay == 0 {
		b.delay = minReconnectDelay
	}
	d := b.delay
	b.delay *= 2
	if b.delay > maxReconnectDelay {
		b.delay = maxReconnectDelay
	}
	b.attempts++
	return d
}

func (b *backoffState) reset() {
	b.mtx.Lock()
	b.delay = 0
	b.attempts = 0
	b.mtx.Unlock()
}

func (b *backoffState) revoke() {
	b.mtx.Lock()
	b.revoked = true
	b.mtx.Unlock()
}

func (b *backoffState) isRevoked() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.revoked
}

// Pool owns every live Peer connection and the reconnect/ban policy
// around them.
type Pool struct {
	cfg Config
	log dex.Logger

	mtx       sync.RWMutex
	peers     map[string]*Peer // by pubkey, only Open/Handshaking peers
	reconnect map[string]*backoffState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool. Call Run to start it and Stop to shut it down.
func New(cfg Config) *Pool {
	if cfg.Dialer == nil {
		var d net.Dialer
		cfg.Dialer = func(ctx context.Context, address string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", address)
		}
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		log:       cfg.Log,
		peers:     make(map[string]*Peer),
		reconnect: make(map[string]*backoffState),
	}
}

// Run starts the pool's background context; peers added before or after
// this call behave identically.
func (p *Pool) Run(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
}

// Stop closes every peer connection and waits for their goroutines to
// exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mtx.RLock()
	peers := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	p.mtx.RUnlock()
	for _, peer := range peers {
		peer.Close()
	}
	p.wg.Wait()
}

// Get returns the Open peer for pubKey, if any.
func (p *Pool) Get(pubKey string) (*Peer, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	peer, ok := p.peers[pubKey]
	return peer, ok
}

// Peers returns a snapshot of every known peer.
func (p *Pool) Peers() []*Peer {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	out := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, peer)
	}
	return out
}

// countByDirection reports how many currently open peers match inbound,
// backing the MaxInbound/MaxOutbound connection caps.
func (p *Pool) countByDirection(inbound bool) int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	n := 0
	for _, peer := range p.peers {
		if peer.Inbound == inbound {
			n++
		}
	}
	return n
}

func isTorAddress(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	const suffix = ".onion"
	return len(host) > len(suffix) && host[len(host)-len(suffix):] == suffix
}

// AddOutbound dials address, expecting expectedPubKey (if non-empty) on
// handshake, per spec.md §4.3's addOutbound contract. If retry is true
// and the connection later closes with a reconnect-worthy reason, the
// pool retries with exponential backoff.
func (p *Pool) AddOutbound(address, expectedPubKey string, retry, allowTor bool) error {
	if expectedPubKey != "" && expectedPubKey == p.cfg.SelfPubKey {
		return ErrConnectToSelf
	}
	if !allowTor && !p.cfg.AllowTor && isTorAddress(address) {
		return ErrTorDisabled
	}
	if expectedPubKey != "" {
		if _, ok := p.Get(expectedPubKey); ok {
			return ErrAlreadyConnected
		}
		if p.cfg.Reputation != nil && p.cfg.Reputation.IsBanned(expectedPubKey) {
			return ErrBanned
		}
	}
	if p.cfg.MaxOutbound > 0 && p.countByDirection(false) >= p.cfg.MaxOutbound {
		return ErrTooManyOutbound
	}

	peer := newPeer(p.log, address, false)
	if err := p.connectAndHandshake(peer, expectedPubKey); err != nil {
		return err
	}

	if retry {
		p.armReconnect(peer, address, expectedPubKey)
	}
	return nil
}

func (p *Pool) connectAndHandshake(peer *Peer, expectedPubKey string) error {
	peer.setState(StateConnecting)
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := p.cfg.Dialer(ctx, peer.Address)
	if err != nil {
		peer.setState(StateDisconnected)
		return fmt.Errorf("p2p: dial %s: %w", peer.Address, err)
	}
	peer.setConn(conn)
	peer.setState(StateHandshaking)

	if err := p.handshakeOutbound(peer, expectedPubKey); err != nil {
		conn.Close()
		peer.setState(StateDisconnected)
		return err
	}

	p.mtx.Lock()
	if _, dup := p.peers[peer.PubKey]; dup {
		p.mtx.Unlock()
		conn.Close()
		peer.setState(StateDisconnected)
		return ErrAlreadyConnected
	}
	p.peers[peer.PubKey] = peer
	p.mtx.Unlock()

	peer.setState(StateOpen)
	logPeerConnected(peer)
	p.wg.Add(1)
	go p.readLoop(peer)
	p.requestOrders(peer)
	p.startPing(peer)
	return nil
}

func (p *Pool) handshakeOutbound(peer *Peer, expectedPubKey string) error {
	hello := msg.Hello{
		NodePubKey: p.cfg.SelfPubKey,
		Version:    p.cfg.Version,
		NetworkID:  p.cfg.NetworkID,
		Addresses:  p.cfg.Addresses,
		Pairs:      p.cfg.Pairs,
	}
	f, err := msg.NewFrame(msg.TypeHello, hello)
	if err != nil {
		return err
	}
	if err := msg.Encode(peer.conn, f); err != nil {
		return err
	}

	reply, err := msg.DecodeFrom(peer.conn)
	if err != nil {
		return fmt.Errorf("p2p: handshake read: %w", err)
	}
	if reply.Type != msg.TypeHello {
		return fmt.Errorf("p2p: expected Hello, got %s", reply.Type)
	}
	var theirHello msg.Hello
	if err := reply.Decode(&theirHello); err != nil {
		return fmt.Errorf("p2p: %w: %v", msg.ErrMalformedPacket, err)
	}

	if theirHello.NodePubKey == p.cfg.SelfPubKey {
		return ErrConnectToSelf
	}
	if expectedPubKey != "" && theirHello.NodePubKey != expectedPubKey {
		return fmt.Errorf("%w: observed %s expected %s", ErrUnexpectedNodePubKey, theirHello.NodePubKey, expectedPubKey)
	}
	if p.cfg.Reputation != nil && p.cfg.Reputation.IsBanned(theirHello.NodePubKey) {
		return ErrBanned
	}

	peer.PubKey = theirHello.NodePubKey
	peer.Version = theirHello.Version
	peer.Pairs = theirHello.Pairs
	if p.cfg.Reputation != nil {
		p.cfg.Reputation.Touch(peer.PubKey, peer.Address)
	}
	return nil
}

// AcceptInbound completes the server side of a handshake on an accepted
// net.Conn.
func (p *Pool) AcceptInbound(conn net.Conn) error {
	peer := newPeer(p.log, conn.RemoteAddr().String(), true)
	peer.setConn(conn)
	peer.setState(StateHandshaking)

	var theirHello msg.Hello
	f, err := msg.DecodeFrom(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("p2p: %w", msg.ErrMalformedPacket)
	}
	if f.Type != msg.TypeHello || f.Decode(&theirHello) != nil {
		conn.Close()
		return fmt.Errorf("p2p: expected Hello as first frame")
	}

	if theirHello.NodePubKey == p.cfg.SelfPubKey {
		p.sendDisconnect(conn, msg.ReasonUnexpectedIdentity, "self connection")
		conn.Close()
		return ErrConnectToSelf
	}
	if p.cfg.Reputation != nil && p.cfg.Reputation.IsBanned(theirHello.NodePubKey) {
		p.sendDisconnect(conn, msg.ReasonBanned, "banned")
		conn.Close()
		return ErrBanned
	}
	if p.cfg.MaxInbound > 0 && p.countByDirection(true) >= p.cfg.MaxInbound {
		p.sendDisconnect(conn, msg.ReasonNotAcceptingConnections, "inbound connection cap reached")
		conn.Close()
		return ErrTooManyInbound
	}
	if _, dup := p.Get(theirHello.NodePubKey); dup {
		p.sendDisconnect(conn, msg.ReasonAlreadyConnected, "already connected")
		conn.Close()
		return ErrAlreadyConnected
	}

	hello := msg.Hello{
		NodePubKey: p.cfg.SelfPubKey,
		Version:    p.cfg.Version,
		NetworkID:  p.cfg.NetworkID,
		Addresses:  p.cfg.Addresses,
		Pairs:      p.cfg.Pairs,
	}
	reply, err := msg.NewFrame(msg.TypeHello, hello)
	if err != nil {
		conn.Close()
		return err
	}
	if err := msg.Encode(conn, reply); err != nil {
		conn.Close()
		return err
	}

	peer.PubKey = theirHello.NodePubKey
	peer.Version = theirHello.Version
	peer.Pairs = theirHello.Pairs
	if p.cfg.Reputation != nil {
		p.cfg.Reputation.Touch(peer.PubKey, peer.Address)
	}

	p.mtx.Lock()
	if _, dup := p.peers[peer.PubKey]; dup {
		p.mtx.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	p.peers[peer.PubKey] = peer
	p.mtx.Unlock()

	peer.setState(StateOpen)
	logPeerConnected(peer)
	p.wg.Add(1)
	go p.readLoop(peer)
	p.requestOrders(peer)
	p.startPing(peer)
	return nil
}

func (p *Pool) sendDisconnect(conn net.Conn, reason msg.DisconnectReason, detail string) {
	f, err := msg.NewFrame(msg.TypeDisconnecting, msg.Disconnecting{Reason: reason, Message: detail})
	if err != nil {
		return
	}
	msg.Encode(conn, f)
}

// startPing keeps the connection alive and lets each side detect a dead
// peer without waiting for the OS-level TCP timeout, mirroring
// dcrdex client/comms.WsConn's keepAlive ping loop.
func (p *Pool) startPing(peer *Peer) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-peer.Done():
				return
			case <-ticker.C:
				if err := peer.Send(msg.TypePing, msg.Ping{}); err != nil {
					return
				}
			}
		}
	}()
}

func (p *Pool) requestOrders(peer *Peer) {
	if len(peer.Pairs) == 0 {
		return
	}
	if _, err := peer.Request(msg.TypeGetOrders, msg.GetOrders{Pairs: peer.Pairs}); err != nil && p.log != nil {
		p.log.Warnf("p2p: request orders from %s: %v", peer.Address, err)
	}
}

// armReconnect registers an outbound peer for automatic reconnect and
// starts watching its Done channel.
func (p *Pool) armReconnect(peer *Peer, address, expectedPubKey string) {
	bo := &backoffState{}
	p.mtx.Lock()
	p.reconnect[address] = bo
	p.mtx.Unlock()

	go func() {
		<-peer.Done()
		if bo.isRevoked() {
			return
		}
		if !peer.reconnectWorthy() {
			return
		}
		p.scheduleReconnect(address, expectedPubKey, bo)
	}()
}

func (p *Pool) scheduleReconnect(address, expectedPubKey string, bo *backoffState) {
	delay := bo.next()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if bo.isRevoked() {
		return
	}

	newPeer := newPeer(p.log, address, false)
	if err := p.connectAndHandshake(newPeer, expectedPubKey); err != nil {
		if p.log != nil {
			p.log.Debugf("p2p: reconnect to %s failed: %v", address, err)
		}
		p.scheduleReconnect(address, expectedPubKey, bo)
		return
	}
	bo.reset()
	p.armReconnect(newPeer, address, expectedPubKey)
}

// Revoke cancels any pending reconnect attempt to address (e.g. because
// a new successful connection superseded it, or the caller explicitly
// asked to stop retrying).
func (p *Pool) Revoke(address string) {
	p.mtx.RLock()
	bo, ok := p.reconnect[address]
	p.mtx.RUnlock()
	if ok {
		bo.revoke()
	}
}

// readLoop consumes frames from peer until the connection closes or a
// malformed frame is seen, then tears the peer down and, if the close
// reason justifies it, hands off to reconnect.
func (p *Pool) readLoop(peer *Peer) {
	defer p.wg.Done()
	defer p.teardown(peer)

	for {
		peer.conn.SetReadDeadline(time.Now().Add(idleReadDeadline))
		f, err := msg.DecodeFrom(peer.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if p.log != nil {
					p.log.Debugf("p2p: peer %s missed %v of pings, disconnecting", peer.Address, idleReadDeadline)
				}
				return
			}
			if errors.Is(err, msg.ErrMalformedPacket) && p.cfg.Reputation != nil && peer.PubKey != "" {
				p.cfg.Reputation.Score(peer.PubKey, reputation.ViolationMalformedPacket)
			}
			return
		}
		p.dispatch(peer, f)
	}
}

func (p *Pool) dispatch(peer *Peer, f *msg.Frame) {
	h := p.cfg.Handler
	switch f.Type {
	case msg.TypePing:
		peer.Send(msg.TypePong, msg.Pong{})
	case msg.TypePong:
	case msg.TypeGetOrders:
		var req msg.GetOrders
		if f.Decode(&req) == nil && h != nil {
			peer.Send(msg.TypeOrders, msg.Orders{Orders: h.OwnOrders(req.Pairs)})
		}
	case msg.TypeOrders:
		var res msg.Orders
		if f.Decode(&res) == nil && h != nil {
			for i := range res.Orders {
				h.HandleOrder(peer.PubKey, &res.Orders[i])
			}
		}
	case msg.TypeOrder:
		var o msg.OrderPayload
		if f.Decode(&o) == nil && h != nil {
			h.HandleOrder(peer.PubKey, &o)
		}
	case msg.TypeOrderInvalidation:
		var inv msg.OrderInvalidation
		if f.Decode(&inv) == nil && h != nil {
			h.HandleOrderInvalidation(peer.PubKey, &inv)
		}
	case msg.TypeSwapRequest:
		var req msg.SwapRequest
		if f.Decode(&req) == nil && h != nil {
			h.HandleSwapRequest(peer.PubKey, &req)
		}
	case msg.TypeSwapAccepted:
		var acc msg.SwapAccepted
		if f.Decode(&acc) == nil && h != nil {
			h.HandleSwapAccepted(peer.PubKey, &acc)
		}
	case msg.TypeSwapFailed:
		var failed msg.SwapFailed
		if f.Decode(&failed) == nil && h != nil {
			h.HandleSwapFailed(peer.PubKey, &failed)
		}
	case msg.TypeSwapComplete:
		var c msg.SwapComplete
		if f.Decode(&c) == nil && h != nil {
			h.HandleSwapComplete(peer.PubKey, &c)
		}
	case msg.TypeDisconnecting:
		var d msg.Disconnecting
		f.Decode(&d)
		peer.lastDisconnectReason = d.Reason
	}
}

func (p *Pool) teardown(peer *Peer) {
	peer.Close()
	p.mtx.Lock()
	if existing, ok := p.peers[peer.PubKey]; ok && existing == peer {
		delete(p.peers, peer.PubKey)
	}
	p.mtx.Unlock()
	logPeerDisconnected(peer, string(peer.lastDisconnectReason))
	if p.cfg.Handler != nil && peer.PubKey != "" {
		p.cfg.Handler.HandlePeerDisconnect(peer.PubKey)
	}
}

// reconnectWorthy reports whether the peer's last observed disconnect
// reason justifies an automatic outbound reconnect. Inbound peers are
// never retried regardless of reason, per spec.md §4.3.
func (peer *Peer) reconnectWorthy() bool {
	if peer.Inbound {
		return false
	}
	return peer.lastDisconnectReason.ReconnectWorthy()
}
