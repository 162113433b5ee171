// Package daemon is the composition root: it owns one instance each of
// the order book, the matching engine's surrounding state, the swap
// engine, the swap-client manager, the peer pool, and the reputation
// store and alert bus, and wires them together by implementing the
// narrow command interfaces each package exposes outward
// (orderbook.Broadcaster, orderbook.SwapInitiator, swap.Notifier,
// p2p.Handler). No other package imports daemon, keeping the
// dependency graph a DAG rooted here, the same composition-root shape
// decred.org/dcrdex's server/dex.DEX struct provides over its own
// book/market/swap/comms subsystems.
package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ExchangeUnion/xunion/alert"
	"github.com/ExchangeUnion/xunion/dex"
	"github.com/ExchangeUnion/xunion/matcher"
	"github.com/ExchangeUnion/xunion/msg"
	"github.com/ExchangeUnion/xunion/order"
	"github.com/ExchangeUnion/xunion/orderbook"
	"github.com/ExchangeUnion/xunion/p2p"
	"github.com/ExchangeUnion/xunion/reputation"
	"github.com/ExchangeUnion/xunion/swap"
	"github.com/ExchangeUnion/xunion/swapclient"
)

// invoiceWatchTimeout bounds how long the daemon polls its own
// swap-client invoice for the incoming leg of a deal it initiated as
// taker before giving up and letting Swapper's own recovery queue take
// over on restart.
const invoiceWatchTimeout = 10 * time.Minute
const invoiceWatchInterval = 2 * time.Second

// Config collects every dependency and identity value Daemon needs to
// start. Currencies and Pairs together define the trading surface; a
// Pair's Base and Quote must each name a configured Currency.
type Config struct {
	Log dex.Logger

	SelfPubKey string
	Version    string
	NetworkID  string
	Addresses  []string
	AllowTor   bool

	Currencies []order.Currency
	Pairs      []order.Pair

	// CurrencyCltvDelta is the default CLTV/timelock delta this node
	// uses for a swap leg in that currency, whether it receives or pays
	// that leg. Missing entries fall back to defaultCltvDelta.
	CurrencyCltvDelta map[string]uint32

	BanScore     int32
	SafetyMargin uint32

	// MaxInbound and MaxOutbound cap simultaneous peer connections in
	// each direction; zero means unlimited.
	MaxInbound  int
	MaxOutbound int
}

const defaultCltvDelta = 40

// Daemon is the running node: every subsystem plus the glue that lets
// them call into each other without importing one another directly.
type Daemon struct {
	log dex.Logger

	selfPubKey   string
	safetyMargin uint32
	cltvDelta    map[string]uint32

	mtx   sync.RWMutex
	pairs map[string]order.Pair // pairID -> Pair

	clients    *swapclient.Manager
	reputation *reputation.Store
	alerts     *alert.Bus
	swapper    *swap.Swapper
	ob         *orderbook.OrderBook
	pool       *p2p.Pool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Daemon and every subsystem it owns. Call Run to start
// the background loops and Stop to tear them down.
func New(cfg Config) (*Daemon, error) {
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = 12
	}

	pairs := make(map[string]order.Pair, len(cfg.Pairs))
	pairIDs := make([]string, 0, len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		pairs[p.ID()] = p
		pairIDs = append(pairIDs, p.ID())
	}

	cltvDelta := make(map[string]uint32, len(cfg.CurrencyCltvDelta))
	for k, v := range cfg.CurrencyCltvDelta {
		cltvDelta[k] = v
	}

	d := &Daemon{
		log:          cfg.Log,
		selfPubKey:   cfg.SelfPubKey,
		safetyMargin: cfg.SafetyMargin,
		cltvDelta:    cltvDelta,
		pairs:        pairs,
		reputation:   reputation.NewStore(cfg.BanScore),
		alerts:       alert.New(cfg.Log),
		stopCh:       make(chan struct{}),
	}

	d.clients = swapclient.NewManager()
	if err := d.clients.Init(cfg.Currencies); err != nil {
		return nil, fmt.Errorf("daemon: init swap clients: %w", err)
	}

	d.swapper = swap.New(&swap.Config{
		Log:          cfg.Log,
		Clients:      d.clients,
		Notifier:     d,
		SafetyMargin: cfg.SafetyMargin,
	})

	d.ob = orderbook.New(cfg.Log, d, d, pairIDs)

	d.pool = p2p.New(p2p.Config{
		Log:         cfg.Log,
		SelfPubKey:  cfg.SelfPubKey,
		Version:     cfg.Version,
		NetworkID:   cfg.NetworkID,
		Addresses:   cfg.Addresses,
		Pairs:       pairIDs,
		Reputation:  d.reputation,
		Handler:     d,
		AllowTor:    cfg.AllowTor,
		MaxInbound:  cfg.MaxInbound,
		MaxOutbound: cfg.MaxOutbound,
	})

	d.alerts.WatchLowBalance(d.stopCh, d.clients.LowBalanceEvents())

	return d, nil
}

// Run starts every background loop (the swap recovery queue, the peer
// pool) and blocks until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) {
	d.pool.Run(ctx)
	go d.swapper.Run(ctx)
	<-ctx.Done()
}

// Stop releases every peer connection and stops the swap-client event
// forwarding goroutines. Safe to call multiple times.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.pool.Stop()
		d.clients.Stop()
	})
}

// Pool, OrderBook, Swapper, Reputation, and Clients expose the
// subsystems for RPC-layer and cmd/xud wiring that needs direct access
// beyond the narrow interfaces Daemon itself implements.
func (d *Daemon) Pool() *p2p.Pool                   { return d.pool }
func (d *Daemon) OrderBook() *orderbook.OrderBook    { return d.ob }
func (d *Daemon) Swapper() *swap.Swapper             { return d.swapper }
func (d *Daemon) Reputation() *reputation.Store       { return d.reputation }
func (d *Daemon) Clients() *swapclient.Manager        { return d.clients }
func (d *Daemon) Alerts() *alert.Bus                  { return d.alerts }

func (d *Daemon) pair(pairID string) (order.Pair, bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	p, ok := d.pairs[pairID]
	return p, ok
}

// cltvDeltaFor returns the configured default CLTV delta for currency,
// or defaultCltvDelta if unconfigured.
func (d *Daemon) cltvDeltaFor(currency string) uint32 {
	if v, ok := d.cltvDelta[currency]; ok {
		return v
	}
	return defaultCltvDelta
}

// ---- orderbook.Broadcaster ----

func (d *Daemon) BroadcastOrder(pairID string, o *order.Order) {
	payload := msg.OrderPayload{
		ID:        o.ID,
		PairID:    pairID,
		Quantity:  o.Quantity,
		Price:     o.Price,
		CreatedAt: o.CreatedAt,
	}
	if d.log != nil {
		d.log.Tracef("daemon: broadcasting order %s on %s at price %s", o.ID, pairID, o.PriceString())
	}
	for _, peer := range d.peersForPair(pairID) {
		if err := peer.Send(msg.TypeOrder, payload); err != nil && d.log != nil {
			d.log.Debugf("daemon: broadcast order %s to %s: %v", o.ID, peer.Address, err)
		}
	}
}

func (d *Daemon) BroadcastInvalidation(pairID, orderID string, quantity *int64) {
	inv := msg.OrderInvalidation{OrderID: orderID, PairID: pairID, Quantity: quantity}
	for _, peer := range d.peersForPair(pairID) {
		if err := peer.Send(msg.TypeOrderInvalidation, inv); err != nil && d.log != nil {
			d.log.Debugf("daemon: broadcast invalidation %s to %s: %v", orderID, peer.Address, err)
		}
	}
}

func (d *Daemon) peersForPair(pairID string) []*p2p.Peer {
	all := d.pool.Peers()
	out := make([]*p2p.Peer, 0, len(all))
	for _, peer := range all {
		for _, p := range peer.Pairs {
			if p == pairID {
				out = append(out, peer)
				break
			}
		}
	}
	return out
}

// ---- orderbook.SwapInitiator ----

// InitiateSwap begins settling a match produced by this node's own
// order crossing a resting order: m.Maker is the hit order, m.Taker is
// the own order that just matched. The leg currencies are derived from
// the pair's base/quote and the taker's side.
func (d *Daemon) InitiateSwap(m matcher.Match, peerID string) error {
	pair, ok := d.pair(m.Maker.PairID)
	if !ok {
		return fmt.Errorf("daemon: unknown pair %s", m.Maker.PairID)
	}

	var incomingCcy, outgoingCcy string
	if m.Taker.IsBuy() {
		incomingCcy, outgoingCcy = pair.Base, pair.Quote
	} else {
		incomingCcy, outgoingCcy = pair.Quote, pair.Base
	}

	makerDelta := d.cltvDeltaFor(incomingCcy)
	takerDelta := d.cltvDeltaFor(outgoingCcy)
	if takerDelta <= makerDelta+d.safetyMargin {
		takerDelta = makerDelta + d.safetyMargin + 1
	}

	outgoingDest := ""
	if src, ok := m.Maker.Peer(); ok {
		outgoingDest = src.PayTo
	}

	incoming := swap.Leg{Currency: incomingCcy, Units: m.Qty, CltvDelta: makerDelta}
	outgoing := swap.Leg{Currency: outgoingCcy, Units: m.Qty, CltvDelta: takerDelta, Destination: outgoingDest}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	deal, err := d.swapper.ExecuteDeal(ctx, m, peerID, incoming, outgoing)
	if err != nil {
		return err
	}
	d.watchIncomingPayment(deal.RHash, incomingCcy)
	return nil
}

// watchIncomingPayment polls this node's own swap client for the
// incoming leg of a deal it initiated as taker until either the invoice
// settles (handed off to Swapper.HandleIncomingPayment) or the deal
// reaches a terminal phase by some other means (failure, recovery).
func (d *Daemon) watchIncomingPayment(rHash [32]byte, currency string) {
	cli, ok := d.clients.Get(currency)
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(invoiceWatchInterval)
		defer ticker.Stop()
		deadline := time.Now().Add(invoiceWatchTimeout)
		ctx := context.Background()
		for time.Now().Before(deadline) {
			<-ticker.C
			if deal, ok := d.swapper.Deal(rHash); !ok || deal.Phase.Terminal() {
				return
			}
			res, err := cli.LookupPayment(ctx, rHash)
			if err != nil {
				continue
			}
			if res.State == swapclient.PaymentSucceeded {
				if err := d.swapper.HandleIncomingPayment(ctx, rHash); err != nil && d.log != nil {
					d.log.Errorf("daemon: handle incoming payment %x: %v", rHash[:4], err)
				}
				return
			}
		}
	}()
}

// ---- swap.Notifier ----

func (d *Daemon) SendSwapRequest(peerID string, rHash [32]byte, orderID string, quantity int64, pairID string, takerCltvDelta uint32, takerPayTo string) error {
	peer, ok := d.pool.Get(peerID)
	if !ok {
		return fmt.Errorf("daemon: peer %s not connected", peerID)
	}
	return peer.Send(msg.TypeSwapRequest, msg.SwapRequest{
		RHash:          hexEncode(rHash),
		Quantity:       quantity,
		PairID:         pairID,
		OrderID:        orderID,
		TakerCltvDelta: takerCltvDelta,
		TakerPayTo:     takerPayTo,
	})
}

func (d *Daemon) SendSwapAccepted(peerID string, rHash [32]byte, acceptedQty int64, makerCltvDelta uint32, makerPayTo string) error {
	peer, ok := d.pool.Get(peerID)
	if !ok {
		return fmt.Errorf("daemon: peer %s not connected", peerID)
	}
	return peer.Send(msg.TypeSwapAccepted, msg.SwapAccepted{
		RHash:          hexEncode(rHash),
		AcceptedQty:    acceptedQty,
		MakerCltvDelta: makerCltvDelta,
		MakerPayTo:     makerPayTo,
	})
}

func (d *Daemon) SendSwapFailed(peerID string, rHash [32]byte, reason string) error {
	peer, ok := d.pool.Get(peerID)
	if !ok {
		return fmt.Errorf("daemon: peer %s not connected", peerID)
	}
	return peer.Send(msg.TypeSwapFailed, msg.SwapFailed{RHash: hexEncode(rHash), Reason: reason})
}

func (d *Daemon) SendSwapComplete(peerID string, rHash [32]byte) error {
	peer, ok := d.pool.Get(peerID)
	if !ok {
		return fmt.Errorf("daemon: peer %s not connected", peerID)
	}
	return peer.Send(msg.TypeSwapComplete, msg.SwapComplete{RHash: hexEncode(rHash)})
}

func (d *Daemon) ReleaseHold(pairID, orderID string, quantity int64) {
	d.ob.ReleaseHold(pairID, orderID, quantity)
}

func (d *Daemon) ConsumeHold(pairID, orderID string, quantity int64) {
	d.ob.ConsumeHold(pairID, orderID, quantity)
}

func (d *Daemon) DealSucceeded(rHash [32]byte) {
	if d.log != nil {
		d.log.Infof("daemon: deal %x succeeded", rHash[:4])
	}
}

func (d *Daemon) DealFailed(rHash [32]byte, reason swap.FailureReason, detail string) {
	d.alerts.NotifyDealFailed(rHash, reason, detail)
}

// ---- p2p.Handler ----

func (d *Daemon) HandleOrder(peerID string, o *msg.OrderPayload) {
	imported := &order.Order{
		ID:              o.ID,
		PairID:          o.PairID,
		Quantity:        o.Quantity,
		InitialQuantity: o.Quantity,
		Price:           o.Price,
		CreatedAt:       o.CreatedAt,
		Source:          order.PeerSource{PeerID: peerID, PayTo: o.PayTo},
	}
	if err := d.ob.Import(o.PairID, imported); err != nil && d.log != nil {
		d.log.Debugf("daemon: import order %s from %s: %v", o.ID, peerID, err)
	}
}

func (d *Daemon) HandleOrderInvalidation(peerID string, inv *msg.OrderInvalidation) {
	if err := d.ob.OnOrderInvalidation(peerID, inv.OrderID, inv.PairID, inv.Quantity); err != nil && d.log != nil {
		d.log.Debugf("daemon: invalidate order %s from %s: %v", inv.OrderID, peerID, err)
	}
}

func (d *Daemon) OwnOrders(pairIDs []string) []msg.OrderPayload {
	var out []msg.OrderPayload
	for _, pairID := range pairIDs {
		engine, ok := d.ob.Engine(pairID)
		if !ok {
			continue
		}
		for _, o := range append(engine.Buys(), engine.Sells()...) {
			if !o.IsOwn() {
				continue
			}
			payload := msg.OrderPayload{
				ID:        o.ID,
				PairID:    pairID,
				Quantity:  o.Quantity,
				Price:     o.Price,
				CreatedAt: o.CreatedAt,
			}
			out = append(out, payload)
		}
	}
	return out
}

func (d *Daemon) HandleSwapRequest(peerID string, req *msg.SwapRequest) {
	rHash, err := hexDecode(req.RHash)
	if err != nil {
		if d.log != nil {
			d.log.Debugf("daemon: malformed rHash in SwapRequest from %s: %v", peerID, err)
		}
		return
	}

	engine, ok := d.ob.Engine(req.PairID)
	if !ok {
		d.sendSwapFailedBestEffort(peerID, rHash, "unknown pair "+req.PairID)
		return
	}
	maker, ok := engine.Get(req.OrderID)
	if !ok {
		d.sendSwapFailedBestEffort(peerID, rHash, "unknown order "+req.OrderID)
		return
	}

	pair, ok := d.pair(req.PairID)
	if !ok {
		d.sendSwapFailedBestEffort(peerID, rHash, "unknown pair "+req.PairID)
		return
	}

	var incomingCcy, outgoingCcy string
	if maker.IsBuy() {
		incomingCcy, outgoingCcy = pair.Base, pair.Quote
	} else {
		incomingCcy, outgoingCcy = pair.Quote, pair.Base
	}

	incoming := swap.Leg{Currency: incomingCcy, Units: req.Quantity, CltvDelta: d.cltvDeltaFor(incomingCcy)}
	outgoing := swap.Leg{Currency: outgoingCcy, Units: req.Quantity, CltvDelta: d.cltvDeltaFor(outgoingCcy), Destination: req.TakerPayTo}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := d.swapper.HandleSwapRequest(ctx, peerID, rHash, req.OrderID, req.PairID, req.Quantity, req.TakerCltvDelta, incoming, outgoing); err != nil && d.log != nil {
		d.log.Debugf("daemon: handle swap request %x: %v", rHash[:4], err)
	}
}

func (d *Daemon) sendSwapFailedBestEffort(peerID string, rHash [32]byte, reason string) {
	if err := d.SendSwapFailed(peerID, rHash, reason); err != nil && d.log != nil {
		d.log.Debugf("daemon: send swap failed to %s: %v", peerID, err)
	}
}

func (d *Daemon) HandleSwapAccepted(peerID string, acc *msg.SwapAccepted) {
	rHash, err := hexDecode(acc.RHash)
	if err != nil {
		return
	}
	if err := d.swapper.HandleSwapAccepted(context.Background(), rHash, acc.MakerPayTo); err != nil && d.log != nil {
		d.log.Debugf("daemon: handle swap accepted %x: %v", rHash[:4], err)
	}
}

func (d *Daemon) HandleSwapFailed(peerID string, f *msg.SwapFailed) {
	if d.log != nil {
		d.log.Warnf("daemon: peer %s reported swap failed: %s", peerID, f.Reason)
	}
}

func (d *Daemon) HandleSwapComplete(peerID string, c *msg.SwapComplete) {
	if d.log != nil {
		rHash, err := hexDecode(c.RHash)
		if err == nil {
			d.log.Debugf("daemon: peer %s reported swap %x complete", peerID, rHash[:4])
		}
	}
}

// HandlePeerDisconnect purges every order sourced from peerID from the
// local book. Per spec.md §4.3, a node only ever broadcasts its own
// orders; the departed peer's orders are simply forgotten here rather
// than re-announced as an invalidation to the remaining peers, since
// this node never owned them.
func (d *Daemon) HandlePeerDisconnect(peerID string) {
	d.ob.OnPeerDisconnect(peerID)
}

func hexEncode(rHash [32]byte) string { return hex.EncodeToString(rHash[:]) }

func hexDecode(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("daemon: expected 32-byte hash, got %d bytes", len(b))
	}
	copy(out[:], b)
	return out, nil
}
