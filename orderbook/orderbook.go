// Package orderbook ties a matcher.Engine per trading pair to the
// lifecycle of own and peer orders: local-id <-> global-id mapping,
// broadcast of resting own-order remainders, hold discipline around
// in-flight swaps, and bulk purge of a disconnected peer's orders.
//
// Grounded on decred.org/dcrdex's server/book.Book + server/market's
// order-intake path (validate, assign server-side id, match, persist,
// broadcast), generalized from dcrdex's single-epoch-queue model to the
// spec's continuous own/peer order book with an explicit local-id map
// (the source's own-order bookkeeping has no dcrdex analogue, since
// dcrdex orders never originate from the matching server itself).
package orderbook

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ExchangeUnion/xunion/dex"
	"github.com/ExchangeUnion/xunion/matcher"
	"github.com/ExchangeUnion/xunion/order"
)

var (
	ErrUnknownPair      = order.ErrUnknownPair
	ErrDuplicateLocalID = order.ErrDuplicateLocalID
	ErrUnknownOrder     = order.ErrUnknownOrder
)

// Broadcaster is the narrow contract OrderBook uses to reach the P2P
// pool. Implemented by daemon.Daemon on top of p2p.Pool; kept narrow
// here so orderbook never imports p2p.
type Broadcaster interface {
	// BroadcastOrder publishes o to every peer advertising pairID.
	BroadcastOrder(pairID string, o *order.Order)
	// BroadcastInvalidation announces that orderID (or quantity units of
	// it) is no longer available.
	BroadcastInvalidation(pairID, orderID string, quantity *int64)
}

// SwapInitiator is the narrow contract OrderBook uses to ask Swaps to
// begin settling a match, breaking the OrderBook<->Swaps cycle noted in
// spec.md §9: the book reserves a hold and asks Swaps to initiate, Swaps
// asks the book (via its own Notifier interface) to release/consume
// holds; neither package
// imports the other's concrete type beyond this interface boundary.
type SwapInitiator interface {
	InitiateSwap(m matcher.Match, peerID string) error
}

// PlaceOrderEvent reports the outcome of placeLimit/placeMarket: the
// matches produced, and the remaining (possibly nil) own-order portion
// left resting on the book.
type PlaceOrderEvent struct {
	Matches   []matcher.Match
	Remaining *order.Order
}

// pairState holds everything OrderBook tracks for one trading pair.
type pairState struct {
	engine *matcher.Engine
}

// OrderBook owns one matcher.Engine per pair and the own/peer order
// lifecycle around it.
type OrderBook struct {
	log         dex.Logger
	broadcaster Broadcaster
	swaps       SwapInitiator

	mtx   sync.RWMutex
	pairs map[string]*pairState

	// localToGlobal maps an own order's caller-supplied local id to the
	// order.ID assigned on placement, scoped per pair since local ids are
	// only required unique within a pair.
	localToGlobal map[string]map[string]string
	placing       map[string]struct{} // pairID+localID in flight, for races like TestConcurrentPlaceSameLocalIDExactlyOneSucceeds
}

// New constructs an empty OrderBook supporting the given pairs.
func New(log dex.Logger, broadcaster Broadcaster, swaps SwapInitiator, pairIDs []string) *OrderBook {
	pairs := make(map[string]*pairState, len(pairIDs))
	for _, id := range pairIDs {
		pairs[id] = &pairState{engine: matcher.New(id)}
	}
	return &OrderBook{
		log:           log,
		broadcaster:   broadcaster,
		swaps:         swaps,
		pairs:         pairs,
		localToGlobal: make(map[string]map[string]string),
		placing:       make(map[string]struct{}),
	}
}

func (b *OrderBook) pair(pairID string) (*pairState, error) {
	ps, ok := b.pairs[pairID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, pairID)
	}
	return ps, nil
}

// PlaceLimit places a new own limit order. localID must be unique within
// the pair; concurrent placements of the same (pairID, localID) resolve
// exactly one winner.
func (b *OrderBook) PlaceLimit(pairID, localID string, isBuy bool, price float64, qty int64, ttl int64) (*PlaceOrderEvent, error) {
	return b.place(pairID, localID, isBuy, &price, qty, ttl)
}

// PlaceMarket places a new own market order.
func (b *OrderBook) PlaceMarket(pairID, localID string, isBuy bool, qty int64, ttl int64) (*PlaceOrderEvent, error) {
	return b.place(pairID, localID, isBuy, nil, qty, ttl)
}

func (b *OrderBook) place(pairID, localID string, isBuy bool, price *float64, qty int64, ttl int64) (*PlaceOrderEvent, error) {
	key := pairID + "\x00" + localID

	b.mtx.Lock()
	ps, err := b.pair(pairID)
	if err != nil {
		b.mtx.Unlock()
		return nil, err
	}
	if _, ok := b.localToGlobal[pairID][localID]; ok {
		b.mtx.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLocalID, localID)
	}
	if _, inFlight := b.placing[key]; inFlight {
		b.mtx.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLocalID, localID)
	}
	b.placing[key] = struct{}{}
	b.mtx.Unlock()

	defer func() {
		b.mtx.Lock()
		delete(b.placing, key)
		b.mtx.Unlock()
	}()

	signedQty := qty
	if !isBuy {
		signedQty = -qty
	}

	o := &order.Order{
		ID:              order.NewID(),
		PairID:          pairID,
		Quantity:        signedQty,
		InitialQuantity: signedQty,
		Price:           price,
		CreatedAt:       time.Now().UnixMilli(),
		Source:          order.OwnSource{LocalID: localID, TTL: ttl},
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	matches, remaining, err := ps.engine.MatchOrAddOwnOrder(o, false)
	if err != nil {
		return nil, err
	}

	b.mtx.Lock()
	if b.localToGlobal[pairID] == nil {
		b.localToGlobal[pairID] = make(map[string]string)
	}
	b.localToGlobal[pairID][localID] = o.ID
	b.mtx.Unlock()

	for _, m := range matches {
		b.reserveHold(ps, m.Maker)
		peerID := peerIDOf(m.Maker)
		if err := b.swaps.InitiateSwap(m, peerID); err != nil && b.log != nil {
			b.log.Errorf("orderbook: initiate swap for match %s/%s: %v", m.Maker.ID, m.Taker.ID, err)
		}
	}

	if remaining != nil {
		b.broadcaster.BroadcastOrder(pairID, remaining)
	}

	return &PlaceOrderEvent{Matches: matches, Remaining: remaining}, nil
}

// reserveHold increments the hold on a matched resting order by the
// matched quantity; per spec.md §4.2, reservation happens before
// initiating the swap so a concurrent match cannot double-spend the same
// remainder.
func (b *OrderBook) reserveHold(ps *pairState, matched *order.Order) {
	ps.engine.AdjustHold(matched.ID, absInt64(matched.Quantity))
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func peerIDOf(o *order.Order) string {
	if ps, ok := o.Peer(); ok {
		return ps.PeerID
	}
	return ""
}

// RemoveOwnOrderByLocalID removes a resting own order identified by its
// local id and broadcasts an invalidation to peers.
func (b *OrderBook) RemoveOwnOrderByLocalID(pairID, localID string) error {
	b.mtx.Lock()
	globalID, ok := b.localToGlobal[pairID][localID]
	if !ok {
		b.mtx.Unlock()
		return fmt.Errorf("%w: local id %s", ErrUnknownOrder, localID)
	}
	delete(b.localToGlobal[pairID], localID)
	b.mtx.Unlock()

	ps, err := b.pair(pairID)
	if err != nil {
		return err
	}
	o, ok := ps.engine.RemoveOwnOrder(globalID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, globalID)
	}
	b.broadcaster.BroadcastInvalidation(pairID, o.ID, nil)
	return nil
}

// Import inserts a validated peer order into the matching engine.
func (b *OrderBook) Import(pairID string, o *order.Order) error {
	ps, err := b.pair(pairID)
	if err != nil {
		return err
	}
	if o.CreatedAt == 0 {
		o.CreatedAt = time.Now().UnixMilli()
	}
	return ps.engine.AddPeerOrder(o)
}

// OnPeerDisconnect purges every order sourced from peerID across all
// pairs, returning the removed orders grouped by pair for invalidation
// broadcast bookkeeping by the caller (p2p.Pool already knows which
// peers care).
func (b *OrderBook) OnPeerDisconnect(peerID string) map[string][]*order.Order {
	removedByPair := make(map[string][]*order.Order)
	b.mtx.RLock()
	pairs := make([]*pairState, 0, len(b.pairs))
	ids := make([]string, 0, len(b.pairs))
	for id, ps := range b.pairs {
		pairs = append(pairs, ps)
		ids = append(ids, id)
	}
	b.mtx.RUnlock()

	for i, ps := range pairs {
		removed := ps.engine.RemovePeerOrders(func(o *order.Order) bool {
			src, ok := o.Peer()
			return ok && src.PeerID == peerID
		})
		if len(removed) > 0 {
			removedByPair[ids[i]] = removed
		}
	}
	return removedByPair
}

// OnOrderInvalidation applies a peer-originated invalidation: if quantity
// is non-nil the matching order's remaining quantity is decremented by
// it, otherwise the order is removed in full. Per spec.md §9 open
// question (b), this trusts invalidations that arrive on the originating
// peer's own connection and performs no further authentication; the
// caller (p2p) is responsible for only forwarding invalidations received
// from the order's own source peer.
func (b *OrderBook) OnOrderInvalidation(peerID, orderID, pairID string, quantity *int64) error {
	ps, err := b.pair(pairID)
	if err != nil {
		return err
	}
	existing, ok := ps.engine.Get(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if src, ok := existing.Peer(); !ok || src.PeerID != peerID {
		return errors.New("orderbook: invalidation received from a peer that does not own this order")
	}

	if quantity == nil {
		_, removed := ps.engine.RemovePeerOrder(orderID, nil)
		if !removed {
			return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
		}
		return nil
	}
	_, removed := ps.engine.RemovePeerOrder(orderID, quantity)
	if !removed {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	return nil
}

// ReleaseHold reduces an order's hold, per spec.md §4.2's swap-failure
// case. A no-op if the order has already left the book (it was fully
// consumed by the match itself, see DESIGN.md's note on hold tracking
// scope).
func (b *OrderBook) ReleaseHold(pairID, orderID string, quantity int64) {
	ps, err := b.pair(pairID)
	if err != nil {
		return
	}
	ps.engine.AdjustHold(orderID, -quantity)
}

// ConsumeHold permanently reduces an order's quantity and hold by
// quantity on swap completion, per spec.md §4.2, removing the order from
// the book entirely once fully consumed.
func (b *OrderBook) ConsumeHold(pairID, orderID string, quantity int64) {
	ps, err := b.pair(pairID)
	if err != nil {
		return
	}
	ps.engine.Consume(orderID, quantity)
}

// Engine exposes the per-pair matching engine for read-only inspection
// (tests, RPC order-book queries).
func (b *OrderBook) Engine(pairID string) (*matcher.Engine, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	ps, ok := b.pairs[pairID]
	if !ok {
		return nil, false
	}
	return ps.engine, true
}
