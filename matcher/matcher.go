// Package matcher implements the per-pair price/time-priority matching
// engine: a buy queue and a sell queue, crossed against each other as own
// or peer orders arrive.
//
// Adapted from decred.org/dcrdex's server/matcher and server/book
// packages, generalized from dcrdex's epoch-batch auction model to this
// system's continuous, immediate-match model: there is no epoch queue,
// every placed order is matched against the resting book the instant it
// arrives, under the pair's lock (see §5 of the specification).
package matcher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ExchangeUnion/xunion/book"
	"github.com/ExchangeUnion/xunion/order"
)

// ErrInvalidSplit is returned by splitOff (via order.Split) when a caller
// asks to match more than an order's remaining quantity. It indicates a
// programming error upstream, never a runtime/network condition.
var ErrInvalidSplit = order.ErrInvalidSplit

// Match is one crossing of a taker against a resting maker.
type Match struct {
	Maker *order.Order
	Taker *order.Order
	Qty   int64 // always positive, in base-currency smallest units
}

// pricedOrder adapts *order.Order to book.OrderPricer.
type pricedOrder struct {
	*order.Order
}

func (p pricedOrder) UID() string   { return p.ID }
func (p pricedOrder) Price() uint64 { return p.PriceAdjusted() }
func (p pricedOrder) Time() int64   { return p.CreatedAt }

func wrap(o *order.Order) book.OrderPricer { return pricedOrder{o} }

func unwrap(p book.OrderPricer) *order.Order {
	if p == nil {
		return nil
	}
	return p.(pricedOrder).Order
}

// Engine is the matching engine for a single trading pair. All exported
// methods are safe for concurrent use; each holds the Engine's lock for
// its entire duration so that a match-and-place operation on one pair
// never interleaves with another match-and-place on the same pair (§5).
type Engine struct {
	mtx    sync.Mutex
	pairID string
	buys   *book.OrderPQ // max-heap: highest price, then earliest time
	sells  *book.OrderPQ // min-heap: lowest price, then earliest time
}

// New creates a matching engine for the given pair.
func New(pairID string) *Engine {
	return &Engine{
		pairID: pairID,
		buys:   book.NewMaxOrderPQ(),
		sells:  book.NewMinOrderPQ(),
	}
}

// PairID returns the pair this engine matches.
func (e *Engine) PairID() string { return e.pairID }

// BuyCount and SellCount report the resting order count on each side.
func (e *Engine) BuyCount() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.buys.Count()
}
func (e *Engine) SellCount() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.sells.Count()
}

func crosses(buyPrice, sellPrice uint64) bool {
	return buyPrice >= sellPrice
}

// MatchOrAddOwnOrder attempts to cross taker against the opposite side of
// the book. Each iteration takes the queue head, computes
// matchQty = min(|taker remaining|, |maker|), splits whichever side has
// the larger remainder, and emits a Match for matchQty. Iteration stops
// when the taker is exhausted or the new queue head no longer crosses.
//
// If taker has remaining quantity and discardRemaining is false, the
// remainder is enqueued on the book and returned as remaining. If
// discardRemaining is true (an immediate-or-cancel style order), any
// remainder is reported but never enqueued.
func (e *Engine) MatchOrAddOwnOrder(taker *order.Order, discardRemaining bool) (matches []Match, remaining *order.Order, err error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	restingSide, takerSide := e.sidesFor(taker)

	cur := taker
	for cur.AbsQuantity() > 0 {
		bestPricer := restingSide.PeekBest()
		if bestPricer == nil {
			break
		}
		maker := unwrap(bestPricer)

		var buyPrice, sellPrice uint64
		if cur.IsBuy() {
			buyPrice, sellPrice = cur.PriceAdjusted(), maker.PriceAdjusted()
		} else {
			buyPrice, sellPrice = maker.PriceAdjusted(), cur.PriceAdjusted()
		}
		if !crosses(buyPrice, sellPrice) {
			break
		}

		matchQty := cur.AbsQuantity()
		if maker.AbsQuantity() < matchQty {
			matchQty = maker.AbsQuantity()
		}

		matchedTaker, remainingTaker, err := splitOff(cur, matchQty)
		if err != nil {
			return nil, nil, err
		}
		matchedMaker, remainingMaker, err := splitOff(maker, matchQty)
		if err != nil {
			return nil, nil, err
		}

		matches = append(matches, Match{Maker: matchedMaker, Taker: matchedTaker, Qty: matchQty})

		restingSide.ExtractBest()
		if remainingMaker != nil {
			restingSide.Insert(wrap(remainingMaker))
		}

		if remainingTaker == nil {
			cur = zeroOrder(cur)
			break
		}
		cur = remainingTaker
	}

	if cur.AbsQuantity() > 0 {
		if !discardRemaining {
			takerSide.Insert(wrap(cur))
		}
		remaining = cur
	}
	return matches, remaining, nil
}

// splitOff removes qty from parent's absolute quantity, returning the
// consumed portion and the leftover (nil if parent is exactly consumed).
func splitOff(parent *order.Order, qty int64) (consumed, leftover *order.Order, err error) {
	if qty == parent.AbsQuantity() {
		return parent, nil, nil
	}
	target, remaining, err := order.Split(parent, qty)
	if err != nil {
		return nil, nil, fmt.Errorf("split: %w", err)
	}
	return target, remaining, nil
}

func zeroOrder(o *order.Order) *order.Order {
	z := *o
	z.Quantity = 0
	return &z
}

// sidesFor returns (opposite side, same side) for the given order: a buy
// is matched against sells and, if unmatched, rests on buys; a sell is
// matched against buys and rests on sells.
func (e *Engine) sidesFor(o *order.Order) (opposite, same *book.OrderPQ) {
	if o.IsBuy() {
		return e.sells, e.buys
	}
	return e.buys, e.sells
}

// AddPeerOrder inserts a peer order directly into the appropriate side's
// book without attempting a match; peer orders are already resting by
// the time this node observes them (the originating node already ran
// its own matching engine).
func (e *Engine) AddPeerOrder(o *order.Order) error {
	if o.AbsQuantity() == 0 {
		return errors.New("matcher: cannot add a zero-quantity order")
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	_, same := e.sidesFor(o)
	if !same.Insert(wrap(o)) {
		return fmt.Errorf("matcher: order %s already on book", o.ID)
	}
	return nil
}

// RemoveOwnOrder removes and returns the own order with the given id.
func (e *Engine) RemoveOwnOrder(id string) (*order.Order, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.remove(id)
}

// RemovePeerOrder removes the peer order with the given id. If
// decreaseBy is non-nil, the order's quantity is decremented by that
// amount instead of being fully removed (the remainder stays on the
// book); the updated order is returned. A decrement that would zero or
// invert the order removes it outright.
func (e *Engine) RemovePeerOrder(id string, decreaseBy *int64) (*order.Order, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if decreaseBy == nil {
		return e.remove(id)
	}

	for _, side := range []*book.OrderPQ{e.buys, e.sells} {
		pricer, ok := side.Get(id)
		if !ok {
			continue
		}
		o := unwrap(pricer)
		remaining := o.AbsQuantity() - *decreaseBy
		if remaining <= 0 {
			removed, _ := side.Remove(id)
			return unwrap(removed), true
		}
		updated := *o
		if updated.IsBuy() {
			updated.Quantity = remaining
		} else {
			updated.Quantity = -remaining
		}
		side.Replace(id, wrap(&updated))
		return &updated, true
	}
	return nil, false
}

func (e *Engine) remove(id string) (*order.Order, bool) {
	if p, ok := e.buys.Remove(id); ok {
		return unwrap(p), true
	}
	if p, ok := e.sells.Remove(id); ok {
		return unwrap(p), true
	}
	return nil, false
}

// RemovePeerOrders bulk-removes every order matching pred from both
// sides of the book, returning the removed orders. Used on peer
// disconnect to purge all orders sourced from that peer; this purge is
// atomic with respect to other matcher operations on this pair because
// it holds the same Engine lock as every other exported method here.
func (e *Engine) RemovePeerOrders(pred func(*order.Order) bool) []*order.Order {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	wrapPred := func(p book.OrderPricer) bool { return pred(unwrap(p)) }
	var removed []*order.Order
	for _, o := range e.buys.RemoveIf(wrapPred) {
		removed = append(removed, unwrap(o))
	}
	for _, o := range e.sells.RemoveIf(wrapPred) {
		removed = append(removed, unwrap(o))
	}
	return removed
}

// Get returns the resting order with the given id from either side of
// the book.
func (e *Engine) Get(id string) (*order.Order, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.get(id)
}

func (e *Engine) get(id string) (*order.Order, bool) {
	if p, ok := e.buys.Get(id); ok {
		return unwrap(p), true
	}
	if p, ok := e.sells.Get(id); ok {
		return unwrap(p), true
	}
	return nil, false
}

// AdjustHold changes the resting order's Hold field by delta, clamping at
// zero. Used by orderbook to reserve a hold before initiating a swap and
// to release it if the swap fails; holds the pair lock so a concurrent
// match-and-place on this pair cannot observe a torn Hold value.
func (e *Engine) AdjustHold(id string, delta int64) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	o, ok := e.get(id)
	if !ok {
		return false
	}
	o.Hold += delta
	if o.Hold < 0 {
		o.Hold = 0
	}
	return true
}

// Consume permanently reduces the resting order's quantity and hold by
// qty on swap completion, removing it from the book once fully consumed,
// per spec.md §4.2.
func (e *Engine) Consume(id string, qty int64) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	o, ok := e.get(id)
	if !ok {
		return false
	}
	o.Hold -= qty
	if o.Hold < 0 {
		o.Hold = 0
	}
	if o.IsBuy() {
		o.Quantity -= qty
	} else {
		o.Quantity += qty
	}
	if o.AbsQuantity() == 0 {
		e.remove(id)
	}
	return true
}

// Buys and Sells return a snapshot of the resting orders on each side,
// in no particular order.
func (e *Engine) Buys() []*order.Order {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return unwrapAll(e.buys.All())
}
func (e *Engine) Sells() []*order.Order {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return unwrapAll(e.sells.All())
}

func unwrapAll(ps []book.OrderPricer) []*order.Order {
	out := make([]*order.Order, len(ps))
	for i, p := range ps {
		out[i] = unwrap(p)
	}
	return out
}
