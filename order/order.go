// Package order defines the Currency, Pair, and Order types shared by the
// matching engine, the order book, the P2P gossip layer, and the swap
// engine.
package order

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SwapClientKind identifies which family of payment-channel backend a
// Currency settles over.
type SwapClientKind uint8

const (
	// SwapClientHTLC is a Lightning-style backend: invoices, hashlocked
	// HTLCs, CLTV timelocks.
	SwapClientHTLC SwapClientKind = iota
	// SwapClientHashlockTransfer is a state-channel backend (e.g. a
	// Connext-style counterfactual channel network) that settles
	// transfers keyed on a payment hash without a separate invoice step.
	SwapClientHashlockTransfer
)

func (k SwapClientKind) String() string {
	switch k {
	case SwapClientHTLC:
		return "htlc"
	case SwapClientHashlockTransfer:
		return "hashlock-transfer"
	default:
		return "unknown"
	}
}

// Currency is a traded asset. Immutable once added to a running node.
type Currency struct {
	Symbol        string
	Decimals      uint8
	SwapClient    SwapClientKind
	TokenAddress  string // optional, e.g. an ERC20 contract address
}

// PairID returns the canonical "BASE/QUOTE" identifier for a base/quote
// currency combination.
func PairID(base, quote string) string {
	return base + "/" + quote
}

// Pair is a market definition: base and quote currency symbols.
type Pair struct {
	Base  string
	Quote string
}

// ID returns the pair's canonical "BASE/QUOTE" id.
func (p Pair) ID() string {
	return PairID(p.Base, p.Quote)
}

// MarketBuyPrice and MarketSellPrice are the sentinel price-adjusted values
// used so that market orders always cross any standing limit order on the
// opposite side: a market buy has effectively infinite price, a market sell
// has effectively zero price.
const (
	MarketBuyPrice  = math.MaxUint64
	MarketSellPrice = 0
)

// Source identifies where an order came from: this node (Own) or a peer on
// the network (Peer).
type Source interface {
	isSource()
}

// OwnSource is carried by an order this node placed itself.
type OwnSource struct {
	// LocalID is the caller-assigned identifier, unique per node. It never
	// leaves the node: peers only ever see the global Order.ID.
	LocalID string
	// TTL, if non-zero, is how long (in ms) after CreatedAt this order
	// should be automatically pulled. A TTL of 0 means the order rests
	// until explicitly removed or fully filled.
	TTL int64
}

func (OwnSource) isSource() {}

// PeerSource is carried by an order imported from the network.
type PeerSource struct {
	// PeerID is the originating peer's node public key, hex-encoded.
	PeerID string
	// PayTo is the peer-supplied settlement destination hint (an invoice
	// or a channel network payment address) to route the maker-side
	// outgoing payment to, should this order be hit.
	PayTo string
}

func (PeerSource) isSource() {}

// Order is a resting or placed limit/market order.
//
// Quantity is signed: positive is a buy, negative is a sell, both
// denominated in base-currency smallest units. Price is nil for a market
// order.
type Order struct {
	ID              string
	PairID          string
	Quantity        int64
	InitialQuantity int64
	// Hold is the portion of |Quantity| reserved against an in-flight
	// swap. It is not yet permanently consumed.
	Hold int64
	// Price is nil for a market order.
	Price     *float64
	CreatedAt int64 // monotonic milliseconds
	Source    Source
}

// NewID returns a fresh globally unique order id.
func NewID() string {
	return uuid.NewString()
}

// IsBuy reports whether the order is a buy (positive quantity).
func (o *Order) IsBuy() bool {
	return o.Quantity > 0
}

// IsMarket reports whether the order has no price (a market order).
func (o *Order) IsMarket() bool {
	return o.Price == nil
}

// AbsQuantity returns |Quantity|.
func (o *Order) AbsQuantity() int64 {
	if o.Quantity < 0 {
		return -o.Quantity
	}
	return o.Quantity
}

// PriceAdjusted returns the value used for price-priority comparisons: the
// order's price scaled by 1e8, or the MarketBuyPrice/MarketSellPrice
// sentinel if this is a market order.
func (o *Order) PriceAdjusted() uint64 {
	if o.IsMarket() {
		if o.IsBuy() {
			return MarketBuyPrice
		}
		return MarketSellPrice
	}
	return uint64(*o.Price * 1e8)
}

// PriceString renders Price for display (RPC responses, log lines) with
// trailing zeros trimmed, "market" for a market order. Internal matching
// always compares PriceAdjusted; decimal formatting is purely a
// presentation boundary.
func (o *Order) PriceString() string {
	if o.IsMarket() {
		return "market"
	}
	return decimal.NewFromFloat(*o.Price).String()
}

// QuantityString renders the currency's smallest-unit Quantity as a
// human-scaled decimal string given that currency's Decimals.
func (c Currency) QuantityString(units int64) string {
	return decimal.New(units, -int32(c.Decimals)).String()
}

// IsOwn reports whether this order was placed by this node.
func (o *Order) IsOwn() bool {
	_, ok := o.Source.(OwnSource)
	return ok
}

// Own returns the OwnSource, and true, if this is an own order.
func (o *Order) Own() (OwnSource, bool) {
	s, ok := o.Source.(OwnSource)
	return s, ok
}

// Peer returns the PeerSource, and true, if this is a peer order.
func (o *Order) Peer() (PeerSource, bool) {
	s, ok := o.Source.(PeerSource)
	return s, ok
}

// Validate checks the invariants that must hold for any Order at rest:
// |quantity| <= initialQuantity and 0 <= hold <= |quantity|.
func (o *Order) Validate() error {
	if o.AbsQuantity() > absInt64(o.InitialQuantity) {
		return fmt.Errorf("%w: |%d| > initial %d", ErrInvalidQuantity, o.Quantity, o.InitialQuantity)
	}
	if o.Hold < 0 || o.Hold > o.AbsQuantity() {
		return fmt.Errorf("%w: hold %d out of [0, %d]", ErrInvalidHold, o.Hold, o.AbsQuantity())
	}
	return nil
}

// IsDeleted reports whether the order should be removed (zero quantity).
func (o *Order) IsDeleted() bool {
	return o.Quantity == 0
}

func absInt64(i int64) int64 {
	if i < 0 {
		return -i
	}
	return i
}

// Split divides parent into a target of size targetQty (consumed by a
// match) and a remaining order of the rest, both carrying parent's price,
// CreatedAt, and Source. |target| + |remaining| == |parent| exactly.
//
// Split is a programming error, not a runtime condition: callers must never
// ask for a target larger than the parent's remaining quantity.
func Split(parent *Order, targetQty int64) (target, remaining *Order, err error) {
	if targetQty <= 0 || targetQty > parent.AbsQuantity() {
		return nil, nil, fmt.Errorf("%w: target %d, parent %d", ErrInvalidSplit, targetQty, parent.Quantity)
	}

	sign := int64(1)
	if !parent.IsBuy() {
		sign = -1
	}

	target = &Order{
		ID:              parent.ID,
		PairID:          parent.PairID,
		Quantity:        sign * targetQty,
		InitialQuantity: sign * targetQty,
		Price:           parent.Price,
		CreatedAt:       parent.CreatedAt,
		Source:          parent.Source,
	}

	remainQty := parent.AbsQuantity() - targetQty
	if remainQty == 0 {
		return target, nil, nil
	}

	remaining = &Order{
		ID:              parent.ID,
		PairID:          parent.PairID,
		Quantity:        sign * remainQty,
		InitialQuantity: parent.InitialQuantity,
		Hold:            parent.Hold,
		Price:           parent.Price,
		CreatedAt:       parent.CreatedAt,
		Source:          parent.Source,
	}
	return target, remaining, nil
}

// Sentinel errors. Wrapped with context via fmt.Errorf("...: %w", ...) at
// call sites per this module's error-handling convention.
var (
	ErrInvalidQuantity = errors.New("order: |quantity| exceeds initial quantity")
	ErrInvalidHold     = errors.New("order: hold out of range")
	ErrInvalidSplit    = errors.New("order: invalid split")
	ErrUnknownPair     = errors.New("order: unknown pair")
	ErrDuplicateLocalID = errors.New("order: duplicate local id")
	ErrUnknownOrder    = errors.New("order: unknown order")
)
