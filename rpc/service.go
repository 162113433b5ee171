// Package rpc specifies the request/response contract an external
// CLI/GUI consumes, per spec.md §6. Only the interface and message
// shapes are defined here; wiring this to an actual transport (gRPC,
// JSON-RPC-over-HTTP) is an explicit non-goal (spec.md §1) left to an
// importer, the same way decred.org/dcrdex separates its RPC message
// types (client/rpcserver/types.go) from the transport loop that serves
// them.
package rpc

import (
	"context"

	"github.com/ExchangeUnion/xunion/order"
	"github.com/ExchangeUnion/xunion/p2p"
	"github.com/ExchangeUnion/xunion/swap"
)

// NodeInfo answers getInfo.
type NodeInfo struct {
	PubKey    string
	Version   string
	NetworkID string
	Pairs     []string
	Currencies []string
	PeerCount int
}

// PeerInfo summarizes one connection for listPeers.
type PeerInfo struct {
	PubKey  string
	Address string
	Inbound bool
	State   string
	Pairs   []string
}

// OrderInfo summarizes one resting order for listOrders.
type OrderInfo struct {
	ID       string
	PairID   string
	IsBuy    bool
	Price    *float64
	Quantity int64
	Hold     int64
	Own      bool
	PeerID   string // empty if Own
}

// PlaceOrderRequest is the argument to placeOrder/placeOrderSync.
type PlaceOrderRequest struct {
	PairID  string
	LocalID string
	IsBuy   bool
	Price   *float64 // nil for a market order
	Quantity int64
	TTL     int64
}

// PlaceOrderResult mirrors orderbook.PlaceOrderEvent over the wire.
type PlaceOrderResult struct {
	OrderID   string
	Matches   int
	Remaining *OrderInfo
}

// DealInfo summarizes a swap deal for subscribeSwaps/subscribeSwapFailures.
type DealInfo struct {
	RHash         string
	PairID        string
	Phase         string
	FailureReason string
	FailureDetail string
	IsMaker       bool
}

// Service is the full RPC surface spec.md §6 requires at minimum.
// Methods returning a <-chan are long-lived subscriptions; the context
// passed to Subscribe* controls their lifetime.
type Service interface {
	// Connect parses a node URI (pubkey@host:port) and dials it.
	Connect(ctx context.Context, nodeURI string, retryOnDisconnect bool) error
	Ban(ctx context.Context, pubKey string) error
	Unban(ctx context.Context, pubKey string) error
	ListPeers(ctx context.Context) ([]PeerInfo, error)

	ListOrders(ctx context.Context, pairID string) ([]OrderInfo, error)
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)
	// PlaceOrderSync additionally blocks until every resulting swap deal
	// reaches a terminal phase.
	PlaceOrderSync(ctx context.Context, req PlaceOrderRequest) (PlaceOrderResult, error)
	RemoveOrder(ctx context.Context, pairID, localID string) error

	ListPairs(ctx context.Context) ([]order.Pair, error)
	ListCurrencies(ctx context.Context) ([]order.Currency, error)
	AddPair(ctx context.Context, p order.Pair) error
	RemovePair(ctx context.Context, pairID string) error
	AddCurrency(ctx context.Context, c order.Currency) error
	RemoveCurrency(ctx context.Context, symbol string) error

	GetInfo(ctx context.Context) (NodeInfo, error)
	Shutdown(ctx context.Context) error

	SubscribeOrders(ctx context.Context, pairID string) (<-chan OrderInfo, error)
	SubscribeSwaps(ctx context.Context) (<-chan DealInfo, error)
	SubscribeSwapFailures(ctx context.Context) (<-chan DealInfo, error)
}

// DealInfoFromDeal adapts a swap.SwapDeal into its wire shape; a small
// helper kept here rather than in swap so the swap package stays free
// of any rpc dependency.
func DealInfoFromDeal(d swap.SwapDeal) DealInfo {
	return DealInfo{
		RHash:         d.RHashHex(),
		PairID:        d.PairID,
		Phase:         d.Phase.String(),
		FailureReason: d.FailureReason.String(),
		FailureDetail: d.FailureDetail,
		IsMaker:       d.IsMaker,
	}
}

// PeerInfoFromPeer adapts a p2p.Peer into its wire shape.
func PeerInfoFromPeer(p *p2p.Peer) PeerInfo {
	return PeerInfo{
		PubKey:  p.PubKey,
		Address: p.Address,
		Inbound: p.Inbound,
		State:   p.State().String(),
		Pairs:   p.Pairs,
	}
}
