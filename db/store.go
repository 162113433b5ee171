// Package db specifies the persistent storage contract this daemon
// depends on, without providing an implementation: persistence is an
// explicit non-goal of this module (spec.md §1, §6). A concrete SQL or
// embedded-KV backend is expected to be supplied by an importer and
// registered through Register, the way database/sql drivers register
// themselves — modeled here after decred.org/dcrdex's server/db.Driver
// pattern.
package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ExchangeUnion/xunion/order"
	"github.com/ExchangeUnion/xunion/swap"
)

// Pair is a persisted trading pair record.
type Pair struct {
	ID    string
	Base  string
	Quote string
}

// NodeRecord is the persisted view of a known peer: identity, advertised
// addresses, and reputation.
type NodeRecord struct {
	PubKey   string
	Addrs    []string
	Score    int32
	Banned   bool
	LastSeen time.Time
}

// CurrencyStore persists the set of supported currencies.
type CurrencyStore interface {
	AddCurrency(ctx context.Context, c order.Currency) error
	RemoveCurrency(ctx context.Context, symbol string) error
	Currencies(ctx context.Context) ([]order.Currency, error)
}

// PairStore persists the set of enabled trading pairs.
type PairStore interface {
	AddPair(ctx context.Context, p Pair) error
	RemovePair(ctx context.Context, id string) error
	Pairs(ctx context.Context) ([]Pair, error)
}

// NodeStore persists known peer identity, address, and reputation data.
type NodeStore interface {
	UpsertNode(ctx context.Context, n NodeRecord) error
	Node(ctx context.Context, pubKey string) (NodeRecord, bool, error)
	Nodes(ctx context.Context) ([]NodeRecord, error)
}

// OrderStore persists resting own and peer orders, surviving a restart
// so the book can be rebuilt without rebroadcasting.
type OrderStore interface {
	UpsertOrder(ctx context.Context, pairID string, o *order.Order) error
	RemoveOrder(ctx context.Context, pairID, orderID string) error
	Orders(ctx context.Context, pairID string) ([]*order.Order, error)
}

// SwapDealStore persists in-flight and historical swap deals, the basis
// for swap.Swapper.RestoreDeals on restart (spec.md §4.6).
type SwapDealStore interface {
	UpsertDeal(ctx context.Context, peerID string, d *swap.SwapDeal) error
	Deal(ctx context.Context, rHash [32]byte) (d *swap.SwapDeal, peerID string, found bool, err error)
	OpenDeals(ctx context.Context) (deals []*swap.SwapDeal, peerIDs map[[32]byte]string, err error)
}

// Store is the full persistence contract the daemon depends on. Every
// method must be transactional per spec.md §6: a call either completes
// in full or leaves no partial write behind.
type Store interface {
	CurrencyStore
	PairStore
	NodeStore
	OrderStore
	SwapDealStore

	Close() error
}

// Opener constructs a Store from a driver-specific config value, mirroring
// database/sql's driver.Driver.Open.
type Opener func(ctx context.Context, cfg interface{}) (Store, error)

var (
	driversMtx sync.Mutex
	drivers    = make(map[string]Opener)
)

// Register makes a storage driver available under name. Panics on a
// duplicate or nil registration, matching database/sql's Register
// semantics, since this can only ever be a programming error at
// package-init time.
func Register(name string, open Opener) {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	if open == nil {
		panic("db: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("db: Register called twice for driver " + name)
	}
	drivers[name] = open
}

// Open constructs a Store using the named registered driver.
func Open(ctx context.Context, name string, cfg interface{}) (Store, error) {
	driversMtx.Lock()
	open, ok := drivers[name]
	driversMtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("db: unknown driver %q", name)
	}
	return open(ctx, cfg)
}
