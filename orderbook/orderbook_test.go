package orderbook

import (
	"sync"
	"testing"

	"github.com/ExchangeUnion/xunion/matcher"
	"github.com/ExchangeUnion/xunion/order"
)

type fakeBroadcaster struct {
	mtx           sync.Mutex
	orders        []*order.Order
	invalidations []string
}

func (f *fakeBroadcaster) BroadcastOrder(pairID string, o *order.Order) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.orders = append(f.orders, o)
}
func (f *fakeBroadcaster) BroadcastInvalidation(pairID, orderID string, quantity *int64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.invalidations = append(f.invalidations, orderID)
}

type fakeSwaps struct {
	mtx     sync.Mutex
	matches []matcher.Match
}

func (f *fakeSwaps) InitiateSwap(m matcher.Match, peerID string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.matches = append(f.matches, m)
	return nil
}

func newTestBook() (*OrderBook, *fakeBroadcaster, *fakeSwaps) {
	b := &fakeBroadcaster{}
	s := &fakeSwaps{}
	return New(nil, b, s, []string{"BTC/LTC"}), b, s
}

func int64ptr(v int64) *int64 { return &v }

func TestPlaceLimitRejectsUnknownPair(t *testing.T) {
	ob, _, _ := newTestBook()
	_, err := ob.PlaceLimit("ETH/USD", "l1", true, 5, 10, 0)
	if err == nil {
		t.Fatal("expected an error for an unknown pair")
	}
}

func TestPlaceLimitDuplicateLocalID(t *testing.T) {
	ob, _, _ := newTestBook()
	if _, err := ob.PlaceLimit("BTC/LTC", "l1", true, 5, 10, 0); err != nil {
		t.Fatalf("first place: %v", err)
	}
	if _, err := ob.PlaceLimit("BTC/LTC", "l1", true, 5, 10, 0); err == nil {
		t.Fatal("expected duplicate local id rejection")
	}
}

func TestPlaceLimitBroadcastsRemainder(t *testing.T) {
	ob, bc, _ := newTestBook()
	ev, err := ob.PlaceLimit("BTC/LTC", "l1", true, 5, 10, 0)
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}
	if ev.Remaining == nil {
		t.Fatal("expected a remainder against an empty book")
	}
	if len(bc.orders) != 1 {
		t.Fatalf("expected one broadcast order, got %d", len(bc.orders))
	}
}

func TestPlaceLimitMatchesAgainstImportedPeerOrder(t *testing.T) {
	ob, _, sw := newTestBook()
	peer := &order.Order{
		ID: "peer-order-1", PairID: "BTC/LTC",
		Quantity: -5, InitialQuantity: -5,
		Price: price(5), CreatedAt: 1,
		Source: order.PeerSource{PeerID: "peerA"},
	}
	if err := ob.Import("BTC/LTC", peer); err != nil {
		t.Fatalf("Import: %v", err)
	}

	ev, err := ob.PlaceLimit("BTC/LTC", "l1", true, 5, 5, 0)
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}
	if len(ev.Matches) != 1 || ev.Matches[0].Qty != 5 {
		t.Fatalf("expected one match of qty 5, got %+v", ev.Matches)
	}
	if ev.Remaining != nil {
		t.Fatalf("expected full fill with no remainder, got %+v", ev.Remaining)
	}
	if len(sw.matches) != 1 {
		t.Fatalf("expected swap initiation for the match, got %d", len(sw.matches))
	}
}

func price(p float64) *float64 { return &p }

func TestRemoveOwnOrderByLocalIDBroadcastsInvalidation(t *testing.T) {
	ob, bc, _ := newTestBook()
	if _, err := ob.PlaceLimit("BTC/LTC", "l1", true, 5, 10, 0); err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}
	if err := ob.RemoveOwnOrderByLocalID("BTC/LTC", "l1"); err != nil {
		t.Fatalf("RemoveOwnOrderByLocalID: %v", err)
	}
	if len(bc.invalidations) != 1 {
		t.Fatalf("expected one invalidation broadcast, got %d", len(bc.invalidations))
	}

	if err := ob.RemoveOwnOrderByLocalID("BTC/LTC", "l1"); err == nil {
		t.Fatal("expected an error removing an already-removed local id")
	}
}

func TestOnPeerDisconnectPurgesOrdersBySource(t *testing.T) {
	ob, _, _ := newTestBook()
	ob.Import("BTC/LTC", &order.Order{
		ID: "p1", PairID: "BTC/LTC", Quantity: -5, InitialQuantity: -5,
		Price: price(5), CreatedAt: 1, Source: order.PeerSource{PeerID: "peerA"},
	})
	ob.Import("BTC/LTC", &order.Order{
		ID: "p2", PairID: "BTC/LTC", Quantity: -5, InitialQuantity: -5,
		Price: price(6), CreatedAt: 2, Source: order.PeerSource{PeerID: "peerB"},
	})

	removed := ob.OnPeerDisconnect("peerA")
	if len(removed["BTC/LTC"]) != 1 || removed["BTC/LTC"][0].ID != "p1" {
		t.Fatalf("expected only peerA's order purged, got %+v", removed)
	}

	eng, _ := ob.Engine("BTC/LTC")
	if eng.SellCount() != 1 {
		t.Fatalf("expected peerB's order to remain, count=%d", eng.SellCount())
	}
}

func TestOnOrderInvalidationRejectsWrongPeer(t *testing.T) {
	ob, _, _ := newTestBook()
	ob.Import("BTC/LTC", &order.Order{
		ID: "p1", PairID: "BTC/LTC", Quantity: -5, InitialQuantity: -5,
		Price: price(5), CreatedAt: 1, Source: order.PeerSource{PeerID: "peerA"},
	})
	if err := ob.OnOrderInvalidation("peerB", "p1", "BTC/LTC", nil); err == nil {
		t.Fatal("expected rejection of an invalidation from a non-owning peer")
	}
	eng, _ := ob.Engine("BTC/LTC")
	if eng.SellCount() != 1 {
		t.Fatal("expected the order to remain after a rejected invalidation")
	}
}

func TestOnOrderInvalidationPartialDecrement(t *testing.T) {
	ob, _, _ := newTestBook()
	ob.Import("BTC/LTC", &order.Order{
		ID: "p1", PairID: "BTC/LTC", Quantity: -5, InitialQuantity: -5,
		Price: price(5), CreatedAt: 1, Source: order.PeerSource{PeerID: "peerA"},
	})
	if err := ob.OnOrderInvalidation("peerA", "p1", "BTC/LTC", int64ptr(2)); err != nil {
		t.Fatalf("OnOrderInvalidation: %v", err)
	}
	eng, _ := ob.Engine("BTC/LTC")
	o, ok := eng.Get("p1")
	if !ok {
		t.Fatal("expected order p1 to remain")
	}
	if o.Quantity != -3 {
		t.Fatalf("expected quantity -3 after partial invalidation, got %d", o.Quantity)
	}
}

func TestConsumeHoldRemovesFullyFilledOrder(t *testing.T) {
	ob, _, _ := newTestBook()
	ob.Import("BTC/LTC", &order.Order{
		ID: "p1", PairID: "BTC/LTC", Quantity: -5, InitialQuantity: -5, Hold: 5,
		Price: price(5), CreatedAt: 1, Source: order.PeerSource{PeerID: "peerA"},
	})
	ob.ConsumeHold("BTC/LTC", "p1", 5)
	eng, _ := ob.Engine("BTC/LTC")
	if _, ok := eng.Get("p1"); ok {
		t.Fatal("expected order removed after full consumption")
	}
}

func TestConcurrentPlaceSameLocalIDExactlyOneSucceeds(t *testing.T) {
	ob, _, _ := newTestBook()
	const n = 20
	var wg sync.WaitGroup
	successes := make(chan error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := ob.PlaceLimit("BTC/LTC", "dup", true, 5, 1, 0)
			successes <- err
		}()
	}
	wg.Wait()
	close(successes)

	okCount := 0
	for err := range successes {
		if err == nil {
			okCount++
		}
	}
	if okCount != 1 {
		t.Fatalf("expected exactly one successful placement, got %d", okCount)
	}
}
