package matcher

import (
	"testing"

	"github.com/ExchangeUnion/xunion/order"
)

func price(p float64) *float64 { return &p }

func sellOrder(id string, price float64, qty int64, t int64) *order.Order {
	p := price
	return &order.Order{
		ID: id, PairID: "BTC/LTC",
		Quantity: -qty, InitialQuantity: -qty,
		Price: func() *float64 { v := p; return &v }(), CreatedAt: t,
		Source: order.PeerSource{PeerID: "peer1"},
	}
}

func buyOrder(id string, price float64, qty int64, t int64) *order.Order {
	return &order.Order{
		ID: id, PairID: "BTC/LTC",
		Quantity: qty, InitialQuantity: qty,
		Price: func() *float64 { v := price; return &v }(), CreatedAt: t,
		Source: order.OwnSource{LocalID: id},
	}
}

func totalMatchQty(matches []Match) int64 {
	var total int64
	for _, m := range matches {
		total += m.Qty
	}
	return total
}

// S1 — Full cross.
func TestFullCross(t *testing.T) {
	e := New("BTC/LTC")
	if err := e.AddPeerOrder(sellOrder("s1", 5, 5, 1)); err != nil {
		t.Fatal(err)
	}
	if err := e.AddPeerOrder(sellOrder("s2", 5, 5, 2)); err != nil {
		t.Fatal(err)
	}

	matches, remaining, err := e.MatchOrAddOwnOrder(buyOrder("b1", 5, 10, 3), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	for _, m := range matches {
		if m.Qty != 5 {
			t.Fatalf("expected match qty 5, got %d", m.Qty)
		}
	}
	if remaining != nil {
		t.Fatalf("expected no remainder, got %+v", remaining)
	}
}

// S2 — Taker split.
func TestTakerSplit(t *testing.T) {
	e := New("BTC/LTC")
	e.AddPeerOrder(sellOrder("s1", 5, 4, 1))
	e.AddPeerOrder(sellOrder("s2", 5, 5, 2))

	matches, remaining, err := e.MatchOrAddOwnOrder(buyOrder("b1", 5, 10, 3), false)
	if err != nil {
		t.Fatal(err)
	}
	if got := totalMatchQty(matches); got != 9 {
		t.Fatalf("expected matched total 9, got %d", got)
	}
	if remaining == nil || remaining.Quantity != 1 {
		t.Fatalf("expected remaining qty 1, got %+v", remaining)
	}
	if e.BuyCount() != 1 {
		t.Fatalf("expected remainder enqueued on buy side, count=%d", e.BuyCount())
	}
}

// S3 — Maker split.
func TestMakerSplit(t *testing.T) {
	e := New("BTC/LTC")
	e.AddPeerOrder(sellOrder("s1", 5, 5, 1))
	e.AddPeerOrder(sellOrder("s2", 5, 6, 2))

	matches, remaining, err := e.MatchOrAddOwnOrder(buyOrder("b1", 5, 10, 3), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	for _, m := range matches {
		if m.Qty != 5 {
			t.Fatalf("expected each match qty 5, got %d", m.Qty)
		}
	}
	if remaining != nil {
		t.Fatalf("expected no taker remainder, got %+v", remaining)
	}
	head := e.sells.PeekBest()
	if head == nil {
		t.Fatal("expected a resting sell order")
	}
	o := unwrap(head)
	if o.Quantity != -1 {
		t.Fatalf("expected resting sell qty -1, got %d", o.Quantity)
	}
}

// S4 — FIFO at equal price.
func TestFIFOEqualPrice(t *testing.T) {
	e := New("BTC/LTC")
	e.AddPeerOrder(sellOrder("A", 5, 3, 100))
	e.AddPeerOrder(sellOrder("B", 5, 3, 101))

	matches, remaining, err := e.MatchOrAddOwnOrder(buyOrder("b1", 5, 3, 200), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Maker.ID != "A" {
		t.Fatalf("expected match against A, got %+v", matches)
	}
	if remaining != nil {
		t.Fatalf("expected no remainder, got %+v", remaining)
	}
	if _, ok := e.sells.Get("B"); !ok {
		t.Fatal("expected B to remain on the book")
	}
}

func TestMarketOrderCrossesAnyPrice(t *testing.T) {
	e := New("BTC/LTC")
	e.AddPeerOrder(sellOrder("s1", 100, 5, 1))

	taker := &order.Order{
		ID: "b1", PairID: "BTC/LTC", Quantity: 5, InitialQuantity: 5,
		Price: nil, CreatedAt: 2, Source: order.OwnSource{LocalID: "b1"},
	}
	matches, remaining, err := e.MatchOrAddOwnOrder(taker, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Qty != 5 {
		t.Fatalf("expected market order to cross, got %+v", matches)
	}
	if remaining != nil {
		t.Fatalf("expected no remainder, got %+v", remaining)
	}
}

func TestRemovePeerOrdersPurgesByPredicate(t *testing.T) {
	e := New("BTC/LTC")
	e.AddPeerOrder(sellOrder("s1", 5, 5, 1))
	e.AddPeerOrder(sellOrder("s2", 6, 5, 2))

	removed := e.RemovePeerOrders(func(o *order.Order) bool {
		ps, ok := o.Peer()
		return ok && ps.PeerID == "peer1"
	})
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if e.SellCount() != 0 {
		t.Fatalf("expected book empty after purge, count=%d", e.SellCount())
	}
}

func TestDiscardRemainingDoesNotEnqueue(t *testing.T) {
	e := New("BTC/LTC")
	matches, remaining, err := e.MatchOrAddOwnOrder(buyOrder("b1", 5, 10, 1), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches against empty book, got %+v", matches)
	}
	if remaining == nil {
		t.Fatal("expected remaining to be reported even though discarded")
	}
	if e.BuyCount() != 0 {
		t.Fatalf("expected nothing enqueued, count=%d", e.BuyCount())
	}
}

func TestSplitRejectsOversizedTarget(t *testing.T) {
	parent := sellOrder("s1", 5, 5, 1)
	if _, _, err := order.Split(parent, 10); err == nil {
		t.Fatal("expected an error splitting off more than the parent holds")
	}
}
