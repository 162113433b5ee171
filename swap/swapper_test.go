package swap

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ExchangeUnion/xunion/matcher"
	"github.com/ExchangeUnion/xunion/order"
	"github.com/ExchangeUnion/xunion/swapclient"
)

type fakeNotifier struct {
	mtx sync.Mutex

	requests  []string
	accepted  []string
	failed    []string
	completed []string
	released  map[string]int64
	consumed  map[string]int64
	succeeded []string
	failedDeals []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{released: map[string]int64{}, consumed: map[string]int64{}}
}

func (f *fakeNotifier) SendSwapRequest(peerID string, rHash [32]byte, orderID string, quantity int64, pairID string, takerCltvDelta uint32, takerPayTo string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.requests = append(f.requests, orderID)
	return nil
}
func (f *fakeNotifier) SendSwapAccepted(peerID string, rHash [32]byte, acceptedQty int64, makerCltvDelta uint32, makerPayTo string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.accepted = append(f.accepted, peerID)
	return nil
}
func (f *fakeNotifier) SendSwapFailed(peerID string, rHash [32]byte, reason string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.failed = append(f.failed, reason)
	return nil
}
func (f *fakeNotifier) SendSwapComplete(peerID string, rHash [32]byte) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.completed = append(f.completed, peerID)
	return nil
}
func (f *fakeNotifier) ReleaseHold(pairID, orderID string, quantity int64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.released[orderID] += quantity
}
func (f *fakeNotifier) ConsumeHold(pairID, orderID string, quantity int64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.consumed[orderID] += quantity
}
func (f *fakeNotifier) DealSucceeded(rHash [32]byte) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.succeeded = append(f.succeeded, hashStr(rHash))
}
func (f *fakeNotifier) DealFailed(rHash [32]byte, reason FailureReason, detail string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.failedDeals = append(f.failedDeals, hashStr(rHash))
}

func hashStr(h [32]byte) string { return string(h[:4]) }

func newTestSwapper(t *testing.T, n *fakeNotifier) *Swapper {
	t.Helper()
	mgr := swapclient.NewManager()
	if err := mgr.Init([]order.Currency{
		{Symbol: "BTC", Decimals: 8, SwapClient: order.SwapClientHTLC},
		{Symbol: "LTC", Decimals: 8, SwapClient: order.SwapClientHTLC},
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return New(&Config{Clients: mgr, Notifier: n, SafetyMargin: 10})
}

func testMatch() matcher.Match {
	p := 1.0
	maker := &order.Order{ID: "maker1", PairID: "BTC/LTC", Quantity: -5, InitialQuantity: -5, Price: &p}
	taker := &order.Order{ID: "taker1", PairID: "BTC/LTC", Quantity: 5, InitialQuantity: 5, Price: &p}
	return matcher.Match{Maker: maker, Taker: taker, Qty: 5}
}

func TestExecuteDealRejectsInsufficientSafetyMargin(t *testing.T) {
	n := newFakeNotifier()
	s := newTestSwapper(t, n)

	_, err := s.ExecuteDeal(context.Background(), testMatch(), "peer1",
		Leg{Currency: "LTC", Units: 5, CltvDelta: 40, Destination: "ltc-dest"},
		Leg{Currency: "BTC", Units: 5, CltvDelta: 45, Destination: "btc-dest"}, // only +5, margin requires >10
	)
	if !errors.Is(err, ErrSafetyMarginViolated) {
		t.Fatalf("expected ErrSafetyMarginViolated, got %v", err)
	}
}

func TestExecuteDealSendsSwapRequest(t *testing.T) {
	n := newFakeNotifier()
	s := newTestSwapper(t, n)

	deal, err := s.ExecuteDeal(context.Background(), testMatch(), "peer1",
		Leg{Currency: "LTC", Units: 5, CltvDelta: 40, Destination: "ltc-dest"},
		Leg{Currency: "BTC", Units: 5, CltvDelta: 144, Destination: "btc-dest"},
	)
	if err != nil {
		t.Fatalf("ExecuteDeal: %v", err)
	}
	if deal.Phase != PhaseSwapRequested {
		t.Fatalf("expected PhaseSwapRequested, got %s", deal.Phase)
	}
	if len(n.requests) != 1 || n.requests[0] != "maker1" {
		t.Fatalf("expected a SwapRequest sent for maker1, got %+v", n.requests)
	}
}

func TestFullDealLifecycleCompletesBothLegs(t *testing.T) {
	n := newFakeNotifier()
	s := newTestSwapper(t, n)
	ctx := context.Background()

	deal, err := s.ExecuteDeal(ctx, testMatch(), "makerPeer",
		Leg{Currency: "LTC", Units: 5, CltvDelta: 40, Destination: "ltc-dest"},
		Leg{Currency: "BTC", Units: 5, CltvDelta: 144, Destination: "btc-dest"},
	)
	if err != nil {
		t.Fatalf("ExecuteDeal: %v", err)
	}
	rHash := deal.RHash

	// Maker side: a second Swapper instance representing the counterpart
	// would normally receive the SwapRequest over the wire; here we drive
	// the maker-side handler directly against a fresh Swapper with its
	// own clients, exercising HandleSwapRequest and the maker's own
	// outgoing payment and settlement.
	makerNotifier := newFakeNotifier()
	maker := newTestSwapper(t, makerNotifier)
	_, err = maker.HandleSwapRequest(ctx, "takerPeer", rHash, "maker1", "BTC/LTC", 5, 144,
		Leg{Currency: "BTC", Units: 5, CltvDelta: 144, Destination: "btc-dest"},
		Leg{Currency: "LTC", Units: 5, CltvDelta: 40, Destination: "ltc-dest"},
	)
	if err != nil {
		t.Fatalf("HandleSwapRequest: %v", err)
	}
	if len(makerNotifier.accepted) != 1 {
		t.Fatalf("expected SwapAccepted sent, got %+v", makerNotifier.accepted)
	}

	// The maker begins its outgoing payment automatically once SwapAccepted
	// is sent; allow its async outgoing-payment goroutine to settle.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d, _ := maker.Deal(rHash); d.Phase == PhaseSwapCompleted {
			break
		}
		time.Sleep(time.Millisecond)
	}
	md, _ := maker.Deal(rHash)
	if md.Phase != PhaseSwapCompleted {
		t.Fatalf("expected maker deal completed, got %s", md.Phase)
	}
	if makerNotifier.consumed["maker1"] != 5 {
		t.Fatalf("expected maker hold consumed for 5 units, got %d", makerNotifier.consumed["maker1"])
	}
}

func TestHandleSwapRequestRejectsInsufficientMargin(t *testing.T) {
	n := newFakeNotifier()
	s := newTestSwapper(t, n)

	_, err := s.HandleSwapRequest(context.Background(), "takerPeer", [32]byte{1}, "maker1", "BTC/LTC", 5, 45,
		Leg{Currency: "BTC", Units: 5, CltvDelta: 40, Destination: "btc-dest"},
		Leg{Currency: "LTC", Units: 5, CltvDelta: 144, Destination: "ltc-dest"},
	)
	if !errors.Is(err, ErrSafetyMarginViolated) {
		t.Fatalf("expected ErrSafetyMarginViolated, got %v", err)
	}
	if len(n.failed) != 1 {
		t.Fatalf("expected a SwapFailed sent, got %+v", n.failed)
	}
}

func TestTakerPreimageSatisfiesRHash(t *testing.T) {
	n := newFakeNotifier()
	s := newTestSwapper(t, n)

	deal, err := s.ExecuteDeal(context.Background(), testMatch(), "peer1",
		Leg{Currency: "LTC", Units: 5, CltvDelta: 40, Destination: "ltc-dest"},
		Leg{Currency: "BTC", Units: 5, CltvDelta: 144, Destination: "btc-dest"},
	)
	if err != nil {
		t.Fatalf("ExecuteDeal: %v", err)
	}
	if deal.Preimage == nil {
		t.Fatal("expected the taker's deal to carry its own preimage from creation")
	}
	got := sha256.Sum256(deal.Preimage[:])
	if got != deal.RHash {
		t.Fatalf("sha256(preimage) = %x, want rHash %x", got, deal.RHash)
	}
}

func TestDealLookupUnknownRHash(t *testing.T) {
	n := newFakeNotifier()
	s := newTestSwapper(t, n)
	if _, ok := s.Deal([32]byte{9}); ok {
		t.Fatal("expected no deal for an unknown rHash")
	}
}
