package swap

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ExchangeUnion/xunion/dex"
	"github.com/ExchangeUnion/xunion/dex/encode"
	"github.com/ExchangeUnion/xunion/dex/wait"
	"github.com/ExchangeUnion/xunion/matcher"
	"github.com/ExchangeUnion/xunion/swapclient"
)

// defaultSafetyMargin is the minimum amount by which takerCltvDelta must
// exceed makerCltvDelta, per spec.md §4.6's atomicity invariant: if the
// maker→taker leg times out, the taker→maker leg must still have enough
// remaining CLTV to be claimed or refunded safely.
const defaultSafetyMargin = 12

// defaultRecoveryInterval is how often a Pending deal is re-checked via
// SwapClient.LookupPayment, per spec.md §4.6.
const defaultRecoveryInterval = 5 * time.Minute

// defaultCompletionTimeout is not referenced by Swapper: no timer runs on
// a deal in PhaseSwapAccepted/PhaseSendingPayment, so a deal that stalls
// there is not moved into recovery by elapsed time.
const defaultCompletionTimeout = 10 * time.Minute

// Notifier is the narrow contract Swaps uses to reach the peer network
// and the order book, avoiding a direct import cycle between swap and
// orderbook/p2p: orderbook calls into Swaps to start a deal, and Swaps
// calls back out through Notifier rather than holding a concrete
// reference to either package. Grounded on spec.md §9's note that the
// OrderBook<->Swaps cycle is broken with a narrow command interface.
type Notifier interface {
	// SendSwapRequest delivers a SwapRequest to the peer owning orderID.
	// takerPayTo is where the maker's outgoing leg should pay, reserved
	// by this node's own swap client for the incoming leg's currency.
	SendSwapRequest(peerID string, rHash [32]byte, orderID string, quantity int64, pairID string, takerCltvDelta uint32, takerPayTo string) error
	// SendSwapAccepted delivers a SwapAccepted reply to the peer that sent
	// the originating SwapRequest. makerPayTo is where the taker's
	// outgoing leg should pay.
	SendSwapAccepted(peerID string, rHash [32]byte, acceptedQty int64, makerCltvDelta uint32, makerPayTo string) error
	// SendSwapFailed delivers a SwapFailed notice before any payment left
	// this node.
	SendSwapFailed(peerID string, rHash [32]byte, reason string) error
	// SendSwapComplete announces settlement to the counterpart.
	SendSwapComplete(peerID string, rHash [32]byte) error
	// ReleaseHold and ConsumeHold adjust the order book hold placed on the
	// order matched into this deal; Release puts the quantity back up for
	// matching, Consume marks it permanently filled.
	ReleaseHold(pairID, orderID string, quantity int64)
	ConsumeHold(pairID, orderID string, quantity int64)
	// DealSucceeded/DealFailed report terminal outcomes for bookkeeping
	// and alerting.
	DealSucceeded(rHash [32]byte)
	DealFailed(rHash [32]byte, reason FailureReason, detail string)
}

// dealTracker pairs a SwapDeal with the peer it's negotiating against and
// a mutex guarding in-place mutation, mirroring dcrdex's matchTracker.
type dealTracker struct {
	mtx  sync.Mutex
	deal *SwapDeal
	peer string
}

// Swapper drives every live SwapDeal for this node. One Swapper instance
// is shared across all trading pairs; deals are looked up by rHash.
type Swapper struct {
	log          dex.Logger
	clients      *swapclient.Manager
	notifier     Notifier
	safetyMargin uint32
	recoveryQ    *wait.TickerQueue

	mtx   sync.RWMutex
	deals map[[32]byte]*dealTracker
}

// Config collects Swapper's dependencies.
type Config struct {
	Log              dex.Logger
	Clients          *swapclient.Manager
	Notifier         Notifier
	SafetyMargin     uint32        // 0 uses defaultSafetyMargin
	RecoveryInterval time.Duration // 0 uses defaultRecoveryInterval
}

// New constructs a Swapper.
func New(cfg *Config) *Swapper {
	margin := cfg.SafetyMargin
	if margin == 0 {
		margin = defaultSafetyMargin
	}
	interval := cfg.RecoveryInterval
	if interval == 0 {
		interval = defaultRecoveryInterval
	}
	return &Swapper{
		log:          cfg.Log,
		clients:      cfg.Clients,
		notifier:     cfg.Notifier,
		safetyMargin: margin,
		recoveryQ:    wait.NewTickerQueue(interval),
		deals:        make(map[[32]byte]*dealTracker),
	}
}

// Run starts the recovery ticker queue and blocks until ctx is canceled.
func (s *Swapper) Run(ctx context.Context) {
	s.recoveryQ.Run(ctx)
}

// ExecuteDeal begins a new deal for a matcher.Match in which the local
// node is the taker: it builds the deal, reserves a preimage, reserves
// its own invoice/address for the incoming leg, and sends the
// initiating SwapRequest to the maker's peer. orderbook places a hold on
// the matched maker order's quantity before calling this.
func (s *Swapper) ExecuteDeal(ctx context.Context, m matcher.Match, makerPeerID string, incoming, outgoing Leg) (*SwapDeal, error) {
	if outgoing.CltvDelta <= incoming.CltvDelta+s.safetyMargin {
		return nil, fmt.Errorf("%w: taker=%d maker=%d margin=%d", ErrSafetyMarginViolated,
			outgoing.CltvDelta, incoming.CltvDelta, s.safetyMargin)
	}

	var preimage [32]byte
	copy(preimage[:], encode.RandomBytes(32))
	rHash := sha256.Sum256(preimage[:])

	if cli, ok := s.clients.Get(incoming.Currency); ok {
		inv, err := cli.AddInvoice(ctx, rHash, incoming.Units, incoming.CltvDelta)
		if err != nil {
			return nil, fmt.Errorf("swap: reserve incoming invoice: %w", err)
		}
		incoming.Destination = inv.Destination
	}

	deal := &SwapDeal{
		RHash:     rHash,
		OrderID:   m.Maker.ID,
		PairID:    m.Maker.PairID,
		IsMaker:   false,
		Incoming:  incoming,
		Outgoing:  outgoing,
		Phase:     PhaseCreated,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		// The taker is the deal's preimage originator: it already knows
		// the value that unlocks rHash and never needs to learn it from
		// a settlement, unlike the maker.
		Preimage: &preimage,
	}

	s.mtx.Lock()
	s.deals[rHash] = &dealTracker{deal: deal, peer: makerPeerID}
	s.mtx.Unlock()

	if err := deal.transition(PhaseSwapRequested); err != nil {
		return nil, err
	}
	if err := s.notifier.SendSwapRequest(makerPeerID, rHash, m.Maker.ID, m.Qty, m.Maker.PairID, outgoing.CltvDelta, incoming.Destination); err != nil {
		s.abort(deal, makerPeerID, fmt.Sprintf("send swap request: %v", err))
		return nil, err
	}
	return deal, nil
}

// HandleSwapRequest is invoked when this node, as maker, receives a
// SwapRequest for one of its resting orders. It validates the request,
// reserves an incoming invoice/hashlock, and replies with SwapAccepted.
func (s *Swapper) HandleSwapRequest(ctx context.Context, takerPeerID string, rHash [32]byte, orderID, pairID string, quantity int64, takerCltvDelta uint32, incoming, outgoing Leg) (*SwapDeal, error) {
	makerCltvDelta := outgoing.CltvDelta
	if takerCltvDelta <= makerCltvDelta+s.safetyMargin {
		s.notifier.SendSwapFailed(takerPeerID, rHash, "cltv safety margin not satisfied")
		return nil, ErrSafetyMarginViolated
	}

	deal := &SwapDeal{
		RHash:     rHash,
		OrderID:   orderID,
		PairID:    pairID,
		IsMaker:   true,
		Incoming:  incoming,
		Outgoing:  outgoing,
		Phase:     PhaseSwapRequested,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	cli, ok := s.clients.Get(incoming.Currency)
	if !ok {
		s.notifier.SendSwapFailed(takerPeerID, rHash, "no swap client for "+incoming.Currency)
		return nil, fmt.Errorf("swap: no client for currency %s", incoming.Currency)
	}
	inv, err := cli.AddInvoice(ctx, rHash, incoming.Units, takerCltvDelta)
	if err != nil {
		s.notifier.SendSwapFailed(takerPeerID, rHash, err.Error())
		return nil, err
	}
	deal.Incoming.Destination = inv.Destination

	s.mtx.Lock()
	s.deals[rHash] = &dealTracker{deal: deal, peer: takerPeerID}
	s.mtx.Unlock()

	if err := deal.transition(PhaseSwapAccepted); err != nil {
		return nil, err
	}
	if err := s.notifier.SendSwapAccepted(takerPeerID, rHash, quantity, makerCltvDelta, inv.Destination); err != nil {
		s.abort(deal, takerPeerID, fmt.Sprintf("send swap accepted: %v", err))
		return nil, err
	}

	t, _ := s.get(rHash)
	t.mtx.Lock()
	err = t.deal.transition(PhaseSendingPayment)
	t.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	go s.sendOutgoingPayment(ctx, t)
	return deal, nil
}

// HandleSwapAccepted is invoked on the taker side on receiving the
// maker's SwapAccepted reply: the taker now awaits the incoming HTLC on
// rHash before sending its own leg. makerPayTo, if non-empty, is the
// invoice/address the maker's AddInvoice call reserved for the taker's
// outgoing leg, superseding whatever static destination hint the
// matched order carried.
func (s *Swapper) HandleSwapAccepted(ctx context.Context, rHash [32]byte, makerPayTo string) error {
	t, err := s.get(rHash)
	if err != nil {
		return err
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.deal.IsMaker {
		return fmt.Errorf("swap: HandleSwapAccepted called on the maker side of %x", rHash[:4])
	}
	if makerPayTo != "" {
		t.deal.Outgoing.Destination = makerPayTo
	}
	return t.deal.transition(PhaseSwapAccepted)
}

func (s *Swapper) sendOutgoingPayment(ctx context.Context, t *dealTracker) {
	t.mtx.Lock()
	outgoing := t.deal.Outgoing
	rHash := t.deal.RHash
	peer := t.peer
	preimage := t.deal.Preimage
	t.mtx.Unlock()

	cli, ok := s.clients.Get(outgoing.Currency)
	if !ok {
		s.failLocked(t, FailureUnknownPaymentError, "no swap client for "+outgoing.Currency)
		return
	}

	res, err := cli.SendPayment(ctx, swapclient.SendPaymentRequest{
		RHash: rHash, Destination: outgoing.Destination,
		Units: outgoing.Units, CltvDelta: outgoing.CltvDelta,
		Preimage: preimage,
	})
	if err != nil {
		if s.log != nil {
			s.log.Errorf("swap %x: outgoing payment error: %v", rHash[:4], err)
		}
		s.failLocked(t, classifyPaymentError(err), err.Error())
		s.notifier.SendSwapFailed(peer, rHash, err.Error())
		return
	}

	t.mtx.Lock()
	t.deal.Preimage = &res.Preimage
	err = t.deal.transition(PhasePaymentReceived)
	t.mtx.Unlock()
	if err != nil {
		return
	}
	s.settleAndComplete(ctx, t)
}

// HandleIncomingPayment is invoked when this node observes an incoming
// HTLC/conditional transfer locked to rHash. The taker, on observing the
// incoming payment from the maker, sends its own outgoing leg and
// settles the incoming one with the resulting preimage.
func (s *Swapper) HandleIncomingPayment(ctx context.Context, rHash [32]byte) error {
	t, err := s.get(rHash)
	if err != nil {
		return err
	}

	t.mtx.Lock()
	if t.deal.IsMaker {
		t.mtx.Unlock()
		return nil // the maker observes settlement via its own outgoing SendPayment return
	}
	if err := t.deal.transition(PhaseSendingPayment); err != nil {
		t.mtx.Unlock()
		return err
	}
	t.mtx.Unlock()

	go s.sendOutgoingPayment(ctx, t)
	return nil
}

func (s *Swapper) settleAndComplete(ctx context.Context, t *dealTracker) {
	t.mtx.Lock()
	rHash := t.deal.RHash
	preimage := t.deal.Preimage
	incoming := t.deal.Incoming
	peer := t.peer
	t.mtx.Unlock()

	if preimage != nil {
		if cli, ok := s.clients.Get(incoming.Currency); ok {
			if err := cli.SettleInvoice(ctx, rHash, *preimage); err != nil && s.log != nil {
				s.log.Errorf("swap %x: settle incoming invoice: %v", rHash[:4], err)
			}
		}
	}

	t.mtx.Lock()
	err := t.deal.transition(PhaseSwapCompleted)
	qty := t.deal.Outgoing.Units
	orderID := t.deal.OrderID
	pairID := t.deal.PairID
	t.mtx.Unlock()
	if err != nil {
		return
	}

	s.notifier.ConsumeHold(pairID, orderID, qty)
	s.notifier.SendSwapComplete(peer, rHash)
	s.notifier.DealSucceeded(rHash)
	s.scheduleRecheck(t) // the deal is already terminal, so tryResolve stops at once
}

func classifyPaymentError(err error) FailureReason {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, swapclient.ErrFinalPaymentError):
		return FailurePaymentRejected
	default:
		return FailureUnknownPaymentError
	}
}

func (s *Swapper) abort(deal *SwapDeal, peer, detail string) {
	deal.fail(FailurePaymentRejected, detail)
	s.notifier.ReleaseHold(deal.PairID, deal.OrderID, deal.Outgoing.Units)
	s.notifier.SendSwapFailed(peer, deal.RHash, detail)
	s.notifier.DealFailed(deal.RHash, FailurePaymentRejected, detail)
}

func (s *Swapper) failLocked(t *dealTracker, reason FailureReason, detail string) {
	t.mtx.Lock()
	t.deal.fail(reason, detail)
	orderID := t.deal.OrderID
	pairID := t.deal.PairID
	qty := t.deal.Outgoing.Units
	rHash := t.deal.RHash
	t.mtx.Unlock()

	s.notifier.ReleaseHold(pairID, orderID, qty)
	s.notifier.DealFailed(rHash, reason, detail)
	s.scheduleRecheck(t)
}

// scheduleRecheck enqueues a recovery Waiter that polls LookupPayment on
// both legs until the deal resolves, per spec.md §4.6's crash-recovery
// behavior. It is idempotent: calling it on an already-terminal deal is
// a no-op on the first tick.
func (s *Swapper) scheduleRecheck(t *dealTracker) {
	s.recoveryQ.Wait(&wait.Waiter{
		Expiration: time.Now().Add(24 * time.Hour),
		TryFunc: func() wait.TryDirective {
			return s.tryResolve(t)
		},
		ExpireFunc: func() {
			if s.log != nil {
				s.log.Warnf("swap recovery for %x gave up after expiration", t.deal.RHash[:4])
			}
		},
	})
}

func (s *Swapper) tryResolve(t *dealTracker) wait.TryDirective {
	t.mtx.Lock()
	if t.deal.Phase.Terminal() {
		t.mtx.Unlock()
		return wait.DontTryAgain
	}
	rHash := t.deal.RHash
	incoming := t.deal.Incoming
	outgoing := t.deal.Outgoing
	t.mtx.Unlock()

	ctx := context.Background()
	outState := lookup(ctx, s.clients, outgoing.Currency, rHash)
	inState := lookup(ctx, s.clients, incoming.Currency, rHash)

	switch {
	case outState == swapclient.PaymentSucceeded && inState == swapclient.PaymentSucceeded:
		t.mtx.Lock()
		t.deal.transition(PhaseSwapCompleted)
		t.mtx.Unlock()
		s.notifier.DealSucceeded(rHash)
		return wait.DontTryAgain
	case outState == swapclient.PaymentFailed:
		s.failLocked(t, FailureUnknownPaymentError, "recovery: outgoing leg failed")
		return wait.DontTryAgain
	default:
		return wait.TryAgain
	}
}

func lookup(ctx context.Context, mgr *swapclient.Manager, currency string, rHash [32]byte) swapclient.PaymentState {
	cli, ok := mgr.Get(currency)
	if !ok {
		return swapclient.PaymentPending
	}
	res, err := cli.LookupPayment(ctx, rHash)
	if err != nil {
		return swapclient.PaymentPending
	}
	return res.State
}

func (s *Swapper) get(rHash [32]byte) (*dealTracker, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	t, ok := s.deals[rHash]
	if !ok {
		return nil, ErrUnknownDeal
	}
	return t, nil
}

// RestoreDeals re-registers a set of non-terminal deals (e.g. loaded from
// persistent storage on restart) and schedules a recovery recheck for
// each, per spec.md §4.6's restart-scan requirement.
func (s *Swapper) RestoreDeals(restored []*SwapDeal, peers map[[32]byte]string) {
	s.mtx.Lock()
	for _, d := range restored {
		t := &dealTracker{deal: d, peer: peers[d.RHash]}
		s.deals[d.RHash] = t
		s.mtx.Unlock()
		s.scheduleRecheck(t)
		s.mtx.Lock()
	}
	s.mtx.Unlock()
}

// Deal returns a copy of the current state of the deal identified by
// rHash.
func (s *Swapper) Deal(rHash [32]byte) (SwapDeal, bool) {
	t, err := s.get(rHash)
	if err != nil {
		return SwapDeal{}, false
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return *t.deal, true
}
