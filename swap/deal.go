// Package swap implements the cross-chain atomic swap state machine:
// given a matcher.Match, it drives a SwapDeal from Created through
// SwapCompleted by coordinating two SwapClients (one per leg's
// currency), failing safely before any payment is sent, and recovering
// in-flight deals after a restart by polling SwapClient.LookupPayment.
//
// Grounded on decred.org/dcrdex's server/swap.Swapper: a map of live
// trackers guarded by a single mutex, a periodic Run loop that checks
// for stalled/inactive matches, and a restart-time scan that rebuilds
// live trackers from persisted state (here supplemented by
// tdex-network-tdex-daemon's pkg/swap message-phase naming for Created
// /Accepted/Complete/Failed, since dcrdex's own swap is a same-chain
// maker/taker escrow model rather than a two-leg HTLC relay).
package swap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Phase is a SwapDeal's position in the state machine described in
// spec.md §4.6.
type Phase uint8

const (
	PhaseCreated Phase = iota
	PhaseSwapRequested
	PhaseSwapAccepted
	PhaseSendingPayment
	PhasePaymentReceived
	PhaseSwapCompleted
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "Created"
	case PhaseSwapRequested:
		return "SwapRequested"
	case PhaseSwapAccepted:
		return "SwapAccepted"
	case PhaseSendingPayment:
		return "SendingPayment"
	case PhasePaymentReceived:
		return "PaymentReceived"
	case PhaseSwapCompleted:
		return "SwapCompleted"
	case PhaseError:
		return "Error"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Terminal reports whether no further transitions occur from this phase
// without manual intervention.
func (p Phase) Terminal() bool {
	return p == PhaseSwapCompleted || p == PhaseError
}

// FailureReason classifies why a deal entered PhaseError, per spec.md
// §4.6's failure taxonomy.
type FailureReason uint8

const (
	FailureNone FailureReason = iota
	FailurePaymentRejected
	FailureUnknownPaymentError
	FailureTimeout
)

func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "None"
	case FailurePaymentRejected:
		return "PaymentRejected"
	case FailureUnknownPaymentError:
		return "UnknownPaymentError"
	case FailureTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("FailureReason(%d)", uint8(r))
	}
}

var (
	// ErrSafetyMarginViolated is returned building a deal whose
	// takerCltvDelta does not exceed makerCltvDelta by at least the
	// configured safety margin.
	ErrSafetyMarginViolated = errors.New("swap: takerCltvDelta does not satisfy safety margin over makerCltvDelta")
	// ErrUnknownDeal is returned by any lookup against a deal id not held
	// by the Swapper.
	ErrUnknownDeal = errors.New("swap: unknown deal")
	// ErrBadTransition is returned attempting a phase transition not
	// reachable from a deal's current phase.
	ErrBadTransition = errors.New("swap: invalid phase transition")
)

// Leg describes one currency leg of a deal: the currency moved, the
// amount, the CLTV delta applied to the HTLC/conditional-transfer
// locking that leg, and the destination the payer sends to.
type Leg struct {
	Currency    string
	Units       int64
	CltvDelta   uint32
	Destination string
}

// SwapDeal is one atomic-swap instance, uniquely identified by the
// hashlock RHash. Maker and Taker roles follow spec.md §4.6: Maker is
// whichever node's resting order was hit; Taker is the node that placed
// the crossing order.
type SwapDeal struct {
	RHash    [32]byte
	OrderID  string // the maker's hit order
	PairID   string
	IsMaker  bool // true if the local node is the maker for this deal
	Incoming Leg  // the leg this node receives
	Outgoing Leg  // the leg this node pays

	Phase         Phase
	FailureReason FailureReason
	FailureDetail string

	Preimage  *[32]byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RHashHex is a convenience accessor for logging and gossip payloads.
func (d *SwapDeal) RHashHex() string { return hex.EncodeToString(d.RHash[:]) }

// transitions enumerates the only phase pairs a deal may legally cross,
// mirroring the table in spec.md §4.6.
var transitions = map[Phase][]Phase{
	PhaseCreated:         {PhaseSwapRequested, PhaseError},
	PhaseSwapRequested:   {PhaseSwapAccepted, PhaseError},
	PhaseSwapAccepted:    {PhaseSendingPayment, PhaseError},
	PhaseSendingPayment:  {PhasePaymentReceived, PhaseError},
	PhasePaymentReceived: {PhaseSwapCompleted, PhaseError},
}

func (d *SwapDeal) transition(to Phase) error {
	for _, allowed := range transitions[d.Phase] {
		if allowed == to {
			d.Phase = to
			d.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, d.Phase, to)
}

func (d *SwapDeal) fail(reason FailureReason, detail string) {
	d.Phase = PhaseError
	d.FailureReason = reason
	d.FailureDetail = detail
	d.UpdatedAt = time.Now()
}
