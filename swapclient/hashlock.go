package swapclient

import (
	"context"
	"fmt"

	"github.com/ExchangeUnion/xunion/order"
)

// HashlockTransferClient backs currencies whose channel network settles
// by direct off-chain transfer conditioned on revealing a preimage for a
// known hash (e.g. a Connext-style state channel), rather than a routed
// HTLC. There is no invoice step: AddInvoice returns no destination,
// since the counterparty already knows rHash from the SwapRequest and the
// channel's conditional-transfer primitive settles on it directly.
type HashlockTransferClient struct {
	baseClient
}

// NewHashlockTransferClient constructs a hashlock-transfer client for
// currency.
func NewHashlockTransferClient(currency string) *HashlockTransferClient {
	return &HashlockTransferClient{baseClient: newBaseClient(currency, order.SwapClientHashlockTransfer)}
}

// SendPayment initiates a conditional transfer to req.Destination that
// resolves once the counterparty reveals the preimage for req.RHash. The
// transfer itself carries no routing failure mode distinct from a direct
// channel write. An empty destination is a FinalPaymentError; otherwise,
// unless the transfer is already settled, the payment is debited and
// UnknownPaymentError is returned, since its preimage is not yet known.
func (c *HashlockTransferClient) SendPayment(ctx context.Context, req SendPaymentRequest) (*PaymentResult, error) {
	if req.Destination == "" {
		return nil, fmt.Errorf("hashlock: %w: empty destination", ErrFinalPaymentError)
	}

	r := c.record(req.RHash)
	c.mtx.Lock()
	if r.settled {
		preimage := r.preimage
		c.mtx.Unlock()
		return &PaymentResult{Preimage: preimage}, nil
	}
	c.mtx.Unlock()

	c.debit(req.Units)
	// A conditional transfer has no preimage to hand back until the
	// receiving side unlocks it; the caller learns the preimage later via
	// LookupPayment once the counterpart resolves the transfer.
	return nil, fmt.Errorf("hashlock: %w: transfer pending resolution", ErrUnknownPaymentError)
}

// AddInvoice returns an empty destination for hashlock-transfer backends:
// the rHash from the SwapRequest is itself the condition. It still
// records rHash for LookupPayment and credits units to the local balance.
func (c *HashlockTransferClient) AddInvoice(ctx context.Context, rHash [32]byte, units int64, cltvDelta uint32) (*Invoice, error) {
	c.record(rHash)
	c.credit(units)
	return &Invoice{}, nil
}

// ResolveTransfer simulates the counterparty revealing rPreimage for an
// outbound conditional transfer, letting LookupPayment resolve as
// Succeeded. A real backend observes this from its channel client's
// event stream rather than being told directly.
func (c *HashlockTransferClient) ResolveTransfer(rHash, rPreimage [32]byte) {
	r := c.record(rHash)
	c.mtx.Lock()
	r.state = PaymentSucceeded
	r.preimage = rPreimage
	c.mtx.Unlock()
}

var _ Client = (*HTLCClient)(nil)
var _ Client = (*HashlockTransferClient)(nil)
