package swapclient

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/ExchangeUnion/xunion/order"
)

// HTLCClient backs currencies whose channel network routes true HTLCs
// (Lightning-style): SendPayment routes a payment locked to rHash through
// the network and only returns once the receiving node reveals the
// preimage by settling; AddInvoice reserves a local HTLC waiting for an
// incoming payment on rHash.
type HTLCClient struct {
	baseClient
}

// NewHTLCClient constructs an HTLC-capable client for currency.
func NewHTLCClient(currency string) *HTLCClient {
	return &HTLCClient{baseClient: newBaseClient(currency, order.SwapClientHTLC)}
}

// SendPayment routes req.Units to req.Destination locked to req.RHash. In
// this in-process simulation the payment always reaches the destination;
// a real backend would call into an lnd/lnrpc-style RPC client here and
// translate its terminal failure modes into ErrFinalPaymentError or
// ErrUnknownPaymentError per spec.md §4.4.
func (c *HTLCClient) SendPayment(ctx context.Context, req SendPaymentRequest) (*PaymentResult, error) {
	if req.Destination == "" {
		return nil, fmt.Errorf("htlc: %w: empty destination", ErrFinalPaymentError)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("htlc: %w: %v", ErrUnknownPaymentError, err)
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
	var preimage [32]byte
	if req.Preimage != nil {
		preimage = *req.Preimage
	} else {
		preimage = derivePreimage(req.RHash)
	}
	c.mtx.Lock()
	r.state = PaymentSucceeded
	r.preimage = preimage
	c.mtx.Unlock()
	c.emit(EventHtlcAccepted, fmt.Sprintf("outgoing htlc settled on %s", c.currency))
	return &PaymentResult{Preimage: preimage}, nil
}

// AddInvoice reserves a local HTLC for rHash and returns a routable
// destination the paying side should target.
func (c *HTLCClient) AddInvoice(ctx context.Context, rHash [32]byte, units int64, cltvDelta uint32) (*Invoice, error) {
	c.record(rHash)
	c.credit(units)
	return &Invoice{Destination: fmt.Sprintf("%s-invoice-%x", c.currency, rHash[:4])}, nil
}

// derivePreimage is the in-process stand-in used only when the payer has
// no way of knowing the real preimage (the maker's side of a deal, which
// never learns the taker's secret without an actual network settlement
// this simulation cannot observe). A real backend never derives this
// locally; it is handed back by the routing node.
func derivePreimage(rHash [32]byte) [32]byte {
	return sha256.Sum256(rHash[:])
}
