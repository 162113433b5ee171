// Package swapclient defines the uniform contract over heterogeneous
// off-chain payment-channel backends that Swaps drives to move the two
// legs of a cross-chain atomic swap, and the concrete backends for the
// two channel models the system supports: HTLC-capable Lightning-style
// channels, and hashlock-transfer state channels (e.g. Connext-style)
// that settle on a payment hash without a routed HTLC.
//
// Grounded on decred.org/dcrdex's asset.Wallet contract (one interface,
// multiple concrete chain backends dispatched by the caller) generalized
// from on-chain wallets to off-chain payment channels per spec.md §4.4,
// and on perun-l2trade-dex's payment-channel client shape for the
// hashlock-transfer backend's naming.
package swapclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ExchangeUnion/xunion/order"
)

// Status is the lifecycle state of a SwapClient's connection to its
// backend node/daemon.
type Status uint8

const (
	StatusDisabled Status = iota
	StatusNotInitialized
	StatusInitialized
	StatusConnectionVerified
	StatusDisconnected
	StatusOutOfSync
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusNotInitialized:
		return "NotInitialized"
	case StatusInitialized:
		return "Initialized"
	case StatusConnectionVerified:
		return "ConnectionVerified"
	case StatusDisconnected:
		return "Disconnected"
	case StatusOutOfSync:
		return "OutOfSync"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// PaymentState is the resolved outcome of lookupPayment.
type PaymentState uint8

const (
	PaymentPending PaymentState = iota
	PaymentSucceeded
	PaymentFailed
)

func (s PaymentState) String() string {
	switch s {
	case PaymentPending:
		return "Pending"
	case PaymentSucceeded:
		return "Succeeded"
	case PaymentFailed:
		return "Failed"
	default:
		return fmt.Sprintf("PaymentState(%d)", uint8(s))
	}
}

// Sentinel errors returned by SendPayment; per spec.md §4.6's failure
// taxonomy the caller must treat these differently: a FinalPaymentError
// proves no funds left the node, an UnknownPaymentError does not.
var (
	ErrFinalPaymentError   = errors.New("swapclient: payment definitely not sent")
	ErrUnknownPaymentError = errors.New("swapclient: payment status unknown")
	ErrNotSupported        = errors.New("swapclient: operation not supported by this backend")
)

// PaymentResult is the successful outcome of SendPayment: the preimage
// that unlocks the corresponding incoming HTLC/hashlock.
type PaymentResult struct {
	Preimage [32]byte
}

// LookupResult is the outcome of LookupPayment.
type LookupResult struct {
	State    PaymentState
	Preimage [32]byte // valid only when State == PaymentSucceeded
}

// Invoice is the destination data a counterparty needs to pay into this
// node, returned by AddInvoice. HTLC backends populate Destination with a
// routable invoice/address; hashlock-transfer backends leave it empty
// since they settle on rHash alone.
type Invoice struct {
	Destination string
}

// ChannelBalance reports the aggregate state of a currency's channels.
type ChannelBalance struct {
	Local       int64
	Remote      int64
	Inactive    int64
	PendingOpen int64
}

// SendPaymentRequest carries everything a backend needs to route the
// outgoing leg of a deal.
type SendPaymentRequest struct {
	RHash       [32]byte
	Destination string
	Units       int64
	CltvDelta   uint32
	// Preimage is set when the caller already knows the value that
	// unlocks RHash (the deal's originating side knows its own
	// preimage from the moment it picks RHash). When nil, the backend
	// has no way to learn the real preimage short of a network
	// settlement it cannot observe in-process.
	Preimage *[32]byte
}

// Event is a notification a SwapClient pushes onto its event channel.
type Event struct {
	Kind    EventKind
	Message string
}

type EventKind uint8

const (
	EventLowTradingBalance EventKind = iota
	EventConnectionVerified
	EventHtlcAccepted
)

// Client is the contract Swaps and SwapClientManager depend on. Every
// method is safe for concurrent use. Backend semantics differ only in
// SendPayment's internals and invoice handling; the rest of the system
// depends only on this interface.
type Client interface {
	Currency() string
	Kind() order.SwapClientKind
	Status() Status

	SendPayment(ctx context.Context, req SendPaymentRequest) (*PaymentResult, error)
	AddInvoice(ctx context.Context, rHash [32]byte, units int64, cltvDelta uint32) (*Invoice, error)
	LookupPayment(ctx context.Context, rHash [32]byte) (*LookupResult, error)
	SettleInvoice(ctx context.Context, rHash, rPreimage [32]byte) error
	RemoveInvoice(ctx context.Context, rHash [32]byte) error

	ChannelBalance(ctx context.Context) (*ChannelBalance, error)
	OpenChannel(ctx context.Context, peer string, units int64) error
	CloseChannel(ctx context.Context, peer string) error
	DepositToChannel(ctx context.Context, peer string, units int64) error

	Events() <-chan Event
}

// invoiceRecord is the minimal bookkeeping both backend implementations
// need to answer LookupPayment before an on-chain/network observation
// arrives.
type invoiceRecord struct {
	state    PaymentState
	preimage [32]byte
	settled  bool
}

// baseClient factors out the bookkeeping shared by both concrete
// backends: status, per-rHash invoice/payment tracking, and the event
// channel. Concrete backends embed it and only implement SendPayment's
// distinct wire behavior and AddInvoice's distinct semantics.
type baseClient struct {
	currency string
	kind     order.SwapClientKind

	mtx      sync.Mutex
	status   Status
	invoices map[[32]byte]*invoiceRecord
	balance  ChannelBalance

	events chan Event
}

func newBaseClient(currency string, kind order.SwapClientKind) baseClient {
	return baseClient{
		currency: currency,
		kind:     kind,
		status:   StatusInitialized,
		invoices: make(map[[32]byte]*invoiceRecord),
		events:   make(chan Event, 32),
	}
}

func (c *baseClient) Currency() string             { return c.currency }
func (c *baseClient) Kind() order.SwapClientKind    { return c.kind }
func (c *baseClient) Events() <-chan Event          { return c.events }
func (c *baseClient) Status() Status {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.status
}

func (c *baseClient) setStatus(s Status) {
	c.mtx.Lock()
	c.status = s
	c.mtx.Unlock()
}

func (c *baseClient) emit(kind EventKind, msg string) {
	select {
	case c.events <- Event{Kind: kind, Message: msg}:
	default:
		// slow consumer: drop rather than block the swap-client goroutine
	}
}

func (c *baseClient) record(rHash [32]byte) *invoiceRecord {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r, ok := c.invoices[rHash]
	if !ok {
		r = &invoiceRecord{state: PaymentPending}
		c.invoices[rHash] = r
	}
	return r
}

func (c *baseClient) LookupPayment(ctx context.Context, rHash [32]byte) (*LookupResult, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	r, ok := c.invoices[rHash]
	if !ok {
		return &LookupResult{State: PaymentPending}, nil
	}
	return &LookupResult{State: r.state, Preimage: r.preimage}, nil
}

func (c *baseClient) SettleInvoice(ctx context.Context, rHash, rPreimage [32]byte) error {
	r := c.record(rHash)
	c.mtx.Lock()
	r.state = PaymentSucceeded
	r.preimage = rPreimage
	r.settled = true
	c.mtx.Unlock()
	return nil
}

func (c *baseClient) RemoveInvoice(ctx context.Context, rHash [32]byte) error {
	c.mtx.Lock()
	delete(c.invoices, rHash)
	c.mtx.Unlock()
	return nil
}

func (c *baseClient) ChannelBalance(ctx context.Context) (*ChannelBalance, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	b := c.balance
	return &b, nil
}

func (c *baseClient) credit(units int64) {
	c.mtx.Lock()
	c.balance.Local += units
	c.mtx.Unlock()
	if c.balance.Local < lowBalanceWarnUnits {
		c.emit(EventLowTradingBalance, fmt.Sprintf("%s local balance low: %d", c.currency, c.balance.Local))
	}
}

func (c *baseClient) debit(units int64) {
	c.mtx.Lock()
	c.balance.Local -= units
	low := c.balance.Local < lowBalanceWarnUnits
	c.mtx.Unlock()
	if low {
		c.emit(EventLowTradingBalance, fmt.Sprintf("%s local balance low: %d", c.currency, c.balance.Local))
	}
}

// lowBalanceWarnUnits is a conservative placeholder threshold; real
// deployments configure this per currency based on decimals.
const lowBalanceWarnUnits = 1000

func (c *baseClient) OpenChannel(ctx context.Context, peer string, units int64) error {
	c.mtx.Lock()
	c.balance.PendingOpen += units
	c.mtx.Unlock()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.mtx.Lock()
		c.balance.PendingOpen -= units
		c.balance.Local += units
		c.mtx.Unlock()
	}()
	return nil
}

func (c *baseClient) CloseChannel(ctx context.Context, peer string) error {
	return nil
}

func (c *baseClient) DepositToChannel(ctx context.Context, peer string, units int64) error {
	c.credit(units)
	return nil
}
