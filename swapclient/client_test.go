package swapclient

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/ExchangeUnion/xunion/order"
)

func TestHTLCSendPaymentSucceeds(t *testing.T) {
	c := NewHTLCClient("BTC")
	rHash := sha256.Sum256([]byte("preimage"))

	res, err := c.SendPayment(context.Background(), SendPaymentRequest{
		RHash: rHash, Destination: "dest", Units: 100, CltvDelta: 40,
	})
	if err != nil {
		t.Fatalf("SendPayment: %v", err)
	}
	if res.Preimage == ([32]byte{}) {
		t.Fatal("expected a non-zero preimage")
	}

	look, err := c.LookupPayment(context.Background(), rHash)
	if err != nil {
		t.Fatalf("LookupPayment: %v", err)
	}
	if look.State != PaymentSucceeded {
		t.Fatalf("expected Succeeded, got %s", look.State)
	}
}

func TestHTLCSendPaymentEmptyDestinationIsFinal(t *testing.T) {
	c := NewHTLCClient("BTC")
	var rHash [32]byte
	_, err := c.SendPayment(context.Background(), SendPaymentRequest{RHash: rHash})
	if !errors.Is(err, ErrFinalPaymentError) {
		t.Fatalf("expected ErrFinalPaymentError, got %v", err)
	}
}

func TestHashlockTransferPendingUntilResolved(t *testing.T) {
	c := NewHashlockTransferClient("ETH")
	rHash := sha256.Sum256([]byte("hashlock"))

	_, err := c.SendPayment(context.Background(), SendPaymentRequest{
		RHash: rHash, Destination: "dest", Units: 50,
	})
	if !errors.Is(err, ErrUnknownPaymentError) {
		t.Fatalf("expected ErrUnknownPaymentError while pending, got %v", err)
	}

	look, err := c.LookupPayment(context.Background(), rHash)
	if err != nil {
		t.Fatalf("LookupPayment: %v", err)
	}
	if look.State != PaymentPending {
		t.Fatalf("expected Pending, got %s", look.State)
	}

	preimage := sha256.Sum256([]byte("secret"))
	c.ResolveTransfer(rHash, preimage)

	look, err = c.LookupPayment(context.Background(), rHash)
	if err != nil {
		t.Fatalf("LookupPayment: %v", err)
	}
	if look.State != PaymentSucceeded || look.Preimage != preimage {
		t.Fatalf("expected resolved Succeeded with matching preimage, got %+v", look)
	}
}

func TestHashlockAddInvoiceIsNoopDestination(t *testing.T) {
	c := NewHashlockTransferClient("ETH")
	inv, err := c.AddInvoice(context.Background(), [32]byte{1}, 10, 40)
	if err != nil {
		t.Fatalf("AddInvoice: %v", err)
	}
	if inv.Destination != "" {
		t.Fatalf("expected no destination for a hashlock-transfer invoice, got %q", inv.Destination)
	}
}

func TestManagerDispatchesByCurrency(t *testing.T) {
	m := NewManager()
	err := m.Init([]order.Currency{
		{Symbol: "BTC", Decimals: 8, SwapClient: order.SwapClientHTLC},
		{Symbol: "ETH", Decimals: 18, SwapClient: order.SwapClientHashlockTransfer},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	btc, ok := m.Get("BTC")
	if !ok {
		t.Fatal("expected BTC client")
	}
	if _, isHTLC := btc.(*HTLCClient); !isHTLC {
		t.Fatalf("expected *HTLCClient for BTC, got %T", btc)
	}

	eth, ok := m.Get("ETH")
	if !ok {
		t.Fatal("expected ETH client")
	}
	if _, isHashlock := eth.(*HashlockTransferClient); !isHashlock {
		t.Fatalf("expected *HashlockTransferClient for ETH, got %T", eth)
	}

	if _, ok := m.Get("XMR"); ok {
		t.Fatal("expected no client for an uninitialized currency")
	}
}

func TestManagerAggregatesLowBalanceEvents(t *testing.T) {
	m := NewManager()
	if err := m.Init([]order.Currency{{Symbol: "BTC", Decimals: 8, SwapClient: order.SwapClientHTLC}}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	btc, _ := m.Get("BTC")
	btc.(*HTLCClient).debit(lowBalanceWarnUnits + 1)

	select {
	case ev := <-m.LowBalanceEvents():
		if ev.Currency != "BTC" {
			t.Fatalf("expected BTC low balance event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for aggregated low balance event")
	}
}
