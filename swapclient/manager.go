package swapclient

import (
	"fmt"
	"sync"

	"github.com/ExchangeUnion/xunion/order"
)

// Manager owns one Client per currency and dispatches to it by currency
// symbol. Per spec.md §4.5 it also fans the low-trading-balance events of
// every owned client into one aggregated stream for Alerts.
type Manager struct {
	mtx     sync.RWMutex
	clients map[string]Client

	lowBalance chan LowBalanceEvent
	stopOnce   sync.Once
	stopCh     chan struct{}
}

// LowBalanceEvent identifies which currency's client reported a low
// trading balance.
type LowBalanceEvent struct {
	Currency string
	Message  string
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{
		clients:    make(map[string]Client),
		lowBalance: make(chan LowBalanceEvent, 64),
		stopCh:     make(chan struct{}),
	}
}

// Init instantiates a Client for every currency, choosing the concrete
// backend from the currency's configured SwapClientKind, and starts
// forwarding each client's events into the aggregated low-balance stream.
func (m *Manager) Init(currencies []order.Currency) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, cur := range currencies {
		if _, ok := m.clients[cur.Symbol]; ok {
			continue
		}
		var c Client
		switch cur.SwapClient {
		case order.SwapClientHTLC:
			c = NewHTLCClient(cur.Symbol)
		case order.SwapClientHashlockTransfer:
			c = NewHashlockTransferClient(cur.Symbol)
		default:
			return fmt.Errorf("swapclient: currency %s has unknown swap client kind %v", cur.Symbol, cur.SwapClient)
		}
		m.clients[cur.Symbol] = c
		go m.forward(c)
	}
	return nil
}

func (m *Manager) forward(c Client) {
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return
			}
			if ev.Kind == EventLowTradingBalance {
				select {
				case m.lowBalance <- LowBalanceEvent{Currency: c.Currency(), Message: ev.Message}:
				default:
				}
			}
		case <-m.stopCh:
			return
		}
	}
}

// Get returns the Client for currency, if one has been initialized.
func (m *Manager) Get(currency string) (Client, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	c, ok := m.clients[currency]
	return c, ok
}

// LowBalanceEvents returns the aggregated low-trading-balance stream
// across every owned client.
func (m *Manager) LowBalanceEvents() <-chan LowBalanceEvent {
	return m.lowBalance
}

// Stop ends the per-client event-forwarding goroutines.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
