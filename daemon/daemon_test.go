package daemon

import (
	"errors"
	"testing"

	"github.com/ExchangeUnion/xunion/matcher"
	"github.com/ExchangeUnion/xunion/msg"
	"github.com/ExchangeUnion/xunion/order"
	"github.com/ExchangeUnion/xunion/swap"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		SelfPubKey: "self",
		Version:    "test",
		NetworkID:  "testnet",
		Currencies: []order.Currency{
			{Symbol: "BTC", Decimals: 8, SwapClient: order.SwapClientHTLC},
			{Symbol: "LTC", Decimals: 8, SwapClient: order.SwapClientHTLC},
		},
		Pairs:        []order.Pair{{Base: "BTC", Quote: "LTC"}},
		SafetyMargin: 10,
	}
}

func TestNewWiresAllSubsystems(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)
	require.NotNil(t, d.Pool())
	require.NotNil(t, d.OrderBook())
	require.NotNil(t, d.Swapper())
	require.NotNil(t, d.Reputation())
	require.NotNil(t, d.Clients())
	require.NotNil(t, d.Alerts())
}

func TestOwnOrdersReturnsRestingOwnOrder(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)

	_, err = d.OrderBook().PlaceLimit("BTC/LTC", "local1", true, 1.5, 100, 0)
	require.NoError(t, err)

	own := d.OwnOrders([]string{"BTC/LTC"})
	require.Len(t, own, 1)
	require.Equal(t, "BTC/LTC", own[0].PairID)
	require.Equal(t, int64(100), own[0].Quantity)
	require.NotNil(t, own[0].Price)
	require.Equal(t, 1.5, *own[0].Price)
}

func TestHandleOrderImportsPeerOrder(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)

	price := 2.0
	d.HandleOrder("peer1", &msg.OrderPayload{
		ID:       "remote-order-1",
		PairID:   "BTC/LTC",
		Quantity: -50,
		Price:    &price,
	})

	engine, ok := d.OrderBook().Engine("BTC/LTC")
	require.True(t, ok)
	sells := engine.Sells()
	require.Len(t, sells, 1)
	require.Equal(t, "remote-order-1", sells[0].ID)
	peerSrc, ok := sells[0].Peer()
	require.True(t, ok)
	require.Equal(t, "peer1", peerSrc.PeerID)
}

func TestHandleOrderInvalidationRemovesPeerOrder(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)

	price := 2.0
	d.HandleOrder("peer1", &msg.OrderPayload{ID: "remote-order-2", PairID: "BTC/LTC", Quantity: -50, Price: &price})

	d.HandleOrderInvalidation("peer1", &msg.OrderInvalidation{OrderID: "remote-order-2", PairID: "BTC/LTC"})

	engine, ok := d.OrderBook().Engine("BTC/LTC")
	require.True(t, ok)
	require.Empty(t, engine.Sells())
}

func TestHandlePeerDisconnectPurgesPeerOrders(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)

	price := 2.0
	d.HandleOrder("peer1", &msg.OrderPayload{ID: "remote-order-3", PairID: "BTC/LTC", Quantity: -50, Price: &price})

	d.HandlePeerDisconnect("peer1")

	engine, ok := d.OrderBook().Engine("BTC/LTC")
	require.True(t, ok)
	require.Empty(t, engine.Sells())
}

func TestInitiateSwapRejectsInsufficientSafetyMargin(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)

	price := 1.0
	maker := &order.Order{ID: "maker1", PairID: "BTC/LTC", Quantity: -5, InitialQuantity: -5, Price: &price}
	taker := &order.Order{ID: "taker1", PairID: "BTC/LTC", Quantity: 5, InitialQuantity: 5, Price: &price}

	// cltvDeltaFor falls back to defaultCltvDelta (40) for both legs
	// here since no per-currency override is configured, which the
	// safety-margin check in Swapper.ExecuteDeal rejects outright.
	m := matcher.Match{Maker: maker, Taker: taker, Qty: 5}
	err = d.InitiateSwap(m, "takerPeer")
	require.Error(t, err)
	require.True(t, errors.Is(err, swap.ErrSafetyMarginViolated))
}

func TestInitiateSwapFailsWithoutConnectedPeer(t *testing.T) {
	cfg := testConfig()
	cfg.CurrencyCltvDelta = map[string]uint32{"BTC": 40, "LTC": 144}
	d, err := New(cfg)
	require.NoError(t, err)

	price := 1.0
	maker := &order.Order{ID: "maker1", PairID: "BTC/LTC", Quantity: -5, InitialQuantity: -5, Price: &price}
	taker := &order.Order{ID: "taker1", PairID: "BTC/LTC", Quantity: 5, InitialQuantity: 5, Price: &price}

	m := matcher.Match{Maker: maker, Taker: taker, Qty: 5}
	// The swap request itself is well-formed (the configured deltas
	// clear the safety margin); it fails only because no peer named
	// takerPeer is actually connected to send the request to.
	err = d.InitiateSwap(m, "takerPeer")
	require.Error(t, err)
}

func TestHexEncodeDecodeRoundTrip(t *testing.T) {
	var rHash [32]byte
	for i := range rHash {
		rHash[i] = byte(i)
	}
	decoded, err := hexDecode(hexEncode(rHash))
	require.NoError(t, err)
	require.Equal(t, rHash, decoded)

	_, err = hexDecode("not-hex")
	require.Error(t, err)

	_, err = hexDecode("aabb")
	require.Error(t, err)
}

func TestCltvDeltaForFallsBackToDefault(t *testing.T) {
	d := &Daemon{cltvDelta: map[string]uint32{"BTC": 40}}
	require.Equal(t, uint32(40), d.cltvDeltaFor("BTC"))
	require.Equal(t, uint32(defaultCltvDelta), d.cltvDeltaFor("ETH"))
}
