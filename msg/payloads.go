package msg

// DisconnectReason enumerates why a peer connection was closed, sent in
// a Disconnecting frame's Reason field.
type DisconnectReason string

const (
	ReasonShutdown                    DisconnectReason = "Shutdown"
	ReasonNotAcceptingConnections     DisconnectReason = "NotAcceptingConnections"
	ReasonIncompatibleProtocolVersion DisconnectReason = "IncompatibleProtocolVersion"
	ReasonUnexpectedIdentity          DisconnectReason = "UnexpectedIdentity"
	ReasonAlreadyConnected            DisconnectReason = "AlreadyConnected"
	ReasonBanned                      DisconnectReason = "Banned"
	ReasonConnectionTimeout           DisconnectReason = "ConnectionTimeout"
	ReasonResponseStalling            DisconnectReason = "ResponseStalling"
	ReasonMalformedPacket             DisconnectReason = "MalformedPacket"
	ReasonUnknownError                DisconnectReason = "UnknownError"
)

// ReconnectWorthy reports whether a disconnect reason justifies the pool
// attempting an automatic outbound reconnect, per spec.md §4.3.
func (r DisconnectReason) ReconnectWorthy() bool {
	switch r {
	case ReasonShutdown, ReasonAlreadyConnected, ReasonConnectionTimeout:
		return true
	default:
		return false
	}
}

// Hello is the handshake payload exchanged by both sides on connect.
type Hello struct {
	NodePubKey string   `json:"nodePubKey"` // 33-byte compressed pubkey, hex-encoded
	Version    string   `json:"version"`
	NetworkID  string   `json:"networkId"`
	Addresses  []string `json:"addresses"` // advertised host:port list
	Pairs      []string `json:"pairs"`     // supported pair ids, "BASE/QUOTE"
}

// Disconnecting is sent before closing a connection.
type Disconnecting struct {
	Reason  DisconnectReason `json:"reason"`
	Message string           `json:"message,omitempty"`
}

// Ping/Pong carry no payload beyond the frame envelope; empty structs
// keep the wire format uniform with every other packet type.
type Ping struct{}
type Pong struct{}

// GetOrders requests a peer's full resting order set for the given pairs.
type GetOrders struct {
	Pairs []string `json:"pairs"`
}

// Orders is the response to GetOrders: a batch of this peer's own
// resting orders.
type Orders struct {
	Orders []OrderPayload `json:"orders"`
}

// OrderPayload is the over-the-wire shape of a single gossiped order: a
// node only ever advertises its own resting remainder, never a peer
// order it imported (re-broadcast is off, spec.md §4.3).
type OrderPayload struct {
	ID        string   `json:"id"`
	PairID    string   `json:"pairId"`
	Quantity  int64    `json:"quantity"`
	Price     *float64 `json:"price,omitempty"`
	CreatedAt int64    `json:"createdAt"`
	PayTo     string   `json:"payTo,omitempty"`
}

// OrderInvalidation announces that an order (in full, or partially via
// Quantity) is no longer available.
type OrderInvalidation struct {
	OrderID  string `json:"orderId"`
	PairID   string `json:"pairId"`
	Quantity *int64 `json:"quantity,omitempty"` // nil => remove fully
}

// SwapRequest is sent by the taker to the maker to initiate a deal.
type SwapRequest struct {
	RHash          string `json:"rHash"`
	Quantity       int64  `json:"quantity"`
	PairID         string `json:"pairId"`
	OrderID        string `json:"orderId"` // the maker's hit order
	TakerOrderID   string `json:"takerOrderId"`
	TakerCltvDelta uint32 `json:"takerCltvDelta"`
	TakerPayTo     string `json:"takerPayTo"` // where the maker should pay the taker
}

// SwapAccepted is the maker's reply accepting a SwapRequest.
type SwapAccepted struct {
	RHash          string `json:"rHash"`
	AcceptedQty    int64  `json:"acceptedQuantity"`
	MakerCltvDelta uint32 `json:"makerCltvDelta"`
	MakerPayTo     string `json:"makerPayTo"` // where the taker should pay the maker
}

// SwapFailed is sent when a deal cannot proceed before any payment has
// been sent; no funds are at risk.
type SwapFailed struct {
	RHash  string `json:"rHash"`
	Reason string `json:"reason"`
}

// SwapComplete announces that this side has observed settlement.
type SwapComplete struct {
	RHash string `json:"rHash"`
}

// NodeStateUpdate announces a change in the sender's supported pairs.
type NodeStateUpdate struct {
	Pairs []string `json:"pairs"`
}
