package adapter

import (
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
)

// Reasons attached to orders closed by the engine rather than the exchange.
const (
	ReasonNotFoundOnExchange = "NotFoundOnExchange"
	ReasonExchangeRejected   = "ExchangeRejected"
	ReasonLocalCancel        = "LocalCancel"
	ReasonShadow             = "Shadow"
	ReasonRecovered          = "Recovered"
)

// OrderRequest is what a strategy asks the engine to place.
//
// Price is the limit price for limit orders. For market buys it is the
// worst acceptable price and bounds the collateral reserved.
type OrderRequest struct {
	Exchange    string                `json:"exchange"`
	Pair        Pair                  `json:"pair"`
	Side        enum.OrderSide        `json:"side"`
	Kind        enum.OrderKind        `json:"kind"`
	TimeInForce enum.OrderTimeInForce `json:"time_in_force"`
	Price       Decimal               `json:"price"`
	Quantity    Decimal               `json:"quantity"`
	Tag         string                `json:"tag,omitempty"`
}

func (r OrderRequest) Validate() error {
	if r.Exchange == "" {
		return errors.New("empty exchange")
	}
	if !r.Pair.IsValid() {
		return errors.Errorf("invalid pair %q", r.Pair.String())
	}
	if !r.Side.IsAvailable() {
		return errors.New("invalid side")
	}
	if !r.Kind.IsAvailable() {
		return errors.New("invalid kind")
	}
	if r.TimeInForce != 0 && !r.TimeInForce.IsAvailable() {
		return errors.New("invalid time in force")
	}
	if !r.Quantity.IsPositive() {
		return errors.Errorf("quantity must be positive, got %s", r.Quantity)
	}
	if r.Price.IsNegative() {
		return errors.Errorf("price must not be negative, got %s", r.Price)
	}
	if r.Kind.RequiresPrice() && !r.Price.IsPositive() {
		return errors.New("limit order requires a positive price")
	}
	if r.Kind == enum.OrderKindMarket && r.Side == enum.OrderSideBuy && !r.Price.IsPositive() {
		return errors.New("market buy requires a price bound")
	}
	return nil
}

// Marker orders exchange events. Seq wins when both sides carry one,
// otherwise event timestamps are compared.
type Marker struct {
	Seq     uint64 `json:"seq,omitempty"`
	TsEvent int64  `json:"ts_event,omitempty"`
}

func (m Marker) IsZero() bool {
	return m.Seq == 0 && m.TsEvent == 0
}

// Before reports whether m is strictly older than other. Markers that
// cannot be compared are never considered older.
func (m Marker) Before(other Marker) bool {
	if m.Seq != 0 && other.Seq != 0 {
		return m.Seq < other.Seq
	}
	if m.TsEvent != 0 && other.TsEvent != 0 {
		return m.TsEvent < other.TsEvent
	}
	return false
}

// Max returns the newer of m and other, field by field.
func (m Marker) Max(other Marker) Marker {
	if other.Seq > m.Seq {
		m.Seq = other.Seq
	}
	if other.TsEvent > m.TsEvent {
		m.TsEvent = other.TsEvent
	}
	return m
}

// Order is the engine's view of one order.
type Order struct {
	ID              string                `json:"id"`
	ExchangeOrderID string                `json:"exchange_order_id,omitempty"`
	Exchange        string                `json:"exchange"`
	Pair            Pair                  `json:"pair"`
	Side            enum.OrderSide        `json:"side"`
	Kind            enum.OrderKind        `json:"kind"`
	TimeInForce     enum.OrderTimeInForce `json:"time_in_force"`
	Price           Decimal               `json:"price"`
	Quantity        Decimal               `json:"quantity"`
	FilledQuantity  Decimal               `json:"filled_quantity"`
	FilledNotional  Decimal               `json:"filled_notional"`
	Fee             Decimal               `json:"fee"`
	FeeCurrency     string                `json:"fee_currency,omitempty"`
	State           enum.OrderState       `json:"state"`
	Reason          string                `json:"reason,omitempty"`
	Tag             string                `json:"tag,omitempty"`
	Shadow          bool                  `json:"shadow,omitempty"`
	Marker          Marker                `json:"marker"`
	CreatedAt       time.Time             `json:"created_at"`
	SubmittedAt     time.Time             `json:"submitted_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func (o Order) Remaining() Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// AvgFillPrice is FilledNotional / FilledQuantity, or false before the
// first fill.
func (o Order) AvgFillPrice() (Decimal, bool) {
	if o.FilledQuantity.IsZero() {
		return Zero, false
	}
	return o.FilledNotional.DivRound(o.FilledQuantity, 18), true
}

// OrderRecord is an order plus the trade ids already applied to it.
type OrderRecord struct {
	Order    Order    `json:"order"`
	TradeIDs []string `json:"trade_ids,omitempty"`
}

// Fill is one execution reported by an exchange.
type Fill struct {
	TradeID         string         `json:"trade_id"`
	OrderID         string         `json:"order_id,omitempty"`
	ExchangeOrderID string         `json:"exchange_order_id,omitempty"`
	Exchange        string         `json:"exchange"`
	Pair            Pair           `json:"pair"`
	Side            enum.OrderSide `json:"side"`
	Price           Decimal        `json:"price"`
	Quantity        Decimal        `json:"quantity"`
	Fee             Decimal        `json:"fee"`
	FeeCurrency     string         `json:"fee_currency,omitempty"`
	Marker          Marker         `json:"marker"`
	Synthetic       bool           `json:"synthetic,omitempty"`
}

func (f Fill) Notional() Decimal {
	return f.Price.Mul(f.Quantity)
}

// OrderStatus is an exchange's answer about a single order, either from a
// direct query or as an entry of a snapshot.
type OrderStatus struct {
	Found           bool            `json:"found"`
	OrderID         string          `json:"order_id,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Pair            Pair            `json:"pair"`
	Side            enum.OrderSide  `json:"side"`
	Kind            enum.OrderKind  `json:"kind"`
	Price           Decimal         `json:"price"`
	Quantity        Decimal         `json:"quantity"`
	State           enum.OrderState `json:"state"`
	FilledQuantity  Decimal         `json:"filled_quantity"`
	// FilledNotional is the cumulative quote amount when the venue
	// reports it, zero otherwise.
	FilledNotional Decimal `json:"filled_notional"`
	Marker         Marker  `json:"marker"`
}

// Ack is the synchronous answer to a submission.
//
// State is Accepted, Rejected, or Submitted when the venue acknowledges
// asynchronously.
type Ack struct {
	OrderID         string          `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	State           enum.OrderState `json:"state"`
	Reason          string          `json:"reason,omitempty"`
	Marker          Marker          `json:"marker"`
}

// CancelAck is the synchronous answer to a cancel request. Confirmed is
// false when the venue only queued the request.
type CancelAck struct {
	OrderID        string  `json:"order_id"`
	Confirmed      bool    `json:"confirmed"`
	FilledQuantity Decimal `json:"filled_quantity"`
	Marker         Marker  `json:"marker"`
}
