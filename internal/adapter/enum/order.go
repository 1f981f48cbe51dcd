package enum

import "github.com/yanun0323/errors"

// OrderSide buy, sell
type OrderSide uint8

const (
	_order_side_beg OrderSide = iota
	OrderSideBuy
	OrderSideSell
	_order_side_end
)

var _orderSideNames = [...]string{"", "buy", "sell"}

func (s OrderSide) IsAvailable() bool {
	return s > _order_side_beg && s < _order_side_end
}

func (s OrderSide) String() string {
	if !s.IsAvailable() {
		return "unknown"
	}
	return _orderSideNames[s]
}

func (s OrderSide) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderSide) UnmarshalText(text []byte) error {
	v, ok := lookup(_orderSideNames[:], string(text))
	if !ok {
		return errors.Errorf("unknown order side %q", text)
	}
	*s = OrderSide(v)
	return nil
}

// OrderKind limit, market, limit maker
type OrderKind uint8

const (
	_order_kind_beg OrderKind = iota
	OrderKindLimit
	OrderKindMarket
	OrderKindLimitMaker
	_order_kind_end
)

var _orderKindNames = [...]string{"", "limit", "market", "limit_maker"}

func (k OrderKind) IsAvailable() bool {
	return k > _order_kind_beg && k < _order_kind_end
}

func (k OrderKind) String() string {
	if !k.IsAvailable() {
		return "unknown"
	}
	return _orderKindNames[k]
}

// RequiresPrice reports whether a limit price is mandatory.
func (k OrderKind) RequiresPrice() bool {
	return k == OrderKindLimit || k == OrderKindLimitMaker
}

func (k OrderKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OrderKind) UnmarshalText(text []byte) error {
	v, ok := lookup(_orderKindNames[:], string(text))
	if !ok {
		return errors.Errorf("unknown order kind %q", text)
	}
	*k = OrderKind(v)
	return nil
}

// OrderTimeInForce GTC, IOC, FOK
type OrderTimeInForce uint8

const (
	_order_time_in_force_beg OrderTimeInForce = iota
	OrderTimeInForceGTC
	OrderTimeInForceIOC
	OrderTimeInForceFOK
	_order_time_in_force_end
)

var _orderTimeInForceNames = [...]string{"", "GTC", "IOC", "FOK"}

func (s OrderTimeInForce) IsAvailable() bool {
	return s > _order_time_in_force_beg && s < _order_time_in_force_end
}

func (s OrderTimeInForce) String() string {
	if !s.IsAvailable() {
		return "unknown"
	}
	return _orderTimeInForceNames[s]
}

func (s OrderTimeInForce) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderTimeInForce) UnmarshalText(text []byte) error {
	v, ok := lookup(_orderTimeInForceNames[:], string(text))
	if !ok {
		return errors.Errorf("unknown time in force %q", text)
	}
	*s = OrderTimeInForce(v)
	return nil
}

// OrderState is the lifecycle state of a tracked order.
//
//	Created -> Submitted -> Accepted -> PartiallyFilled -> Filled
//	Created -> Cancelled
//	Submitted | Accepted | PartiallyFilled -> CancelPending -> Cancelled | Filled
//	any open state -> Rejected | Expired
type OrderState uint8

const (
	_order_state_beg OrderState = iota
	OrderStateCreated
	OrderStateSubmitted
	OrderStateAccepted
	OrderStatePartiallyFilled
	OrderStateCancelPending
	OrderStateFilled
	OrderStateCancelled
	OrderStateRejected
	OrderStateExpired
	_order_state_end
)

var _orderStateNames = [...]string{
	"",
	"Created",
	"Submitted",
	"Accepted",
	"PartiallyFilled",
	"CancelPending",
	"Filled",
	"Cancelled",
	"Rejected",
	"Expired",
}

func (s OrderState) IsAvailable() bool {
	return s > _order_state_beg && s < _order_state_end
}

func (s OrderState) String() string {
	if !s.IsAvailable() {
		return "unknown"
	}
	return _orderStateNames[s]
}

// IsTerminal reports whether no further transition is possible.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}

// IsLive reports whether the order may be resting on the exchange.
func (s OrderState) IsLive() bool {
	return s.IsAvailable() && s != OrderStateCreated && !s.IsTerminal()
}

func (s OrderState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderState) UnmarshalText(text []byte) error {
	v, ok := lookup(_orderStateNames[:], string(text))
	if !ok {
		return errors.Errorf("unknown order state %q", text)
	}
	*s = OrderState(v)
	return nil
}

func lookup(names []string, name string) (int, bool) {
	for i := 1; i < len(names); i++ {
		if names[i] == name {
			return i, true
		}
	}
	return 0, false
}
