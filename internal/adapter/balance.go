package adapter

import "time"

// Balance of one currency on one exchange. Available is Total - Reserved.
type Balance struct {
	Exchange  string    `json:"exchange"`
	Currency  string    `json:"currency"`
	Total     Decimal   `json:"total"`
	Reserved  Decimal   `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b Balance) Available() Decimal {
	return b.Total.Sub(b.Reserved)
}

// Reservation is collateral locked for one order.
//
// Rate converts a filled base quantity into the amount of collateral it
// consumes: the limit price for buys, 1 for sells.
type Reservation struct {
	OrderID  string  `json:"order_id"`
	Exchange string  `json:"exchange"`
	Currency string  `json:"currency"`
	Amount   Decimal `json:"amount"`
	Rate     Decimal `json:"rate"`
	Released Decimal `json:"released"`
	Closed   bool    `json:"closed,omitempty"`
}

func (r Reservation) Outstanding() Decimal {
	if r.Closed {
		return Zero
	}
	return r.Amount.Sub(r.Released)
}

// ExchangeSnapshot is the exchange's authoritative view of open orders
// and balances at TakenAt.
type ExchangeSnapshot struct {
	Exchange string        `json:"exchange"`
	Orders   []OrderStatus `json:"orders"`
	Balances []Balance     `json:"balances"`
	TakenAt  time.Time     `json:"taken_at"`
}
