// Package event defines the normalized events exchange connectors push
// into the engine.
//
// # Produce
//
//   - OrderUpdate: order state reported by the venue
//   - Fill: one execution
//   - BalanceUpdate: a balance delta not caused by our own fills
//   - BookUpdate: market data passed through to subscribers
//   - Connectivity: stream up/down
package event

import (
	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
)

type Kind uint8

const (
	_kind_beg Kind = iota
	KindOrderUpdate
	KindFill
	KindBalanceUpdate
	KindBookUpdate
	KindConnectivity
	_kind_end
)

func (k Kind) IsAvailable() bool {
	return k > _kind_beg && k < _kind_end
}

func (k Kind) String() string {
	switch k {
	case KindOrderUpdate:
		return "order_update"
	case KindFill:
		return "fill"
	case KindBalanceUpdate:
		return "balance_update"
	case KindBookUpdate:
		return "book_update"
	case KindConnectivity:
		return "connectivity"
	default:
		return "unknown"
	}
}

// Header is carried by every event.
type Header struct {
	Exchange string
	Seq      uint64
	TsEvent  int64
	TsRecv   int64
}

func (h Header) Marker() adapter.Marker {
	return adapter.Marker{Seq: h.Seq, TsEvent: h.TsEvent}
}

// Event is implemented by the pointer types of this package.
type Event interface {
	EventHeader() *Header
	EventKind() Kind
}

// OrderUpdate reports an order's state on the venue.
//
// FilledQuantity is the venue's cumulative filled quantity; zero when the
// venue does not report it.
type OrderUpdate struct {
	Header
	OrderID         string
	ExchangeOrderID string
	State           enum.OrderState
	FilledQuantity  adapter.Decimal
	Reason          string
}

func (e *OrderUpdate) EventHeader() *Header { return &e.Header }
func (e *OrderUpdate) EventKind() Kind      { return KindOrderUpdate }

type Fill struct {
	Header
	Fill adapter.Fill
}

func (e *Fill) EventHeader() *Header { return &e.Header }
func (e *Fill) EventKind() Kind      { return KindFill }

// BalanceUpdate carries a delta to a currency total, for example a deposit
// or a transfer. Balance effects of our own fills are derived from fills.
type BalanceUpdate struct {
	Header
	Currency string
	Delta    adapter.Decimal
	Reason   string
}

func (e *BalanceUpdate) EventHeader() *Header { return &e.Header }
func (e *BalanceUpdate) EventKind() Kind      { return KindBalanceUpdate }

type BookUpdate struct {
	Header
	Book adapter.BookUpdate
}

func (e *BookUpdate) EventHeader() *Header { return &e.Header }
func (e *BookUpdate) EventKind() Kind      { return KindBookUpdate }

type Connectivity struct {
	Header
	Connected bool
	Err       error
}

func (e *Connectivity) EventHeader() *Header { return &e.Header }
func (e *Connectivity) EventKind() Kind      { return KindConnectivity }

// Stamp sets the exchange and receive time on ev when they are missing.
func Stamp(ev Event, exchange string, tsRecv int64) {
	h := ev.EventHeader()
	if h.Exchange == "" {
		h.Exchange = exchange
	}
	if h.TsRecv == 0 {
		h.TsRecv = tsRecv
	}
}

// Pair returns the trading pair an event belongs to, if any.
func Pair(ev Event) (adapter.Pair, bool) {
	switch e := ev.(type) {
	case *Fill:
		return e.Fill.Pair, !e.Fill.Pair.IsZero()
	case *BookUpdate:
		return e.Book.Pair, !e.Book.Pair.IsZero()
	default:
		return adapter.Pair{}, false
	}
}
