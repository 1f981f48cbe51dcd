package order

import (
	"context"

	"github.com/yanun0323/logs"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/dispatch"
	"github.com/yanun0323/go-hft/internal/event"
	"github.com/yanun0323/go-hft/internal/ledger"
	"github.com/yanun0323/go-hft/internal/obs"
	"github.com/yanun0323/go-hft/pkg/exception"
)

const ignoredUnknown = "unknown_order"

// OnEvent applies one connector event.
func (use *Usecase) OnEvent(ctx context.Context, ev event.Event) {
	h := ev.EventHeader()
	switch e := ev.(type) {
	case *event.OrderUpdate:
		use.onOrderUpdate(ctx, h.Exchange, e)
	case *event.Fill:
		use.onFill(ctx, h.Exchange, e)
	case *event.BalanceUpdate:
		use.onBalanceUpdate(ctx, h.Exchange, e)
	case *event.BookUpdate:
		book := e.Book
		use.dispatcher.Publish(dispatch.Notification{
			Kind:     dispatch.KindBook,
			Exchange: h.Exchange,
			Pair:     book.Pair,
			Book:     &book,
		})
	case *event.Connectivity:
		if e.Connected {
			logs.Infof("exchange connected, exchange: %s", h.Exchange)
		} else {
			logs.Warnf("exchange disconnected, exchange: %s, err: %+v", h.Exchange, e.Err)
		}
		use.dispatcher.Publish(dispatch.Notification{
			Kind:      dispatch.KindConnectivity,
			Exchange:  h.Exchange,
			Connected: e.Connected,
		})
	default:
		logs.Warnf("unsupported event, exchange: %s, kind: %s", h.Exchange, ev.EventKind())
	}
}

func (use *Usecase) onOrderUpdate(ctx context.Context, exchange string, e *event.OrderUpdate) {
	o, ok := use.ledger.Find(exchange, e.OrderID, e.ExchangeOrderID)
	if !ok {
		use.metrics.IncIgnored(exchange, ignoredUnknown)
		logs.Warnf("update for unknown order, exchange: %s, order: %s, exchange order: %s", exchange, e.OrderID, e.ExchangeOrderID)
		return
	}

	st := adapter.OrderStatus{
		OrderID:         o.ID,
		ExchangeOrderID: e.ExchangeOrderID,
		State:           e.State,
		FilledQuantity:  e.FilledQuantity,
		Marker:          e.Marker(),
	}
	if _, err := use.apply(ctx, o, func() (ledger.Transition, error) {
		return use.ledger.ApplyUpdate(exchange, st, e.Reason)
	}); err != nil && !exception.IsKind(err, exception.KindFatal) {
		logs.Errorf("apply order update, exchange: %s, order: %s, err: %+v", exchange, o.ID, err)
	}
}

func (use *Usecase) onFill(ctx context.Context, exchange string, e *event.Fill) {
	f := e.Fill
	if f.Exchange == "" {
		f.Exchange = exchange
	}
	if f.Marker.IsZero() {
		f.Marker = e.Marker()
	}

	o, ok := use.ledger.Find(exchange, f.OrderID, f.ExchangeOrderID)
	if !ok {
		use.metrics.IncIgnored(exchange, ignoredUnknown)
		logs.Warnf("fill for unknown order, exchange: %s, order: %s, exchange order: %s, trade: %s", exchange, f.OrderID, f.ExchangeOrderID, f.TradeID)
		return
	}
	f.OrderID = o.ID

	if _, err := use.apply(ctx, o, func() (ledger.Transition, error) {
		return use.ledger.ApplyFill(f)
	}); err != nil && !exception.IsKind(err, exception.KindFatal) {
		logs.Errorf("apply fill, exchange: %s, order: %s, trade: %s, err: %+v", exchange, o.ID, f.TradeID, err)
	}
}

// onBalanceUpdate applies a delta not caused by our own fills.
func (use *Usecase) onBalanceUpdate(ctx context.Context, exchange string, e *event.BalanceUpdate) {
	unlock := use.lock(exchange, adapter.Pair{})
	defer unlock()

	if err := use.balances.ApplyDelta(exchange, e.Currency, e.Delta); err != nil {
		use.metrics.AddDrift(exchange, obs.DriftBalance, 1)
		logs.Warnf("apply balance delta, exchange: %s, currency: %s, reason: %s, err: %+v", exchange, e.Currency, e.Reason, err)
	}

	eff := newEffect(exchange, adapter.Pair{})
	eff.currency(e.Currency)
	if err := use.commit(ctx, eff); err != nil {
		logs.Errorf("journal balance update, exchange: %s, err: %+v", exchange, err)
	}
}
