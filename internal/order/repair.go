package order

import (
	"context"

	"github.com/yanun0323/logs"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/balance"
	"github.com/yanun0323/go-hft/internal/ledger"
	"github.com/yanun0323/go-hft/internal/obs"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Knows reports whether the ledger tracks the order.
func (use *Usecase) Knows(exchange, orderID, exchangeOrderID string) bool {
	_, ok := use.ledger.Find(exchange, orderID, exchangeOrderID)
	return ok
}

// QueryOrder asks the venue for the status of a tracked order.
func (use *Usecase) QueryOrder(ctx context.Context, o adapter.Order) (adapter.OrderStatus, error) {
	d, err := use.delegator(o.Exchange)
	if err != nil {
		return adapter.OrderStatus{}, err
	}
	return d.QueryOrder(ctx, o)
}

// ApplyStatus applies an authoritative venue status to a tracked order.
func (use *Usecase) ApplyStatus(ctx context.Context, exchange string, st adapter.OrderStatus) (ledger.Transition, error) {
	o, ok := use.ledger.Find(exchange, st.OrderID, st.ExchangeOrderID)
	if !ok {
		return ledger.Transition{}, exception.New(exception.KindUnknownOrder, "apply status", nil).
			WithExchange(exchange).WithOrder(st.OrderID)
	}
	if st.OrderID == "" {
		st.OrderID = o.ID
	}
	return use.apply(ctx, o, func() (ledger.Transition, error) {
		return use.ledger.ApplyStatus(exchange, st)
	})
}

// RejectNotFound closes an order the venue has no record of. It changes
// the order at most once.
func (use *Usecase) RejectNotFound(ctx context.Context, id string) (bool, error) {
	o, ok := use.ledger.Get(id)
	if !ok {
		return false, exception.New(exception.KindUnknownOrder, "reject not found", nil).WithOrder(id)
	}
	t, err := use.apply(ctx, o, func() (ledger.Transition, error) {
		return use.ledger.Reject(id, adapter.ReasonNotFoundOnExchange)
	})
	if err != nil {
		return false, err
	}
	if t.Changed {
		logs.Warnf("order not found on exchange, exchange: %s, order: %s", o.Exchange, id)
	}
	return t.Changed, nil
}

// AdoptShadow takes over an open venue order the ledger does not track.
// An order found in the journal is folded back under its own id; anything
// else becomes a shadow order. Either way collateral for the remaining
// quantity is reserved when available.
func (use *Usecase) AdoptShadow(ctx context.Context, exchange string, st adapter.OrderStatus) (adapter.Order, error) {
	rec, known, err := use.gateway.LastKnownOrder(ctx, exchange, st.OrderID, st.ExchangeOrderID)
	if err != nil {
		logs.Warnf("look up shadow order, exchange: %s, exchange order: %s, err: %+v", exchange, st.ExchangeOrderID, err)
		known = false
	}

	now := use.cfg.Now()
	if known {
		rec.Order.Exchange = exchange
		if rec.Order.State.IsTerminal() || rec.Order.State == enum.OrderStateCancelPending {
			rec.Order.State = enum.OrderStateAccepted
		}
		rec.Order.Reason = adapter.ReasonRecovered
	} else {
		id := st.OrderID
		if id == "" {
			id = use.cfg.NewID()
		}
		rec = adapter.OrderRecord{Order: adapter.Order{
			ID:              id,
			ExchangeOrderID: st.ExchangeOrderID,
			Exchange:        exchange,
			Pair:            st.Pair,
			Side:            st.Side,
			Kind:            st.Kind,
			TimeInForce:     enum.OrderTimeInForceGTC,
			Price:           st.Price,
			Quantity:        st.Quantity,
			FilledQuantity:  st.FilledQuantity,
			FilledNotional:  st.FilledNotional,
			State:           enum.OrderStateAccepted,
			Reason:          adapter.ReasonShadow,
			Shadow:          true,
			Marker:          st.Marker,
			CreatedAt:       now,
		}}
	}
	if rec.Order.ExchangeOrderID == "" {
		rec.Order.ExchangeOrderID = st.ExchangeOrderID
	}

	unlock := use.lock(exchange, rec.Order.Pair)
	defer unlock()

	t, err := use.ledger.Adopt(rec)
	if err != nil {
		return adapter.Order{}, err
	}
	use.metrics.IncShadow(exchange)
	logs.Warnf("adopted exchange order, exchange: %s, order: %s, exchange order: %s, known: %t",
		exchange, rec.Order.ID, rec.Order.ExchangeOrderID, known)

	eff := newEffect(exchange, rec.Order.Pair)
	eff.shadow = true
	eff.transitions = append(eff.transitions, t)

	if r := collateral(t.After); r.Amount.IsPositive() && r.Rate.IsPositive() {
		if err := use.balances.Reserve(r); err != nil {
			use.metrics.AddDrift(exchange, obs.DriftReserved, 1)
			logs.Warnf("reserve for adopted order, exchange: %s, order: %s, err: %+v", exchange, r.OrderID, err)
		} else {
			eff.reservation(r)
		}
	}
	if err := use.commit(ctx, eff); err != nil {
		return t.After, err
	}

	if !known {
		return t.After, nil
	}
	st.OrderID = rec.Order.ID
	t, err = use.applyLocked(ctx, func() (ledger.Transition, error) {
		return use.ledger.ApplyStatus(exchange, st)
	})
	return t.After, err
}

// ResyncTotal overwrites a currency total with the venue's value and
// returns the difference. Reservations are untouched; a total below them
// is logged and counted as drift.
func (use *Usecase) ResyncTotal(ctx context.Context, exchange, currency string, total adapter.Decimal) (adapter.Decimal, error) {
	unlock := use.lock(exchange, adapter.Pair{})
	defer unlock()

	delta, err := use.balances.ResyncTotal(exchange, currency, total)
	if err != nil {
		use.metrics.AddDrift(exchange, obs.DriftBalance, 1)
		logs.Warnf("resynced total below reserved, exchange: %s, currency: %s, total: %s, err: %+v", exchange, currency, total, err)
	}
	if delta.IsZero() {
		return delta, nil
	}
	eff := newEffect(exchange, adapter.Pair{})
	eff.currency(currency)
	return delta, use.commit(ctx, eff)
}

// AuditReserved recomputes reserved amounts from open reservations.
func (use *Usecase) AuditReserved(ctx context.Context, exchange string) ([]balance.Adjustment, error) {
	unlock := use.lock(exchange, adapter.Pair{})
	defer unlock()

	adjustments := use.balances.AuditReserved(exchange)
	if len(adjustments) == 0 {
		return nil, nil
	}
	eff := newEffect(exchange, adapter.Pair{})
	for _, a := range adjustments {
		logs.Warnf("reserved drift repaired, exchange: %s, currency: %s, before: %s, after: %s", a.Exchange, a.Currency, a.Before, a.After)
		eff.currency(a.Currency)
	}
	return adjustments, use.commit(ctx, eff)
}
