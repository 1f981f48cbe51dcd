package order

import (
	"context"
	"slices"

	"github.com/yanun0323/logs"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/dispatch"
	"github.com/yanun0323/go-hft/internal/ledger"
	"github.com/yanun0323/go-hft/internal/obs"
	"github.com/yanun0323/go-hft/internal/persist"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// effect collects what one engine step changed in one partition.
type effect struct {
	exchange     string
	pair         adapter.Pair
	transitions  []ledger.Transition
	currencies   []string
	reservations []string
	closed       []adapter.Reservation
	archived     []adapter.Order
	shadow       bool
}

func newEffect(exchange string, pair adapter.Pair) *effect {
	return &effect{exchange: exchange, pair: pair}
}

func (e *effect) currency(currency string) {
	if currency != "" && !slices.Contains(e.currencies, currency) {
		e.currencies = append(e.currencies, currency)
	}
}

func (e *effect) reservation(r adapter.Reservation) {
	e.currency(r.Currency)
	if !slices.Contains(e.reservations, r.OrderID) {
		e.reservations = append(e.reservations, r.OrderID)
	}
}

func (e *effect) empty() bool {
	return len(e.transitions) == 0 && len(e.currencies) == 0 && len(e.reservations) == 0 && len(e.archived) == 0
}

// applyLocked runs a ledger operation and settles its balance effects.
// The caller holds the partition lock of the order.
func (use *Usecase) applyLocked(ctx context.Context, op func() (ledger.Transition, error)) (ledger.Transition, error) {
	t, err := op()
	if err != nil {
		if exception.IsKind(err, exception.KindFatal) {
			use.fatal(t.Before.Exchange, err)
		}
		return t, err
	}
	if !t.Changed {
		if t.Ignored != "" {
			use.metrics.IncIgnored(t.After.Exchange, t.Ignored)
		}
		return t, nil
	}

	eff := newEffect(t.After.Exchange, t.After.Pair)
	use.settle(eff, t)
	return t, use.commit(ctx, eff)
}

// apply takes the partition lock of the order and runs applyLocked.
func (use *Usecase) apply(ctx context.Context, o adapter.Order, op func() (ledger.Transition, error)) (ledger.Transition, error) {
	unlock := use.lock(o.Exchange, o.Pair)
	defer unlock()
	return use.applyLocked(ctx, op)
}

// settle moves collateral and balances for a ledger transition: fills
// release their share of the reservation before the totals change, and a
// terminal order releases what is left.
func (use *Usecase) settle(eff *effect, t ledger.Transition) {
	eff.transitions = append(eff.transitions, t)
	id := t.After.ID

	if f := t.Fill; f != nil {
		if r, ok := use.balances.Reservation(id); ok {
			eff.reservation(r)
		}
		if _, err := use.balances.ReleaseFill(id, f.Quantity); err != nil {
			use.fatal(eff.exchange, err)
		}
		if err := use.balances.Settle(*f); err != nil {
			use.metrics.AddDrift(eff.exchange, obs.DriftBalance, 1)
			logs.Warnf("settle fill, exchange: %s, order: %s, trade: %s, err: %+v", eff.exchange, id, f.TradeID, err)
		}
		eff.currency(f.Pair.Base)
		eff.currency(f.Pair.Quote)
		eff.currency(f.FeeCurrency)
	}

	if t.Closed() {
		use.releaseAll(eff, id)
	}
}

func (use *Usecase) releaseAll(eff *effect, id string) {
	r, ok := use.balances.Reservation(id)
	if !ok {
		return
	}
	use.balances.ReleaseAll(id)
	r.Closed = true
	eff.currency(r.Currency)
	eff.closed = append(eff.closed, r)
}

// commit journals the post-images of eff and publishes it. Publishing
// happens even when the journal fails; the records wait in the backlog.
func (use *Usecase) commit(ctx context.Context, eff *effect) error {
	if eff.empty() {
		return nil
	}
	err := use.journal.append(ctx, eff.exchange, func() []persist.Record {
		return use.records(eff)
	})
	use.publish(eff)
	return err
}

func (use *Usecase) records(eff *effect) []persist.Record {
	var recs []persist.Record
	for _, t := range eff.transitions {
		if f := t.Fill; f != nil {
			fill := *f
			recs = append(recs, persist.Record{Kind: persist.RecordFill, Fill: &fill})
		}
		if rec, ok := use.ledger.Record(t.After.ID); ok {
			recs = append(recs, persist.Record{Kind: persist.RecordOrder, Order: &rec})
		}
	}
	for _, o := range eff.archived {
		rec := adapter.OrderRecord{Order: o}
		recs = append(recs, persist.Record{Kind: persist.RecordArchive, Order: &rec})
	}
	for _, id := range eff.reservations {
		if r, ok := use.balances.Reservation(id); ok {
			recs = append(recs, persist.Record{Kind: persist.RecordReservation, Reservation: &r})
		}
	}
	for _, r := range eff.closed {
		recs = append(recs, persist.Record{Kind: persist.RecordReservation, Reservation: &r})
	}
	for _, currency := range eff.currencies {
		b := use.balances.Balance(eff.exchange, currency)
		recs = append(recs, persist.Record{Kind: persist.RecordBalance, Balance: &b})
	}
	return recs
}

func (use *Usecase) publish(eff *effect) {
	for _, t := range eff.transitions {
		after := t.After
		if f := t.Fill; f != nil {
			fill := *f
			use.dispatcher.Publish(dispatch.Notification{
				Kind:     dispatch.KindFill,
				Exchange: eff.exchange,
				Pair:     eff.pair,
				Order:    &after,
				Fill:     &fill,
			})
		}
		if t.Before.State == after.State {
			continue
		}

		kind := dispatch.KindTransition
		if eff.shadow {
			kind = dispatch.KindShadow
		}
		use.dispatcher.Publish(dispatch.Notification{
			Kind:     kind,
			Exchange: eff.exchange,
			Pair:     eff.pair,
			From:     t.Before.State,
			Order:    &after,
		})
		use.metrics.IncTransition(eff.exchange, after.State)
	}

	for _, currency := range eff.currencies {
		b := use.balances.Balance(eff.exchange, currency)
		use.dispatcher.Publish(dispatch.Notification{
			Kind:     dispatch.KindBalance,
			Exchange: eff.exchange,
			Pair:     eff.pair,
			Balance:  &b,
		})
	}
}

// fatal reports an invariant violation. The offending change was not
// applied.
func (use *Usecase) fatal(exchange string, err error) {
	use.metrics.IncFatal(exchange)
	logs.Errorf("invariant violated, exchange: %s, err: %+v", exchange, err)
}
