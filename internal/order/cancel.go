package order

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/dispatch"
	"github.com/yanun0323/go-hft/internal/ledger"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Cancel requests cancellation of an order. A Created order is cancelled
// locally. A live order moves to CancelPending; it only becomes Cancelled
// once the venue confirms, and fills arriving meanwhile are still applied.
// Cancels are sent whatever the connector health.
func (use *Usecase) Cancel(ctx context.Context, id string) error {
	o, ok := use.ledger.Get(id)
	if !ok {
		return exception.New(exception.KindUnknownOrder, "cancel", nil).WithOrder(id)
	}
	d, err := use.delegator(o.Exchange)
	if err != nil {
		return err
	}

	t, err := use.apply(ctx, o, func() (ledger.Transition, error) {
		return use.ledger.RequestCancel(id)
	})
	if err != nil {
		return err
	}
	if !t.Changed || t.After.State != enum.OrderStateCancelPending {
		return nil
	}
	o = t.After

	ack, err := d.Cancel(ctx, o)
	switch {
	case err == nil:
		if !ack.Confirmed {
			return nil
		}
		_, err := use.apply(ctx, o, func() (ledger.Transition, error) {
			return use.ledger.ApplyUpdate(o.Exchange, adapter.OrderStatus{
				OrderID:         id,
				ExchangeOrderID: o.ExchangeOrderID,
				State:           enum.OrderStateCancelled,
				FilledQuantity:  ack.FilledQuantity,
				Marker:          ack.Marker,
			}, "")
		})
		return err
	case notSent(err):
		if _, rerr := use.apply(ctx, o, func() (ledger.Transition, error) {
			return use.ledger.RevertCancel(id)
		}); rerr != nil {
			logs.Errorf("revert cancel, order: %s, err: %+v", id, rerr)
		}
		return err
	default:
		logs.Warnf("cancel outcome unknown, exchange: %s, order: %s, err: %+v", o.Exchange, id, err)
		if rerr := use.query(ctx, d, id); rerr != nil {
			return err
		}
		return nil
	}
}

// query applies the venue status of an open order. An order the venue
// does not know is left alone; reconciliation owns that case.
func (use *Usecase) query(ctx context.Context, d Delegator, id string) error {
	o, ok := use.ledger.Get(id)
	if !ok || o.State.IsTerminal() {
		return nil
	}
	st, err := d.QueryOrder(ctx, o)
	if err != nil {
		return err
	}
	if !st.Found {
		return nil
	}
	if st.OrderID == "" {
		st.OrderID = id
	}
	_, err = use.apply(ctx, o, func() (ledger.Transition, error) {
		return use.ledger.ApplyStatus(o.Exchange, st)
	})
	return err
}

// WaitCancel cancels an order and waits up to timeout for it to become
// terminal. When no confirmation arrives in time the venue is queried once;
// an order still open after that fails with AckTimeout.
func (use *Usecase) WaitCancel(ctx context.Context, id string, timeout time.Duration) error {
	sub := use.dispatcher.Subscribe(dispatch.CapTransitions, 64)
	defer sub.Close()

	if err := use.Cancel(ctx, id); err != nil && !exception.IsKind(err, exception.KindOrderTerminal) {
		return err
	}

	terminal := func() bool {
		o, ok := use.ledger.Get(id)
		return !ok || o.State.IsTerminal()
	}
	if terminal() {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		n, err := sub.Next(waitCtx)
		if err != nil {
			break
		}
		if n.Order != nil && n.Order.ID == id && n.Order.State.IsTerminal() {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	o, _ := use.ledger.Get(id)
	if d, err := use.delegator(o.Exchange); err == nil {
		if err := use.query(ctx, d, id); err != nil {
			logs.Warnf("query order after cancel timeout, order: %s, err: %+v", id, err)
		}
	}
	if terminal() {
		return nil
	}
	return exception.New(exception.KindAckTimeout, "wait cancel", exception.ErrOrderCancelTimeout).
		WithExchange(o.Exchange).WithOrder(id)
}

// CancelAll cancels every open order of exchange and returns the joined
// errors of the cancels that failed.
func (use *Usecase) CancelAll(ctx context.Context, exchange string) error {
	if _, err := use.delegator(exchange); err != nil {
		return err
	}

	open := use.ledger.Open(exchange)
	errs := make([]error, len(open))

	var g errgroup.Group
	g.SetLimit(use.cfg.CancelAllLimit)
	for i, o := range open {
		g.Go(func() error {
			err := use.Cancel(ctx, o.ID)
			if err != nil && !exception.IsKind(err, exception.KindOrderTerminal) {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := stderrors.Join(errs...); err != nil {
		logs.Warnf("cancel all, exchange: %s, orders: %d, err: %+v", exchange, len(open), err)
		return err
	}
	logs.Infof("cancel all, exchange: %s, orders: %d", exchange, len(open))
	return nil
}
