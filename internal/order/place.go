package order

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/ledger"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Place reserves collateral, records the order and sends it.
//
// Nothing is recorded when the request is invalid or refused by the
// guard, when the exchange journal is halted, or when the balance is
// insufficient. Once the order exists its id
// is returned, also alongside an error: ConnectorUnavailable and
// RateLimited leave it Created for Resubmit, AckTimeout leaves it
// Submitted until its status is known.
func (use *Usecase) Place(ctx context.Context, req adapter.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", exception.New(exception.KindInvalidRequest, "place", err).WithExchange(req.Exchange)
	}
	d, err := use.delegator(req.Exchange)
	if err != nil {
		return "", err
	}
	if use.journal.halted(req.Exchange) {
		return "", exception.New(exception.KindFatal, "place", exception.ErrOrderPersistenceHalted).WithExchange(req.Exchange)
	}
	if use.cfg.Guard != nil {
		if err := use.cfg.Guard.Check(req); err != nil {
			return "", exception.New(exception.KindInvalidRequest, "place", err).WithExchange(req.Exchange)
		}
	}

	tif := req.TimeInForce
	if tif == 0 {
		tif = enum.OrderTimeInForceGTC
	}
	o := adapter.Order{
		ID:          use.cfg.NewID(),
		Exchange:    req.Exchange,
		Pair:        req.Pair,
		Side:        req.Side,
		Kind:        req.Kind,
		TimeInForce: tif,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Tag:         req.Tag,
	}
	if err := use.create(ctx, o); err != nil {
		return "", err
	}
	return o.ID, use.submit(ctx, d, o.ID)
}

// create reserves and records o in one partition step.
func (use *Usecase) create(ctx context.Context, o adapter.Order) error {
	unlock := use.lock(o.Exchange, o.Pair)
	defer unlock()

	r := collateral(o)
	if err := use.balances.Reserve(r); err != nil {
		return err
	}
	t, err := use.ledger.Create(o)
	if err != nil {
		use.balances.ReleaseAll(o.ID)
		return err
	}

	eff := newEffect(o.Exchange, o.Pair)
	eff.transitions = append(eff.transitions, t)
	eff.reservation(r)
	if err := use.commit(ctx, eff); err != nil {
		use.abandon(ctx, o.ID)
		return err
	}
	return nil
}

// abandon cancels a Created order that could not be made durable.
func (use *Usecase) abandon(ctx context.Context, id string) {
	_, err := use.applyLocked(ctx, func() (ledger.Transition, error) {
		return use.ledger.RequestCancel(id)
	})
	if err != nil && !exception.IsKind(err, exception.KindFatal) {
		logs.Errorf("abandon order, order: %s, err: %+v", id, err)
	}
}

// Resubmit sends an order left Created by an earlier placement.
func (use *Usecase) Resubmit(ctx context.Context, id string) error {
	o, ok := use.ledger.Get(id)
	if !ok {
		return exception.New(exception.KindUnknownOrder, "resubmit", nil).WithOrder(id)
	}
	if o.State != enum.OrderStateCreated {
		return exception.New(exception.KindInvalidRequest, "resubmit", exception.ErrOrderInvalidTransition).
			WithExchange(o.Exchange).WithOrder(id)
	}
	if use.journal.halted(o.Exchange) {
		return exception.New(exception.KindFatal, "resubmit", exception.ErrOrderPersistenceHalted).WithExchange(o.Exchange)
	}
	d, err := use.delegator(o.Exchange)
	if err != nil {
		return err
	}
	return use.submit(ctx, d, id)
}

func notSent(err error) bool {
	return exception.IsKind(err, exception.KindConnectorUnavailable, exception.KindRateLimited)
}

// submit moves a Created order to Submitted and sends it.
func (use *Usecase) submit(ctx context.Context, d Delegator, id string) error {
	o, ok := use.ledger.Get(id)
	if !ok {
		return exception.New(exception.KindUnknownOrder, "submit", nil).WithOrder(id)
	}
	if h := d.Health(); h != enum.HealthHealthy {
		return exception.New(exception.KindConnectorUnavailable, "submit", errors.Wrap(exception.ErrConnectorUnhealthy, h.String())).
			WithExchange(o.Exchange).WithOrder(id)
	}

	t, err := use.apply(ctx, o, func() (ledger.Transition, error) {
		return use.ledger.MarkSubmitted(id)
	})
	if err != nil {
		return err
	}
	o = t.After
	if o.State != enum.OrderStateSubmitted {
		return nil
	}

	ack, err := d.Submit(ctx, o)
	switch {
	case err == nil:
		return use.acknowledge(ctx, o, ack)
	case notSent(err):
		if _, rerr := use.apply(ctx, o, func() (ledger.Transition, error) {
			return use.ledger.RevertSubmit(id)
		}); rerr != nil {
			logs.Errorf("revert submit, order: %s, err: %+v", id, rerr)
		}
		return err
	case exception.IsKind(err, exception.KindAckTimeout):
		logs.Warnf("submit outcome unknown, exchange: %s, order: %s, err: %+v", o.Exchange, id, err)
		if rerr := use.resolve(ctx, d, id); rerr != nil {
			use.watch(d, id)
			return err
		}
		return nil
	default:
		use.reject(ctx, o, adapter.ReasonExchangeRejected)
		return exception.New(exception.KindExchangeRejected, "submit", err).WithExchange(o.Exchange).WithOrder(id)
	}
}

// acknowledge applies the synchronous answer to a submission.
func (use *Usecase) acknowledge(ctx context.Context, o adapter.Order, ack adapter.Ack) error {
	switch ack.State {
	case enum.OrderStateAccepted:
		if !o.SubmittedAt.IsZero() {
			use.metrics.ObserveAck(use.cfg.Now().Sub(o.SubmittedAt))
		}
		_, err := use.apply(ctx, o, func() (ledger.Transition, error) {
			return use.ledger.ApplyUpdate(o.Exchange, adapter.OrderStatus{
				OrderID:         o.ID,
				ExchangeOrderID: ack.ExchangeOrderID,
				State:           enum.OrderStateAccepted,
				Marker:          ack.Marker,
			}, "")
		})
		return err
	case enum.OrderStateRejected:
		reason := ack.Reason
		if reason == "" {
			reason = adapter.ReasonExchangeRejected
		}
		use.reject(ctx, o, reason)
		return exception.New(exception.KindExchangeRejected, "submit", errors.New(reason)).WithExchange(o.Exchange).WithOrder(o.ID)
	default:
		if ack.ExchangeOrderID != "" {
			if _, err := use.apply(ctx, o, func() (ledger.Transition, error) {
				return use.ledger.ApplyUpdate(o.Exchange, adapter.OrderStatus{
					OrderID:         o.ID,
					ExchangeOrderID: ack.ExchangeOrderID,
					Marker:          ack.Marker,
				}, "")
			}); err != nil {
				return err
			}
		}
		use.watchAfter(use.delegators[o.Exchange], o.ID, use.cfg.AckTimeout)
		return nil
	}
}

func (use *Usecase) reject(ctx context.Context, o adapter.Order, reason string) {
	if _, err := use.apply(ctx, o, func() (ledger.Transition, error) {
		return use.ledger.Reject(o.ID, reason)
	}); err != nil {
		logs.Errorf("reject order, order: %s, err: %+v", o.ID, err)
	}
}

// resolve settles a Submitted order whose submission outcome is unknown
// by querying its status once. An order the venue does not know is
// resubmitted with the same id, at most once per order.
func (use *Usecase) resolve(ctx context.Context, d Delegator, id string) error {
	o, ok := use.ledger.Get(id)
	if !ok || o.State != enum.OrderStateSubmitted {
		return nil
	}

	st, err := d.QueryOrder(ctx, o)
	if err != nil {
		return err
	}
	if st.Found {
		if st.OrderID == "" {
			st.OrderID = id
		}
		_, err := use.apply(ctx, o, func() (ledger.Transition, error) {
			return use.ledger.ApplyStatus(o.Exchange, st)
		})
		return err
	}

	if _, done := use.resubmitted.LoadOrStore(id, struct{}{}); done {
		return nil
	}
	logs.Warnf("order not found after unknown submit, resubmitting, exchange: %s, order: %s", o.Exchange, id)
	ack, err := d.Submit(ctx, o)
	switch {
	case err == nil:
		return use.acknowledge(ctx, o, ack)
	case notSent(err):
		if _, rerr := use.apply(ctx, o, func() (ledger.Transition, error) {
			return use.ledger.RevertSubmit(id)
		}); rerr != nil {
			logs.Errorf("revert submit, order: %s, err: %+v", id, rerr)
		}
		return nil
	default:
		return err
	}
}

// watch schedules resolve after the ack timeout.
func (use *Usecase) watch(d Delegator, id string) {
	use.watchAfter(d, id, use.cfg.AckTimeout)
}

func (use *Usecase) watchAfter(d Delegator, id string, after time.Duration) {
	if d == nil {
		return
	}

	use.watchMu.Lock()
	defer use.watchMu.Unlock()

	if use.watchClosed {
		return
	}
	if old, ok := use.watchdogs[id]; ok {
		old.Stop()
	}
	use.watchdogs[id] = time.AfterFunc(after, func() {
		use.watchMu.Lock()
		delete(use.watchdogs, id)
		use.watchMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), use.cfg.AckTimeout)
		defer cancel()
		if err := use.resolve(ctx, d, id); err != nil {
			logs.Warnf("resolve unacknowledged order, retry in %s, order: %s, err: %+v", use.cfg.AckTimeout, id, err)
			use.watchAfter(d, id, use.cfg.AckTimeout)
		}
	})
}

// stopWatchdogs cancels every pending ack watchdog and arms no new ones.
func (use *Usecase) stopWatchdogs() {
	use.watchMu.Lock()
	defer use.watchMu.Unlock()

	use.watchClosed = true
	for id, timer := range use.watchdogs {
		timer.Stop()
		delete(use.watchdogs, id)
	}
}
