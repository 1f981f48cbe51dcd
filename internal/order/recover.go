package order

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/persist"
)

// Recover rebuilds the state of every routed exchange from its last
// snapshot plus the journal records appended after it. Orders left
// Submitted get their status resolved once the ack timeout passes.
func (use *Usecase) Recover(ctx context.Context) error {
	for _, exchange := range use.Exchanges() {
		if err := use.recover(ctx, exchange); err != nil {
			return err
		}
	}
	return nil
}

func (use *Usecase) recover(ctx context.Context, exchange string) error {
	snap, err := use.gateway.LoadLastSnapshot(ctx, exchange)
	if err != nil {
		return errors.Wrap(err, "load last snapshot").With("exchange", exchange)
	}
	recs, err := use.gateway.EventsSince(ctx, exchange, snap.LastSeq)
	if err != nil {
		return errors.Wrap(err, "load events").With("exchange", exchange)
	}

	use.ledger.Restore(exchange, snap.Orders)
	use.balances.Restore(exchange, snap.Balances, snap.Reservations)

	last := snap.LastSeq
	for _, rec := range recs {
		use.replay(rec)
		last = max(last, rec.Seq)
	}
	use.journal.resume(exchange, last)

	pending := 0
	d := use.delegators[exchange]
	for _, o := range use.ledger.Open(exchange) {
		if o.State == enum.OrderStateSubmitted {
			pending++
			use.watchAfter(d, o.ID, use.cfg.AckTimeout)
		}
	}
	logs.Infof("recovered, exchange: %s, snapshot seq: %d, replayed: %d, last seq: %d, open: %d, unacknowledged: %d",
		exchange, snap.LastSeq, len(recs), last, len(use.ledger.Open(exchange)), pending)
	return nil
}

func (use *Usecase) replay(rec persist.Record) {
	switch rec.Kind {
	case persist.RecordOrder:
		if rec.Order != nil {
			use.ledger.Upsert(*rec.Order)
		}
	case persist.RecordArchive:
		if rec.Order != nil {
			use.ledger.Remove(rec.Order.Order.ID)
		}
	case persist.RecordBalance:
		if rec.Balance != nil {
			use.balances.Upsert(*rec.Balance)
		}
	case persist.RecordReservation:
		if rec.Reservation != nil {
			use.balances.UpsertReservation(*rec.Reservation)
		}
	case persist.RecordFill:
		// fills are folded into the order post-image
	default:
		logs.Warnf("skip unknown record, exchange: %s, seq: %d, kind: %d", rec.Exchange, rec.Seq, rec.Kind)
	}
}

// Checkpoint saves a snapshot of exchange so recovery does not replay the
// whole journal.
func (use *Usecase) Checkpoint(ctx context.Context, exchange string) error {
	return use.journal.checkpoint(ctx, exchange, func(uint64) persist.Snapshot {
		return persist.Snapshot{
			Orders:       use.ledger.Records(exchange),
			Balances:     use.balances.Balances(exchange),
			Reservations: use.balances.Reservations(exchange),
		}
	})
}

// Flush retries the journal backlog of every exchange. Placements resume
// on exchanges whose backlog was stored.
func (use *Usecase) Flush(ctx context.Context) error {
	var errs []error
	for _, exchange := range use.journal.exchanges() {
		if err := use.journal.flush(ctx, exchange); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 0 {
		return errs[0]
	}
	return nil
}

// Evict archives terminal orders past the retention window and drops them
// from memory.
func (use *Usecase) Evict(ctx context.Context) int {
	evicted := use.ledger.Evict(use.cfg.Now())
	if len(evicted) == 0 {
		return 0
	}

	byExchange := make(map[string][]adapter.Order)
	for _, o := range evicted {
		byExchange[o.Exchange] = append(byExchange[o.Exchange], o)
		use.resubmitted.Delete(o.ID)
	}
	for exchange, orders := range byExchange {
		eff := newEffect(exchange, adapter.Pair{})
		eff.archived = orders
		if err := use.commit(ctx, eff); err != nil {
			logs.Errorf("archive orders, exchange: %s, orders: %d, err: %+v", exchange, len(orders), err)
		}
	}
	return len(evicted)
}

// Run flushes the journal, evicts retained orders and checkpoints until
// ctx is done.
func (use *Usecase) Run(ctx context.Context) error {
	defer use.stopWatchdogs()
	if use.cfg.MaintainInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(use.cfg.MaintainInterval)
	defer ticker.Stop()

	lastCheckpoint := use.cfg.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := use.Flush(ctx); err != nil {
			logs.Warnf("flush journal, err: %+v", err)
		}
		if n := use.Evict(ctx); n != 0 {
			logs.Infof("evicted orders, count: %d", n)
		}

		if use.cfg.CheckpointInterval <= 0 || use.cfg.Now().Sub(lastCheckpoint) < use.cfg.CheckpointInterval {
			continue
		}
		lastCheckpoint = use.cfg.Now()
		for _, exchange := range use.Exchanges() {
			if err := use.Checkpoint(ctx, exchange); err != nil {
				logs.Warnf("checkpoint, exchange: %s, err: %+v", exchange, err)
			}
		}
	}
}
