// Package reconcile audits the engine against exchange snapshots and
// repairs what drifted while events were lost.
//
// # Source
//
//   - periodic snapshots fetched per exchange (Run, Reconcile)
//   - reconnect snapshots handed over by the connector (OnReconnect)
//
// # Produce
//
//   - status repairs, NotFoundOnExchange rejections and shadow orders
//   - balance total resyncs and reserved audits
//   - drift metrics
package reconcile

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/balance"
	"github.com/yanun0323/go-hft/internal/ledger"
	"github.com/yanun0323/go-hft/internal/obs"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Engine is the repair surface of *order.Usecase.
type Engine interface {
	OpenOrders(exchange string, pair adapter.Pair) []adapter.Order
	Knows(exchange, orderID, exchangeOrderID string) bool
	QueryOrder(ctx context.Context, o adapter.Order) (adapter.OrderStatus, error)
	ApplyStatus(ctx context.Context, exchange string, st adapter.OrderStatus) (ledger.Transition, error)
	RejectNotFound(ctx context.Context, id string) (bool, error)
	AdoptShadow(ctx context.Context, exchange string, st adapter.OrderStatus) (adapter.Order, error)
	Balance(exchange, currency string) adapter.Balance
	ResyncTotal(ctx context.Context, exchange, currency string, total adapter.Decimal) (adapter.Decimal, error)
	AuditReserved(ctx context.Context, exchange string) ([]balance.Adjustment, error)
}

// Source fetches snapshots of one exchange. *connector.Connector
// implements it.
type Source interface {
	Exchange() string
	FetchSnapshot(ctx context.Context) (adapter.ExchangeSnapshot, error)
}

type Config struct {
	// Interval paces Run. Required.
	Interval time.Duration
	// Grace skips orders submitted less than Grace before the snapshot
	// was taken; their ack may still be in flight.
	Grace time.Duration
	// Epsilon is the balance difference tolerated without a resync.
	Epsilon adapter.Decimal
	Now     func() time.Time
}

// Report counts what one pass found and repaired.
type Report struct {
	Exchange string
	// Closed counts terminal states applied from the snapshot or a query.
	Closed int
	// Repaired counts open orders whose state or fills were brought up to date.
	Repaired int
	Queried  int
	NotFound int
	Shadows  int
	Skipped  int
	Resynced int
	Audited  int
	Failed   int
}

// Drift is the number of repairs the pass made.
func (r Report) Drift() int {
	return r.Closed + r.Repaired + r.NotFound + r.Shadows + r.Resynced + r.Audited
}

type Reconciler struct {
	cfg     Config
	engine  Engine
	metrics *obs.Metrics
	sources map[string]Source

	flight singleflight.Group
	locks  sync.Map
}

func New(cfg Config, engine Engine, metrics *obs.Metrics, sources ...Source) (*Reconciler, error) {
	if engine == nil {
		return nil, exception.ErrNilInstance
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("reconcile interval must be positive")
	}
	if cfg.Grace < 0 || cfg.Epsilon.IsNegative() {
		return nil, errors.New("grace and epsilon must not be negative")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Reconciler{
		cfg:     cfg,
		engine:  engine,
		metrics: metrics,
		sources: make(map[string]Source, len(sources)),
	}
	for _, src := range sources {
		if src == nil {
			return nil, exception.ErrNilInstance
		}
		if _, ok := r.sources[src.Exchange()]; ok {
			return nil, errors.Errorf("duplicate source, exchange: %s", src.Exchange())
		}
		r.sources[src.Exchange()] = src
	}
	return r, nil
}

// Run reconciles every exchange on its own ticker until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for exchange := range r.sources {
		eg.Go(func() error {
			r.loop(ctx, exchange)
			return nil
		})
	}
	return eg.Wait()
}

func (r *Reconciler) loop(ctx context.Context, exchange string) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rep, err := r.Reconcile(ctx, exchange)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logs.Warnf("reconcile, exchange: %s, err: %+v", exchange, err)
		}
		if rep.Drift() != 0 {
			logs.Infof("reconciled, exchange: %s, report: %+v", exchange, rep)
		}
	}
}

// Reconcile fetches a snapshot of exchange and applies it. Concurrent
// calls for the same exchange share one pass.
func (r *Reconciler) Reconcile(ctx context.Context, exchange string) (Report, error) {
	src, ok := r.sources[exchange]
	if !ok {
		return Report{Exchange: exchange}, exception.New(exception.KindInvalidRequest, "reconcile", exception.ErrOrderUnsupportedVenue).
			WithExchange(exchange)
	}

	v, err, _ := r.flight.Do(exchange, func() (any, error) {
		snap, err := src.FetchSnapshot(ctx)
		if err != nil {
			return Report{Exchange: exchange}, errors.Wrap(err, "fetch snapshot").With("exchange", exchange)
		}
		return r.ApplySnapshot(ctx, exchange, snap)
	})
	rep, _ := v.(Report)
	return rep, err
}

// OnReconnect applies the snapshot a connector fetched before resuming
// its stream. Repairs that fail are logged and left to the next periodic
// pass; they never hold the stream down.
func (r *Reconciler) OnReconnect(ctx context.Context, exchange string, snap adapter.ExchangeSnapshot) error {
	rep, err := r.ApplySnapshot(ctx, exchange, snap)
	if err != nil {
		logs.Warnf("reconnect repairs incomplete, exchange: %s, failed: %d, err: %+v", exchange, rep.Failed, err)
	}
	if rep.Drift() != 0 {
		logs.Infof("reconciled on reconnect, exchange: %s, report: %+v", exchange, rep)
	}
	return nil
}

func (r *Reconciler) lock(exchange string) func() {
	v, _ := r.locks.LoadOrStore(exchange, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ApplySnapshot diffs the engine against snap and repairs the drift. The
// snapshot is compared, never copied over local state.
func (r *Reconciler) ApplySnapshot(ctx context.Context, exchange string, snap adapter.ExchangeSnapshot) (Report, error) {
	unlock := r.lock(exchange)
	defer unlock()

	rep := Report{Exchange: exchange}
	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = r.cfg.Now()
	}

	byID := make(map[string]int, len(snap.Orders))
	byExchangeID := make(map[string]int, len(snap.Orders))
	for i, st := range snap.Orders {
		if st.OrderID != "" {
			byID[st.OrderID] = i
		}
		if st.ExchangeOrderID != "" {
			byExchangeID[st.ExchangeOrderID] = i
		}
	}
	find := func(o adapter.Order) (int, bool) {
		if o.ExchangeOrderID != "" {
			if i, ok := byExchangeID[o.ExchangeOrderID]; ok {
				return i, true
			}
		}
		i, ok := byID[o.ID]
		return i, ok
	}

	var errs []error
	matched := make([]bool, len(snap.Orders))
	for _, o := range r.engine.OpenOrders(exchange, adapter.Pair{}) {
		if o.State == enum.OrderStateCreated {
			rep.Skipped++
			continue
		}
		if i, ok := find(o); ok {
			matched[i] = true
			if err := r.apply(ctx, exchange, o, snap.Orders[i], &rep); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if o.State == enum.OrderStateSubmitted && o.SubmittedAt.Add(r.cfg.Grace).After(takenAt) {
			rep.Skipped++
			continue
		}
		if err := r.resolve(ctx, exchange, o, &rep); err != nil {
			errs = append(errs, err)
		}
	}

	for i, st := range snap.Orders {
		if matched[i] || !st.State.IsLive() {
			continue
		}
		if r.engine.Knows(exchange, st.OrderID, st.ExchangeOrderID) {
			logs.Warnf("exchange reports an order open that is closed locally, exchange: %s, order: %s, exchange order: %s",
				exchange, st.OrderID, st.ExchangeOrderID)
			continue
		}
		if _, err := r.engine.AdoptShadow(ctx, exchange, st); err != nil {
			rep.Failed++
			errs = append(errs, errors.Wrap(err, "adopt shadow").With("exchange_order_id", st.ExchangeOrderID))
			continue
		}
		rep.Shadows++
	}

	for _, b := range snap.Balances {
		local := r.engine.Balance(exchange, b.Currency)
		if b.Total.Sub(local.Total).Abs().LessThanOrEqual(r.cfg.Epsilon) {
			continue
		}
		delta, err := r.engine.ResyncTotal(ctx, exchange, b.Currency, b.Total)
		if err != nil {
			rep.Failed++
			errs = append(errs, errors.Wrap(err, "resync total").With("currency", b.Currency))
			continue
		}
		rep.Resynced++
		logs.Warnf("balance drift repaired, exchange: %s, currency: %s, local: %s, exchange: %s, delta: %s",
			exchange, b.Currency, local.Total, b.Total, delta)
	}

	adjustments, err := r.engine.AuditReserved(ctx, exchange)
	rep.Audited = len(adjustments)
	if err != nil {
		rep.Failed++
		errs = append(errs, errors.Wrap(err, "audit reserved"))
	}

	r.record(rep)
	return rep, stderrors.Join(errs...)
}

// resolve queries an open order the snapshot did not list.
func (r *Reconciler) resolve(ctx context.Context, exchange string, o adapter.Order, rep *Report) error {
	rep.Queried++
	st, err := r.engine.QueryOrder(ctx, o)
	if err != nil {
		rep.Failed++
		return errors.Wrap(err, "query order").With("order_id", o.ID)
	}
	if !st.Found {
		changed, err := r.engine.RejectNotFound(ctx, o.ID)
		if err != nil {
			rep.Failed++
			return errors.Wrap(err, "reject not found").With("order_id", o.ID)
		}
		if changed {
			rep.NotFound++
		}
		return nil
	}
	return r.apply(ctx, exchange, o, st, rep)
}

func (r *Reconciler) apply(ctx context.Context, exchange string, o adapter.Order, st adapter.OrderStatus, rep *Report) error {
	st.OrderID = o.ID
	if st.ExchangeOrderID == "" {
		st.ExchangeOrderID = o.ExchangeOrderID
	}
	t, err := r.engine.ApplyStatus(ctx, exchange, st)
	if err != nil {
		rep.Failed++
		return errors.Wrap(err, "apply status").With("order_id", o.ID)
	}
	if !t.Changed {
		return nil
	}
	if t.After.State.IsTerminal() {
		rep.Closed++
	} else {
		rep.Repaired++
	}
	logs.Warnf("order drift repaired, exchange: %s, order: %s, before: %s, after: %s, filled: %s",
		exchange, o.ID, t.Before.State, t.After.State, t.After.FilledQuantity)
	return nil
}

func (r *Reconciler) record(rep Report) {
	r.metrics.AddDrift(rep.Exchange, obs.DriftOrder, rep.Closed+rep.Repaired+rep.NotFound+rep.Shadows)
	r.metrics.AddDrift(rep.Exchange, obs.DriftBalance, rep.Resynced)
	r.metrics.AddDrift(rep.Exchange, obs.DriftReserved, rep.Audited)
	r.metrics.AddRepairFailures(rep.Exchange, rep.Failed)
}
