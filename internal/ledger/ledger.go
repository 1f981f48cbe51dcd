package ledger

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Reasons an event was ignored without mutating the ledger.
const (
	IgnoredTerminal  = "terminal"
	IgnoredStale     = "stale"
	IgnoredDuplicate = "duplicate"
)

// Transition is the outcome of a ledger mutation.
type Transition struct {
	Before  adapter.Order
	After   adapter.Order
	Fill    *adapter.Fill
	Changed bool
	Ignored string
}

// StateChanged reports whether the order moved to a different state.
func (t Transition) StateChanged() bool {
	return t.Changed && t.Before.State != t.After.State
}

// Closed reports whether this transition made the order terminal.
func (t Transition) Closed() bool {
	return t.Changed && !t.Before.State.IsTerminal() && t.After.State.IsTerminal()
}

type Config struct {
	// Retention is how long terminal orders stay queryable. Zero keeps
	// them forever.
	Retention time.Duration
	Now       func() time.Time
}

// Ledger is the source of truth for the lifecycle of every order.
//
// The index lock is never held while an order lock is acquired.
type Ledger struct {
	mu         sync.RWMutex
	orders     map[string]*entry
	byExchange map[exchangeKey]string

	retention time.Duration
	now       func() time.Time
}

type exchangeKey struct {
	exchange        string
	exchangeOrderID string
}

type entry struct {
	mu       sync.Mutex
	order    adapter.Order
	trades   map[string]struct{}
	tradeIDs []string
	// resume is the state a withdrawn cancel returns to.
	resume enum.OrderState
	// closing holds a terminal state reported ahead of its fills.
	closing *closing
	// covered is the venue point up to which fills were booked synthetically.
	covered adapter.Marker
}

type closing struct {
	state  enum.OrderState
	filled adapter.Decimal
	reason string
}

func New(cfg Config) *Ledger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		orders:     make(map[string]*entry),
		byExchange: make(map[exchangeKey]string),
		retention:  cfg.Retention,
		now:        now,
	}
}

func newEntry(rec adapter.OrderRecord) *entry {
	e := &entry{
		order:    rec.Order,
		trades:   make(map[string]struct{}, len(rec.TradeIDs)),
		tradeIDs: slices.Clone(rec.TradeIDs),
	}
	for _, id := range rec.TradeIDs {
		e.trades[id] = struct{}{}
	}
	return e
}

func (e *entry) record() adapter.OrderRecord {
	return adapter.OrderRecord{Order: e.order, TradeIDs: slices.Clone(e.tradeIDs)}
}

// Create registers a new order in the Created state.
func (l *Ledger) Create(order adapter.Order) (Transition, error) {
	if order.ID == "" {
		return Transition{}, exception.New(exception.KindInvalidRequest, "create", exception.ErrInvalidArgument)
	}

	now := l.now()
	order.State = enum.OrderStateCreated
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.orders[order.ID]; ok {
		return Transition{}, exception.New(exception.KindInvalidRequest, "create", exception.ErrOrderDuplicateID).WithOrder(order.ID)
	}
	l.orders[order.ID] = newEntry(adapter.OrderRecord{Order: order})
	if order.ExchangeOrderID != "" {
		l.byExchange[exchangeKey{order.Exchange, order.ExchangeOrderID}] = order.ID
	}

	return Transition{After: order, Changed: true}, nil
}

// Adopt inserts an order discovered on the exchange or recovered from
// storage. Its state is taken as given.
func (l *Ledger) Adopt(rec adapter.OrderRecord) (Transition, error) {
	if rec.Order.ID == "" {
		return Transition{}, exception.New(exception.KindInvalidRequest, "adopt", exception.ErrInvalidArgument)
	}
	if rec.Order.UpdatedAt.IsZero() {
		rec.Order.UpdatedAt = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.orders[rec.Order.ID]; ok {
		return Transition{}, exception.New(exception.KindInvalidRequest, "adopt", exception.ErrOrderDuplicateID).WithOrder(rec.Order.ID)
	}
	if rec.Order.ExchangeOrderID != "" {
		key := exchangeKey{rec.Order.Exchange, rec.Order.ExchangeOrderID}
		if id, ok := l.byExchange[key]; ok {
			return Transition{}, exception.New(exception.KindInvalidRequest, "adopt", exception.ErrOrderDuplicateID).WithOrder(id)
		}
		l.byExchange[key] = rec.Order.ID
	}
	l.orders[rec.Order.ID] = newEntry(rec)

	return Transition{After: rec.Order, Changed: true}, nil
}

func (l *Ledger) lookup(id string) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.orders[id]
	return e, ok
}

func (l *Ledger) resolve(exchange, orderID, exchangeOrderID string) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if orderID != "" {
		if e, ok := l.orders[orderID]; ok {
			return e, true
		}
	}
	if exchangeOrderID != "" {
		if id, ok := l.byExchange[exchangeKey{exchange, exchangeOrderID}]; ok {
			e, ok := l.orders[id]
			return e, ok
		}
	}
	return nil, false
}

// mutate runs fn under the order lock and builds the transition.
func (l *Ledger) mutate(e *entry, fn func(e *entry) (bool, string, error)) (Transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.order
	changed, ignored, err := fn(e)
	if err != nil || !changed {
		return Transition{Before: before, After: e.order, Ignored: ignored}, err
	}

	e.order.UpdatedAt = l.now()
	if e.order.ExchangeOrderID != before.ExchangeOrderID {
		l.mu.Lock()
		if before.ExchangeOrderID != "" {
			delete(l.byExchange, exchangeKey{before.Exchange, before.ExchangeOrderID})
		}
		l.byExchange[exchangeKey{e.order.Exchange, e.order.ExchangeOrderID}] = e.order.ID
		l.mu.Unlock()
	}

	return Transition{Before: before, After: e.order, Changed: true}, nil
}

func unknownOrder(op, id string) error {
	return exception.New(exception.KindUnknownOrder, op, nil).WithOrder(id)
}

func terminalOrder(op string, o adapter.Order) error {
	return exception.New(exception.KindOrderTerminal, op, nil).WithOrder(o.ID).WithExchange(o.Exchange)
}

// MarkSubmitted moves a Created order to Submitted before it is sent.
// Marking an already Submitted order is a no-op.
func (l *Ledger) MarkSubmitted(id string) (Transition, error) {
	e, ok := l.lookup(id)
	if !ok {
		return Transition{}, unknownOrder("mark submitted", id)
	}
	return l.mutate(e, func(e *entry) (bool, string, error) {
		switch e.order.State {
		case enum.OrderStateCreated:
			e.order.State = enum.OrderStateSubmitted
			e.order.SubmittedAt = l.now()
			return true, "", nil
		case enum.OrderStateSubmitted:
			return false, "", nil
		default:
			if e.order.State.IsTerminal() {
				return false, "", terminalOrder("mark submitted", e.order)
			}
			return false, "", exception.New(exception.KindInvalidRequest, "mark submitted", exception.ErrOrderInvalidTransition).WithOrder(id)
		}
	})
}

// RevertSubmit returns a Submitted order to Created after a send that
// provably never left the process.
func (l *Ledger) RevertSubmit(id string) (Transition, error) {
	e, ok := l.lookup(id)
	if !ok {
		return Transition{}, unknownOrder("revert submit", id)
	}
	return l.mutate(e, func(e *entry) (bool, string, error) {
		if e.order.State != enum.OrderStateSubmitted {
			return false, "", nil
		}
		e.order.State = enum.OrderStateCreated
		e.order.SubmittedAt = time.Time{}
		return true, "", nil
	})
}

// RequestCancel records cancel intent. A Created order is cancelled
// locally; a live order moves to CancelPending until the venue answers.
func (l *Ledger) RequestCancel(id string) (Transition, error) {
	e, ok := l.lookup(id)
	if !ok {
		return Transition{}, unknownOrder("cancel", id)
	}
	return l.mutate(e, func(e *entry) (bool, string, error) {
		switch s := e.order.State; {
		case s.IsTerminal():
			return false, "", terminalOrder("cancel", e.order)
		case s == enum.OrderStateCreated:
			e.order.State = enum.OrderStateCancelled
			e.order.Reason = adapter.ReasonLocalCancel
			return true, "", nil
		case s == enum.OrderStateCancelPending:
			return false, "", nil
		default:
			e.resume = s
			e.order.State = enum.OrderStateCancelPending
			return true, "", nil
		}
	})
}

// RevertCancel withdraws a cancel that provably never reached the venue.
func (l *Ledger) RevertCancel(id string) (Transition, error) {
	e, ok := l.lookup(id)
	if !ok {
		return Transition{}, unknownOrder("revert cancel", id)
	}
	return l.mutate(e, func(e *entry) (bool, string, error) {
		if e.order.State != enum.OrderStateCancelPending || e.closing != nil || !e.resume.IsLive() {
			return false, "", nil
		}
		e.order.State = e.resume
		return true, "", nil
	})
}

// Reject closes an open order as Rejected with reason.
func (l *Ledger) Reject(id, reason string) (Transition, error) {
	e, ok := l.lookup(id)
	if !ok {
		return Transition{}, unknownOrder("reject", id)
	}
	return l.mutate(e, func(e *entry) (bool, string, error) {
		if e.order.State.IsTerminal() {
			return false, IgnoredTerminal, nil
		}
		e.order.State = enum.OrderStateRejected
		e.order.Reason = reason
		e.closing = nil
		return true, "", nil
	})
}

func (e *entry) setExchangeOrderID(id string) bool {
	if id == "" || id == e.order.ExchangeOrderID {
		return false
	}
	e.order.ExchangeOrderID = id
	return true
}

// markLive records that the venue holds the order.
func (e *entry) markLive() bool {
	switch e.order.State {
	case enum.OrderStateCreated, enum.OrderStateSubmitted:
		e.order.State = enum.OrderStateAccepted
		if e.order.FilledQuantity.IsPositive() {
			e.order.State = enum.OrderStatePartiallyFilled
		}
		return true
	case enum.OrderStateCancelPending:
		if e.resume == enum.OrderStateSubmitted || e.resume == enum.OrderStateCreated {
			e.resume = enum.OrderStateAccepted
		}
	}
	return false
}

// close moves the order to a terminal state, or parks it in CancelPending
// when the venue reports more filled quantity than the fills seen so far.
func (e *entry) close(state enum.OrderState, reportedFilled adapter.Decimal, reason string) bool {
	if reportedFilled.GreaterThan(e.order.FilledQuantity) {
		e.closing = &closing{state: state, filled: reportedFilled, reason: reason}
		if e.order.State == enum.OrderStateCancelPending {
			return false
		}
		e.resume = e.order.State
		e.order.State = enum.OrderStateCancelPending
		return true
	}

	e.closing = nil
	if e.order.FilledQuantity.Equal(e.order.Quantity) {
		state = enum.OrderStateFilled
	}
	e.order.State = state
	if reason != "" {
		e.order.Reason = reason
	}
	return true
}

// ApplyUpdate applies a venue order update. Updates older than the last
// applied marker and updates for terminal orders are ignored.
func (l *Ledger) ApplyUpdate(exchange string, u adapter.OrderStatus, reason string) (Transition, error) {
	e, ok := l.resolve(exchange, u.OrderID, u.ExchangeOrderID)
	if !ok {
		return Transition{}, unknownOrder("apply update", firstNonEmpty(u.OrderID, u.ExchangeOrderID))
	}
	return l.mutate(e, func(e *entry) (bool, string, error) {
		if e.order.State.IsTerminal() {
			return false, IgnoredTerminal, nil
		}
		if u.Marker.Before(e.order.Marker) {
			return false, IgnoredStale, nil
		}
		e.order.Marker = e.order.Marker.Max(u.Marker)

		changed := e.setExchangeOrderID(u.ExchangeOrderID)
		switch u.State {
		case enum.OrderStateAccepted, enum.OrderStatePartiallyFilled, enum.OrderStateFilled:
			if e.markLive() {
				changed = true
			}
		case enum.OrderStateCancelled, enum.OrderStateExpired, enum.OrderStateRejected:
			if e.close(u.State, u.FilledQuantity, reason) {
				changed = true
			}
		}
		return changed, "", nil
	})
}

// ApplyFill applies one execution. A trade id already applied to the
// order is ignored; a fill beyond the order quantity is Fatal.
func (l *Ledger) ApplyFill(f adapter.Fill) (Transition, error) {
	e, ok := l.resolve(f.Exchange, f.OrderID, f.ExchangeOrderID)
	if !ok {
		return Transition{}, unknownOrder("apply fill", firstNonEmpty(f.OrderID, f.ExchangeOrderID))
	}

	var applied adapter.Fill
	t, err := l.mutate(e, func(e *entry) (bool, string, error) {
		if e.order.State.IsTerminal() {
			return false, IgnoredTerminal, nil
		}
		if _, dup := e.trades[f.TradeID]; dup {
			return false, IgnoredDuplicate, nil
		}
		if coveredBy(f.Marker, e.covered) {
			return false, IgnoredStale, nil
		}
		if f.TradeID == "" || !f.Quantity.IsPositive() || f.Price.IsNegative() {
			return false, "", exception.New(exception.KindInvalidRequest, "apply fill", exception.ErrOrderInvalidFill).WithOrder(e.order.ID)
		}
		if e.order.FilledQuantity.Add(f.Quantity).GreaterThan(e.order.Quantity) {
			return false, "", exception.New(exception.KindFatal, "apply fill", exception.ErrOrderOverfill).
				WithOrder(e.order.ID).WithExchange(e.order.Exchange)
		}

		applied = e.fill(f)
		return true, "", nil
	})
	if t.Changed {
		t.Fill = &applied
	}
	return t, err
}

// fill books f and advances the state. Caller has validated f.
func (e *entry) fill(f adapter.Fill) adapter.Fill {
	f.OrderID = e.order.ID
	f.Exchange = e.order.Exchange
	f.Pair = e.order.Pair
	f.Side = e.order.Side
	if f.ExchangeOrderID == "" {
		f.ExchangeOrderID = e.order.ExchangeOrderID
	}
	e.setExchangeOrderID(f.ExchangeOrderID)

	e.trades[f.TradeID] = struct{}{}
	e.tradeIDs = append(e.tradeIDs, f.TradeID)
	e.order.FilledQuantity = e.order.FilledQuantity.Add(f.Quantity)
	e.order.FilledNotional = e.order.FilledNotional.Add(f.Notional())
	if !f.Fee.IsZero() {
		e.order.Fee = e.order.Fee.Add(f.Fee)
		e.order.FeeCurrency = f.FeeCurrency
	}
	e.order.Marker = e.order.Marker.Max(f.Marker)

	switch {
	case e.order.FilledQuantity.Equal(e.order.Quantity):
		e.order.State = enum.OrderStateFilled
		e.closing = nil
	case e.order.State == enum.OrderStateCancelPending:
		e.resume = enum.OrderStatePartiallyFilled
		if c := e.closing; c != nil && e.order.FilledQuantity.GreaterThanOrEqual(c.filled) {
			e.close(c.state, c.filled, c.reason)
		}
	default:
		e.order.State = enum.OrderStatePartiallyFilled
	}
	return f
}

// ApplyStatus reconciles an order against an authoritative venue status.
// Filled quantity the venue reports beyond the fills seen locally is
// booked as one synthetic fill; a terminal status closes the order.
func (l *Ledger) ApplyStatus(exchange string, st adapter.OrderStatus) (Transition, error) {
	e, ok := l.resolve(exchange, st.OrderID, st.ExchangeOrderID)
	if !ok {
		return Transition{}, unknownOrder("apply status", firstNonEmpty(st.OrderID, st.ExchangeOrderID))
	}

	var synthetic *adapter.Fill
	t, err := l.mutate(e, func(e *entry) (bool, string, error) {
		if e.order.State.IsTerminal() {
			return false, IgnoredTerminal, nil
		}
		if st.FilledQuantity.GreaterThan(e.order.Quantity) {
			return false, "", exception.New(exception.KindFatal, "apply status", exception.ErrOrderOverfill).
				WithOrder(e.order.ID).WithExchange(e.order.Exchange)
		}
		e.order.Marker = e.order.Marker.Max(st.Marker)

		reported := st.FilledQuantity
		if st.State == enum.OrderStateFilled {
			reported = e.order.Quantity
		}
		changed := e.setExchangeOrderID(st.ExchangeOrderID)
		if missing := reported.Sub(e.order.FilledQuantity); missing.IsPositive() {
			f := e.fill(e.syntheticFill(st, missing))
			synthetic = &f
			e.covered = e.covered.Max(st.Marker)
			changed = true
		}

		switch st.State {
		case enum.OrderStateAccepted, enum.OrderStatePartiallyFilled:
			if e.markLive() {
				changed = true
			}
		case enum.OrderStateCancelled, enum.OrderStateExpired, enum.OrderStateRejected, enum.OrderStateFilled:
			if !e.order.State.IsTerminal() {
				e.close(st.State, e.order.FilledQuantity, "")
				changed = true
			}
		}
		return changed, "", nil
	})
	if t.Changed {
		t.Fill = synthetic
	}
	return t, err
}

// coveredBy reports whether m is at or before covered, comparing seqs when
// both carry one and event times otherwise.
func coveredBy(m, covered adapter.Marker) bool {
	if m.Seq != 0 && covered.Seq != 0 {
		return m.Seq <= covered.Seq
	}
	if m.TsEvent != 0 && covered.TsEvent != 0 {
		return m.TsEvent <= covered.TsEvent
	}
	return false
}

func (e *entry) syntheticFill(st adapter.OrderStatus, missing adapter.Decimal) adapter.Fill {
	price := e.order.Price
	if notional := st.FilledNotional.Sub(e.order.FilledNotional); st.FilledNotional.IsPositive() && notional.IsPositive() {
		price = notional.DivRound(missing, 18)
	}
	return adapter.Fill{
		TradeID:   "recon:" + e.order.ID + ":" + e.order.FilledQuantity.Add(missing).String(),
		Price:     price,
		Quantity:  missing,
		Marker:    st.Marker,
		Synthetic: true,
	}
}

// Get returns a copy of the order.
func (l *Ledger) Get(id string) (adapter.Order, bool) {
	e, ok := l.lookup(id)
	if !ok {
		return adapter.Order{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order, true
}

// Find looks an order up by client id, falling back to the exchange id.
func (l *Ledger) Find(exchange, orderID, exchangeOrderID string) (adapter.Order, bool) {
	e, ok := l.resolve(exchange, orderID, exchangeOrderID)
	if !ok {
		return adapter.Order{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order, true
}

func (l *Ledger) entries() []*entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*entry, 0, len(l.orders))
	for _, e := range l.orders {
		result = append(result, e)
	}
	return result
}

// Records returns every order of exchange with its trade ids, oldest first.
// An empty exchange selects all exchanges.
func (l *Ledger) Records(exchange string) []adapter.OrderRecord {
	result := make([]adapter.OrderRecord, 0)
	for _, e := range l.entries() {
		e.mu.Lock()
		if exchange == "" || e.order.Exchange == exchange {
			result = append(result, e.record())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(result, func(a, b adapter.OrderRecord) int {
		return compareOrders(a.Order, b.Order)
	})
	return result
}

// Record returns the order with its trade ids.
func (l *Ledger) Record(id string) (adapter.OrderRecord, bool) {
	e, ok := l.lookup(id)
	if !ok {
		return adapter.OrderRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record(), true
}

// Orders returns every order of exchange, oldest first.
func (l *Ledger) Orders(exchange string) []adapter.Order {
	return l.filter(exchange, func(adapter.Order) bool { return true })
}

// Open returns the non-terminal orders of exchange, oldest first.
func (l *Ledger) Open(exchange string) []adapter.Order {
	return l.filter(exchange, func(o adapter.Order) bool { return !o.State.IsTerminal() })
}

func (l *Ledger) filter(exchange string, keep func(adapter.Order) bool) []adapter.Order {
	result := make([]adapter.Order, 0)
	for _, e := range l.entries() {
		e.mu.Lock()
		o := e.order
		e.mu.Unlock()
		if (exchange == "" || o.Exchange == exchange) && keep(o) {
			result = append(result, o)
		}
	}
	slices.SortFunc(result, compareOrders)
	return result
}

func compareOrders(a, b adapter.Order) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Evict drops terminal orders older than the retention window and
// returns them.
func (l *Ledger) Evict(now time.Time) []adapter.Order {
	if l.retention <= 0 {
		return nil
	}

	cutoff := now.Add(-l.retention)
	var evicted []adapter.Order
	for _, e := range l.entries() {
		e.mu.Lock()
		o := e.order
		e.mu.Unlock()
		if o.State.IsTerminal() && o.UpdatedAt.Before(cutoff) {
			evicted = append(evicted, o)
		}
	}

	for _, o := range evicted {
		l.Remove(o.ID)
	}
	slices.SortFunc(evicted, compareOrders)
	return evicted
}

// Remove forgets an order.
func (l *Ledger) Remove(id string) {
	e, ok := l.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.orders[id] != e {
		return
	}
	l.unindex(e)
}

// unindex drops e from both indexes. Caller holds e.mu and l.mu.
func (l *Ledger) unindex(e *entry) {
	delete(l.orders, e.order.ID)
	if e.order.ExchangeOrderID != "" {
		key := exchangeKey{e.order.Exchange, e.order.ExchangeOrderID}
		if l.byExchange[key] == e.order.ID {
			delete(l.byExchange, key)
		}
	}
}

// Upsert replaces an order with a stored post-image.
func (l *Ledger) Upsert(rec adapter.OrderRecord) {
	e := newEntry(rec)
	if rec.Order.State == enum.OrderStateCancelPending {
		e.resume = enum.OrderStateAccepted
		if rec.Order.FilledQuantity.IsPositive() {
			e.resume = enum.OrderStatePartiallyFilled
		}
	}

	for {
		old, ok := l.lookup(rec.Order.ID)
		if ok {
			old.mu.Lock()
		}
		l.mu.Lock()
		if current, found := l.orders[rec.Order.ID]; found != ok || current != old {
			l.mu.Unlock()
			if ok {
				old.mu.Unlock()
			}
			continue
		}

		if ok {
			l.unindex(old)
		}
		l.orders[rec.Order.ID] = e
		if rec.Order.ExchangeOrderID != "" {
			l.byExchange[exchangeKey{rec.Order.Exchange, rec.Order.ExchangeOrderID}] = rec.Order.ID
		}
		l.mu.Unlock()
		if ok {
			old.mu.Unlock()
		}
		return
	}
}

// Restore replaces every order of exchange with recs.
func (l *Ledger) Restore(exchange string, recs []adapter.OrderRecord) {
	for _, e := range l.entries() {
		e.mu.Lock()
		id, owned := e.order.ID, e.order.Exchange == exchange
		e.mu.Unlock()
		if owned {
			l.Remove(id)
		}
	}

	for _, rec := range recs {
		if rec.Order.Exchange == "" {
			rec.Order.Exchange = exchange
		}
		l.Upsert(rec)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
