// Package paper is an in-memory exchange. It implements connector.Client
// and lets tests and dry runs drive fills, expiries, silent closes and
// disconnects by hand.
//
// # Produce
//
//   - OrderUpdate on accept, cancel, expire and fill
//   - Fill on every execution
//   - BalanceUpdate on Deposit
package paper

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/chaos"
	"github.com/yanun0323/go-hft/internal/event"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Ops accepted by FailNext and LoseNext.
const (
	OpSubmit   = "submit"
	OpCancel   = "cancel"
	OpQuery    = "query"
	OpSnapshot = "snapshot"
)

var (
	ErrDisconnected = errors.New("paper: disconnected")
	ErrLostResponse = errors.New("paper: response lost")
	ErrUnknownOrder = errors.New("paper: unknown order")
)

type Config struct {
	Exchange string
	// Quiet suppresses the order updates that echo Submit and Cancel.
	Quiet bool
	// Buffer is the stream buffer size. Events beyond it are lost.
	Buffer int
	Chaos  *chaos.Config
	Now    func() time.Time
}

type order struct {
	status adapter.OrderStatus
}

// Venue is safe for concurrent use.
type Venue struct {
	cfg Config

	mu       sync.Mutex
	seq      uint64
	nextID   uint64
	nextTID  uint64
	orders   map[string]*order
	byClient map[string]string
	balances map[string]adapter.Decimal
	fail     map[string][]error
	lose     map[string]int
	calls    map[string]int
	stream   *stream
	chaos    *chaos.Engine
}

type stream struct {
	events chan event.Event
	done   chan struct{}
	once   sync.Once
}

func (s *stream) drop() {
	s.once.Do(func() { close(s.done) })
}

func New(cfg Config) (*Venue, error) {
	if cfg.Exchange == "" {
		return nil, errors.New("empty exchange")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	v := &Venue{
		cfg:      cfg,
		orders:   make(map[string]*order),
		byClient: make(map[string]string),
		balances: make(map[string]adapter.Decimal),
		fail:     make(map[string][]error),
		lose:     make(map[string]int),
		calls:    make(map[string]int),
	}
	if cfg.Chaos != nil {
		engine, err := chaos.NewEngine(*cfg.Chaos)
		if err != nil {
			return nil, errors.Wrap(err, "new chaos engine")
		}
		v.chaos = engine
	}
	return v, nil
}

// FailNext makes the next call of op return err without touching state.
func (v *Venue) FailNext(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fail[op] = append(v.fail[op], err)
}

// LoseNext makes the next call of op take effect but return
// ErrLostResponse, as if the reply never arrived.
func (v *Venue) LoseNext(op string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lose[op]++
}

// Calls returns how often op was called.
func (v *Venue) Calls(op string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

func (v *Venue) enter(op string) (lose bool, err error) {
	v.calls[op]++
	if errs := v.fail[op]; len(errs) != 0 {
		v.fail[op] = errs[1:]
		return false, errs[0]
	}
	if v.lose[op] > 0 {
		v.lose[op]--
		return true, nil
	}
	return false, nil
}

func (v *Venue) marker() adapter.Marker {
	v.seq++
	return adapter.Marker{Seq: v.seq, TsEvent: v.cfg.Now().UnixNano()}
}

func (v *Venue) header(m adapter.Marker) event.Header {
	return event.Header{Exchange: v.cfg.Exchange, Seq: m.Seq, TsEvent: m.TsEvent}
}

// emit delivers ev to the connected stream, if any.
func (v *Venue) emit(ev event.Event) {
	s := v.stream
	if s == nil {
		return
	}
	for _, out := range v.chaos.Process(ev) {
		select {
		case s.events <- out:
		default:
		}
	}
}

func (v *Venue) emitUpdate(o *order) {
	v.emit(&event.OrderUpdate{
		Header:          v.header(o.status.Marker),
		OrderID:         o.status.OrderID,
		ExchangeOrderID: o.status.ExchangeOrderID,
		State:           o.status.State,
		FilledQuantity:  o.status.FilledQuantity,
	})
}

func (v *Venue) lookup(orderID, exchangeOrderID string) (*order, bool) {
	if exchangeOrderID != "" {
		if o, ok := v.orders[exchangeOrderID]; ok {
			return o, true
		}
	}
	if id, ok := v.byClient[orderID]; ok && orderID != "" {
		o, ok := v.orders[id]
		return o, ok
	}
	return nil, false
}

func (v *Venue) open(req adapter.OrderStatus) *order {
	v.nextID++
	req.ExchangeOrderID = "P-" + strconv.FormatUint(v.nextID, 10)
	req.Found = true
	req.State = enum.OrderStateAccepted
	req.FilledQuantity = adapter.Zero
	req.FilledNotional = adapter.Zero
	req.Marker = v.marker()

	o := &order{status: req}
	v.orders[req.ExchangeOrderID] = o
	if req.OrderID != "" {
		v.byClient[req.OrderID] = req.ExchangeOrderID
	}
	return o
}

// Submit accepts every valid order. Resubmitting a known client id returns
// the existing order.
func (v *Venue) Submit(_ context.Context, o adapter.Order) (adapter.Ack, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	lose, err := v.enter(OpSubmit)
	if err != nil {
		return adapter.Ack{}, err
	}

	if existing, ok := v.lookup(o.ID, ""); ok {
		return ack(existing), v.lost(lose)
	}
	if o.Kind == enum.OrderKindMarket && !o.Price.IsPositive() {
		return adapter.Ack{
			OrderID: o.ID,
			State:   enum.OrderStateRejected,
			Reason:  "market order without price",
			Marker:  v.marker(),
		}, v.lost(lose)
	}

	placed := v.open(adapter.OrderStatus{
		OrderID:  o.ID,
		Pair:     o.Pair,
		Side:     o.Side,
		Kind:     o.Kind,
		Price:    o.Price,
		Quantity: o.Quantity,
	})
	a := ack(placed)
	if !v.cfg.Quiet {
		v.emitUpdate(placed)
	}
	if o.Kind == enum.OrderKindMarket {
		v.fill(placed, o.Quantity, o.Price)
	}
	return a, v.lost(lose)
}

func (v *Venue) lost(lose bool) error {
	if lose {
		return ErrLostResponse
	}
	return nil
}

func ack(o *order) adapter.Ack {
	return adapter.Ack{
		OrderID:         o.status.OrderID,
		ExchangeOrderID: o.status.ExchangeOrderID,
		State:           enum.OrderStateAccepted,
		Marker:          o.status.Marker,
	}
}

// Cancel closes an open order. Orders that are already closed are not
// confirmed; their final state arrives on the stream.
func (v *Venue) Cancel(_ context.Context, o adapter.Order) (adapter.CancelAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	lose, err := v.enter(OpCancel)
	if err != nil {
		return adapter.CancelAck{}, err
	}

	placed, ok := v.lookup(o.ID, o.ExchangeOrderID)
	if !ok {
		return adapter.CancelAck{}, exception.New(exception.KindNotFoundOnExchange, OpCancel, ErrUnknownOrder).
			WithExchange(v.cfg.Exchange).WithOrder(o.ID)
	}
	if placed.status.State.IsTerminal() {
		return adapter.CancelAck{
			OrderID:        o.ID,
			FilledQuantity: placed.status.FilledQuantity,
			Marker:         placed.status.Marker,
		}, v.lost(lose)
	}

	v.close(placed, enum.OrderStateCancelled, true)
	return adapter.CancelAck{
		OrderID:        o.ID,
		Confirmed:      true,
		FilledQuantity: placed.status.FilledQuantity,
		Marker:         placed.status.Marker,
	}, v.lost(lose)
}

func (v *Venue) close(o *order, state enum.OrderState, echo bool) {
	o.status.State = state
	o.status.Marker = v.marker()
	if echo && !v.cfg.Quiet {
		v.emitUpdate(o)
	}
}

// QueryOrder reports Found false for orders the venue does not know.
func (v *Venue) QueryOrder(_ context.Context, o adapter.Order) (adapter.OrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	lose, err := v.enter(OpQuery)
	if err != nil {
		return adapter.OrderStatus{}, err
	}
	if lose {
		return adapter.OrderStatus{}, ErrLostResponse
	}

	placed, ok := v.lookup(o.ID, o.ExchangeOrderID)
	if !ok {
		return adapter.OrderStatus{OrderID: o.ID, ExchangeOrderID: o.ExchangeOrderID}, nil
	}
	return placed.status, nil
}

// FetchSnapshot lists open orders and every balance.
func (v *Venue) FetchSnapshot(_ context.Context) (adapter.ExchangeSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	lose, err := v.enter(OpSnapshot)
	if err != nil {
		return adapter.ExchangeSnapshot{}, err
	}
	if lose {
		return adapter.ExchangeSnapshot{}, ErrLostResponse
	}

	now := v.cfg.Now()
	snap := adapter.ExchangeSnapshot{Exchange: v.cfg.Exchange, TakenAt: now}
	for _, o := range v.orders {
		if o.status.State.IsLive() {
			snap.Orders = append(snap.Orders, o.status)
		}
	}
	slices.SortFunc(snap.Orders, func(a, b adapter.OrderStatus) int {
		return cmp.Compare(a.Marker.Seq, b.Marker.Seq)
	})
	for currency, total := range v.balances {
		snap.Balances = append(snap.Balances, adapter.Balance{
			Exchange:  v.cfg.Exchange,
			Currency:  currency,
			Total:     total,
			UpdatedAt: now,
		})
	}
	slices.SortFunc(snap.Balances, func(a, b adapter.Balance) int {
		return cmp.Compare(a.Currency, b.Currency)
	})
	return snap, nil
}

// Stream delivers events until ctx is done or Disconnect is called. Only
// one stream is connected at a time; a new one replaces the old.
func (v *Venue) Stream(ctx context.Context, sink func(event.Event)) error {
	s := &stream{
		events: make(chan event.Event, v.cfg.Buffer),
		done:   make(chan struct{}),
	}

	v.mu.Lock()
	if v.stream != nil {
		v.stream.drop()
	}
	v.stream = s
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		if v.stream == s {
			v.stream = nil
		}
		v.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrDisconnected
		case ev := <-s.events:
			sink(ev)
		}
	}
}

// ChaosStats reports what fault injection did to the stream.
func (v *Venue) ChaosStats() chaos.Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.chaos.Stats()
}

// Connected reports whether a stream is attached.
func (v *Venue) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stream != nil
}

// Disconnect drops the current stream. Events emitted before the next
// Stream call are lost.
func (v *Venue) Disconnect() {
	v.mu.Lock()
	s := v.stream
	v.stream = nil
	v.mu.Unlock()

	if s != nil {
		s.drop()
	}
}

// Flush delivers events held back by the chaos engine.
func (v *Venue) Flush() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.stream == nil {
		return
	}
	for _, ev := range v.chaos.Flush() {
		select {
		case v.stream.events <- ev:
		default:
		}
	}
}

// Fill executes qty of an open order at price. id is either the client id
// or the exchange id.
func (v *Venue) Fill(id string, qty, price adapter.Decimal) (adapter.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.lookup(id, id)
	if !ok {
		return adapter.Fill{}, ErrUnknownOrder
	}
	if !o.status.State.IsLive() {
		return adapter.Fill{}, errors.Errorf("order %s is %s", id, o.status.State)
	}
	if qty.GreaterThan(o.status.Quantity.Sub(o.status.FilledQuantity)) {
		return adapter.Fill{}, errors.Errorf("fill %s exceeds remaining of order %s", qty, id)
	}
	return v.fill(o, qty, price), nil
}

func (v *Venue) fill(o *order, qty, price adapter.Decimal) adapter.Fill {
	v.nextTID++
	f := adapter.Fill{
		TradeID:         "T-" + strconv.FormatUint(v.nextTID, 10),
		OrderID:         o.status.OrderID,
		ExchangeOrderID: o.status.ExchangeOrderID,
		Exchange:        v.cfg.Exchange,
		Pair:            o.status.Pair,
		Side:            o.status.Side,
		Price:           price,
		Quantity:        qty,
		Fee:             adapter.Zero,
		Marker:          v.marker(),
	}

	o.status.FilledQuantity = o.status.FilledQuantity.Add(qty)
	o.status.FilledNotional = o.status.FilledNotional.Add(f.Notional())
	o.status.Marker = f.Marker
	if o.status.FilledQuantity.Equal(o.status.Quantity) {
		o.status.State = enum.OrderStateFilled
	} else {
		o.status.State = enum.OrderStatePartiallyFilled
	}

	base, quote := qty, f.Notional().Neg()
	if f.Side == enum.OrderSideSell {
		base, quote = base.Neg(), quote.Neg()
	}
	v.balances[f.Pair.Base] = v.balances[f.Pair.Base].Add(base)
	v.balances[f.Pair.Quote] = v.balances[f.Pair.Quote].Add(quote)

	v.emit(&event.Fill{Header: v.header(f.Marker), Fill: f})
	v.emitUpdate(o)
	return f
}

// Expire closes an open order as Expired and reports it on the stream.
func (v *Venue) Expire(id string) error {
	return v.closeByID(id, enum.OrderStateExpired, true)
}

// CloseSilently cancels an open order without telling the stream, as if
// the update was lost.
func (v *Venue) CloseSilently(id string) error {
	return v.closeByID(id, enum.OrderStateCancelled, false)
}

func (v *Venue) closeByID(id string, state enum.OrderState, echo bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.lookup(id, id)
	if !ok {
		return ErrUnknownOrder
	}
	if !o.status.State.IsLive() {
		return errors.Errorf("order %s is %s", id, o.status.State)
	}
	o.status.State = state
	o.status.Marker = v.marker()
	if echo {
		v.emitUpdate(o)
	}
	return nil
}

// Forget erases an order, so queries answer not found.
func (v *Venue) Forget(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.lookup(id, id)
	if !ok {
		return
	}
	delete(v.orders, o.status.ExchangeOrderID)
	delete(v.byClient, o.status.OrderID)
}

// PlaceExternal opens an order the engine did not place, as a manual
// trade on the venue's web interface would.
func (v *Venue) PlaceExternal(pair adapter.Pair, side enum.OrderSide, price, qty adapter.Decimal) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	o := v.open(adapter.OrderStatus{
		Pair:     pair,
		Side:     side,
		Kind:     enum.OrderKindLimit,
		Price:    price,
		Quantity: qty,
	})
	return o.status.ExchangeOrderID
}

// SetBalance overwrites a currency total without emitting anything.
func (v *Venue) SetBalance(currency string, total adapter.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[currency] = total
}

// Deposit changes a currency total and reports the delta on the stream.
func (v *Venue) Deposit(currency string, delta adapter.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.balances[currency] = v.balances[currency].Add(delta)
	v.emit(&event.BalanceUpdate{
		Header:   v.header(v.marker()),
		Currency: currency,
		Delta:    delta,
		Reason:   "deposit",
	})
}

func (v *Venue) Balance(currency string) adapter.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[currency]
}

// Order returns the venue's view of an order.
func (v *Venue) Order(id string) (adapter.OrderStatus, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.lookup(id, id)
	if !ok {
		return adapter.OrderStatus{}, false
	}
	return o.status, true
}
