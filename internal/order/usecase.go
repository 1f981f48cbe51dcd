// Package order is the engine strategies talk to. It owns the order
// ledger and the balance manager, journals every change and publishes it
// to subscribers.
//
// Every change to an order runs apply, persist, publish while holding the
// (exchange, pair) partition lock of that order, so subscribers see the
// changes of one pair in the order they were applied.
//
// # Source
//
//   - strategy requests (Place, Cancel, WaitCancel, CancelAll, Resubmit)
//   - connector events (OnEvent)
//   - reconciliation repairs (ApplyStatus, RejectNotFound, AdoptShadow, ResyncTotal, AuditReserved)
//
// # Produce
//
//   - persist.Record journal entries
//   - dispatch.Notification to subscribers
package order

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/balance"
	"github.com/yanun0323/go-hft/internal/dispatch"
	"github.com/yanun0323/go-hft/internal/ledger"
	"github.com/yanun0323/go-hft/internal/obs"
	"github.com/yanun0323/go-hft/internal/persist"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Delegator routes requests to one exchange. *connector.Connector
// implements it.
type Delegator interface {
	Exchange() string
	Health() enum.Health
	Submit(ctx context.Context, order adapter.Order) (adapter.Ack, error)
	Cancel(ctx context.Context, order adapter.Order) (adapter.CancelAck, error)
	QueryOrder(ctx context.Context, order adapter.Order) (adapter.OrderStatus, error)
}

type Config struct {
	// AckTimeout is how long an order may stay Submitted before its status
	// is queried.
	AckTimeout time.Duration
	// Retention is how long terminal orders stay in memory. Zero keeps
	// them until restart.
	Retention time.Duration
	// MaintainInterval paces journal flushes and eviction in Run.
	MaintainInterval time.Duration
	// CheckpointInterval paces snapshots in Run. Zero disables them.
	CheckpointInterval time.Duration
	// CancelAllLimit bounds concurrent cancels in CancelAll.
	CancelAllLimit int
	// Guard vets every request before Place records it. Nil allows all.
	Guard Guard

	Now   func() time.Time
	NewID func() string
}

func (c Config) validate() error {
	if c.AckTimeout <= 0 {
		return errors.New("ack timeout must be positive")
	}
	if c.MaintainInterval < 0 || c.CheckpointInterval < 0 || c.Retention < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}

// Guard is a pre-trade check. A refusal becomes KindInvalidRequest.
type Guard interface {
	Check(req adapter.OrderRequest) error
}

type Usecase struct {
	cfg        Config
	ledger     *ledger.Ledger
	balances   *balance.Manager
	dispatcher *dispatch.Dispatcher
	gateway    persist.Gateway
	journal    *journal
	metrics    *obs.Metrics

	delegators map[string]Delegator
	partitions sync.Map

	watchMu     sync.Mutex
	watchdogs   map[string]*time.Timer
	watchClosed bool
	resubmitted sync.Map
}

func NewUsecase(cfg Config, gateway persist.Gateway, dispatcher *dispatch.Dispatcher, metrics *obs.Metrics, delegators ...Delegator) (*Usecase, error) {
	if gateway == nil || dispatcher == nil {
		return nil, exception.ErrNilInstance
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.CancelAllLimit <= 0 {
		cfg.CancelAllLimit = 8
	}

	use := &Usecase{
		cfg:        cfg,
		ledger:     ledger.New(ledger.Config{Retention: cfg.Retention, Now: cfg.Now}),
		balances:   balance.NewManager(cfg.Now),
		dispatcher: dispatcher,
		gateway:    gateway,
		journal:    newJournal(gateway, metrics, cfg.Now),
		metrics:    metrics,
		delegators: make(map[string]Delegator, len(delegators)),
		watchdogs:  make(map[string]*time.Timer),
	}
	for _, d := range delegators {
		if d == nil {
			return nil, exception.ErrNilInstance
		}
		if _, ok := use.delegators[d.Exchange()]; ok {
			return nil, errors.Errorf("duplicate delegator, exchange: %s", d.Exchange())
		}
		use.delegators[d.Exchange()] = d
	}
	return use, nil
}

func (use *Usecase) delegator(exchange string) (Delegator, error) {
	d, ok := use.delegators[exchange]
	if !ok {
		return nil, exception.New(exception.KindInvalidRequest, "route", exception.ErrOrderUnsupportedVenue).WithExchange(exchange)
	}
	return d, nil
}

// lock takes the partition lock of (exchange, pair) and returns its unlock.
func (use *Usecase) lock(exchange string, pair adapter.Pair) func() {
	v, _ := use.partitions.LoadOrStore(exchange+"|"+pair.String(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Exchanges returns the routed exchanges, sorted.
func (use *Usecase) Exchanges() []string {
	result := make([]string, 0, len(use.delegators))
	for exchange := range use.delegators {
		result = append(result, exchange)
	}
	slices.Sort(result)
	return result
}

// Health returns the health of every routed exchange.
func (use *Usecase) Health() map[string]enum.Health {
	result := make(map[string]enum.Health, len(use.delegators))
	for exchange, d := range use.delegators {
		result[exchange] = d.Health()
	}
	return result
}

// Halted reports whether placements on exchange are refused because the
// journal could not be written.
func (use *Usecase) Halted(exchange string) bool {
	return use.journal.halted(exchange)
}

func (use *Usecase) Subscribe(caps dispatch.Capability, size int) *dispatch.Subscription {
	return use.dispatcher.Subscribe(caps, size)
}

func (use *Usecase) Order(id string) (adapter.Order, bool) {
	return use.ledger.Get(id)
}

// Orders returns the orders of exchange still held in memory. An empty
// exchange selects every exchange.
func (use *Usecase) Orders(exchange string) []adapter.Order {
	return use.ledger.Orders(exchange)
}

func (use *Usecase) OpenOrders(exchange string, pair adapter.Pair) []adapter.Order {
	open := use.ledger.Open(exchange)
	if pair.IsZero() {
		return open
	}
	return slices.DeleteFunc(open, func(o adapter.Order) bool { return o.Pair != pair })
}

func (use *Usecase) Balance(exchange, currency string) adapter.Balance {
	return use.balances.Balance(exchange, currency)
}

func (use *Usecase) Balances(exchange string) []adapter.Balance {
	return use.balances.Balances(exchange)
}

func (use *Usecase) Reservations(exchange string) []adapter.Reservation {
	return use.balances.Reservations(exchange)
}

// SetBalance overwrites a currency total, keeping its reservations.
func (use *Usecase) SetBalance(ctx context.Context, exchange, currency string, total adapter.Decimal) error {
	_, err := use.ResyncTotal(ctx, exchange, currency, total)
	return err
}

// collateral is what an order must reserve: price x quantity of the quote
// currency for buys, quantity of the base currency for sells.
func collateral(o adapter.Order) adapter.Reservation {
	if o.Side == enum.OrderSideBuy {
		return adapter.Reservation{
			OrderID:  o.ID,
			Exchange: o.Exchange,
			Currency: o.Pair.Quote,
			Amount:   o.Price.Mul(o.Remaining()),
			Rate:     o.Price,
		}
	}
	return adapter.Reservation{
		OrderID:  o.ID,
		Exchange: o.Exchange,
		Currency: o.Pair.Base,
		Amount:   o.Remaining(),
		Rate:     adapter.NewDecimalFromInt(1),
	}
}
