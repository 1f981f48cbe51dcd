package balance

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Manager owns per-exchange per-currency balances and the collateral
// reserved for open orders.
//
// Every account has its own lock; reservations live inside the account
// that funds them, so a check-and-reserve is one critical section.
type Manager struct {
	mu       sync.RWMutex
	accounts map[key]*account
	owners   map[string]key

	now func() time.Time
}

type key struct {
	exchange string
	currency string
}

type account struct {
	mu           sync.Mutex
	total        adapter.Decimal
	reserved     adapter.Decimal
	updatedAt    time.Time
	reservations map[string]*adapter.Reservation
}

// Adjustment describes one reserved-amount correction made by AuditReserved.
type Adjustment struct {
	Exchange string
	Currency string
	Before   adapter.Decimal
	After    adapter.Decimal
}

func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		accounts: make(map[key]*account),
		owners:   make(map[string]key),
		now:      now,
	}
}

func (m *Manager) account(k key) *account {
	m.mu.RLock()
	a, ok := m.accounts[k]
	m.mu.RUnlock()
	if ok {
		return a
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[k]; ok {
		return a
	}
	a = &account{reservations: make(map[string]*adapter.Reservation)}
	m.accounts[k] = a
	return a
}

func (m *Manager) owner(orderID string) (key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.owners[orderID]
	return k, ok
}

func (a *account) snapshot(k key) adapter.Balance {
	return adapter.Balance{
		Exchange:  k.exchange,
		Currency:  k.currency,
		Total:     a.total,
		Reserved:  a.reserved,
		UpdatedAt: a.updatedAt,
	}
}

// Reserve locks r.Amount of r.Currency for r.OrderID. It fails with
// InsufficientBalance, leaving the balance untouched, when available is
// below the amount.
func (m *Manager) Reserve(r adapter.Reservation) error {
	if r.OrderID == "" || !r.Amount.IsPositive() || !r.Rate.IsPositive() {
		return exception.New(exception.KindInvalidRequest, "reserve", exception.ErrInvalidArgument).
			WithExchange(r.Exchange).WithOrder(r.OrderID)
	}

	k := key{r.Exchange, r.Currency}
	a := m.account(k)

	a.mu.Lock()
	if _, ok := a.reservations[r.OrderID]; ok {
		a.mu.Unlock()
		return exception.New(exception.KindInvalidRequest, "reserve", exception.ErrOrderDuplicateReserve).
			WithExchange(r.Exchange).WithOrder(r.OrderID)
	}
	if available := a.total.Sub(a.reserved); available.LessThan(r.Amount) {
		a.mu.Unlock()
		return exception.New(exception.KindInsufficientBalance, "reserve",
			fmt.Errorf("%s available %s, required %s", r.Currency, available, r.Amount)).
			WithExchange(r.Exchange).WithOrder(r.OrderID)
	}

	r.Released = adapter.Zero
	r.Closed = false
	a.reserved = a.reserved.Add(r.Amount)
	a.updatedAt = m.now()
	a.reservations[r.OrderID] = &r
	a.mu.Unlock()

	m.mu.Lock()
	m.owners[r.OrderID] = k
	m.mu.Unlock()
	return nil
}

// ReleaseFill releases the collateral consumed by a fill of qty base units
// and returns the amount released. Orders without a reservation release
// nothing.
func (m *Manager) ReleaseFill(orderID string, qty adapter.Decimal) (adapter.Decimal, error) {
	k, ok := m.owner(orderID)
	if !ok {
		return adapter.Zero, nil
	}
	a := m.account(k)

	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.reservations[orderID]
	if !ok {
		return adapter.Zero, nil
	}
	amount := r.Rate.Mul(qty)
	if amount.GreaterThan(r.Outstanding()) {
		return adapter.Zero, exception.New(exception.KindFatal, "release fill", exception.ErrOrderReleaseExceeded).
			WithExchange(k.exchange).WithOrder(orderID)
	}

	r.Released = r.Released.Add(amount)
	a.reserved = a.reserved.Sub(amount)
	a.updatedAt = m.now()
	return amount, nil
}

// ReleaseAll releases whatever is still reserved for orderID and forgets
// the reservation. Calling it again releases nothing.
func (m *Manager) ReleaseAll(orderID string) adapter.Decimal {
	k, ok := m.owner(orderID)
	if !ok {
		return adapter.Zero
	}
	a := m.account(k)

	a.mu.Lock()
	r, ok := a.reservations[orderID]
	var amount adapter.Decimal
	if ok {
		amount = r.Outstanding()
		a.reserved = a.reserved.Sub(amount)
		a.updatedAt = m.now()
		delete(a.reservations, orderID)
	}
	a.mu.Unlock()

	m.mu.Lock()
	delete(m.owners, orderID)
	m.mu.Unlock()
	return amount
}

// Settle applies the total-balance effect of one of our own fills. It
// returns a Drift error naming every currency left with negative
// available; the deltas are applied regardless.
func (m *Manager) Settle(f adapter.Fill) error {
	base, quote := f.Quantity, f.Notional().Neg()
	if f.Side == enum.OrderSideSell {
		base, quote = base.Neg(), quote.Neg()
	}

	var drifted []string
	apply := func(currency string, delta adapter.Decimal) {
		if currency == "" || delta.IsZero() {
			return
		}
		if !m.add(key{f.Exchange, currency}, delta) {
			drifted = append(drifted, currency)
		}
	}
	apply(f.Pair.Base, base)
	apply(f.Pair.Quote, quote)
	apply(f.FeeCurrency, f.Fee.Neg())

	if len(drifted) != 0 {
		return exception.New(exception.KindDrift, "settle",
			fmt.Errorf("%v: %w", drifted, exception.ErrOrderNegativeAvailable)).
			WithExchange(f.Exchange).WithOrder(f.OrderID)
	}
	return nil
}

// add changes total by delta and reports whether available stayed >= 0.
func (m *Manager) add(k key, delta adapter.Decimal) bool {
	a := m.account(k)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.total = a.total.Add(delta)
	a.updatedAt = m.now()
	return !a.total.Sub(a.reserved).IsNegative()
}

// ApplyDelta applies an exchange-reported change to a currency total.
func (m *Manager) ApplyDelta(exchange, currency string, delta adapter.Decimal) error {
	if !m.add(key{exchange, currency}, delta) {
		return exception.New(exception.KindDrift, "apply delta",
			fmt.Errorf("%s: %w", currency, exception.ErrOrderNegativeAvailable)).WithExchange(exchange)
	}
	return nil
}

// ResyncTotal overwrites the total of a currency, leaving reservations in
// place, and returns new - old. The total is written even when it falls
// below the reserved amount; that case is reported as Drift.
func (m *Manager) ResyncTotal(exchange, currency string, total adapter.Decimal) (adapter.Decimal, error) {
	a := m.account(key{exchange, currency})

	a.mu.Lock()
	defer a.mu.Unlock()

	delta := total.Sub(a.total)
	a.total = total
	a.updatedAt = m.now()
	if a.total.Sub(a.reserved).IsNegative() {
		return delta, exception.New(exception.KindDrift, "resync total",
			fmt.Errorf("%s: %w", currency, exception.ErrOrderNegativeAvailable)).WithExchange(exchange)
	}
	return delta, nil
}

// AuditReserved recomputes every reserved amount of exchange from its
// outstanding reservations and returns the corrections made.
func (m *Manager) AuditReserved(exchange string) []Adjustment {
	var adjustments []Adjustment
	for _, k := range m.keys(exchange) {
		a := m.account(k)

		a.mu.Lock()
		expected := adapter.Zero
		for _, r := range a.reservations {
			expected = expected.Add(r.Outstanding())
		}
		if !expected.Equal(a.reserved) {
			adjustments = append(adjustments, Adjustment{
				Exchange: k.exchange,
				Currency: k.currency,
				Before:   a.reserved,
				After:    expected,
			})
			a.reserved = expected
			a.updatedAt = m.now()
		}
		a.mu.Unlock()
	}
	return adjustments
}

func (m *Manager) keys(exchange string) []key {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]key, 0, len(m.accounts))
	for k := range m.accounts {
		if exchange == "" || k.exchange == exchange {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b key) int {
		if c := cmp.Compare(a.exchange, b.exchange); c != 0 {
			return c
		}
		return cmp.Compare(a.currency, b.currency)
	})
	return keys
}

func (m *Manager) Balance(exchange, currency string) adapter.Balance {
	k := key{exchange, currency}
	m.mu.RLock()
	a, ok := m.accounts[k]
	m.mu.RUnlock()
	if !ok {
		return adapter.Balance{Exchange: exchange, Currency: currency}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot(k)
}

// Balances returns every balance of exchange sorted by currency. An empty
// exchange selects all exchanges.
func (m *Manager) Balances(exchange string) []adapter.Balance {
	keys := m.keys(exchange)
	result := make([]adapter.Balance, 0, len(keys))
	for _, k := range keys {
		a := m.account(k)
		a.mu.Lock()
		result = append(result, a.snapshot(k))
		a.mu.Unlock()
	}
	return result
}

func (m *Manager) Reservation(orderID string) (adapter.Reservation, bool) {
	k, ok := m.owner(orderID)
	if !ok {
		return adapter.Reservation{}, false
	}
	a := m.account(k)

	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.reservations[orderID]
	if !ok {
		return adapter.Reservation{}, false
	}
	return *r, true
}

// Reservations returns the open reservations of exchange sorted by order id.
func (m *Manager) Reservations(exchange string) []adapter.Reservation {
	var result []adapter.Reservation
	for _, k := range m.keys(exchange) {
		a := m.account(k)
		a.mu.Lock()
		for _, r := range a.reservations {
			result = append(result, *r)
		}
		a.mu.Unlock()
	}
	slices.SortFunc(result, func(a, b adapter.Reservation) int {
		return cmp.Compare(a.OrderID, b.OrderID)
	})
	return result
}

// Upsert overwrites a balance with a stored post-image.
func (m *Manager) Upsert(b adapter.Balance) {
	a := m.account(key{b.Exchange, b.Currency})

	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = b.Total
	a.reserved = b.Reserved
	a.updatedAt = b.UpdatedAt
}

// UpsertReservation overwrites a reservation with a stored post-image.
// A closed reservation is removed. Account totals are not touched.
func (m *Manager) UpsertReservation(r adapter.Reservation) {
	k := key{r.Exchange, r.Currency}
	if r.Closed {
		if owner, ok := m.owner(r.OrderID); ok {
			k = owner
		}
	}
	a := m.account(k)

	a.mu.Lock()
	if r.Closed {
		delete(a.reservations, r.OrderID)
	} else {
		cp := r
		a.reservations[r.OrderID] = &cp
	}
	a.mu.Unlock()

	m.mu.Lock()
	if r.Closed {
		delete(m.owners, r.OrderID)
	} else {
		m.owners[r.OrderID] = k
	}
	m.mu.Unlock()
}

// Restore replaces every balance and reservation of exchange.
func (m *Manager) Restore(exchange string, balances []adapter.Balance, reservations []adapter.Reservation) {
	m.mu.Lock()
	for k := range m.accounts {
		if k.exchange == exchange {
			delete(m.accounts, k)
		}
	}
	for id, k := range m.owners {
		if k.exchange == exchange {
			delete(m.owners, id)
		}
	}
	m.mu.Unlock()

	for _, b := range balances {
		b.Exchange = exchange
		m.Upsert(b)
	}
	for _, r := range reservations {
		r.Exchange = exchange
		m.UpsertReservation(r)
	}
}
