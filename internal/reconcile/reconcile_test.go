package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/balance"
	"github.com/yanun0323/go-hft/internal/connector"
	"github.com/yanun0323/go-hft/internal/connector/paper"
	"github.com/yanun0323/go-hft/internal/dispatch"
	"github.com/yanun0323/go-hft/internal/ledger"
	"github.com/yanun0323/go-hft/internal/obs"
	"github.com/yanun0323/go-hft/internal/order"
	"github.com/yanun0323/go-hft/internal/persist"
	"github.com/yanun0323/go-hft/pkg/backoff"
	"github.com/yanun0323/go-hft/pkg/exception"
)

const testExchange = "paper"

var btcusdt = adapter.NewPair("BTC", "USDT")

func dec(s string) adapter.Decimal {
	return adapter.MustDecimal(s)
}

type harness struct {
	venue *paper.Venue
	conn  *connector.Connector
	use   *order.Usecase
	rec   *Reconciler
}

// newHarness wires a paper venue holding 1000 USDT through a running
// connector into an engine and a reconciler.
func newHarness(t *testing.T) *harness {
	t.Helper()

	venue, err := paper.New(paper.Config{Exchange: testExchange})
	require.NoError(t, err)
	venue.SetBalance("USDT", dec("1000"))

	conn, err := connector.New(connector.Config{
		Exchange:      testExchange,
		RatePerSecond: 1000,
		Burst:         100,
		MaxWait:       50 * time.Millisecond,
		CallTimeout:   50 * time.Millisecond,
		ReadAttempts:  1,
		DegradedAfter: 2,
		DownAfter:     3,
		Backoff:       backoff.Policy{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
	}, venue, nil)
	require.NoError(t, err)

	use, err := order.NewUsecase(order.Config{AckTimeout: time.Hour}, persist.NewMemory(), dispatch.New(nil), nil, conn)
	require.NoError(t, err)

	rec, err := New(Config{Interval: time.Hour, Epsilon: dec("0.00001")}, use, nil, conn)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Run(ctx, connector.HandlerFuncs{Event: use.OnEvent, Reconnect: rec.OnReconnect})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return conn.Health() == enum.HealthHealthy
	}, time.Second, time.Millisecond)
	return &harness{venue: venue, conn: conn, use: use, rec: rec}
}

func (h *harness) buy(t *testing.T, price, qty string) string {
	t.Helper()
	id, err := h.use.Place(context.Background(), adapter.OrderRequest{
		Exchange: testExchange,
		Pair:     btcusdt,
		Side:     enum.OrderSideBuy,
		Kind:     enum.OrderKindLimit,
		Price:    dec(price),
		Quantity: dec(qty),
	})
	require.NoError(t, err)
	return id
}

func (h *harness) order(t *testing.T, id string) adapter.Order {
	t.Helper()
	o, ok := h.use.Order(id)
	require.True(t, ok, "order %s", id)
	return o
}

func (h *harness) assertBalance(t *testing.T, currency, total, reserved string) {
	t.Helper()
	b := h.use.Balance(testExchange, currency)
	assert.True(t, b.Total.Equal(dec(total)), "%s total: want %s, got %s", currency, total, b.Total)
	assert.True(t, b.Reserved.Equal(dec(reserved)), "%s reserved: want %s, got %s", currency, reserved, b.Reserved)
}

func TestNewValidates(t *testing.T) {
	testCases := []struct {
		desc    string
		cfg     Config
		engine  Engine
		sources []Source
	}{
		{desc: "nil engine", cfg: Config{Interval: time.Second}},
		{desc: "zero interval", cfg: Config{}, engine: &fakeEngine{}},
		{desc: "negative grace", cfg: Config{Interval: time.Second, Grace: -time.Second}, engine: &fakeEngine{}},
		{desc: "negative epsilon", cfg: Config{Interval: time.Second, Epsilon: dec("-1")}, engine: &fakeEngine{}},
		{desc: "nil source", cfg: Config{Interval: time.Second}, engine: &fakeEngine{}, sources: []Source{nil}},
		{
			desc:    "duplicate source",
			cfg:     Config{Interval: time.Second},
			engine:  &fakeEngine{},
			sources: []Source{&fakeSource{exchange: "a"}, &fakeSource{exchange: "a"}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := New(tc.cfg, tc.engine, nil, tc.sources...)
			require.Error(t, err)
		})
	}
}

func TestReconnectSeedsBalances(t *testing.T) {
	h := newHarness(t)
	h.assertBalance(t, "USDT", "1000", "0")
}

func TestNotFoundOnExchangeRejectsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.buy(t, "100", "1")
	h.assertBalance(t, "USDT", "1000", "100")
	h.venue.Forget(id)

	rep, err := h.rec.Reconcile(ctx, testExchange)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Queried)
	assert.Equal(t, 1, rep.NotFound)
	assert.Equal(t, 1, rep.Drift())

	o := h.order(t, id)
	assert.Equal(t, enum.OrderStateRejected, o.State)
	assert.Equal(t, adapter.ReasonNotFoundOnExchange, o.Reason)
	h.assertBalance(t, "USDT", "1000", "0")

	rep, err = h.rec.Reconcile(ctx, testExchange)
	require.NoError(t, err)
	assert.Zero(t, rep.Queried)
	assert.Zero(t, rep.NotFound)
	assert.Equal(t, enum.OrderStateRejected, h.order(t, id).State)
}

func TestReconnectClosesSilentlyCancelledOrders(t *testing.T) {
	h := newHarness(t)

	first := h.buy(t, "100", "1")
	second := h.buy(t, "90", "1")
	kept := h.buy(t, "80", "1")
	h.assertBalance(t, "USDT", "1000", "270")

	require.NoError(t, h.venue.CloseSilently(first))
	require.NoError(t, h.venue.CloseSilently(second))
	h.venue.Disconnect()

	require.Eventually(t, func() bool {
		b := h.use.Balance(testExchange, "USDT")
		return b.Reserved.Equal(dec("80"))
	}, time.Second, time.Millisecond)

	assert.Equal(t, enum.OrderStateCancelled, h.order(t, first).State)
	assert.Equal(t, enum.OrderStateCancelled, h.order(t, second).State)
	assert.Equal(t, enum.OrderStateAccepted, h.order(t, kept).State)
	h.assertBalance(t, "USDT", "1000", "80")
}

func TestMissedFillRepairedFromSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.buy(t, "100", "2")
	h.venue.Disconnect()
	_, err := h.venue.Fill(id, dec("0.5"), dec("100"))
	require.NoError(t, err)

	// the reconnect may already have repaired it
	require.Eventually(t, func() bool {
		_, err := h.rec.Reconcile(ctx, testExchange)
		return err == nil && h.order(t, id).FilledQuantity.Equal(dec("0.5"))
	}, time.Second, 5*time.Millisecond)

	o := h.order(t, id)
	assert.Equal(t, enum.OrderStatePartiallyFilled, o.State)
	h.assertBalance(t, "USDT", "950", "150")
	h.assertBalance(t, "BTC", "0.5", "0")
}

func TestSnapshotTerminalStateSkipsQuery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.buy(t, "100", "1")
	o := h.order(t, id)
	queries := h.venue.Calls(paper.OpQuery)

	rep, err := h.rec.ApplySnapshot(ctx, testExchange, adapter.ExchangeSnapshot{
		Exchange: testExchange,
		Orders: []adapter.OrderStatus{{
			Found:           true,
			ExchangeOrderID: o.ExchangeOrderID,
			State:           enum.OrderStateFilled,
			FilledQuantity:  dec("1"),
		}},
		TakenAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
	assert.Zero(t, rep.Queried)
	assert.Equal(t, queries, h.venue.Calls(paper.OpQuery))

	assert.Equal(t, enum.OrderStateFilled, h.order(t, id).State)
	h.assertBalance(t, "USDT", "900", "0")
	h.assertBalance(t, "BTC", "1", "0")
}

func TestShadowOrderAdopted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	xid := h.venue.PlaceExternal(btcusdt, enum.OrderSideBuy, dec("100"), dec("1"))

	rep, err := h.rec.Reconcile(ctx, testExchange)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Shadows)
	require.True(t, h.use.Knows(testExchange, "", xid))

	open := h.use.OpenOrders(testExchange, btcusdt)
	require.Len(t, open, 1)
	assert.True(t, open[0].Shadow)
	assert.Equal(t, xid, open[0].ExchangeOrderID)
	assert.Equal(t, adapter.ReasonShadow, open[0].Reason)
	h.assertBalance(t, "USDT", "1000", "100")

	rep, err = h.rec.Reconcile(ctx, testExchange)
	require.NoError(t, err)
	assert.Zero(t, rep.Shadows)
	assert.Zero(t, rep.Drift())
}

func TestBalanceDriftResyncKeepsReservations(t *testing.T) {
	testCases := []struct {
		desc     string
		total    string
		resynced int
		want     string
	}{
		{desc: "deposit beyond epsilon", total: "1500", resynced: 1, want: "1500"},
		{desc: "withdrawal beyond epsilon", total: "400", resynced: 1, want: "400"},
		{desc: "within epsilon", total: "1000.000001", resynced: 0, want: "1000"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			h := newHarness(t)
			h.buy(t, "100", "1")

			h.venue.SetBalance("USDT", dec(tc.total))
			rep, err := h.rec.Reconcile(context.Background(), testExchange)
			require.NoError(t, err)
			assert.Equal(t, tc.resynced, rep.Resynced)
			h.assertBalance(t, "USDT", tc.want, "100")
		})
	}
}

func TestPendingOrdersAreSkipped(t *testing.T) {
	takenAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	testCases := []struct {
		desc    string
		order   adapter.Order
		skipped int
		queried int
	}{
		{
			desc:    "created",
			order:   adapter.Order{ID: "o-1", State: enum.OrderStateCreated},
			skipped: 1,
		},
		{
			desc:    "submitted within grace",
			order:   adapter.Order{ID: "o-1", State: enum.OrderStateSubmitted, SubmittedAt: takenAt.Add(-time.Second)},
			skipped: 1,
		},
		{
			desc:    "submitted past grace",
			order:   adapter.Order{ID: "o-1", State: enum.OrderStateSubmitted, SubmittedAt: takenAt.Add(-time.Minute)},
			queried: 1,
		},
		{
			desc:    "accepted",
			order:   adapter.Order{ID: "o-1", State: enum.OrderStateAccepted, SubmittedAt: takenAt},
			queried: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			engine := &fakeEngine{open: []adapter.Order{tc.order}}
			rec, err := New(Config{Interval: time.Second, Grace: 5 * time.Second}, engine, nil)
			require.NoError(t, err)

			rep, err := rec.ApplySnapshot(context.Background(), testExchange, adapter.ExchangeSnapshot{TakenAt: takenAt})
			require.NoError(t, err)
			assert.Equal(t, tc.skipped, rep.Skipped)
			assert.Equal(t, tc.queried, rep.Queried)
			assert.EqualValues(t, tc.queried, engine.queries.Load())
		})
	}
}

func TestReconcileErrors(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{exchange: testExchange, err: paper.ErrDisconnected}
	rec, err := New(Config{Interval: time.Second}, &fakeEngine{}, nil, src)
	require.NoError(t, err)

	_, err = rec.Reconcile(ctx, testExchange)
	assert.ErrorIs(t, err, paper.ErrDisconnected)

	_, err = rec.Reconcile(ctx, "elsewhere")
	assert.ErrorIs(t, err, exception.ErrInvalidRequest)
}

func TestReconcileIsSingleFlight(t *testing.T) {
	src := &fakeSource{
		exchange: testExchange,
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	rec, err := New(Config{Interval: time.Second}, &fakeEngine{}, nil, src)
	require.NoError(t, err)

	var wg sync.WaitGroup
	reconcile := func() {
		defer wg.Done()
		_, err := rec.Reconcile(context.Background(), testExchange)
		assert.NoError(t, err)
	}

	wg.Add(1)
	go reconcile()
	<-src.entered

	wg.Add(1)
	go reconcile()
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.EqualValues(t, 1, src.fetches.Load())
}

func TestRunReconcilesEveryExchange(t *testing.T) {
	a := &fakeSource{exchange: "a"}
	b := &fakeSource{exchange: "b"}
	rec, err := New(Config{Interval: 5 * time.Millisecond}, &fakeEngine{}, nil, a, b)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return a.fetches.Load() >= 2 && b.fetches.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestReconnectResumesDespiteFailedRepairs(t *testing.T) {
	venue, err := paper.New(paper.Config{Exchange: testExchange})
	require.NoError(t, err)
	conn, err := connector.New(connector.Config{
		Exchange:      testExchange,
		RatePerSecond: 1000,
		Burst:         100,
		MaxWait:       50 * time.Millisecond,
		CallTimeout:   50 * time.Millisecond,
		ReadAttempts:  1,
		DegradedAfter: 2,
		DownAfter:     3,
		Backoff:       backoff.Policy{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
	}, venue, nil)
	require.NoError(t, err)

	engine := &fakeEngine{
		open: []adapter.Order{{
			ID:              "o-1",
			Exchange:        testExchange,
			ExchangeOrderID: "X-1",
			State:           enum.OrderStateAccepted,
		}},
		queryErr: exception.New(exception.KindConnectorUnavailable, "query order", nil),
	}
	reg := prometheus.NewRegistry()
	rec, err := New(Config{Interval: time.Hour}, engine, obs.NewMetrics(reg), conn)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Run(ctx, connector.HandlerFuncs{Reconnect: rec.OnReconnect})
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return conn.Health() == enum.HealthHealthy
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, engine.queries.Load())

	failures, err := testutil.GatherAndCount(reg, "engine_reconcile_repair_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, failures)
}

type fakeSource struct {
	exchange string
	err      error
	entered  chan struct{}
	release  chan struct{}
	fetches  atomic.Int32
}

func (s *fakeSource) Exchange() string { return s.exchange }

func (s *fakeSource) FetchSnapshot(ctx context.Context) (adapter.ExchangeSnapshot, error) {
	s.fetches.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return adapter.ExchangeSnapshot{}, ctx.Err()
		}
	}
	return adapter.ExchangeSnapshot{Exchange: s.exchange, TakenAt: time.Now()}, s.err
}

// fakeEngine tracks nothing but the given open orders; queries find them
// open.
type fakeEngine struct {
	open     []adapter.Order
	queryErr error
	queries  atomic.Int32
}

func (e *fakeEngine) OpenOrders(string, adapter.Pair) []adapter.Order { return e.open }

func (e *fakeEngine) Knows(string, string, string) bool { return false }

func (e *fakeEngine) QueryOrder(_ context.Context, o adapter.Order) (adapter.OrderStatus, error) {
	e.queries.Add(1)
	if e.queryErr != nil {
		return adapter.OrderStatus{}, e.queryErr
	}
	return adapter.OrderStatus{Found: true, OrderID: o.ID, State: enum.OrderStateAccepted}, nil
}

func (e *fakeEngine) ApplyStatus(context.Context, string, adapter.OrderStatus) (ledger.Transition, error) {
	return ledger.Transition{}, nil
}

func (e *fakeEngine) RejectNotFound(context.Context, string) (bool, error) { return false, nil }

func (e *fakeEngine) AdoptShadow(context.Context, string, adapter.OrderStatus) (adapter.Order, error) {
	return adapter.Order{}, nil
}

func (e *fakeEngine) Balance(exchange, currency string) adapter.Balance {
	return adapter.Balance{Exchange: exchange, Currency: currency}
}

func (e *fakeEngine) ResyncTotal(context.Context, string, string, adapter.Decimal) (adapter.Decimal, error) {
	return adapter.Zero, nil
}

func (e *fakeEngine) AuditReserved(context.Context, string) ([]balance.Adjustment, error) {
	return nil, nil
}
