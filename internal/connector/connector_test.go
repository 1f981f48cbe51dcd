package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/connector/paper"
	"github.com/yanun0323/go-hft/internal/event"
	"github.com/yanun0323/go-hft/pkg/backoff"
	"github.com/yanun0323/go-hft/pkg/exception"
)

type fakeClient struct {
	submit   func(ctx context.Context, o adapter.Order) (adapter.Ack, error)
	cancel   func(ctx context.Context, o adapter.Order) (adapter.CancelAck, error)
	query    func(ctx context.Context, o adapter.Order) (adapter.OrderStatus, error)
	snapshot func(ctx context.Context) (adapter.ExchangeSnapshot, error)

	submits atomic.Int64
	queries atomic.Int64
}

func (f *fakeClient) Submit(ctx context.Context, o adapter.Order) (adapter.Ack, error) {
	f.submits.Add(1)
	if f.submit == nil {
		return adapter.Ack{OrderID: o.ID, State: enum.OrderStateAccepted}, nil
	}
	return f.submit(ctx, o)
}

func (f *fakeClient) Cancel(ctx context.Context, o adapter.Order) (adapter.CancelAck, error) {
	if f.cancel == nil {
		return adapter.CancelAck{OrderID: o.ID, Confirmed: true}, nil
	}
	return f.cancel(ctx, o)
}

func (f *fakeClient) QueryOrder(ctx context.Context, o adapter.Order) (adapter.OrderStatus, error) {
	f.queries.Add(1)
	if f.query == nil {
		return adapter.OrderStatus{OrderID: o.ID}, nil
	}
	return f.query(ctx, o)
}

func (f *fakeClient) FetchSnapshot(ctx context.Context) (adapter.ExchangeSnapshot, error) {
	if f.snapshot == nil {
		return adapter.ExchangeSnapshot{}, nil
	}
	return f.snapshot(ctx)
}

func (f *fakeClient) Stream(ctx context.Context, _ func(event.Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func testConfig() Config {
	return Config{
		Exchange:      "paper",
		RatePerSecond: 1000,
		Burst:         100,
		MaxWait:       50 * time.Millisecond,
		CallTimeout:   50 * time.Millisecond,
		ReadAttempts:  1,
		DegradedAfter: 2,
		DownAfter:     3,
		Backoff:       backoff.Policy{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
	}
}

// connect runs c until the test ends and waits for it to become healthy.
func connect(t *testing.T, c *Connector, h Handler) {
	t.Helper()
	if h == nil {
		h = HandlerFuncs{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return c.Health() == enum.HealthHealthy
	}, time.Second, time.Millisecond)
}

func TestNewValidates(t *testing.T) {
	_, err := New(testConfig(), nil, nil)
	require.ErrorIs(t, err, exception.ErrConnectorNilClient)

	testCases := []struct {
		desc   string
		mutate func(cfg *Config)
	}{
		{desc: "empty exchange", mutate: func(cfg *Config) { cfg.Exchange = "" }},
		{desc: "zero rate", mutate: func(cfg *Config) { cfg.RatePerSecond = 0 }},
		{desc: "zero burst", mutate: func(cfg *Config) { cfg.Burst = 0 }},
		{desc: "zero max wait", mutate: func(cfg *Config) { cfg.MaxWait = 0 }},
		{desc: "zero call timeout", mutate: func(cfg *Config) { cfg.CallTimeout = 0 }},
		{desc: "down before degraded", mutate: func(cfg *Config) { cfg.DownAfter = 1 }},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			_, err := New(cfg, &fakeClient{}, nil)
			require.Error(t, err)
		})
	}
}

func TestSubmitRefusedUntilConnected(t *testing.T) {
	client := &fakeClient{}
	c, err := New(testConfig(), client, nil)
	require.NoError(t, err)
	assert.Equal(t, enum.HealthDegraded, c.Health())

	_, err = c.Submit(t.Context(), adapter.Order{ID: "o-1"})
	require.ErrorIs(t, err, exception.ErrConnectorUnavailable)
	assert.Zero(t, client.submits.Load())

	_, err = c.Cancel(t.Context(), adapter.Order{ID: "o-1"})
	require.NoError(t, err, "cancels are allowed while degraded")
}

func TestSubmitOutcomes(t *testing.T) {
	testCases := []struct {
		desc     string
		submit   func(ctx context.Context, o adapter.Order) (adapter.Ack, error)
		wantKind exception.Kind
	}{
		{
			desc: "accepted",
			submit: func(_ context.Context, o adapter.Order) (adapter.Ack, error) {
				return adapter.Ack{OrderID: o.ID, ExchangeOrderID: "X-1", State: enum.OrderStateAccepted}, nil
			},
		},
		{
			desc: "transport error is an unknown outcome",
			submit: func(context.Context, adapter.Order) (adapter.Ack, error) {
				return adapter.Ack{}, errors.New("connection reset")
			},
			wantKind: exception.KindAckTimeout,
		},
		{
			desc: "deadline is an unknown outcome",
			submit: func(ctx context.Context, _ adapter.Order) (adapter.Ack, error) {
				<-ctx.Done()
				return adapter.Ack{}, ctx.Err()
			},
			wantKind: exception.KindAckTimeout,
		},
		{
			desc: "typed error passes through",
			submit: func(context.Context, adapter.Order) (adapter.Ack, error) {
				return adapter.Ack{}, exception.New(exception.KindConnectorUnavailable, "dial", errors.New("refused"))
			},
			wantKind: exception.KindConnectorUnavailable,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			c, err := New(testConfig(), &fakeClient{submit: tc.submit}, nil)
			require.NoError(t, err)
			connect(t, c, nil)

			ack, err := c.Submit(t.Context(), adapter.Order{ID: "o-1"})
			if !tc.wantKind.IsAvailable() {
				require.NoError(t, err)
				assert.Equal(t, "X-1", ack.ExchangeOrderID)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, exception.KindOf(err))
		})
	}
}

func TestUnknownOutcomeWrapsCause(t *testing.T) {
	c, err := New(testConfig(), &fakeClient{
		submit: func(context.Context, adapter.Order) (adapter.Ack, error) {
			return adapter.Ack{}, errors.New("eof")
		},
	}, nil)
	require.NoError(t, err)
	connect(t, c, nil)

	_, err = c.Submit(t.Context(), adapter.Order{ID: "o-1"})
	require.ErrorIs(t, err, exception.ErrAckTimeout)
	require.ErrorIs(t, err, exception.ErrConnectorUnknownResult)
}

func TestRateLimitBoundsWait(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSecond = 1
	cfg.Burst = 1
	cfg.MaxWait = 10 * time.Millisecond

	c, err := New(cfg, &fakeClient{}, nil)
	require.NoError(t, err)

	_, err = c.Cancel(t.Context(), adapter.Order{ID: "o-1"})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Cancel(t.Context(), adapter.Order{ID: "o-2"})
	require.ErrorIs(t, err, exception.ErrRateLimited)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestReadsRetry(t *testing.T) {
	cfg := testConfig()
	cfg.ReadAttempts = 3
	cfg.DegradedAfter = 5
	cfg.DownAfter = 5

	var calls atomic.Int64
	client := &fakeClient{
		query: func(_ context.Context, o adapter.Order) (adapter.OrderStatus, error) {
			if calls.Add(1) < 3 {
				return adapter.OrderStatus{}, errors.New("503")
			}
			return adapter.OrderStatus{Found: true, OrderID: o.ID, State: enum.OrderStateAccepted}, nil
		},
	}
	c, err := New(cfg, client, nil)
	require.NoError(t, err)

	st, err := c.QueryOrder(t.Context(), adapter.Order{ID: "o-1"})
	require.NoError(t, err)
	assert.True(t, st.Found)
	assert.EqualValues(t, 3, client.queries.Load())
}

func TestReadsExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.ReadAttempts = 2

	client := &fakeClient{
		query: func(context.Context, adapter.Order) (adapter.OrderStatus, error) {
			return adapter.OrderStatus{}, errors.New("503")
		},
	}
	c, err := New(cfg, client, nil)
	require.NoError(t, err)

	_, err = c.QueryOrder(t.Context(), adapter.Order{ID: "o-1"})
	require.ErrorIs(t, err, exception.ErrConnectorUnavailable)
	assert.EqualValues(t, 2, client.queries.Load())
}

func TestHealthFollowsFailures(t *testing.T) {
	var fail atomic.Bool
	client := &fakeClient{
		query: func(_ context.Context, o adapter.Order) (adapter.OrderStatus, error) {
			if fail.Load() {
				return adapter.OrderStatus{}, errors.New("503")
			}
			return adapter.OrderStatus{OrderID: o.ID}, nil
		},
	}
	c, err := New(testConfig(), client, nil)
	require.NoError(t, err)
	connect(t, c, nil)

	fail.Store(true)
	want := []enum.Health{enum.HealthHealthy, enum.HealthDegraded, enum.HealthDown}
	for i, h := range want {
		_, err := c.QueryOrder(t.Context(), adapter.Order{ID: "o-1"})
		require.Error(t, err)
		assert.Equal(t, h, c.Health(), "after %d failures", i+1)
	}

	fail.Store(false)
	_, err = c.QueryOrder(t.Context(), adapter.Order{ID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, enum.HealthHealthy, c.Health())
}

type recorder struct {
	mu     sync.Mutex
	snaps  []adapter.ExchangeSnapshot
	events []event.Event
}

func (r *recorder) OnEvent(_ context.Context, ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnReconnect(_ context.Context, _ string, snap adapter.ExchangeSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *recorder) snapCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) find(kind event.Kind, keep func(event.Event) bool) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.EventKind() == kind && keep(ev) {
			return ev, true
		}
	}
	return nil, false
}

func TestRunFetchesSnapshotOnEveryConnect(t *testing.T) {
	venue, err := paper.New(paper.Config{Exchange: "paper"})
	require.NoError(t, err)
	venue.SetBalance("USDT", adapter.NewDecimalFromInt(100))

	c, err := New(testConfig(), venue, nil)
	require.NoError(t, err)

	rec := &recorder{}
	connect(t, c, rec)
	require.Eventually(t, venue.Connected, time.Second, time.Millisecond)

	require.Equal(t, 1, rec.snapCount())
	first := rec.snaps[0]
	assert.Equal(t, "paper", first.Exchange)
	require.Len(t, first.Balances, 1)
	assert.True(t, first.Balances[0].Total.Equal(adapter.NewDecimalFromInt(100)))

	venue.Deposit("USDT", adapter.NewDecimalFromInt(5))
	require.Eventually(t, func() bool {
		ev, ok := rec.find(event.KindBalanceUpdate, func(event.Event) bool { return true })
		return ok && ev.EventHeader().Exchange == "paper" && ev.EventHeader().TsRecv > 0
	}, time.Second, time.Millisecond)

	venue.Disconnect()
	require.Eventually(t, func() bool {
		_, ok := rec.find(event.KindConnectivity, func(ev event.Event) bool {
			return !ev.(*event.Connectivity).Connected
		})
		return ok
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return rec.snapCount() == 2 && c.Health() == enum.HealthHealthy
	}, time.Second, time.Millisecond)
}

func TestRunRetriesRejectedSnapshot(t *testing.T) {
	venue, err := paper.New(paper.Config{Exchange: "paper"})
	require.NoError(t, err)

	c, err := New(testConfig(), venue, nil)
	require.NoError(t, err)

	var attempts atomic.Int64
	connect(t, c, HandlerFuncs{
		Reconnect: func(context.Context, string, adapter.ExchangeSnapshot) error {
			if attempts.Add(1) == 1 {
				return errors.New("busy")
			}
			return nil
		},
	})
	assert.EqualValues(t, 2, attempts.Load())
}
