package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/obs"
	"github.com/yanun0323/go-hft/pkg/exception"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	health    map[string]enum.Health
	halted    map[string]bool
	orders    []adapter.Order
	balances  map[string][]adapter.Balance
	cancelErr error
	cancelled []string
}

func (f *fakeEngine) Exchanges() []string {
	return []string{"a", "b"}
}

func (f *fakeEngine) Health() map[string]enum.Health { return f.health }

func (f *fakeEngine) Halted(exchange string) bool { return f.halted[exchange] }

func (f *fakeEngine) Orders(exchange string) []adapter.Order {
	result := make([]adapter.Order, 0, len(f.orders))
	for _, o := range f.orders {
		if exchange == "" || o.Exchange == exchange {
			result = append(result, o)
		}
	}
	return result
}

func (f *fakeEngine) Order(id string) (adapter.Order, bool) {
	for _, o := range f.orders {
		if o.ID == id {
			return o, true
		}
	}
	return adapter.Order{}, false
}

func (f *fakeEngine) Balances(exchange string) []adapter.Balance { return f.balances[exchange] }

func (f *fakeEngine) CancelAll(_ context.Context, exchange string) error {
	f.cancelled = append(f.cancelled, exchange)
	return f.cancelErr
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		health: map[string]enum.Health{"a": enum.HealthHealthy, "b": enum.HealthHealthy},
		halted: map[string]bool{},
		orders: []adapter.Order{
			{ID: "o-1", Exchange: "a", State: enum.OrderStateAccepted, Quantity: adapter.MustDecimal("1")},
			{ID: "o-2", Exchange: "b", State: enum.OrderStateFilled, Quantity: adapter.MustDecimal("2")},
		},
		balances: map[string][]adapter.Balance{
			"a": {{Exchange: "a", Currency: "USDT", Total: adapter.MustDecimal("1000"), Reserved: adapter.MustDecimal("100")}},
			"b": {{Exchange: "b", Currency: "BTC", Total: adapter.MustDecimal("1")}},
		},
	}
}

// orderView decodes the fields the tests check.
type orderView struct {
	ID       string          `json:"id"`
	State    string          `json:"state"`
	Quantity adapter.Decimal `json:"quantity"`
}

func serve(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	return serveBody(t, s, method, path, "")
}

func serveBody(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	testCases := []struct {
		desc   string
		mutate func(f *fakeEngine)
		status int
	}{
		{desc: "all healthy", status: http.StatusOK},
		{desc: "degraded", mutate: func(f *fakeEngine) { f.health["b"] = enum.HealthDegraded }, status: http.StatusServiceUnavailable},
		{desc: "halted journal", mutate: func(f *fakeEngine) { f.halted["a"] = true }, status: http.StatusServiceUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFakeEngine()
			if tc.mutate != nil {
				tc.mutate(f)
			}
			rec := serve(t, New(f, prometheus.NewRegistry()), http.MethodGet, "/health")
			assert.Equal(t, tc.status, rec.Code)

			var body map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Len(t, body, 2)
		})
	}
}

func TestOrders(t *testing.T) {
	s := New(newFakeEngine(), prometheus.NewRegistry())

	var all []orderView
	rec := serve(t, s, http.MethodGet, "/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	var filtered []orderView
	rec = serve(t, s, http.MethodGet, "/orders?exchange=b")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, "o-2", filtered[0].ID)

	var one orderView
	rec = serve(t, s, http.MethodGet, "/orders/o-1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "Accepted", one.State)
	assert.True(t, one.Quantity.Equal(adapter.MustDecimal("1")))

	rec = serve(t, s, http.MethodGet, "/orders/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBalances(t *testing.T) {
	s := New(newFakeEngine(), prometheus.NewRegistry())

	var all []adapter.Balance
	rec := serve(t, s, http.MethodGet, "/balances")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	var one []adapter.Balance
	rec = serve(t, s, http.MethodGet, "/balances?exchange=a")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	require.Len(t, one, 1)
	assert.True(t, one[0].Reserved.Equal(adapter.MustDecimal("100")))
}

func TestCancelAll(t *testing.T) {
	testCases := []struct {
		desc   string
		err    error
		status int
	}{
		{desc: "done", status: http.StatusNoContent},
		{
			desc:   "unknown exchange",
			err:    exception.New(exception.KindInvalidRequest, "cancel all", exception.ErrOrderUnsupportedVenue),
			status: http.StatusBadRequest,
		},
		{
			desc:   "connector down",
			err:    exception.New(exception.KindConnectorUnavailable, "cancel", nil),
			status: http.StatusServiceUnavailable,
		},
		{
			desc:   "rate limited",
			err:    exception.New(exception.KindRateLimited, "cancel", nil),
			status: http.StatusTooManyRequests,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFakeEngine()
			f.cancelErr = tc.err
			rec := serve(t, New(f, prometheus.NewRegistry()), http.MethodPost, "/exchanges/a/cancel-all")
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, []string{"a"}, f.cancelled)
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := obs.NewMetrics(reg)
	m.IncShadow("a")

	rec := serve(t, New(newFakeEngine(), reg), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "engine_shadow_orders_total"))
}

type fakeKillSwitch struct {
	on bool
}

func (k *fakeKillSwitch) KillSwitch() bool { return k.on }

func (k *fakeKillSwitch) SetKillSwitch(on bool) { k.on = on }

func TestKillSwitch(t *testing.T) {
	k := &fakeKillSwitch{}
	s := New(newFakeEngine(), prometheus.NewRegistry()).WithKillSwitch(k)

	testCases := []struct {
		desc   string
		body   string
		status int
		want   bool
	}{
		{desc: "engage", body: `{"enabled": true}`, status: http.StatusOK, want: true},
		{desc: "missing field", body: `{}`, status: http.StatusBadRequest, want: true},
		{desc: "not json", body: `on`, status: http.StatusBadRequest, want: true},
		{desc: "release", body: `{"enabled": false}`, status: http.StatusOK, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			rec := serveBody(t, s, http.MethodPut, "/risk/kill-switch", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.want, k.on)
		})
	}

	rec := serve(t, s, http.MethodGet, "/risk/kill-switch")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled": false}`, rec.Body.String())
}
