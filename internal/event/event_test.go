package event

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yanun0323/go-hft/internal/adapter"
)

func TestStampFillsMissingFields(t *testing.T) {
	ev := &Fill{Fill: adapter.Fill{TradeID: "t-1"}}
	Stamp(ev, "paper", 42)

	assert.Equal(t, "paper", ev.Header.Exchange)
	assert.Equal(t, int64(42), ev.TsRecv)

	Stamp(ev, "other", 43)
	assert.Equal(t, "paper", ev.Header.Exchange)
	assert.Equal(t, int64(42), ev.TsRecv)
}

func TestEventKinds(t *testing.T) {
	testCases := []struct {
		desc     string
		ev       Event
		expected Kind
	}{
		{"order update", &OrderUpdate{}, KindOrderUpdate},
		{"fill", &Fill{}, KindFill},
		{"balance", &BalanceUpdate{}, KindBalanceUpdate},
		{"book", &BookUpdate{}, KindBookUpdate},
		{"connectivity", &Connectivity{}, KindConnectivity},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.ev.EventKind())
			assert.True(t, tc.ev.EventKind().IsAvailable())
		})
	}
}

func TestPair(t *testing.T) {
	p := adapter.NewPair("BTC", "USDT")

	got, ok := Pair(&Fill{Fill: adapter.Fill{Pair: p}})
	assert.True(t, ok)
	assert.Equal(t, p, got)

	_, ok = Pair(&OrderUpdate{})
	assert.False(t, ok)
}

func TestHeaderMarker(t *testing.T) {
	h := Header{Seq: 7, TsEvent: 100}
	assert.Equal(t, adapter.Marker{Seq: 7, TsEvent: 100}, h.Marker())
}
