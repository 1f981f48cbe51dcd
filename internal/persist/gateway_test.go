package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
)

const testExchange = "paper"

func orderRecord(seq uint64, id, exchangeID string, state enum.OrderState) Record {
	return Record{
		Exchange: testExchange,
		Seq:      seq,
		Kind:     RecordOrder,
		Order: &adapter.OrderRecord{
			Order: adapter.Order{
				ID:              id,
				ExchangeOrderID: exchangeID,
				Exchange:        testExchange,
				Pair:            adapter.NewPair("BTC", "USDT"),
				Side:            enum.OrderSideBuy,
				Kind:            enum.OrderKindLimit,
				Price:           adapter.MustDecimal("100.5"),
				Quantity:        adapter.MustDecimal("2"),
				State:           state,
			},
			TradeIDs: []string{"t-1"},
		},
	}
}

// runGatewayContract exercises the behavior every Gateway must share.
func runGatewayContract(t *testing.T, gw Gateway) {
	t.Helper()
	ctx := t.Context()

	require.NoError(t, gw.Ping(ctx))

	snap, err := gw.LoadLastSnapshot(ctx, testExchange)
	require.NoError(t, err)
	assert.Equal(t, testExchange, snap.Exchange)
	assert.Zero(t, snap.LastSeq)

	require.NoError(t, gw.Append(ctx, orderRecord(1, "o-1", "", enum.OrderStateCreated)))
	require.NoError(t, gw.Append(ctx, orderRecord(1, "o-1", "", enum.OrderStateCreated)), "duplicate seq must be a no-op")

	failed, err := gw.AppendBatch(ctx, []Record{
		orderRecord(2, "o-1", "X-1", enum.OrderStateAccepted),
		{
			Exchange: testExchange,
			Seq:      3,
			Kind:     RecordBalance,
			Balance: &adapter.Balance{
				Exchange: testExchange,
				Currency: "USDT",
				Total:    adapter.MustDecimal("1000"),
				Reserved: adapter.MustDecimal("201"),
			},
		},
		orderRecord(4, "o-2", "X-2", enum.OrderStateSubmitted),
	})
	require.NoError(t, err)
	assert.Empty(t, failed)

	all, err := gw.EventsSince(ctx, testExchange, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, rec := range all {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
	assert.Equal(t, enum.OrderStateAccepted, all[1].Order.Order.State)
	assert.True(t, all[1].Order.Order.Price.Equal(adapter.MustDecimal("100.5")))
	assert.Equal(t, []string{"t-1"}, all[1].Order.TradeIDs)
	assert.True(t, all[2].Balance.Reserved.Equal(adapter.MustDecimal("201")))

	tail, err := gw.EventsSince(ctx, testExchange, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(3), tail[0].Seq)

	other, err := gw.EventsSince(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, other)

	rec, ok, err := gw.LastKnownOrder(ctx, testExchange, "", "X-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "o-1", rec.Order.ID)
	assert.Equal(t, enum.OrderStateAccepted, rec.Order.State)

	rec, ok, err = gw.LastKnownOrder(ctx, testExchange, "o-1", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "X-1", rec.Order.ExchangeOrderID)

	_, ok, err = gw.LastKnownOrder(ctx, testExchange, "missing", "X-missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, gw.SaveSnapshot(ctx, Snapshot{
		Exchange:  testExchange,
		LastSeq:   3,
		Timestamp: 10,
		Orders:    []adapter.OrderRecord{*orderRecord(0, "o-9", "X-9", enum.OrderStateAccepted).Order},
		Balances: []adapter.Balance{{
			Exchange: testExchange,
			Currency: "USDT",
			Total:    adapter.MustDecimal("1000"),
		}},
	}))

	snap, err = gw.LoadLastSnapshot(ctx, testExchange)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.LastSeq)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, "o-9", snap.Orders[0].Order.ID)

	rec, ok, err = gw.LastKnownOrder(ctx, testExchange, "", "X-9")
	require.NoError(t, err)
	require.True(t, ok, "snapshot orders are searched too")
	assert.Equal(t, "o-9", rec.Order.ID)
}

func TestMemoryGateway(t *testing.T) {
	runGatewayContract(t, NewMemory())
}

func TestMemoryFailure(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.SetFailure(ErrUnavailable)
	require.ErrorIs(t, m.Append(ctx, orderRecord(1, "o-1", "", enum.OrderStateCreated)), ErrUnavailable)
	require.Error(t, m.Ping(ctx))

	failed, err := m.AppendBatch(ctx, []Record{orderRecord(1, "o-1", "", enum.OrderStateCreated)})
	require.Error(t, err)
	assert.Len(t, failed, 1)

	m.SetFailure(nil)
	require.NoError(t, m.Append(ctx, orderRecord(1, "o-1", "", enum.OrderStateCreated)))
	require.NoError(t, m.Ping(ctx))
}
