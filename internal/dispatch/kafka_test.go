package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	msgs     []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestKafkaSinkForwardsKeyedMessages(t *testing.T) {
	d := New(nil)
	w := &fakeWriter{failures: 1}
	sink := NewKafkaSink(d, w, CapFills|CapTransitions, 16)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	order := adapter.Order{ID: "o-1", State: enum.OrderStateAccepted}
	d.Publish(Notification{Kind: KindTransition, Exchange: "paper", Pair: btc, From: enum.OrderStateSubmitted, Order: &order})
	d.Publish(Notification{Kind: KindBook, Exchange: "paper", Pair: btc})

	require.Eventually(t, func() bool { return len(w.messages()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	msg := w.messages()[0]
	assert.Equal(t, "paper|BTC/USDT", string(msg.Key))

	var decoded struct {
		Kind  string `json:"kind"`
		From  string `json:"from"`
		Seq   uint64 `json:"seq"`
		Order struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"order"`
	}
	require.NoError(t, sonic.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "transition", decoded.Kind)
	assert.Equal(t, "Submitted", decoded.From)
	assert.Equal(t, uint64(1), decoded.Seq)
	assert.Equal(t, "o-1", decoded.Order.ID)
	assert.Equal(t, "Accepted", decoded.Order.State)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}
