package dispatch

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/obs"
)

// Capability selects which notifications a subscriber receives.
type Capability uint8

const (
	CapFills Capability = 1 << iota
	CapTransitions
	CapBalances
	CapBook
	CapConnectivity

	CapAll = CapFills | CapTransitions | CapBalances | CapBook | CapConnectivity
)

type Kind uint8

const (
	_kind_beg Kind = iota
	KindTransition
	KindFill
	KindShadow
	KindBalance
	KindBook
	KindConnectivity
	_kind_end
)

var _kindNames = [...]string{"", "transition", "fill", "shadow", "balance", "book", "connectivity"}

func (k Kind) IsAvailable() bool {
	return k > _kind_beg && k < _kind_end
}

func (k Kind) String() string {
	if !k.IsAvailable() {
		return "unknown"
	}
	return _kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Capability returns the capability a subscriber needs to receive k.
func (k Kind) Capability() Capability {
	switch k {
	case KindTransition, KindShadow:
		return CapTransitions
	case KindFill:
		return CapFills
	case KindBalance:
		return CapBalances
	case KindBook:
		return CapBook
	case KindConnectivity:
		return CapConnectivity
	default:
		return 0
	}
}

// Notification is what subscribers receive. Seq increases by one per
// (Exchange, Pair) partition.
type Notification struct {
	Kind      Kind                `json:"kind"`
	Exchange  string              `json:"exchange"`
	Pair      adapter.Pair        `json:"pair"`
	Seq       uint64              `json:"seq"`
	From      enum.OrderState     `json:"from,omitempty"`
	Order     *adapter.Order      `json:"order,omitempty"`
	Fill      *adapter.Fill       `json:"fill,omitempty"`
	Balance   *adapter.Balance    `json:"balance,omitempty"`
	Book      *adapter.BookUpdate `json:"book,omitempty"`
	Connected bool                `json:"connected,omitempty"`
	Time      time.Time           `json:"time"`
}

// PartitionKey identifies the ordering partition of n.
func (n Notification) PartitionKey() string {
	return n.Exchange + "|" + n.Pair.String()
}

type partition struct {
	exchange string
	pair     adapter.Pair
}

// Dispatcher fans notifications out to subscribers without ever blocking
// the publisher. Notifications of one partition reach each subscriber in
// publish order.
type Dispatcher struct {
	mu      sync.Mutex
	subs    []*Subscription
	seqs    map[partition]uint64
	metrics *obs.Metrics
	now     func() time.Time
}

func New(metrics *obs.Metrics) *Dispatcher {
	return &Dispatcher{
		seqs:    make(map[partition]uint64),
		metrics: metrics,
		now:     time.Now,
	}
}

// Subscribe registers a subscriber with a queue of size notifications.
func (d *Dispatcher) Subscribe(caps Capability, size int) *Subscription {
	s := &Subscription{
		caps: caps,
		q:    newQueue(size),
		d:    d,
	}

	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
	return s
}

func (d *Dispatcher) unsubscribe(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = slices.DeleteFunc(d.subs, func(x *Subscription) bool { return x == s })
}

// Publish stamps n with its partition sequence and hands it to every
// subscriber holding the matching capability.
func (d *Dispatcher) Publish(n Notification) Notification {
	if n.Time.IsZero() {
		n.Time = d.now()
	}
	want := n.Kind.Capability()

	d.mu.Lock()
	defer d.mu.Unlock()

	p := partition{n.Exchange, n.Pair}
	d.seqs[p]++
	n.Seq = d.seqs[p]

	for _, s := range d.subs {
		if s.caps&want == 0 {
			continue
		}
		if s.q.push(n) {
			d.metrics.IncDropped()
		}
	}
	return n
}

// Subscription is one subscriber's queue.
type Subscription struct {
	caps Capability
	q    *queue
	d    *Dispatcher
}

// Next blocks until a notification arrives, ctx is done or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Notification, error) {
	return s.q.pop(ctx)
}

// TryNext returns a queued notification without blocking.
func (s *Subscription) TryNext() (Notification, bool) {
	return s.q.tryPop()
}

// Dropped is the number of notifications dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.q.dropped.Load()
}

func (s *Subscription) Close() {
	if s.q.isClosed() {
		return
	}
	s.d.unsubscribe(s)
	s.q.close()
}
