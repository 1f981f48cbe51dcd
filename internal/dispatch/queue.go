package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrQueueClosed = errors.New("dispatch: subscription closed")

// queue is a bounded queue that never blocks the producer: when full, the
// oldest notification is dropped to make room.
type queue struct {
	ch        chan Notification
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{
		ch:   make(chan Notification, capacity),
		done: make(chan struct{}),
	}
}

// push enqueues n and reports whether an older notification was dropped.
// Producers must be serialized by the caller.
func (q *queue) push(n Notification) bool {
	dropped := false
	for {
		select {
		case q.ch <- n:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

func (q *queue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *queue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// pop blocks until a notification is available. Notifications queued
// before close are still delivered.
func (q *queue) pop(ctx context.Context) (Notification, error) {
	select {
	case n := <-q.ch:
		return n, nil
	default:
	}

	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case n := <-q.ch:
		return n, nil
	case <-q.done:
		select {
		case n := <-q.ch:
			return n, nil
		default:
			return Notification{}, ErrQueueClosed
		}
	}
}

func (q *queue) tryPop() (Notification, bool) {
	select {
	case n := <-q.ch:
		return n, true
	default:
		return Notification{}, false
	}
}
