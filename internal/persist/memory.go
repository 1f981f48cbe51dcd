package persist

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/yanun0323/errors"

	"github.com/yanun0323/go-hft/internal/adapter"
)

var ErrUnavailable = errors.New("persist: storage unavailable")

// Memory is an in-process Gateway. SetFailure makes every write fail
// until cleared.
type Memory struct {
	mu        sync.RWMutex
	events    map[string][]Record
	seqs      map[string]map[uint64]struct{}
	snapshots map[string]Snapshot
	failure   error
}

func NewMemory() *Memory {
	return &Memory{
		events:    make(map[string][]Record),
		seqs:      make(map[string]map[uint64]struct{}),
		snapshots: make(map[string]Snapshot),
	}
}

// SetFailure makes writes return err. A nil err restores normal operation.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *Memory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.append(rec)
}

func (m *Memory) append(rec Record) error {
	if m.failure != nil {
		return m.failure
	}
	seen, ok := m.seqs[rec.Exchange]
	if !ok {
		seen = make(map[uint64]struct{})
		m.seqs[rec.Exchange] = seen
	}
	if _, dup := seen[rec.Seq]; dup {
		return nil
	}
	seen[rec.Seq] = struct{}{}
	m.events[rec.Exchange] = append(m.events[rec.Exchange], rec)
	return nil
}

func (m *Memory) AppendBatch(_ context.Context, recs []Record) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		failed []Record
		errs   error
	)
	for _, rec := range recs {
		if err := m.append(rec); err != nil {
			failed = append(failed, rec)
			errs = err
		}
	}
	return failed, errs
}

func (m *Memory) EventsSince(_ context.Context, exchange string, seq uint64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Record
	for _, rec := range m.events[exchange] {
		if rec.Seq > seq {
			result = append(result, rec)
		}
	}
	slices.SortFunc(result, func(a, b Record) int { return cmp.Compare(a.Seq, b.Seq) })
	return result, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failure != nil {
		return m.failure
	}
	if last, ok := m.snapshots[snap.Exchange]; ok && last.LastSeq > snap.LastSeq {
		return nil
	}
	m.snapshots[snap.Exchange] = snap
	return nil
}

func (m *Memory) LoadLastSnapshot(_ context.Context, exchange string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[exchange]
	if !ok {
		return Snapshot{Exchange: exchange}, nil
	}
	return snap, nil
}

func (m *Memory) LastKnownOrder(_ context.Context, exchange, orderID, exchangeOrderID string) (adapter.OrderRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[exchange]
	var (
		best  adapter.OrderRecord
		found bool
		seq   uint64
	)
	for _, rec := range events {
		if rec.Order == nil || !matches(rec.Order.Order, orderID, exchangeOrderID) {
			continue
		}
		if !found || rec.Seq > seq {
			best, found, seq = *rec.Order, true, rec.Seq
		}
	}
	if found {
		return best, true, nil
	}

	for _, rec := range m.snapshots[exchange].Orders {
		if matches(rec.Order, orderID, exchangeOrderID) {
			return rec, true, nil
		}
	}
	return adapter.OrderRecord{}, false, nil
}

func matches(o adapter.Order, orderID, exchangeOrderID string) bool {
	return (orderID != "" && o.ID == orderID) ||
		(exchangeOrderID != "" && o.ExchangeOrderID == exchangeOrderID)
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return errors.Wrap(ErrUnavailable, m.failure.Error())
	}
	return nil
}
