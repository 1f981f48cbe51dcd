// Package persist is the storage boundary of the engine.
//
// The engine journals post-images: every record carries the full state of
// the order, balance or reservation it describes after the change. State
// is rebuilt from the last snapshot of an exchange plus every record
// appended after it, in sequence order.
//
// Backends: Memory for tests and paper runs, Store on gorm (postgres or
// sqlite), File on recorder journal segments.
//
// # Source
//
//   - engine journal (Append, AppendBatch)
//   - engine checkpoints (SaveSnapshot)
//
// # Produce
//
//   - recovery input (LoadLastSnapshot, EventsSince)
//   - shadow order lookups (LastKnownOrder)
package persist

import (
	"context"

	"github.com/yanun0323/go-hft/internal/adapter"
)

// RecordVersion is the payload layout written by this build.
const RecordVersion int32 = 1

type RecordKind uint8

const (
	_record_kind_beg RecordKind = iota
	RecordOrder
	RecordFill
	RecordBalance
	RecordReservation
	RecordArchive
	_record_kind_end
)

func (k RecordKind) IsAvailable() bool {
	return k > _record_kind_beg && k < _record_kind_end
}

func (k RecordKind) String() string {
	switch k {
	case RecordOrder:
		return "order"
	case RecordFill:
		return "fill"
	case RecordBalance:
		return "balance"
	case RecordReservation:
		return "reservation"
	case RecordArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Record is one journal entry. Exactly one payload field is set, matching
// Kind; RecordArchive carries the final Order.
type Record struct {
	Exchange    string               `json:"exchange"`
	Seq         uint64               `json:"seq"`
	Kind        RecordKind           `json:"kind"`
	Version     int32                `json:"version"`
	Time        int64                `json:"time"`
	Order       *adapter.OrderRecord `json:"order,omitempty"`
	Fill        *adapter.Fill        `json:"fill,omitempty"`
	Balance     *adapter.Balance     `json:"balance,omitempty"`
	Reservation *adapter.Reservation `json:"reservation,omitempty"`
}

// OrderKeys returns the order ids a record refers to.
func (r Record) OrderKeys() (orderID, exchangeOrderID string) {
	switch {
	case r.Order != nil:
		return r.Order.Order.ID, r.Order.Order.ExchangeOrderID
	case r.Fill != nil:
		return r.Fill.OrderID, r.Fill.ExchangeOrderID
	case r.Reservation != nil:
		return r.Reservation.OrderID, ""
	default:
		return "", ""
	}
}

// Snapshot is the full state of one exchange as of LastSeq.
type Snapshot struct {
	Exchange     string                `json:"exchange"`
	LastSeq      uint64                `json:"last_seq"`
	Timestamp    int64                 `json:"timestamp"`
	Orders       []adapter.OrderRecord `json:"orders"`
	Balances     []adapter.Balance     `json:"balances"`
	Reservations []adapter.Reservation `json:"reservations"`
}

// Gateway stores journal records and snapshots.
type Gateway interface {
	// Append stores one record. Appending a (exchange, seq) that already
	// exists is a no-op.
	Append(ctx context.Context, rec Record) error
	// AppendBatch stores recs, falling back to one-by-one writes when the
	// batch fails, and returns the records that could not be stored.
	AppendBatch(ctx context.Context, recs []Record) ([]Record, error)
	// EventsSince returns the records of exchange with Seq > seq, in order.
	EventsSince(ctx context.Context, exchange string, seq uint64) ([]Record, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LoadLastSnapshot returns the newest snapshot of exchange, or an empty
	// snapshot when none was saved.
	LoadLastSnapshot(ctx context.Context, exchange string) (Snapshot, error)
	// LastKnownOrder returns the newest stored image of an order.
	LastKnownOrder(ctx context.Context, exchange, orderID, exchangeOrderID string) (adapter.OrderRecord, bool, error)
	Ping(ctx context.Context) error
}
