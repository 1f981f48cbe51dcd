package persist

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yanun0323/go-hft/internal/adapter"
)

type eventRow struct {
	ID              uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Exchange        string    `gorm:"column:exchange;type:varchar(64);not null;uniqueIndex:uk_engine_events_exchange_seq,priority:1"`
	Seq             uint64    `gorm:"column:seq;not null;uniqueIndex:uk_engine_events_exchange_seq,priority:2"`
	Kind            uint8     `gorm:"column:kind;not null"`
	Version         int32     `gorm:"column:version;not null"`
	OrderID         string    `gorm:"column:order_id;type:varchar(64);index:idx_engine_events_order_id"`
	ExchangeOrderID string    `gorm:"column:exchange_order_id;type:varchar(128);index:idx_engine_events_exchange_order_id"`
	Payload         string    `gorm:"column:payload;type:text;not null"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (eventRow) TableName() string {
	return "engine_events"
}

type snapshotRow struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Exchange  string    `gorm:"column:exchange;type:varchar(64);not null;index:idx_engine_snapshots_exchange_seq,priority:1"`
	LastSeq   uint64    `gorm:"column:last_seq;not null;index:idx_engine_snapshots_exchange_seq,priority:2"`
	Version   int32     `gorm:"column:version;not null"`
	Payload   string    `gorm:"column:payload;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (snapshotRow) TableName() string {
	return "engine_snapshots"
}

// Store is a Gateway on any gorm dialect.
type Store struct {
	db        *gorm.DB
	batchSize int
}

// NewStore migrates the engine tables and returns a store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("persist: nil db")
	}
	if err := db.AutoMigrate(&eventRow{}, &snapshotRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate engine tables")
	}
	return &Store{db: db, batchSize: 100}, nil
}

func toRow(rec Record) (eventRow, error) {
	if rec.Version == 0 {
		rec.Version = RecordVersion
	}
	payload, err := sonic.MarshalString(rec)
	if err != nil {
		return eventRow{}, errors.Wrapf(err, "marshal record, exchange: %s, seq: %d", rec.Exchange, rec.Seq)
	}
	orderID, exchangeOrderID := rec.OrderKeys()
	return eventRow{
		Exchange:        rec.Exchange,
		Seq:             rec.Seq,
		Kind:            uint8(rec.Kind),
		Version:         rec.Version,
		OrderID:         orderID,
		ExchangeOrderID: exchangeOrderID,
		Payload:         payload,
	}, nil
}

func fromRow(row eventRow) (Record, error) {
	var rec Record
	if err := sonic.UnmarshalString(row.Payload, &rec); err != nil {
		return Record{}, errors.Wrapf(err, "unmarshal record, exchange: %s, seq: %d", row.Exchange, row.Seq)
	}
	return rec, nil
}

func (s *Store) insert(ctx context.Context, rows []eventRow) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, s.batchSize).Error
}

func (s *Store) Append(ctx context.Context, rec Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	if err := s.insert(ctx, []eventRow{row}); err != nil {
		return errors.Wrapf(err, "insert record, exchange: %s, seq: %d", rec.Exchange, rec.Seq)
	}
	return nil
}

func (s *Store) AppendBatch(ctx context.Context, recs []Record) ([]Record, error) {
	rows := make([]eventRow, 0, len(recs))
	for _, rec := range recs {
		row, err := toRow(rec)
		if err != nil {
			return recs, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	batchErr := s.insert(ctx, rows)
	if batchErr == nil {
		return nil, nil
	}

	var (
		failed  []Record
		lastErr error
	)
	for i, row := range rows {
		if err := s.insert(ctx, []eventRow{row}); err != nil {
			failed = append(failed, recs[i])
			lastErr = err
		}
	}
	if len(failed) == 0 {
		return nil, nil
	}
	return failed, errors.Wrapf(lastErr, "insert %d of %d records", len(failed), len(recs))
}

func (s *Store) EventsSince(ctx context.Context, exchange string, seq uint64) ([]Record, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("exchange = ? AND seq > ?", exchange, seq).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "query records, exchange: %s, since: %d", exchange, seq)
	}

	result := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	payload, err := sonic.MarshalString(snap)
	if err != nil {
		return errors.Wrapf(err, "marshal snapshot, exchange: %s", snap.Exchange)
	}
	row := snapshotRow{
		Exchange: snap.Exchange,
		LastSeq:  snap.LastSeq,
		Version:  RecordVersion,
		Payload:  payload,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "insert snapshot, exchange: %s", snap.Exchange)
	}
	return nil
}

func (s *Store) LoadLastSnapshot(ctx context.Context, exchange string) (Snapshot, error) {
	var rows []snapshotRow
	err := s.db.WithContext(ctx).
		Where("exchange = ?", exchange).
		Order("last_seq DESC, id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "query snapshot, exchange: %s", exchange)
	}
	if len(rows) == 0 {
		return Snapshot{Exchange: exchange}, nil
	}

	var snap Snapshot
	if err := sonic.UnmarshalString(rows[0].Payload, &snap); err != nil {
		return Snapshot{}, errors.Wrapf(err, "unmarshal snapshot, exchange: %s", exchange)
	}
	return snap, nil
}

func (s *Store) LastKnownOrder(ctx context.Context, exchange, orderID, exchangeOrderID string) (adapter.OrderRecord, bool, error) {
	q := s.db.WithContext(ctx).
		Where("exchange = ? AND kind IN ?", exchange, []int{int(RecordOrder), int(RecordArchive)})
	switch {
	case orderID != "" && exchangeOrderID != "":
		q = q.Where("(order_id = ? OR exchange_order_id = ?)", orderID, exchangeOrderID)
	case orderID != "":
		q = q.Where("order_id = ?", orderID)
	case exchangeOrderID != "":
		q = q.Where("exchange_order_id = ?", exchangeOrderID)
	default:
		return adapter.OrderRecord{}, false, nil
	}

	var rows []eventRow
	if err := q.Order("seq DESC").Limit(1).Find(&rows).Error; err != nil {
		return adapter.OrderRecord{}, false, errors.Wrapf(err, "query order, exchange: %s", exchange)
	}
	if len(rows) != 0 {
		rec, err := fromRow(rows[0])
		if err != nil {
			return adapter.OrderRecord{}, false, err
		}
		if rec.Order != nil {
			return *rec.Order, true, nil
		}
	}

	snap, err := s.LoadLastSnapshot(ctx, exchange)
	if err != nil {
		return adapter.OrderRecord{}, false, err
	}
	for _, rec := range snap.Orders {
		if matches(rec.Order, orderID, exchangeOrderID) {
			return rec, true, nil
		}
	}
	return adapter.OrderRecord{}, false, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql db")
	}
	return sqlDB.PingContext(ctx)
}
