package persist

import (
	"cmp"
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/recorder"
)

const (
	journalPrefix = "journal"
	snapshotFile  = "snapshot.json"
)

type FileConfig struct {
	Dir             string
	SegmentMaxBytes int64
	SyncEveryAppend bool
}

// File is a Gateway on local disk. Every exchange gets its own directory
// holding journal segments and the newest snapshot.
type File struct {
	cfg FileConfig

	mu       sync.Mutex
	journals map[string]*fileJournal
	closed   bool
}

type fileJournal struct {
	dir    string
	writer *recorder.Writer
	seqs   map[uint64]struct{}
}

func NewFile(cfg FileConfig) (*File, error) {
	if cfg.Dir == "" {
		return nil, errors.New("persist: file journal dir is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create journal dir %s", cfg.Dir)
	}
	return &File{cfg: cfg, journals: make(map[string]*fileJournal)}, nil
}

// journal opens the exchange directory on first use and indexes the seqs
// already on disk. Callers hold f.mu.
func (f *File) journal(exchange string) (*fileJournal, error) {
	if f.closed {
		return nil, ErrUnavailable
	}
	if j, ok := f.journals[exchange]; ok {
		return j, nil
	}
	if exchange == "" || exchange == "." || exchange == ".." || filepath.Base(exchange) != exchange {
		return nil, errors.Errorf("persist: invalid exchange name %q", exchange)
	}

	dir := filepath.Join(f.cfg.Dir, exchange)
	cfg := recorder.DefaultConfig(dir)
	cfg.FilePrefix = journalPrefix
	cfg.SyncEveryAppend = f.cfg.SyncEveryAppend
	if f.cfg.SegmentMaxBytes > 0 {
		cfg.SegmentMaxBytes = f.cfg.SegmentMaxBytes
	}
	writer, err := recorder.NewWriter(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal, exchange: %s", exchange)
	}

	j := &fileJournal{dir: dir, writer: writer, seqs: make(map[uint64]struct{})}
	err = recorder.ReadDir(dir, journalPrefix, recorder.ReaderOptions{}, func(h recorder.Header, _ []byte) error {
		j.seqs[h.Seq] = struct{}{}
		return nil
	})
	if err != nil {
		_ = writer.Close()
		return nil, errors.Wrapf(err, "index journal, exchange: %s", exchange)
	}

	f.journals[exchange] = j
	return j, nil
}

func (f *File) Append(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.append(rec)
}

func (f *File) append(rec Record) error {
	j, err := f.journal(rec.Exchange)
	if err != nil {
		return err
	}
	if _, dup := j.seqs[rec.Seq]; dup {
		return nil
	}

	if rec.Version == 0 {
		rec.Version = RecordVersion
	}
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "marshal record, exchange: %s, seq: %d", rec.Exchange, rec.Seq)
	}
	header := recorder.Header{
		Kind:    uint16(rec.Kind),
		Version: uint16(rec.Version),
		Seq:     rec.Seq,
		Time:    rec.Time,
	}
	if err := j.writer.Append(header, payload); err != nil {
		return errors.Wrapf(err, "append record, exchange: %s, seq: %d", rec.Exchange, rec.Seq)
	}
	j.seqs[rec.Seq] = struct{}{}
	return nil
}

func (f *File) AppendBatch(_ context.Context, recs []Record) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		failed  []Record
		lastErr error
	)
	for _, rec := range recs {
		if err := f.append(rec); err != nil {
			failed = append(failed, rec)
			lastErr = err
		}
	}
	if len(failed) == 0 {
		return nil, nil
	}
	return failed, errors.Wrapf(lastErr, "append %d of %d records", len(failed), len(recs))
}

func (f *File) EventsSince(_ context.Context, exchange string, seq uint64) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	j, err := f.journal(exchange)
	if err != nil {
		return nil, err
	}
	return j.scan(seq)
}

func (j *fileJournal) scan(seq uint64) ([]Record, error) {
	var result []Record
	err := recorder.ReadDir(j.dir, journalPrefix, recorder.ReaderOptions{}, func(h recorder.Header, payload []byte) error {
		if h.Seq <= seq {
			return nil
		}
		var rec Record
		if err := sonic.Unmarshal(payload, &rec); err != nil {
			return errors.Wrapf(err, "unmarshal record, seq: %d", h.Seq)
		}
		result = append(result, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(result, func(a, b Record) int { return cmp.Compare(a.Seq, b.Seq) })
	return result, nil
}

// SaveSnapshot replaces the stored snapshot unless it is newer than snap.
func (f *File) SaveSnapshot(_ context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	j, err := f.journal(snap.Exchange)
	if err != nil {
		return err
	}
	last, err := j.loadSnapshot(snap.Exchange)
	if err != nil {
		return err
	}
	if last.LastSeq > snap.LastSeq {
		return nil
	}

	data, err := sonic.Marshal(snap)
	if err != nil {
		return errors.Wrapf(err, "marshal snapshot, exchange: %s", snap.Exchange)
	}
	tmp, err := os.CreateTemp(j.dir, snapshotFile+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "create snapshot, exchange: %s", snap.Exchange)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "write snapshot, exchange: %s", snap.Exchange)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "sync snapshot, exchange: %s", snap.Exchange)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close snapshot, exchange: %s", snap.Exchange)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(j.dir, snapshotFile)); err != nil {
		return errors.Wrapf(err, "replace snapshot, exchange: %s", snap.Exchange)
	}
	return nil
}

func (f *File) LoadLastSnapshot(_ context.Context, exchange string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	j, err := f.journal(exchange)
	if err != nil {
		return Snapshot{}, err
	}
	return j.loadSnapshot(exchange)
}

func (j *fileJournal) loadSnapshot(exchange string) (Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, snapshotFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{Exchange: exchange}, nil
		}
		return Snapshot{}, errors.Wrapf(err, "read snapshot, exchange: %s", exchange)
	}

	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrapf(err, "unmarshal snapshot, exchange: %s", exchange)
	}
	return snap, nil
}

func (f *File) LastKnownOrder(_ context.Context, exchange, orderID, exchangeOrderID string) (adapter.OrderRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	j, err := f.journal(exchange)
	if err != nil {
		return adapter.OrderRecord{}, false, err
	}
	events, err := j.scan(0)
	if err != nil {
		return adapter.OrderRecord{}, false, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if o := events[i].Order; o != nil && matches(o.Order, orderID, exchangeOrderID) {
			return *o, true, nil
		}
	}

	snap, err := j.loadSnapshot(exchange)
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

func (f *File) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrUnavailable
	}
	info, err := os.Stat(f.cfg.Dir)
	if err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	if !info.IsDir() {
		return errors.Wrapf(ErrUnavailable, "%s is not a directory", f.cfg.Dir)
	}
	return nil
}

// Close closes every open journal. Later calls fail with ErrUnavailable.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	var first error
	for exchange, j := range f.journals {
		if err := j.writer.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close journal, exchange: %s", exchange)
		}
	}
	f.journals = nil
	return first
}
