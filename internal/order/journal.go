package order

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/yanun0323/go-hft/internal/obs"
	"github.com/yanun0323/go-hft/internal/persist"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// journal assigns per-exchange sequence numbers and appends records to the
// gateway. Records that could not be stored stay in the lane backlog, and
// the lane is halted until a flush empties it.
type journal struct {
	gateway persist.Gateway
	metrics *obs.Metrics
	now     func() time.Time

	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu      sync.Mutex
	seq     uint64
	backlog []persist.Record
	halted  atomic.Bool
}

func newJournal(gateway persist.Gateway, metrics *obs.Metrics, now func() time.Time) *journal {
	return &journal{
		gateway: gateway,
		metrics: metrics,
		now:     now,
		lanes:   make(map[string]*lane),
	}
}

func (j *journal) lane(exchange string) *lane {
	j.mu.Lock()
	defer j.mu.Unlock()

	l, ok := j.lanes[exchange]
	if !ok {
		l = &lane{}
		j.lanes[exchange] = l
	}
	return l
}

func (j *journal) halted(exchange string) bool {
	return j.lane(exchange).halted.Load()
}

func (j *journal) exchanges() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	result := make([]string, 0, len(j.lanes))
	for exchange := range j.lanes {
		result = append(result, exchange)
	}
	return result
}

// append numbers the records returned by build and stores them. build runs
// under the lane lock, so post-images it reads are at least as new as
// those of every lower sequence.
func (j *journal) append(ctx context.Context, exchange string, build func() []persist.Record) error {
	l := j.lane(exchange)
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := build()
	if len(recs) == 0 {
		return nil
	}

	now := j.now().UnixNano()
	for i := range recs {
		l.seq++
		recs[i].Exchange = exchange
		recs[i].Seq = l.seq
		recs[i].Version = persist.RecordVersion
		recs[i].Time = now
	}
	l.backlog = append(l.backlog, recs...)
	return j.flushLocked(ctx, exchange, l)
}

func (j *journal) flushLocked(ctx context.Context, exchange string, l *lane) error {
	if len(l.backlog) == 0 {
		l.halted.Store(false)
		return nil
	}

	failed, err := j.gateway.AppendBatch(ctx, l.backlog)
	if len(failed) == 0 && err == nil {
		l.backlog = nil
		if l.halted.Swap(false) {
			logs.Infof("journal recovered, exchange: %s, seq: %d", exchange, l.seq)
		}
		return nil
	}
	if err == nil {
		err = errors.Errorf("%d records not stored", len(failed))
	}

	l.backlog = append([]persist.Record(nil), failed...)
	if !l.halted.Swap(true) {
		logs.Errorf("journal halted, exchange: %s, backlog: %d, err: %+v", exchange, len(l.backlog), err)
	}
	j.metrics.IncPersistFailure(exchange)
	j.metrics.IncFatal(exchange)
	return exception.New(exception.KindFatal, "journal", errors.Wrap(exception.ErrOrderPersistenceHalted, err.Error())).WithExchange(exchange)
}

// flush retries the backlog of exchange.
func (j *journal) flush(ctx context.Context, exchange string) error {
	l := j.lane(exchange)
	l.mu.Lock()
	defer l.mu.Unlock()
	return j.flushLocked(ctx, exchange, l)
}

// checkpoint saves the snapshot built by build. It refuses to run while
// the lane has a backlog.
func (j *journal) checkpoint(ctx context.Context, exchange string, build func(lastSeq uint64) persist.Snapshot) error {
	l := j.lane(exchange)
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.backlog) != 0 {
		return exception.New(exception.KindFatal, "checkpoint", exception.ErrOrderPersistenceHalted).WithExchange(exchange)
	}
	snap := build(l.seq)
	snap.Exchange = exchange
	snap.LastSeq = l.seq
	snap.Timestamp = j.now().UnixNano()
	if err := j.gateway.SaveSnapshot(ctx, snap); err != nil {
		return errors.Wrapf(err, "save snapshot, exchange: %s", exchange)
	}
	return nil
}

// resume sets the sequence of exchange after recovery.
func (j *journal) resume(exchange string, seq uint64) {
	l := j.lane(exchange)
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.seq {
		l.seq = seq
	}
}
