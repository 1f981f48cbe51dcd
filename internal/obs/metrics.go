package obs

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yanun0323/go-hft/internal/adapter/enum"
)

const namespace = "engine"

// Drift kinds.
const (
	DriftOrder    = "order"
	DriftBalance  = "balance"
	DriftReserved = "reserved"
)

// Metrics exports engine counters to prometheus and keeps a few
// in-process aggregates for the admin surface. A nil *Metrics is a no-op.
type Metrics struct {
	ignored      *prometheus.CounterVec
	drift        *prometheus.CounterVec
	repairFails  *prometheus.CounterVec
	shadows      *prometheus.CounterVec
	persistFails *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	fatal        *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	dropped      prometheus.Counter
	health       *prometheus.GaugeVec
	callLatency  *prometheus.HistogramVec

	drops      uint64
	ackLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the in-process aggregates.
type Snapshot struct {
	Dropped    uint64          `json:"dropped"`
	AckLatency LatencySnapshot `json:"ack_latency"`
}

// NewMetrics registers the engine collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ignored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ignored_total",
			Help:      "Exchange events dropped as stale, duplicate or late.",
		}, []string{"exchange", "reason"}),
		drift: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_total",
			Help:      "Differences between local state and exchange snapshots.",
		}, []string{"exchange", "kind"}),
		repairFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_repair_failures_total",
			Help:      "Reconciliation repairs that failed and wait for the next pass.",
		}, []string{"exchange"}),
		shadows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shadow_orders_total",
			Help:      "Exchange orders adopted without a local origin.",
		}, []string{"exchange"}),
		persistFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Failed journal writes.",
		}, []string{"exchange"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests refused by the local rate limiter.",
		}, []string{"exchange"}),
		fatal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_total",
			Help:      "Invariant violations and halts.",
		}, []string{"exchange"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order state transitions by target state.",
		}, []string{"exchange", "state"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Notifications dropped from full subscriber queues.",
		}),
		health: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_health",
			Help:      "Connector health: 1 healthy, 2 degraded, 3 down.",
		}, []string{"exchange"}),
		callLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connector_call_seconds",
			Help:      "Connector request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"exchange", "op"}),
	}
}

func (m *Metrics) IncIgnored(exchange, reason string) {
	if m == nil {
		return
	}
	m.ignored.WithLabelValues(exchange, reason).Inc()
}

func (m *Metrics) AddDrift(exchange, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.drift.WithLabelValues(exchange, kind).Add(float64(n))
}

func (m *Metrics) AddRepairFailures(exchange string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.repairFails.WithLabelValues(exchange).Add(float64(n))
}

func (m *Metrics) IncShadow(exchange string) {
	if m == nil {
		return
	}
	m.shadows.WithLabelValues(exchange).Inc()
}

func (m *Metrics) IncPersistFailure(exchange string) {
	if m == nil {
		return
	}
	m.persistFails.WithLabelValues(exchange).Inc()
}

func (m *Metrics) IncRateLimited(exchange string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(exchange).Inc()
}

func (m *Metrics) IncFatal(exchange string) {
	if m == nil {
		return
	}
	m.fatal.WithLabelValues(exchange).Inc()
}

func (m *Metrics) IncTransition(exchange string, state enum.OrderState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(exchange, state.String()).Inc()
}

// IncDropped records a notification dropped by a subscriber queue.
func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.drops, 1)
	m.dropped.Inc()
}

func (m *Metrics) SetHealth(exchange string, h enum.Health) {
	if m == nil {
		return
	}
	m.health.WithLabelValues(exchange).Set(float64(h))
}

func (m *Metrics) ObserveCall(exchange, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.callLatency.WithLabelValues(exchange, op).Observe(d.Seconds())
}

// ObserveAck measures submit-to-ack latency.
func (m *Metrics) ObserveAck(d time.Duration) {
	if m == nil {
		return
	}
	m.ackLatency.Observe(d)
}

// Snapshot returns a copy of the in-process aggregates.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Dropped:    atomic.LoadUint64(&m.drops),
		AckLatency: m.ackLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
