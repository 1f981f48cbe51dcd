package connector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/adapter/enum"
	"github.com/yanun0323/go-hft/internal/event"
	"github.com/yanun0323/go-hft/internal/obs"
	"github.com/yanun0323/go-hft/pkg/backoff"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Client is one venue's raw API. A typed *exception.Error is a definite
// answer: ConnectorUnavailable means the request never left the process.
// Any other error from Submit or Cancel is an unknown outcome.
type Client interface {
	Submit(ctx context.Context, order adapter.Order) (adapter.Ack, error)
	Cancel(ctx context.Context, order adapter.Order) (adapter.CancelAck, error)
	QueryOrder(ctx context.Context, order adapter.Order) (adapter.OrderStatus, error)
	FetchSnapshot(ctx context.Context) (adapter.ExchangeSnapshot, error)
	// Stream pushes events to sink until ctx is done or the connection
	// drops.
	Stream(ctx context.Context, sink func(event.Event)) error
}

// Handler consumes what a running connector produces.
type Handler interface {
	OnEvent(ctx context.Context, ev event.Event)
	// OnReconnect receives the snapshot fetched before the stream resumes.
	OnReconnect(ctx context.Context, exchange string, snap adapter.ExchangeSnapshot) error
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	Event     func(ctx context.Context, ev event.Event)
	Reconnect func(ctx context.Context, exchange string, snap adapter.ExchangeSnapshot) error
}

func (h HandlerFuncs) OnEvent(ctx context.Context, ev event.Event) {
	if h.Event != nil {
		h.Event(ctx, ev)
	}
}

func (h HandlerFuncs) OnReconnect(ctx context.Context, exchange string, snap adapter.ExchangeSnapshot) error {
	if h.Reconnect == nil {
		return nil
	}
	return h.Reconnect(ctx, exchange, snap)
}

type Config struct {
	Exchange string
	// RatePerSecond and Burst size the request token bucket.
	RatePerSecond float64
	Burst         int
	// MaxWait bounds how long a request may wait for a token.
	MaxWait time.Duration
	// CallTimeout bounds one request. A state-changing request that hits
	// it has an unknown outcome.
	CallTimeout time.Duration
	// ReadAttempts is how often idempotent reads are tried.
	ReadAttempts int
	// DegradedAfter and DownAfter are consecutive-failure thresholds.
	DegradedAfter int
	DownAfter     int
	Backoff       backoff.Policy
}

func (c Config) validate() error {
	switch {
	case c.Exchange == "":
		return errors.New("empty exchange")
	case c.RatePerSecond <= 0:
		return errors.Errorf("rate per second must be positive, exchange: %s", c.Exchange)
	case c.Burst <= 0:
		return errors.Errorf("burst must be positive, exchange: %s", c.Exchange)
	case c.MaxWait <= 0:
		return errors.Errorf("max wait must be positive, exchange: %s", c.Exchange)
	case c.CallTimeout <= 0:
		return errors.Errorf("call timeout must be positive, exchange: %s", c.Exchange)
	case c.DegradedAfter <= 0 || c.DownAfter < c.DegradedAfter:
		return errors.Errorf("invalid health thresholds, exchange: %s", c.Exchange)
	}
	return nil
}

// Connector wraps a Client with rate limiting, deadlines, retries of
// idempotent reads, health tracking and the reconnect loop.
type Connector struct {
	cfg     Config
	client  Client
	limiter *rate.Limiter
	metrics *obs.Metrics

	failures   atomic.Int64
	streamDown atomic.Bool
	health     atomic.Uint32
}

func New(cfg Config, client Client, metrics *obs.Metrics) (*Connector, error) {
	if client == nil {
		return nil, exception.ErrConnectorNilClient
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ReadAttempts <= 0 {
		cfg.ReadAttempts = 1
	}

	c := &Connector{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		metrics: metrics,
	}
	c.streamDown.Store(true)
	c.refreshHealth()
	return c, nil
}

func (c *Connector) Exchange() string {
	return c.cfg.Exchange
}

// Health is Healthy only while the stream is up and recent requests
// succeed.
func (c *Connector) Health() enum.Health {
	return enum.Health(c.health.Load())
}

func (c *Connector) refreshHealth() {
	next := enum.HealthHealthy
	switch n := c.failures.Load(); {
	case n >= int64(c.cfg.DownAfter):
		next = enum.HealthDown
	case n >= int64(c.cfg.DegradedAfter) || c.streamDown.Load():
		next = enum.HealthDegraded
	}

	prev := enum.Health(c.health.Swap(uint32(next)))
	if prev != next {
		c.metrics.SetHealth(c.cfg.Exchange, next)
		if prev.IsAvailable() {
			logs.Infof("connector health changed, exchange: %s, from: %s, to: %s", c.cfg.Exchange, prev, next)
		}
	}
}

func (c *Connector) succeeded() {
	if c.failures.Swap(0) != 0 {
		c.refreshHealth()
	}
}

func (c *Connector) failed() {
	c.failures.Add(1)
	c.refreshHealth()
}

func (c *Connector) setStreamDown(down bool) {
	c.streamDown.Store(down)
	c.refreshHealth()
}

func (c *Connector) typed(kind exception.Kind, op string, err error, order adapter.Order) error {
	return exception.New(kind, op, err).WithExchange(c.cfg.Exchange).WithOrder(order.ID)
}

// wait takes a token, giving up once MaxWait would be exceeded.
func (c *Connector) wait(ctx context.Context, op string, order adapter.Order) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxWait)
	defer cancel()

	if err := c.limiter.Wait(waitCtx); err != nil {
		c.metrics.IncRateLimited(c.cfg.Exchange)
		return c.typed(exception.KindRateLimited, op, errors.Wrap(exception.ErrConnectorRateWait, err.Error()), order)
	}
	return nil
}

// mutating runs a state-changing request. Typed client errors pass
// through; everything else is AckTimeout.
func (c *Connector) mutating(ctx context.Context, op string, order adapter.Order, fn func(ctx context.Context) error) error {
	if err := c.wait(ctx, op, order); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	c.metrics.ObserveCall(c.cfg.Exchange, op, time.Since(start))
	if err == nil {
		c.succeeded()
		return nil
	}

	c.failed()
	if exception.KindOf(err).IsAvailable() {
		return err
	}
	return c.typed(exception.KindAckTimeout, op, errors.Wrap(exception.ErrConnectorUnknownResult, err.Error()), order)
}

// Submit sends a new order. It is refused unless the connector is Healthy.
func (c *Connector) Submit(ctx context.Context, order adapter.Order) (adapter.Ack, error) {
	if h := c.Health(); h != enum.HealthHealthy {
		return adapter.Ack{}, c.typed(exception.KindConnectorUnavailable, "submit",
			errors.Wrap(exception.ErrConnectorUnhealthy, h.String()), order)
	}

	var ack adapter.Ack
	err := c.mutating(ctx, "submit", order, func(ctx context.Context) error {
		var err error
		ack, err = c.client.Submit(ctx, order)
		return err
	})
	return ack, err
}

// Cancel sends a cancel request. Cancels are allowed in every health
// state.
func (c *Connector) Cancel(ctx context.Context, order adapter.Order) (adapter.CancelAck, error) {
	var ack adapter.CancelAck
	err := c.mutating(ctx, "cancel", order, func(ctx context.Context) error {
		var err error
		ack, err = c.client.Cancel(ctx, order)
		return err
	})
	return ack, err
}

// read runs an idempotent request, retrying with backoff.
func (c *Connector) read(ctx context.Context, op string, order adapter.Order, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReadAttempts; attempt++ {
		if err := c.wait(ctx, op, order); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		start := time.Now()
		err := fn(callCtx)
		cancel()
		c.metrics.ObserveCall(c.cfg.Exchange, op, time.Since(start))
		if err == nil {
			c.succeeded()
			return nil
		}

		c.failed()
		lastErr = err
		logs.Warnf("connector read failed, exchange: %s, op: %s, attempt: %d, err: %+v", c.cfg.Exchange, op, attempt, err)
		if attempt == c.cfg.ReadAttempts {
			break
		}
		if err := c.cfg.Backoff.Wait(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}
	return c.typed(exception.KindConnectorUnavailable, op, lastErr, order)
}

// QueryOrder asks the venue for one order's status.
func (c *Connector) QueryOrder(ctx context.Context, order adapter.Order) (adapter.OrderStatus, error) {
	var st adapter.OrderStatus
	err := c.read(ctx, "query order", order, func(ctx context.Context) error {
		var err error
		st, err = c.client.QueryOrder(ctx, order)
		return err
	})
	return st, err
}

// FetchSnapshot reads the venue's open orders and balances.
func (c *Connector) FetchSnapshot(ctx context.Context) (adapter.ExchangeSnapshot, error) {
	var snap adapter.ExchangeSnapshot
	err := c.read(ctx, "fetch snapshot", adapter.Order{}, func(ctx context.Context) error {
		var err error
		snap, err = c.client.FetchSnapshot(ctx)
		return err
	})
	if err == nil && snap.Exchange == "" {
		snap.Exchange = c.cfg.Exchange
	}
	return snap, err
}

// Run keeps the event stream alive until ctx is done. Before every
// (re)connect a snapshot is fetched and handed to the handler; the stream
// only resumes once the handler accepted it.
func (c *Connector) Run(ctx context.Context, handler Handler) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if attempt > 0 {
			if err := c.cfg.Backoff.Wait(ctx, attempt); err != nil {
				return nil
			}
		}

		snap, err := c.FetchSnapshot(ctx)
		if err != nil {
			attempt++
			logs.Warnf("fetch reconnect snapshot, exchange: %s, attempt: %d, err: %+v", c.cfg.Exchange, attempt, err)
			continue
		}
		if err := handler.OnReconnect(ctx, c.cfg.Exchange, snap); err != nil {
			attempt++
			logs.Errorf("apply reconnect snapshot, exchange: %s, attempt: %d, err: %+v", c.cfg.Exchange, attempt, err)
			continue
		}

		started := time.Now()
		c.setStreamDown(false)
		handler.OnEvent(ctx, c.connectivity(true, nil))
		logs.Infof("stream connected, exchange: %s", c.cfg.Exchange)

		err = c.client.Stream(ctx, func(ev event.Event) {
			event.Stamp(ev, c.cfg.Exchange, time.Now().UnixNano())
			handler.OnEvent(ctx, ev)
		})

		c.setStreamDown(true)
		if ctx.Err() != nil {
			return nil
		}
		handler.OnEvent(ctx, c.connectivity(false, err))

		if time.Since(started) > c.cfg.Backoff.Base(attempt+1) {
			attempt = 0
		}
		attempt++
		logs.Warnf("stream disconnected, exchange: %s, attempt: %d, err: %+v", c.cfg.Exchange, attempt, err)
	}
}

func (c *Connector) connectivity(connected bool, err error) *event.Connectivity {
	ev := &event.Connectivity{Connected: connected, Err: err}
	event.Stamp(ev, c.cfg.Exchange, time.Now().UnixNano())
	return ev
}
