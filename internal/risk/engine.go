// Package risk holds the pre-trade limits checked before an order is
// created.
package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/pkg/exception"
)

// Config defines static limits. A zero limit is not enforced.
type Config struct {
	KillSwitch       bool
	MaxOrderQuantity adapter.Decimal
	MaxOrderNotional adapter.Decimal
	// OrderRateLimit caps accepted orders per exchange in each
	// OrderRateWindow.
	OrderRateLimit  int
	OrderRateWindow time.Duration

	Now func() time.Time
}

func (c Config) Validate() error {
	if c.MaxOrderQuantity.IsNegative() || c.MaxOrderNotional.IsNegative() {
		return errors.New("risk: limits must not be negative")
	}
	if c.OrderRateLimit < 0 || c.OrderRateWindow < 0 {
		return errors.New("risk: order rate must not be negative")
	}
	if c.OrderRateLimit > 0 && c.OrderRateWindow == 0 {
		return errors.New("risk: order rate limit requires a window")
	}
	return nil
}

// Guard evaluates order requests against Config.
type Guard struct {
	cfg    Config
	killed atomic.Bool

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

func NewGuard(cfg Config) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	g := &Guard{cfg: cfg, windows: make(map[string]*window)}
	g.killed.Store(cfg.KillSwitch)
	return g, nil
}

// SetKillSwitch engages or releases the kill switch. While engaged every
// request is refused.
func (g *Guard) SetKillSwitch(on bool) {
	g.killed.Store(on)
}

func (g *Guard) KillSwitch() bool {
	return g.killed.Load()
}

// Check refuses req with one of the exception.ErrRisk* errors. A request
// that passes counts against the order rate of its exchange.
func (g *Guard) Check(req adapter.OrderRequest) error {
	if g.killed.Load() {
		return exception.ErrRiskKillSwitch
	}

	if !g.cfg.MaxOrderQuantity.IsZero() && req.Quantity.GreaterThan(g.cfg.MaxOrderQuantity) {
		return errors.Wrapf(exception.ErrRiskMaxQuantity, "quantity %s, limit %s", req.Quantity, g.cfg.MaxOrderQuantity)
	}

	// market sells carry no price, their notional is unknown here
	if !g.cfg.MaxOrderNotional.IsZero() && req.Price.IsPositive() {
		notional := req.Price.Mul(req.Quantity)
		if notional.GreaterThan(g.cfg.MaxOrderNotional) {
			return errors.Wrapf(exception.ErrRiskMaxNotional, "notional %s, limit %s", notional, g.cfg.MaxOrderNotional)
		}
	}

	if g.cfg.OrderRateLimit > 0 {
		return g.count(req.Exchange)
	}
	return nil
}

func (g *Guard) count(exchange string) error {
	now := g.cfg.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[exchange]
	if !ok {
		w = &window{start: now}
		g.windows[exchange] = w
	}
	if now.Sub(w.start) >= g.cfg.OrderRateWindow {
		w.start, w.count = now, 0
	}
	if w.count >= g.cfg.OrderRateLimit {
		return errors.Wrapf(exception.ErrRiskOrderRate, "%d orders in %s", w.count, g.cfg.OrderRateWindow)
	}
	w.count++
	return nil
}
