// Package chaos perturbs a venue event stream the way a flaky exchange
// connection does: messages get lost, repeated, stamped late and delivered
// out of order. Exchange markers are never rewritten, so a consumer that
// orders by marker must still converge.
package chaos

import (
	"math/rand/v2"
	"slices"
	"time"

	"github.com/yanun0323/errors"

	"github.com/yanun0323/go-hft/internal/event"
)

type Config struct {
	// Seed fixes the random sequence. Zero seeds from the clock.
	Seed uint64
	// DropRate and DuplicateRate are per-event probabilities in [0, 1].
	DropRate      float64
	DuplicateRate float64
	// ReorderWindow is how many events are held before one of them is
	// released at random. 1 keeps venue order.
	ReorderWindow int
	// MaxDelay bounds the receive latency added to each event.
	MaxDelay time.Duration
}

func (c Config) Validate() error {
	switch {
	case !probability(c.DropRate):
		return errors.Errorf("drop rate %v out of [0, 1]", c.DropRate)
	case !probability(c.DuplicateRate):
		return errors.Errorf("duplicate rate %v out of [0, 1]", c.DuplicateRate)
	case c.ReorderWindow < 1:
		return errors.Errorf("reorder window %d below 1", c.ReorderWindow)
	case c.MaxDelay < 0:
		return errors.Errorf("negative max delay %s", c.MaxDelay)
	}
	return nil
}

func probability(p float64) bool {
	return p >= 0 && p <= 1
}

// Stats counts what the engine did to the stream so far.
type Stats struct {
	Seen       uint64
	Dropped    uint64
	Duplicated uint64
	// Held is the number of events waiting in the reorder window.
	Held int
}

// Engine is not safe for concurrent use; the venue drives it under its
// own lock. A nil *Engine passes events through.
type Engine struct {
	cfg   Config
	rng   *rand.Rand
	held  []event.Event
	stats Stats
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow == 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1|1)),
	}, nil
}

// Process takes one venue event and returns what reaches the consumer now.
func (e *Engine) Process(ev event.Event) []event.Event {
	if e == nil {
		return []event.Event{ev}
	}

	e.stats.Seen++
	if e.hit(e.cfg.DropRate) {
		e.stats.Dropped++
		return nil
	}
	e.delay(ev.EventHeader())

	if e.cfg.ReorderWindow == 1 {
		return e.deliver(ev)
	}
	e.held = append(e.held, ev)
	if len(e.held) < e.cfg.ReorderWindow {
		return nil
	}
	return e.deliver(e.release())
}

// Flush drains the reorder window.
func (e *Engine) Flush() []event.Event {
	if e == nil {
		return nil
	}

	var out []event.Event
	for len(e.held) > 0 {
		out = append(out, e.deliver(e.release())...)
	}
	return out
}

func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	s := e.stats
	s.Held = len(e.held)
	return s
}

func (e *Engine) hit(p float64) bool {
	return p > 0 && e.rng.Float64() < p
}

func (e *Engine) release() event.Event {
	i := e.rng.IntN(len(e.held))
	ev := e.held[i]
	e.held = slices.Delete(e.held, i, i+1)
	return ev
}

func (e *Engine) deliver(ev event.Event) []event.Event {
	if !e.hit(e.cfg.DuplicateRate) {
		return []event.Event{ev}
	}
	e.stats.Duplicated++
	return []event.Event{ev, ev}
}

// delay pushes the receive time back by up to MaxDelay.
func (e *Engine) delay(h *event.Header) {
	if e.cfg.MaxDelay <= 0 {
		return
	}
	d := e.rng.Int64N(e.cfg.MaxDelay.Nanoseconds() + 1)
	switch {
	case d == 0:
	case h.TsRecv > 0:
		h.TsRecv += d
	case h.TsEvent > 0:
		h.TsRecv = h.TsEvent + d
	}
}
