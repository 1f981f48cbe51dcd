package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff with symmetric jitter.
//
// The wait for attempt n is Min * Factor^(n-1), capped at Max, then spread
// by +/- Jitter of itself. The spread never exceeds Max.
type Policy struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// Default provides conservative reconnect defaults.
func Default() Policy {
	return Policy{
		Min:    250 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.Min <= 0 {
		p.Min = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.Max < p.Min {
		p.Max = p.Min
	}
	if p.Factor <= 1 {
		p.Factor = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Base returns the un-jittered wait for attempt (1-based).
func (p Policy) Base(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 0 {
		attempt = 1
	}

	wait := p.Min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * p.Factor)
		if next >= p.Max {
			return p.Max
		}
		wait = next
	}
	return wait
}

// Next returns the jittered wait for attempt (1-based).
func (p Policy) Next(attempt int) time.Duration {
	p = p.normalized()
	wait := p.Base(attempt)
	if p.Jitter == 0 {
		return wait
	}

	delta := float64(wait) * p.Jitter
	wait = wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
	if wait > p.Max {
		return p.Max
	}
	return wait
}

// Wait sleeps for Next(attempt) or until ctx is done.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Next(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
