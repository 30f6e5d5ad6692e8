package worker

import (
	"sync"
	"time"
)

// circuit is a consecutive-failure breaker with exponential cooldown:
//   - success resets failures and closes the circuit
//   - once failures >= trip the circuit opens for base*2^(failures-trip), capped at max
//   - a long quiet period since the last failure resets it
type circuit struct {
	mu          sync.Mutex
	cfg         circuitCfg
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func effectiveCircuitCfg(c CircuitConfig) circuitCfg {
	if c.TripFailures < 0 {
		return circuitCfg{}
	}
	cc := circuitCfg{
		enabled:    true,
		trip:       c.TripFailures,
		baseDelay:  c.BaseDelay,
		maxDelay:   c.MaxDelay,
		resetAfter: c.ResetAfter,
	}
	if cc.trip == 0 {
		cc.trip = 5
	}
	if cc.baseDelay <= 0 {
		cc.baseDelay = 5 * time.Second
	}
	if cc.maxDelay <= 0 {
		cc.maxDelay = 2 * time.Minute
	}
	if cc.resetAfter <= 0 {
		cc.resetAfter = 5 * time.Minute
	}
	return cc
}

func newCircuit(c CircuitConfig) *circuit { return &circuit{cfg: effectiveCircuitCfg(c)} }

func (c *circuit) configure(cfg CircuitConfig) {
	c.mu.Lock()
	c.cfg = effectiveCircuitCfg(cfg)
	c.mu.Unlock()
}

// maybeReset must be called with mu held.
func (c *circuit) maybeReset(now time.Time) {
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > c.cfg.resetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

// open reports whether leasing should pause, and until when.
func (c *circuit) open(now time.Time) (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.enabled {
		return false, time.Time{}
	}
	c.maybeReset(now)
	if !c.openUntil.IsZero() && now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (c *circuit) record(now time.Time, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.enabled {
		return
	}
	c.maybeReset(now)
	if !failed {
		c.fails = 0
		c.openUntil = time.Time{}
		c.lastFailure = time.Time{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < c.cfg.trip {
		return
	}
	d := c.cfg.baseDelay
	for i := 0; i < c.fails-c.cfg.trip; i++ {
		d *= 2
		if d >= c.cfg.maxDelay {
			break
		}
	}
	if d > c.cfg.maxDelay {
		d = c.cfg.maxDelay
	}
	c.openUntil = now.Add(d)
}

func (c *circuit) state(now time.Time) (open bool, until time.Time, fails int) {
	open, until = c.open(now)
	c.mu.Lock()
	fails = c.fails
	c.mu.Unlock()
	return open, until, fails
}
