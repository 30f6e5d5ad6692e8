// Package retry decides what happens to a job after a failed attempt.
//
// The state machine is:
//
//	leased --failure, attempts < max--> failed_retry (delayUntil = now + base*2^(attempts-1))
//	leased --failure, attempts == max--> dead_lettered
//	leased --permanent failure--------> dead_lettered
//
// attemptsMade is incremented on every failure before the decision is taken.
package retry

import (
	"math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"courier/internal/job"
)

// Policy tunes the controller. The zero value gives the exact doubling schedule.
type Policy struct {
	// Jitter adds up to Jitter*delay on top of the computed backoff (0.2 = 20%).
	// Jitter only ever lengthens the delay.
	Jitter float64
	// MaxDelay caps the backoff when > 0.
	MaxDelay time.Duration
}

// Controller is safe for concurrent use.
type Controller struct {
	policy Policy

	mu  sync.Mutex
	rng *rand.Rand
}

func NewController(p Policy) *Controller {
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return &Controller{policy: p, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Decide computes the next state for j after it failed with err at now.
func (c *Controller) Decide(j job.Job, err error, now time.Time) job.Transition {
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = job.DefaultMaxAttempts
	}
	attempts := j.AttemptsMade + 1
	if attempts > maxAttempts {
		attempts = maxAttempts
	}

	t := job.Transition{AttemptsMade: attempts}
	if err != nil {
		t.LastError = truncate(err.Error(), 2000)
	}

	if IsPermanent(err) || attempts >= maxAttempts {
		t.Status = job.StatusDeadLettered
		return t
	}

	delay := c.Backoff(j.BackoffBase, attempts)
	if hint, ok := HintFrom(err); ok && hint > delay {
		delay = hint
	}
	t.Status = job.StatusFailedRetry
	t.DelayUntil = now.Add(delay)
	return t
}

// Backoff returns base*2^(attempts-1), capped and jittered per policy.
func (c *Controller) Backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = job.DefaultBackoffBase
	}
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if c.policy.MaxDelay > 0 && d >= c.policy.MaxDelay {
			d = c.policy.MaxDelay
			break
		}
	}
	if c.policy.Jitter > 0 {
		c.mu.Lock()
		f := c.rng.Float64()
		c.mu.Unlock()
		d += time.Duration(float64(d) * c.policy.Jitter * f)
	}
	if c.policy.MaxDelay > 0 && d > c.policy.MaxDelay {
		d = c.policy.MaxDelay
	}
	return d
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
