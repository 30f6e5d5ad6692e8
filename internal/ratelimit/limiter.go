// Package ratelimit caps how many jobs a queue may start within a rolling window.
//
// Limiters apply back-pressure only. Wait blocks until a start is likely to be
// permitted without claiming anything; Allow claims one start atomically and
// reports false when another caller won the race.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Config allows at most Max starts within any Window. A zero Max or Window means unlimited.
type Config struct {
	Max    int           `json:"max"`
	Window time.Duration `json:"window"`
}

func (c Config) Unlimited() bool { return c.Max <= 0 || c.Window <= 0 }

func (c Config) String() string {
	if c.Unlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d/%s", c.Max, c.Window)
}

type Limiter interface {
	Wait(ctx context.Context) error
	Allow(ctx context.Context) (bool, error)
	SetRate(cfg Config)
}

// Local is an in-process limiter. Starts are spaced evenly, one every Window/Max,
// so no Window ever holds more than Max starts.
type Local struct {
	lim *rate.Limiter
	now func() time.Time
}

func NewLocal(cfg Config, now func() time.Time) *Local {
	if now == nil {
		now = time.Now
	}
	return &Local{lim: rate.NewLimiter(limitFor(cfg), 1), now: now}
}

func limitFor(cfg Config) rate.Limit {
	if cfg.Unlimited() {
		return rate.Inf
	}
	return rate.Every(cfg.Window / time.Duration(cfg.Max))
}

func (l *Local) SetRate(cfg Config) {
	l.lim.SetLimitAt(l.now(), limitFor(cfg))
}

func (l *Local) Allow(context.Context) (bool, error) {
	return l.lim.AllowN(l.now(), 1), nil
}

func (l *Local) Wait(ctx context.Context) error {
	for {
		d := l.delay(l.now())
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// delay is the time until one token is available at now, rounded up to the millisecond.
func (l *Local) delay(now time.Time) time.Duration {
	limit := l.lim.Limit()
	if limit == rate.Inf {
		return 0
	}
	tokens := l.lim.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	if limit <= 0 {
		return time.Second
	}
	secs := (1 - tokens) / float64(limit)
	ms := math.Ceil(secs * 1000)
	return time.Duration(ms) * time.Millisecond
}

// Unlimited never waits and always allows.
func Unlimited() Limiter { return unlimited{} }

type unlimited struct{}

func (unlimited) Wait(context.Context) error          { return nil }
func (unlimited) Allow(context.Context) (bool, error) { return true, nil }
func (unlimited) SetRate(Config)                      {}
