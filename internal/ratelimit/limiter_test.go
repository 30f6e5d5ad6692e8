package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// simulate drives a Local limiter with a fake clock the way a dispatcher would:
// wait for capacity, then claim it.
func simulate(t *testing.T, cfg Config, n int) []time.Time {
	t.Helper()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal(cfg, func() time.Time { return clock })
	ctx := context.Background()

	var starts []time.Time
	for steps := 0; len(starts) < n; steps++ {
		if steps > 100*n {
			t.Fatalf("simulation did not converge after %d steps", steps)
		}
		if d := l.delay(clock); d > 0 {
			clock = clock.Add(d)
			continue
		}
		ok, err := l.Allow(ctx)
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !ok {
			clock = clock.Add(time.Millisecond)
			continue
		}
		starts = append(starts, clock)
	}
	return starts
}

func TestLocalOnePerMinuteSpacesFiftyStarts(t *testing.T) {
	t.Parallel()
	starts := simulate(t, Config{Max: 1, Window: time.Minute}, 50)

	total := starts[49].Sub(starts[0])
	if total < 49*time.Minute {
		t.Fatalf("50th start after %v, want >= %v", total, 49*time.Minute)
	}
	if total > 49*time.Minute+time.Second {
		t.Fatalf("50th start after %v, want close to %v", total, 49*time.Minute)
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < time.Minute {
			t.Fatalf("starts %d and %d are %v apart, want >= 1m", i-1, i, gap)
		}
	}
}

func TestLocalNeverExceedsMaxPerWindow(t *testing.T) {
	t.Parallel()
	const max = 3
	starts := simulate(t, Config{Max: max, Window: time.Minute}, 20)
	for i := 0; i+max < len(starts); i++ {
		if span := starts[i+max].Sub(starts[i]); span < time.Minute {
			t.Fatalf("%d starts within %v beginning at %d", max+1, span, i)
		}
	}
}

func TestLocalUnlimited(t *testing.T) {
	t.Parallel()
	l := NewLocal(Config{}, nil)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow(context.Background()); !ok {
			t.Fatalf("Allow #%d = false, want true", i)
		}
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
}

func TestLocalWaitHonoursContext(t *testing.T) {
	t.Parallel()
	l := NewLocal(Config{Max: 1, Window: time.Hour}, nil)
	if ok, _ := l.Allow(context.Background()); !ok {
		t.Fatal("first Allow = false, want true")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}

func TestLocalSetRate(t *testing.T) {
	t.Parallel()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal(Config{Max: 1, Window: time.Hour}, func() time.Time { return clock })
	if ok, _ := l.Allow(context.Background()); !ok {
		t.Fatal("first Allow = false")
	}
	if d := l.delay(clock); d < time.Hour || d > time.Hour+time.Millisecond {
		t.Fatalf("delay = %v, want ~1h", d)
	}
	l.SetRate(Config{})
	if d := l.delay(clock); d != 0 {
		t.Fatalf("delay after SetRate(unlimited) = %v, want 0", d)
	}
}

func TestConfigString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, "unlimited"},
		{Config{Max: 5}, "unlimited"},
		{Config{Max: 1, Window: time.Minute}, "1/1m0s"},
	}
	for _, tt := range tests {
		if got := tt.cfg.String(); got != tt.want {
			t.Fatalf("String(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestRedisOptions(t *testing.T) {
	t.Parallel()
	opt, err := RedisOptions("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("RedisOptions error: %v", err)
	}
	if opt.Addr != "localhost:6380" || opt.DB != 2 || opt.Password != "secret" {
		t.Fatalf("options = %+v", opt)
	}
	if opt.MaxRetries != 3 || opt.MinRetryBackoff != 50*time.Millisecond || opt.MaxRetryBackoff != 2*time.Second {
		t.Fatalf("retry options = %d %v %v", opt.MaxRetries, opt.MinRetryBackoff, opt.MaxRetryBackoff)
	}
	if _, err := RedisOptions(" "); err == nil {
		t.Fatal("expected error for empty url")
	}
	if got := Key(" notify.bulk "); got != "courier:ratelimit:notify.bulk" {
		t.Fatalf("Key = %q", got)
	}
}

func TestUnlimitedLimiter(t *testing.T) {
	t.Parallel()
	l := Unlimited()
	l.SetRate(Config{Max: 1, Window: time.Hour})
	for i := 0; i < 3; i++ {
		if ok, err := l.Allow(context.Background()); err != nil || !ok {
			t.Fatalf("Allow #%d = %v, %v, want true, nil", i, ok, err)
		}
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
}
