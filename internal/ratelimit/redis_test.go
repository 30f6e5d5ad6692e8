package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newSharedRedis starts an in-process redis with a frozen clock. The script
// reads time with TIME, so the window moves only when the test moves it.
func newSharedRedis(t *testing.T, at time.Time) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(at)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIdentity: true})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisSharedWindowAdmitsMax(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mr, rdb := newSharedRedis(t, t0)
	ctx := context.Background()
	cfg := Config{Max: 2, Window: time.Minute}
	a := NewRedis(rdb, "notify.bulk", cfg)
	b := NewRedis(rdb, "notify.bulk", cfg)

	steps := []struct {
		name string
		l    *Redis
		want bool
	}{
		{"a first", a, true},
		{"b second", b, true},
		{"a over max", a, false},
		{"b over max", b, false},
	}
	for _, s := range steps {
		ok, err := s.l.Allow(ctx)
		if err != nil {
			t.Fatalf("%s: Allow error: %v", s.name, err)
		}
		if ok != s.want {
			t.Fatalf("%s: Allow = %v, want %v", s.name, ok, s.want)
		}
	}

	mr.SetTime(t0.Add(30 * time.Second))
	d, err := b.delay(ctx)
	if err != nil {
		t.Fatalf("delay error: %v", err)
	}
	if d != 30*time.Second {
		t.Fatalf("delay = %v, want %v", d, 30*time.Second)
	}

	mr.SetTime(t0.Add(61 * time.Second))
	if d, err := a.delay(ctx); err != nil || d != 0 {
		t.Fatalf("delay after window = %v, %v, want 0, nil", d, err)
	}
	if err := a.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
	if ok, err := a.Allow(ctx); err != nil || !ok {
		t.Fatalf("Allow after window = %v, %v, want true, nil", ok, err)
	}
}

func TestRedisConcurrentClaimsNeverExceedMax(t *testing.T) {
	t.Parallel()
	_, rdb := newSharedRedis(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := Config{Max: 5, Window: time.Minute}
	limiters := []*Redis{NewRedis(rdb, "fanout", cfg), NewRedis(rdb, "fanout", cfg)}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func(l *Redis) {
			defer wg.Done()
			ok, err := l.Allow(context.Background())
			if err != nil {
				t.Errorf("Allow error: %v", err)
				return
			}
			if ok {
				admitted.Add(1)
			}
		}(limiters[i%2])
	}
	wg.Wait()
	if got := admitted.Load(); got != int32(cfg.Max) {
		t.Fatalf("admitted = %d, want %d", got, cfg.Max)
	}
}

func TestRedisWaitHonoursContext(t *testing.T) {
	t.Parallel()
	_, rdb := newSharedRedis(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewRedis(rdb, "notify.bulk", Config{Max: 1, Window: time.Hour})
	if ok, err := l.Allow(context.Background()); err != nil || !ok {
		t.Fatalf("first Allow = %v, %v, want true, nil", ok, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}

func TestRedisUnlimitedSkipsServer(t *testing.T) {
	t.Parallel()
	mr, rdb := newSharedRedis(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewRedis(rdb, "notify.direct", Config{})
	for i := 0; i < 10; i++ {
		if ok, err := l.Allow(context.Background()); err != nil || !ok {
			t.Fatalf("Allow #%d = %v, %v, want true, nil", i, ok, err)
		}
	}
	if mr.Exists(Key("notify.direct")) {
		t.Fatal("unlimited limiter wrote to redis")
	}
}
