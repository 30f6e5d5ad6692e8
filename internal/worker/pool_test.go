package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/eventbus"
	"courier/internal/job"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/retry"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

func newTestPool(t *testing.T) (*Pool, *queue.Queue) {
	t.Helper()
	bus := eventbus.New()
	q := queue.New(storage.NewMemory(), logx.Nop(), queue.WithBus(bus))
	p := NewPool(q, logx.Nop(), WithBus(bus), WithOwner("test"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p, q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func queueSnap(p *Pool, name string) QueueSnapshot {
	for _, qs := range p.Snapshot().Queues {
		if qs.Queue == name {
			return qs
		}
	}
	return QueueSnapshot{}
}

func fastConfig() QueueConfig {
	return QueueConfig{PollInterval: 10 * time.Millisecond, HandlerTimeout: time.Second}
}

func TestPoolCompletesJobs(t *testing.T) {
	t.Parallel()
	p, q := newTestPool(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string]bool{}
	require.NoError(t, p.Register("q", func(_ context.Context, j *job.Job) error {
		mu.Lock()
		seen[j.ID] = true
		mu.Unlock()
		return nil
	}, fastConfig()))

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(ctx, "q", map[string]int{"n": i}, job.Options{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, p.Start(ctx))

	waitFor(t, 3*time.Second, func() bool { return queueSnap(p, "q").Completed == 5 })
	for _, id := range ids {
		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, j.Status)
		mu.Lock()
		assert.True(t, seen[id])
		mu.Unlock()
	}
	snap := queueSnap(p, "q")
	assert.Equal(t, uint64(5), snap.Leased)
	assert.Len(t, snap.History, 5)
	assert.True(t, p.Snapshot().Running)
}

func TestPoolRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	p, q := newTestPool(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, p.Register("q", func(context.Context, *job.Job) error {
		calls.Add(1)
		return errors.New("provider unavailable")
	}, fastConfig()))

	id, err := q.Enqueue(ctx, "q", raw(`{}`), job.Options{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	waitFor(t, 3*time.Second, func() bool {
		j, err := q.Get(ctx, id)
		return err == nil && j.Status == job.StatusDeadLettered
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load(), "dead-lettered job must not run again")

	snap := queueSnap(p, "q")
	assert.Equal(t, uint64(2), snap.Retried)
	assert.Equal(t, uint64(1), snap.DeadLettered)
}

func TestPoolPermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()
	p, q := newTestPool(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, p.Register("q", func(context.Context, *job.Job) error {
		calls.Add(1)
		return retry.Permanent(errors.New("invalid address"))
	}, fastConfig()))
	id, err := q.Enqueue(ctx, "q", raw(`{}`), job.Options{MaxAttempts: 5, BackoffBase: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	waitFor(t, 3*time.Second, func() bool {
		j, err := q.Get(ctx, id)
		return err == nil && j.Status == job.StatusDeadLettered
	})
	assert.Equal(t, int32(1), calls.Load())
	_, _, fails := p.runner("q").breaker.state(time.Now())
	assert.Zero(t, fails, "permanent errors do not count toward the breaker")
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	t.Parallel()
	p, q := newTestPool(t)
	ctx := context.Background()

	require.NoError(t, p.Register("q", func(_ context.Context, j *job.Job) error {
		if string(j.Payload) == `"boom"` {
			panic("boom")
		}
		return nil
	}, fastConfig()))
	bad, err := q.Enqueue(ctx, "q", "boom", job.Options{MaxAttempts: 1})
	require.NoError(t, err)
	good, err := q.Enqueue(ctx, "q", "fine", job.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	waitFor(t, 3*time.Second, func() bool {
		b, _ := q.Get(ctx, bad)
		g, _ := q.Get(ctx, good)
		return b != nil && g != nil && b.Status == job.StatusDeadLettered && g.Status == job.StatusCompleted
	})
	b, _ := q.Get(ctx, bad)
	assert.Contains(t, b.LastError, "panic: boom")
}

func TestPoolHandlerTimeout(t *testing.T) {
	t.Parallel()
	p, q := newTestPool(t)
	ctx := context.Background()

	cfg := fastConfig()
	cfg.HandlerTimeout = 30 * time.Millisecond
	require.NoError(t, p.Register("q", func(context.Context, *job.Job) error {
		time.Sleep(300 * time.Millisecond) // ignores its context
		return nil
	}, cfg))
	id, err := q.Enqueue(ctx, "q", raw(`{}`), job.Options{MaxAttempts: 1})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Start(ctx))
	waitFor(t, 2*time.Second, func() bool {
		j, err := q.Get(ctx, id)
		return err == nil && j.Status == job.StatusDeadLettered
	})
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	j, _ := q.Get(ctx, id)
	assert.Contains(t, j.LastError, "timed out")
}

func TestPoolRespectsConcurrency(t *testing.T) {
	t.Parallel()
	p, q := newTestPool(t)
	ctx := context.Background()

	var cur, peak atomic.Int32
	cfg := fastConfig()
	cfg.Concurrency = 2
	require.NoError(t, p.Register("q", func(context.Context, *job.Job) error {
		n := cur.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		cur.Add(-1)
		return nil
	}, cfg))
	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(ctx, "q", i, job.Options{})
		require.NoError(t, err)
	}
	require.NoError(t, p.Start(ctx))
	waitFor(t, 3*time.Second, func() bool { return queueSnap(p, "q").Completed == 6 })
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolRateLimitSpacesStarts(t *testing.T) {
	t.Parallel()
	p, q := newTestPool(t)
	ctx := context.Background()

	var mu sync.Mutex
	var starts []time.Time
	cfg := fastConfig()
	cfg.Concurrency = 4
	cfg.RateLimit = ratelimit.Config{Max: 1, Window: 150 * time.Millisecond}
	require.NoError(t, p.Register("q", func(context.Context, *job.Job) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	}, cfg))
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "q", i, job.Options{})
		require.NoError(t, err)
	}
	require.NoError(t, p.Start(ctx))
	waitFor(t, 3*time.Second, func() bool { return queueSnap(p, "q").Completed == 3 })

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	assert.GreaterOrEqual(t, starts[2].Sub(starts[0]), 280*time.Millisecond)
}

func TestPoolStopDrainsInflight(t *testing.T) {
	t.Parallel()
	p, q := newTestPool(t)
	ctx := context.Background()

	started := make(chan struct{})
	require.NoError(t, p.Register("q", func(context.Context, *job.Job) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil
	}, fastConfig()))
	id, err := q.Enqueue(ctx, "q", raw(`{}`), job.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))
	j, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.False(t, p.Snapshot().Running)
	assert.ErrorIs(t, p.Register("late", func(context.Context, *job.Job) error { return nil }, QueueConfig{}), ErrStopped)
}

func TestPoolRegisterAndApply(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t)
	noop := func(context.Context, *job.Job) error { return nil }

	assert.ErrorIs(t, p.Register(" ", noop, QueueConfig{}), queue.ErrEmptyQueue)
	assert.ErrorIs(t, p.Register("q", nil, QueueConfig{}), ErrNilHandler)
	require.NoError(t, p.Register("q", noop, QueueConfig{}))
	assert.ErrorIs(t, p.Register("q", noop, QueueConfig{}), ErrAlreadyRegistered)

	cfg, ok := p.Config("q")
	require.True(t, ok)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, DefaultHandlerTimeout, cfg.HandlerTimeout)

	require.NoError(t, p.Apply("q", QueueConfig{Concurrency: 4, RateLimit: ratelimit.Config{Max: 1, Window: time.Minute}}))
	snap := queueSnap(p, "q")
	assert.Equal(t, 4, snap.Concurrency)
	assert.Equal(t, "1/1m0s", snap.RateLimit)
	_, limit := p.runner("q").slots.inUse()
	assert.Equal(t, 4, limit)

	assert.ErrorIs(t, p.Apply("missing", QueueConfig{}), ErrUnknownQueue)
}

func raw(s string) []byte { return []byte(s) }
