package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"courier/internal/eventbus"
	"courier/internal/job"
	"courier/internal/ratelimit"
	"courier/internal/retry"
	logx "courier/pkg/logx"
)

// storeTimeout bounds the ack/fail write after a handler returns.
const storeTimeout = 10 * time.Second

type runner struct {
	pool    *Pool
	name    string
	handler Handler
	log     logx.Logger

	mu  sync.RWMutex
	cfg QueueConfig

	slots   *slots
	lim     ratelimit.Limiter
	breaker *circuit
	wake    chan struct{}

	inflight     atomic.Int64
	leased       atomic.Uint64
	completed    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	released     atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func (r *runner) config() QueueConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *runner) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// dispatch is the supervised loop of one queue. A returned error restarts it with backoff.
func (r *runner) dispatch(ctx context.Context) error {
	for {
		if !r.slots.acquire(ctx) {
			return nil
		}
		j, wait, err := r.claim(ctx)
		if j == nil {
			r.slots.release()
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			r.idle(ctx, wait)
			continue
		}

		r.inflight.Add(1)
		r.pool.inflight.Add(1)
		go r.execute(j)
	}
}

// claim leases one job the rate limiter permits. With no job it returns how
// long to idle.
func (r *runner) claim(ctx context.Context) (*job.Job, time.Duration, error) {
	q := r.pool.q
	now := q.Now()
	if open, until := r.breaker.open(now); open {
		return nil, until.Sub(now), nil
	}
	if err := r.lim.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	j, err := q.LeaseNext(ctx, r.name, r.pool.owner)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("lease: %w", err)
	}
	if j == nil {
		return nil, r.config().PollInterval, nil
	}

	ok, err := r.lim.Allow(ctx)
	if err == nil && ok {
		r.leased.Add(1)
		return j, 0, nil
	}
	// Another dispatcher took the token between Wait and Allow.
	if rerr := q.Release(context.WithoutCancel(ctx), j); rerr != nil {
		r.log.Error("release after lost rate claim failed", logx.String("job", j.ID), logx.Err(rerr))
	}
	r.released.Add(1)
	if err != nil {
		return nil, 0, err
	}
	return nil, 0, nil
}

func (r *runner) idle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-r.wake:
	}
}

func (r *runner) execute(j *job.Job) {
	defer r.pool.inflight.Done()
	defer r.inflight.Add(-1)
	defer r.slots.release()

	p := r.pool
	cfg := r.config()
	attempt := j.AttemptsMade + 1
	log := r.log.With(logx.String("job", j.ID), logx.Int("attempt", attempt))

	started := p.q.Now()
	p.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: started, Queue: j.Queue, JobID: j.ID})
	log.Debug("job started")

	err := r.invoke(p.execCtx, cfg.HandlerTimeout, j, log)
	dur := p.q.Now().Sub(started)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	item := HistoryItem{JobID: j.ID, Attempt: attempt, Started: started, Duration: dur}
	if err == nil {
		item.Outcome = job.StatusCompleted
		if aerr := p.q.Ack(ctx, j); aerr != nil {
			item.Error = aerr.Error()
			log.Error("ack failed; job will be recovered after lease ttl", logx.Err(aerr))
		} else {
			r.completed.Add(1)
			log.Debug("job completed", logx.Duration("dur", dur))
		}
		r.breaker.record(p.q.Now(), false)
		r.remember(item)
		return
	}

	item.Error = err.Error()
	if p.execCtx.Err() != nil {
		// Shutdown interrupted the handler; that is not the job's fault.
		if rerr := p.q.Release(ctx, j); rerr != nil {
			log.Error("release on shutdown failed", logx.Err(rerr))
		}
		r.released.Add(1)
		item.Outcome = job.StatusPending
		r.remember(item)
		return
	}
	tr, ferr := p.q.Fail(ctx, j, err)
	item.Outcome = tr.Status
	if ferr != nil {
		log.Error("recording failure failed; job will be recovered after lease ttl", logx.Err(ferr), logx.String("cause", err.Error()))
	} else if tr.Status == job.StatusDeadLettered {
		r.deadLettered.Add(1)
	} else {
		r.retried.Add(1)
	}
	// A permanent error is about the job, not the downstream, so it does not trip the breaker.
	if !retry.IsPermanent(err) {
		r.breaker.record(p.q.Now(), true)
	}
	r.remember(item)
}

// invoke runs the handler in its own goroutine so a handler that ignores its
// context still cannot hold the slot past the timeout.
func (r *runner) invoke(parent context.Context, timeout time.Duration, j *job.Job, log logx.Logger) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panic", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
				done <- fmt.Errorf("panic: %v", rec)
			}
		}()
		done <- r.handler(ctx, j)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return retry.Transient(fmt.Errorf("handler timed out after %s", timeout))
		}
		return ctx.Err()
	}
}

func (r *runner) remember(item HistoryItem) {
	r.hmu.Lock()
	r.history = append(r.history, item)
	if n := r.pool.historySize; len(r.history) > n {
		r.history = r.history[len(r.history)-n:]
	}
	r.hmu.Unlock()
}

func (r *runner) snapshot(now time.Time) QueueSnapshot {
	cfg := r.config()
	open, until, fails := r.breaker.state(now)
	s := QueueSnapshot{
		Queue:            r.name,
		Concurrency:      cfg.Concurrency,
		RateLimit:        cfg.RateLimit.String(),
		InFlight:         int(r.inflight.Load()),
		Leased:           r.leased.Load(),
		Completed:        r.completed.Load(),
		Retried:          r.retried.Load(),
		DeadLettered:     r.deadLettered.Load(),
		Released:         r.released.Load(),
		CircuitOpen:      open,
		CircuitOpenUntil: until,
		CircuitFailures:  fails,
	}
	r.hmu.Lock()
	s.History = append([]HistoryItem(nil), r.history...)
	r.hmu.Unlock()
	return s
}
