// Package worker runs one supervised dispatcher per queue.
//
// A dispatcher acquires a concurrency slot, waits for rate capacity, leases a
// job, claims the rate token and hands the job to a handler goroutine. Jobs
// beyond the configured rate wait in the store; they are never dropped.
package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"courier/internal/eventbus"
	"courier/internal/queue"
	"courier/internal/ratelimit"
	"courier/internal/runtime/supervisor"
	logx "courier/pkg/logx"
)

// LimiterFactory builds the limiter shared by every dispatcher of a queue.
type LimiterFactory func(queue string, cfg ratelimit.Config) ratelimit.Limiter

// LocalLimiters builds in-process limiters on the queue clock.
func LocalLimiters(now func() time.Time) LimiterFactory {
	return func(_ string, cfg ratelimit.Config) ratelimit.Limiter { return ratelimit.NewLocal(cfg, now) }
}

type Pool struct {
	q           *queue.Queue
	log         logx.Logger
	bus         eventbus.Bus
	newLimiter  LimiterFactory
	owner       string
	historySize int

	mu      sync.Mutex
	runners map[string]*runner
	order   []string
	started bool
	stopped bool
	sup     *supervisor.Supervisor

	execCtx    context.Context
	execCancel context.CancelFunc
	inflight   sync.WaitGroup
}

type Option func(*Pool)

func WithBus(b eventbus.Bus) Option { return func(p *Pool) { p.bus = b } }

func WithLimiterFactory(f LimiterFactory) Option { return func(p *Pool) { p.newLimiter = f } }

// WithOwner sets the lease owner recorded on leased jobs.
func WithOwner(owner string) Option { return func(p *Pool) { p.owner = strings.TrimSpace(owner) } }

func WithHistorySize(n int) Option { return func(p *Pool) { p.historySize = n } }

func NewPool(q *queue.Queue, log logx.Logger, opts ...Option) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		q:       q,
		log:     log.With(logx.String("comp", "worker")),
		bus:     eventbus.Nop(),
		runners: map[string]*runner{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.newLimiter == nil {
		p.newLimiter = LocalLimiters(q.Now)
	}
	if p.owner == "" {
		host, _ := os.Hostname()
		p.owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if p.historySize <= 0 {
		p.historySize = defaultHistorySize
	}
	return p
}

func (p *Pool) Owner() string { return p.owner }

// Register adds a queue. Queues registered after Start begin dispatching immediately.
func (p *Pool) Register(name string, h Handler, cfg QueueConfig) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return queue.ErrEmptyQueue
	}
	if h == nil {
		return ErrNilHandler
	}
	cfg = cfg.withDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if _, ok := p.runners[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r := &runner{
		pool:    p,
		name:    name,
		handler: h,
		cfg:     cfg,
		slots:   newSlots(cfg.Concurrency),
		lim:     p.newLimiter(name, cfg.RateLimit),
		breaker: newCircuit(cfg.Circuit),
		wake:    make(chan struct{}, 1),
		log:     p.log.With(logx.String("queue", name)),
	}
	p.runners[name] = r
	p.order = append(p.order, name)
	if p.started {
		p.spawn(r)
	}
	p.log.Info("queue registered",
		logx.String("queue", name),
		logx.Int("concurrency", cfg.Concurrency),
		logx.String("rate", cfg.RateLimit.String()),
		logx.Duration("handler_timeout", cfg.HandlerTimeout),
	)
	return nil
}

// spawn must be called with mu held.
func (p *Pool) spawn(r *runner) {
	p.sup.GoRestart("dispatch:"+r.name, r.dispatch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrStarted
	}
	p.started = true
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	// Handlers outlive the dispatch context so Stop can drain them.
	p.execCtx, p.execCancel = context.WithCancel(context.WithoutCancel(ctx))
	for _, name := range p.order {
		p.spawn(p.runners[name])
	}
	p.sup.Go0("wake", p.wakeOnEnqueue)
	p.log.Info("worker pool started", logx.String("owner", p.owner), logx.Int("queues", len(p.order)))
	return nil
}

// wakeOnEnqueue pokes an idle dispatcher as soon as its queue receives a job.
func (p *Pool) wakeOnEnqueue(ctx context.Context) {
	ch, unsub := p.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			if e.Type != eventbus.JobEnqueued && e.Type != eventbus.JobReleased {
				continue
			}
			if r := p.runner(e.Queue); r != nil {
				r.poke()
			}
		}
	}
}

// Stop stops leasing and waits for in-flight handlers. When ctx expires first,
// handler contexts are canceled and ctx.Err() is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	sup := p.sup
	p.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		p.execCancel()
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.execCancel()
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.execCancel()
		p.log.Warn("worker pool stop timed out; handlers canceled", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (p *Pool) runner(name string) *runner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runners[strings.TrimSpace(name)]
}

// Apply hot-applies concurrency, rate and breaker settings to a registered queue.
func (p *Pool) Apply(name string, cfg QueueConfig) error {
	r := p.runner(name)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	cfg = cfg.withDefaults()

	r.mu.Lock()
	old := r.cfg
	r.cfg = cfg
	r.mu.Unlock()

	r.slots.resize(cfg.Concurrency)
	if old.RateLimit != cfg.RateLimit {
		r.lim.SetRate(cfg.RateLimit)
	}
	r.breaker.configure(cfg.Circuit)
	r.poke()

	r.log.Info("queue settings applied",
		logx.Int("concurrency", cfg.Concurrency),
		logx.String("rate", cfg.RateLimit.String()),
		logx.Duration("poll", cfg.PollInterval),
	)
	return nil
}

// Config returns the effective settings of a registered queue.
func (p *Pool) Config(name string) (QueueConfig, bool) {
	r := p.runner(name)
	if r == nil {
		return QueueConfig{}, false
	}
	return r.config(), true
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	snap := Snapshot{Owner: p.owner, Running: p.started && !p.stopped}
	runners := make([]*runner, 0, len(p.order))
	for _, name := range p.order {
		runners = append(runners, p.runners[name])
	}
	sup := p.sup
	p.mu.Unlock()

	now := p.q.Now()
	for _, r := range runners {
		snap.Queues = append(snap.Queues, r.snapshot(now))
	}
	snap.Supervisor = sup.Snapshot()
	return snap
}
