package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"courier/internal/config"
	"courier/internal/directory"
	"courier/internal/fanout"
	"courier/internal/maintenance"
	"courier/internal/metrics"
	"courier/internal/notify"
	"courier/internal/observability/ops"
	"courier/internal/ratelimit"
	"courier/internal/runtime/supervisor"
	"courier/internal/worker"
	logx "courier/pkg/logx"
	"courier/pkg/systemd"
)

const depthRefresh = 15 * time.Second

// App is the long-running daemon: the worker pool serving the standard queues,
// store maintenance, metrics and the ops server.
type App struct {
	*Core

	sup *supervisor.Supervisor

	rdb      *redis.Client
	dir      fanout.Directory
	closeDir func(context.Context) error
	expander *fanout.Expander

	pool    *worker.Pool
	maint   *maintenance.Service
	metrics *metrics.Collector
	ops     *ops.Service
}

func NewApp(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	core, err := OpenCore(ctx, cfgPath, opts...)
	if err != nil {
		return nil, err
	}
	a := &App{Core: core}
	if err := a.build(ctx); err != nil {
		a.closeExternal(context.Background())
		_ = core.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config.Get()
	log := a.Logs.Logger()

	poolOpts := []worker.Option{worker.WithBus(a.Bus)}
	if url := strings.TrimSpace(cfg.Redis.URL); url != "" {
		rdb, err := ratelimit.OpenRedis(ctx, url)
		if err != nil {
			return err
		}
		a.rdb = rdb
		poolOpts = append(poolOpts, worker.WithLimiterFactory(func(queue string, rc ratelimit.Config) ratelimit.Limiter {
			return ratelimit.NewRedis(rdb, queue, rc)
		}))
		log.Info("shared rate limits enabled", logx.String("backend", "redis"))
	}

	provider, err := a.buildProvider(cfg)
	if err != nil {
		return err
	}
	if err := a.buildDirectory(ctx, cfg); err != nil {
		return err
	}

	a.expander = fanout.NewExpander(a.dir, a.Jobs, log, fanout.WithBus(a.Bus))
	a.pool = worker.NewPool(a.Queue, log, poolOpts...)
	handlers := map[string]worker.Handler{
		fanout.Queue:       a.expander.Handler(),
		notify.QueueDirect: notify.Handler(provider, log),
		notify.QueueBulk:   notify.Handler(provider, log),
	}
	for _, name := range queueOrder {
		wc, _, err := mapQueueConfig(cfg, name)
		if err != nil {
			return err
		}
		if err := a.pool.Register(name, handlers[name], wc); err != nil {
			return err
		}
	}

	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	a.maint = maintenance.New(mc, a.Queue, log)
	a.metrics = metrics.New()

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(oc, a.opsSources(), log)
	return nil
}

// buildProvider routes "tg:" addresses to Telegram and everything else to SMTP.
func (a *App) buildProvider(cfg *config.Config) (notify.Provider, error) {
	if a.opts.provider != nil {
		return a.opts.provider, nil
	}
	var fallback notify.Provider
	if strings.TrimSpace(cfg.Notify.SMTP.Host) != "" {
		sc, err := mapSMTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		smtp, err := notify.NewSMTP(sc)
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		fallback = smtp
	} else {
		a.Log.Warn("smtp not configured; email recipients will be dead-lettered")
	}
	router := notify.NewRouter(fallback)
	if a.telegram != nil {
		router.Handle(notify.TelegramScheme, a.telegram)
	}
	perSec := float64(cfg.Notify.SendPerSec)
	return notify.Throttle(router, perSec, cfg.Notify.SendPerSec), nil
}

func (a *App) buildDirectory(ctx context.Context, cfg *config.Config) error {
	if a.opts.directory != nil {
		a.dir = a.opts.directory
		return nil
	}
	switch cfg.Directory.Driver {
	case "mongo":
		mc, err := mapMongoConfig(cfg)
		if err != nil {
			return err
		}
		m, err := directory.OpenMongo(ctx, mc)
		if err != nil {
			return err
		}
		a.dir, a.closeDir = m, m.Close
		a.Log.Info("recipient directory", logx.String("driver", "mongo"), logx.String("database", mc.Database))
	default:
		users := mapUsers(cfg)
		a.dir = directory.NewStatic(users)
		a.Log.Info("recipient directory", logx.String("driver", "static"), logx.Int("users", len(users)))
	}
	return nil
}

func (a *App) opsSources() ops.Sources {
	return ops.Sources{
		Gatherer: a.metrics.Registry(),
		Health: func(ctx context.Context) error {
			_, err := a.Queue.Stats(ctx)
			return err
		},
		Snapshots: map[string]func(context.Context) (any, error){
			"workers": func(context.Context) (any, error) { return a.pool.Snapshot(), nil },
			"queues": func(ctx context.Context) (any, error) {
				return a.Queue.Stats(ctx)
			},
			"maintenance": func(context.Context) (any, error) { return a.maint.Snapshot(), nil },
			"accounts": func(context.Context) (any, error) {
				return accountsView(a.Resources), nil
			},
			"supervisor": func(context.Context) (any, error) {
				if a.sup == nil {
					return supervisor.Snapshot{}, nil
				}
				return a.sup.Snapshot(), nil
			},
		},
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.Log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.pool.Start(run); err != nil {
		return err
	}
	if err := a.maint.Start(run); err != nil {
		return err
	}
	a.ops.Start(run)

	a.sup.Go0("metrics.events", func(c context.Context) { a.metrics.Run(c, a.Bus) })
	a.sup.Go0("metrics.depth", a.refreshDepth)

	// Debug-level; job events are frequent.
	events, unsub := a.Bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.Log.Debug("event", logx.String("type", e.Type), logx.String("queue", e.Queue), logx.String("job", e.JobID))
			}
		}
	})

	sub := a.Config.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.Config.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.Config.Watch(c)
	})

	a.Log.Info("app started", logx.String("owner", a.pool.Owner()), logx.Int("accounts", a.Resources.Len()))
	return nil
}

func (a *App) refreshDepth(ctx context.Context) {
	t := time.NewTicker(depthRefresh)
	defer t.Stop()
	for {
		stats, err := a.Queue.Stats(ctx)
		if err == nil {
			a.metrics.SetDepth(stats)
		} else if ctx.Err() == nil {
			a.Log.Warn("queue stats failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.Config.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// restartOnly lists sections whose changes need a process restart.
var restartOnly = map[string]bool{"storage": true, "redis": true, "notify": true, "directory": true}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, queues := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.Log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.Log.Debug("config change summary", fields...)
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	for _, s := range sections {
		if restartOnly[s] {
			a.Log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.Logs.Apply(mapLogConfig(newCfg))

	for _, name := range queues {
		if !isStandardQueue(name) {
			continue
		}
		wc, _, err := mapQueueConfig(newCfg, name)
		if err != nil {
			a.Log.Warn("invalid queue config; keeping previous", logx.String("queue", name), logx.Err(err))
			continue
		}
		if err := a.pool.Apply(name, wc); err != nil {
			a.Log.Warn("queue config not applied", logx.String("queue", name), logx.Err(err))
		}
	}

	if mc, err := mapMaintenanceConfig(newCfg); err != nil {
		a.Log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(mc); err != nil {
		a.Log.Warn("maintenance config not applied", logx.Err(err))
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.Log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	for _, s := range sections {
		if s == "resources" {
			a.Resources.Configure(mapAccounts(newCfg))
			break
		}
	}

	a.Log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.Log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Ops first so health checks report the shutdown; workers drain before the store closes.
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "workers", 10*time.Second, func(c context.Context) error { return a.pool.Stop(c) })
	a.step(ctx, "external", 2*time.Second, func(c context.Context) error { a.closeExternal(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.Store.Close() })

	a.Log.Info("stopped")
	if a.Logs != nil {
		_ = a.Logs.Close()
	}
	return nil
}

func (a *App) closeExternal(ctx context.Context) {
	if a.closeDir != nil {
		if err := a.closeDir(ctx); err != nil {
			a.Log.Warn("directory close failed", logx.Err(err))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.Log.Warn("redis close failed", logx.Err(err))
		}
	}
}

// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.Log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.Log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.Log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.Log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, record when it eventually returns.
		a.Log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.Log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.Log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
