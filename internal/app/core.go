package app

import (
	"context"
	"errors"
	"fmt"

	"courier/internal/config"
	"courier/internal/eventbus"
	"courier/internal/fanout"
	"courier/internal/job"
	"courier/internal/notify"
	"courier/internal/queue"
	"courier/internal/resourcepool"
	"courier/internal/retry"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

// Core is what every command needs: configuration, logging, the job queue and
// the resource pool. The daemon builds on it in App.
type Core struct {
	Config    *config.Manager
	Log       logx.Logger
	Logs      *logx.Service
	Bus       eventbus.Bus
	Store     storage.Store
	Queue     *queue.Queue
	Jobs      *Enqueuer
	Resources *resourcepool.Pool

	telegram *notify.TelegramProvider
	opts     options
}

type options struct {
	environ   map[string]string
	provider  notify.Provider
	directory fanout.Directory
	resources resourcepool.ProviderFactory
	ambient   resourcepool.AmbientFactory
}

// Option customizes how the app builds its components.
type Option func(*options)

// WithEnviron replaces the process environment for the config env overlay.
func WithEnviron(environ map[string]string) Option {
	return func(o *options) { o.environ = environ }
}

// WithProvider replaces the configured SMTP/Telegram delivery.
func WithProvider(p notify.Provider) Option { return func(o *options) { o.provider = p } }

// WithDirectory replaces the configured recipient directory.
func WithDirectory(d fanout.Directory) Option { return func(o *options) { o.directory = d } }

// WithResourceProviders replaces the Cloudinary-backed account providers.
func WithResourceProviders(f resourcepool.ProviderFactory, ambient resourcepool.AmbientFactory) Option {
	return func(o *options) {
		o.resources = f
		o.ambient = ambient
	}
}

// OpenCore loads and validates the config file and opens the job store.
func OpenCore(ctx context.Context, cfgPath string, opts ...Option) (*Core, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath, config.WithEnviron(o.environ), config.WithValidator(validateMapped))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alerts need the Telegram sender first; start with them off and enable
	// once the sender is set so Apply doesn't warn about a missing target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alerts.Enabled = false
	logSvc, log := logx.New(bootCfg)

	var tg *notify.TelegramProvider
	if cfg.Notify.Telegram.Token != "" {
		tg, err = notify.NewTelegram(notify.TelegramConfig{
			Token:       cfg.Notify.Telegram.Token,
			AlertChatID: cfg.Notify.Telegram.AlertChatID,
		})
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		logSvc.SetAlertSender(tg)
	}
	logSvc.Apply(logCfg)
	cfgm.SetLogger(log)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open job store: %w", err)
	}

	bus := eventbus.New()
	q := queue.New(store, log, queue.WithBus(bus), queue.WithRetry(retry.NewController(retry.Policy{Jitter: 0.1})))

	newProvider, ambient := o.resources, o.ambient
	if newProvider == nil {
		newProvider, ambient = resourcepool.NewCloudinary, resourcepool.AmbientCloudinary
	}
	pool := resourcepool.New(newProvider, log, resourcepool.WithBus(bus), resourcepool.WithAmbient(ambient))
	pool.Configure(mapAccounts(cfg))

	return &Core{
		Config:    cfgm,
		Log:       log.With(logx.String("comp", "app")),
		Logs:      logSvc,
		Bus:       bus,
		Store:     store,
		Queue:     q,
		Jobs:      &Enqueuer{q: q, cfg: cfgm.Get},
		Resources: pool,
		telegram:  tg,
		opts:      o,
	}, nil
}

// Close releases the store and flushes logs.
func (c *Core) Close() error {
	var errs []error
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	if c.Logs != nil {
		errs = append(errs, c.Logs.Close())
	}
	return errors.Join(errs...)
}

// Enqueuer fills per-queue attempt and backoff defaults from the current
// config before handing a job to the queue.
type Enqueuer struct {
	q   *queue.Queue
	cfg func() *config.Config
}

func (e *Enqueuer) Enqueue(ctx context.Context, queueName string, payload any, opts job.Options) (string, error) {
	if _, def, err := mapQueueConfig(e.cfg(), queueName); err == nil {
		if opts.MaxAttempts == 0 {
			opts.MaxAttempts = def.MaxAttempts
		}
		if opts.BackoffBase == 0 {
			opts.BackoffBase = def.BackoffBase
		}
	}
	return e.q.Enqueue(ctx, queueName, payload, opts)
}
