package app

import (
	"fmt"
	"strings"
	"time"

	"courier/internal/config"
	"courier/internal/directory"
	"courier/internal/fanout"
	"courier/internal/job"
	"courier/internal/maintenance"
	"courier/internal/notify"
	"courier/internal/observability/ops"
	"courier/internal/ratelimit"
	"courier/internal/resourcepool"
	"courier/internal/storage"
	"courier/internal/worker"
	logx "courier/pkg/logx"
)

// standardQueue holds the built-in settings of a queue the daemon always serves.
type standardQueue struct {
	worker worker.QueueConfig
	job    job.Options
}

var standardJob = job.Options{MaxAttempts: job.DefaultMaxAttempts, BackoffBase: job.DefaultBackoffBase}

// Registration order; fanout first so expansions start before deliveries drain.
var queueOrder = []string{fanout.Queue, notify.QueueDirect, notify.QueueBulk}

var standardQueues = map[string]standardQueue{
	fanout.Queue:       {worker: worker.QueueConfig{Concurrency: 2}, job: standardJob},
	notify.QueueDirect: {worker: worker.QueueConfig{Concurrency: 4}, job: standardJob},
	notify.QueueBulk: {
		worker: worker.QueueConfig{Concurrency: 1, RateLimit: ratelimit.Config{Max: 1, Window: time.Minute}},
		job:    standardJob,
	},
}

func isStandardQueue(name string) bool {
	_, ok := standardQueues[name]
	return ok
}

// mapQueueConfig layers the config overrides of queue name on its built-in
// settings. Zero override fields keep the built-in value.
func mapQueueConfig(cfg *config.Config, name string) (worker.QueueConfig, job.Options, error) {
	base := standardQueues[name]
	wc, jo := base.worker, base.job
	if jo.MaxAttempts == 0 {
		jo = standardJob
	}
	if cfg == nil {
		return wc, jo, nil
	}
	qc, ok := cfg.Queues[name]
	if !ok {
		return wc, jo, nil
	}
	path := "queues." + name

	if qc.Concurrency > 0 {
		wc.Concurrency = qc.Concurrency
	}
	if qc.RateMax > 0 {
		window, err := config.ParseDurationField(path+".rate_window", qc.RateWindow)
		if err != nil {
			return wc, jo, err
		}
		wc.RateLimit = ratelimit.Config{Max: qc.RateMax, Window: window}
	}
	var err error
	if wc.PollInterval, err = config.ParseDurationOrDefault(path+".poll_interval", qc.PollInterval, wc.PollInterval); err != nil {
		return wc, jo, err
	}
	if wc.LeaseTTL, err = config.ParseDurationOrDefault(path+".lease_ttl", qc.LeaseTTL, wc.LeaseTTL); err != nil {
		return wc, jo, err
	}
	if wc.HandlerTimeout, err = config.ParseDurationOrDefault(path+".handler_timeout", qc.HandlerTimeout, wc.HandlerTimeout); err != nil {
		return wc, jo, err
	}
	if qc.CircuitTrip != 0 {
		wc.Circuit.TripFailures = qc.CircuitTrip
	}
	if qc.MaxAttempts > 0 {
		jo.MaxAttempts = qc.MaxAttempts
	}
	if jo.BackoffBase, err = config.ParseDurationOrDefault(path+".backoff_base", qc.BackoffBase, jo.BackoffBase); err != nil {
		return wc, jo, err
	}
	return wc, jo, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	out := storage.Config{
		Driver:   driver,
		Path:     strings.TrimSpace(sc.Path),
		DSN:      strings.TrimSpace(sc.DSN),
		MaxConns: sc.MaxConns,
	}
	switch driver {
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
		if out.Path == "" {
			out.Path = storage.DefaultSQLitePath
		}
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapSMTPConfig(cfg *config.Config) (notify.SMTPConfig, error) {
	sc := cfg.Notify.SMTP
	timeout, err := config.ParseDurationOrDefault("notify.smtp.timeout", sc.Timeout, 15*time.Second)
	if err != nil {
		return notify.SMTPConfig{}, err
	}
	return notify.SMTPConfig{
		Host:     sc.Host,
		Port:     sc.Port,
		Username: sc.Username,
		Password: sc.Password,
		From:     sc.From,
		Subject:  sc.Subject,
		Timeout:  timeout,
	}, nil
}

func mapMongoConfig(cfg *config.Config) (directory.MongoConfig, error) {
	mc := cfg.Directory.Mongo
	timeout, err := config.ParseDurationOrDefault("directory.mongo.timeout", mc.Timeout, 10*time.Second)
	if err != nil {
		return directory.MongoConfig{}, err
	}
	return directory.MongoConfig{
		URI:          mc.URI,
		Database:     mc.Database,
		Collection:   mc.Collection,
		AddressField: mc.AddressField,
		Timeout:      timeout,
	}, nil
}

func mapUsers(cfg *config.Config) []directory.User {
	users := make([]directory.User, 0, len(cfg.Directory.Users))
	for _, u := range cfg.Directory.Users {
		users = append(users, directory.User{ID: u.ID, Address: u.Address})
	}
	return users
}

func mapAccounts(cfg *config.Config) []resourcepool.Account {
	accounts := make([]resourcepool.Account, 0, len(cfg.Resources.Accounts))
	for _, a := range cfg.Resources.Accounts {
		accounts = append(accounts, resourcepool.Account{
			Name:      a.Name,
			CloudName: a.CloudName,
			APIKey:    a.APIKey,
			APISecret: a.APISecret,
		})
	}
	return accounts
}

// mapMaintenanceConfig uses the longest queue lease TTL so a slow queue is
// never recovered early.
func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	retention, err := config.ParseDurationUnlessSet("maintenance.retention", mc.Retention, maintenance.DefaultRetention)
	if err != nil {
		return maintenance.Config{}, err
	}
	var ttl time.Duration
	for _, name := range queueOrder {
		wc, _, err := mapQueueConfig(cfg, name)
		if err != nil {
			return maintenance.Config{}, err
		}
		if wc.LeaseTTL == 0 {
			wc.LeaseTTL = worker.DefaultLeaseTTL
		}
		if wc.LeaseTTL > ttl {
			ttl = wc.LeaseTTL
		}
	}
	return maintenance.Config{
		RecoverSchedule: mc.RecoverSchedule,
		PruneSchedule:   mc.PruneSchedule,
		LeaseTTL:        ttl,
		Retention:       retention,
		Timezone:        mc.Timezone,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// pprof profiles run for 30s by default; leave room for them.
	write, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validateMapped runs every mapper so a config the app cannot apply is
// rejected before it is committed.
func validateMapped(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	for name := range cfg.Queues {
		if !isStandardQueue(name) {
			return fmt.Errorf("queues.%s: unknown queue (known: %s)", name, strings.Join(queueOrder, ", "))
		}
		if _, _, err := mapQueueConfig(cfg, name); err != nil {
			return err
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSMTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMongoConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	_, err := mapOpsConfig(cfg)
	return err
}
