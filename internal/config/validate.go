package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"courier/internal/maintenance"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct tags first, then the semantic rules tags cannot express.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"storage.busy_timeout":    cfg.Storage.BusyTimeout,
		"notify.smtp.timeout":     cfg.Notify.SMTP.Timeout,
		"directory.mongo.timeout": cfg.Directory.Mongo.Timeout,
		"maintenance.retention":   cfg.Maintenance.Retention,
		"ops.read_timeout":        cfg.Ops.ReadTimeout,
		"ops.write_timeout":       cfg.Ops.WriteTimeout,
		"ops.idle_timeout":        cfg.Ops.IdleTimeout,
	}
	for name, q := range cfg.Queues {
		p := "queues." + name
		durations[p+".rate_window"] = q.RateWindow
		durations[p+".poll_interval"] = q.PollInterval
		durations[p+".lease_ttl"] = q.LeaseTTL
		durations[p+".handler_timeout"] = q.HandlerTimeout
		durations[p+".backoff_base"] = q.BackoffBase
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("queues: empty queue name"))
		}
		if q.RateMax > 0 && strings.TrimSpace(q.RateWindow) == "" {
			errs = append(errs, fmt.Errorf("%s: rate_window required when rate_max > 0", p))
		}
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres (or set COURIER_STORAGE_DSN)"))
		}
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Directory.Driver), "mongo") {
		if strings.TrimSpace(cfg.Directory.Mongo.URI) == "" {
			errs = append(errs, errors.New("directory.mongo.uri: required for mongo directory (or set MONGO_URI)"))
		}
		if strings.TrimSpace(cfg.Directory.Mongo.Database) == "" {
			errs = append(errs, errors.New("directory.mongo.database: required for mongo directory"))
		}
	}

	for name, raw := range map[string]string{
		"maintenance.recover_schedule": cfg.Maintenance.RecoverSchedule,
		"maintenance.prune_schedule":   cfg.Maintenance.PruneSchedule,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := maintenance.ParseSchedule(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if cfg.Logging.Alerts.Enabled && (cfg.Notify.Telegram.Token == "" || cfg.Notify.Telegram.AlertChatID == 0) {
		errs = append(errs, errors.New("logging.alerts: requires notify.telegram.token and alert_chat_id"))
	}

	if cfg.Ops.Enabled && cfg.Ops.Token == "" && !cfg.Ops.AllowInsecure && !isLoopbackAddr(cfg.Ops.Addr) {
		errs = append(errs, fmt.Errorf("ops.addr %q is not loopback: set ops.token or allow_insecure", cfg.Ops.Addr))
	}

	return errors.Join(errs...)
}

func isLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
