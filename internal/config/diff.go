package config

import (
	"reflect"
	"sort"
	"strings"

	logx "courier/pkg/logx"
)

// SummarizeChange returns (1) the sorted list of changed sections, (2) safe
// structured attrs for logging (never secrets), and (3) the names of queues
// whose worker settings changed, including added and removed queues.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	// Storage and redis need a restart; only report whether they moved.
	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout ||
		oldCfg.Storage.MaxConns != newCfg.Storage.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if oldCfg.Redis.URL != newCfg.Redis.URL {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Bool("redis.url_set", strings.TrimSpace(newCfg.Redis.URL) != ""))
	}

	queues := diffQueues(oldCfg.Queues, newCfg.Queues)
	if len(queues) > 0 {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.Int("queues.changed_count", len(queues)),
			logx.String("queues.changed", strings.Join(queues, ",")),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.smtp_set", strings.TrimSpace(newCfg.Notify.SMTP.Host) != ""),
			logx.Bool("notify.telegram_set", strings.TrimSpace(newCfg.Notify.Telegram.Token) != ""),
			logx.Int("notify.send_per_sec", newCfg.Notify.SendPerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Directory, newCfg.Directory) {
		changed = append(changed, "directory")
		attrs = append(attrs,
			logx.String("directory.driver", newCfg.Directory.Driver),
			logx.Int("directory.static_users", len(newCfg.Directory.Users)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Resources, newCfg.Resources) {
		changed = append(changed, "resources")
		attrs = append(attrs, logx.Int("resources.accounts", len(newCfg.Resources.Accounts)))
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.recover_schedule", newCfg.Maintenance.RecoverSchedule),
			logx.String("maintenance.prune_schedule", newCfg.Maintenance.PruneSchedule),
			logx.String("maintenance.retention", newCfg.Maintenance.Retention),
		)
	}

	// Never log the token itself.
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs, queues
}

func diffQueues(oldM, newM map[string]QueueConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
