package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig          `json:"logging"`
	Storage     StorageConfig          `json:"storage"`
	Redis       RedisConfig            `json:"redis,omitempty"`
	Queues      map[string]QueueConfig `json:"queues,omitempty" validate:"dive"`
	Notify      NotifyConfig           `json:"notify"`
	Directory   DirectoryConfig        `json:"directory"`
	Resources   ResourcesConfig        `json:"resources"`
	Maintenance MaintenanceConfig      `json:"maintenance"`
	Ops         OpsConfig              `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alerts  LoggingAlert `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingAlert forwards warn+ lines to the Telegram alert chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=warn error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./courier.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory none sqlite sqlite3 postgres postgresql pgx"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty" env:"COURIER_STORAGE_DSN"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty" validate:"gte=0"`
}

// RedisConfig enables the shared sliding-window rate limiter. Empty URL keeps
// limits process-local.
type RedisConfig struct {
	URL string `json:"url,omitempty" env:"REDIS_URL"`
}

// QueueConfig overrides one queue's worker and retry settings.
//
// Rate limit is given as "max per window", e.g. rate_max 1, rate_window "60s".
// rate_max 0 means unlimited.
type QueueConfig struct {
	Concurrency    int    `json:"concurrency,omitempty" validate:"gte=0"`
	RateMax        int    `json:"rate_max,omitempty" validate:"gte=0"`
	RateWindow     string `json:"rate_window,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	LeaseTTL       string `json:"lease_ttl,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty" validate:"gte=0"`
	BackoffBase    string `json:"backoff_base,omitempty"`
	// CircuitTrip < 0 disables the breaker.
	CircuitTrip int `json:"circuit_trip,omitempty"`
}

type NotifyConfig struct {
	SMTP     SMTPConfig     `json:"smtp"`
	Telegram TelegramConfig `json:"telegram"`
	// SendPerSec caps provider calls across all notification queues. 0 disables.
	SendPerSec int `json:"send_per_sec,omitempty" validate:"gte=0"`
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty" env:"SMTP_HOST"`
	Port     int    `json:"port,omitempty" env:"SMTP_PORT" validate:"gte=0,lte=65535"`
	Username string `json:"username,omitempty" env:"SMTP_USERNAME"`
	Password string `json:"password,omitempty" env:"SMTP_PASSWORD"`
	From     string `json:"from,omitempty" env:"SMTP_FROM" validate:"omitempty,email"`
	Subject  string `json:"subject,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token,omitempty" env:"TELEGRAM_TOKEN"`
	AlertChatID int64  `json:"alert_chat_id,omitempty" env:"TELEGRAM_ALERT_CHAT_ID"`
}

// DirectoryConfig selects where recipients come from.
//
// Driver values:
//   - "static": the Users list below
//   - "mongo": a MongoDB users collection
type DirectoryConfig struct {
	Driver string      `json:"driver" validate:"omitempty,oneof=static mongo"`
	Users  []UserEntry `json:"users,omitempty" validate:"dive"`
	Mongo  MongoConfig `json:"mongo,omitempty"`
}

type UserEntry struct {
	ID      string `json:"id" validate:"required"`
	Address string `json:"address" validate:"required"`
}

type MongoConfig struct {
	URI          string `json:"uri,omitempty" env:"MONGO_URI"`
	Database     string `json:"database,omitempty"`
	Collection   string `json:"collection,omitempty"`
	AddressField string `json:"address_field,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// ResourcesConfig lists storage accounts. Accounts from CLOUDn_* environment
// variables are appended after these.
type ResourcesConfig struct {
	Accounts []AccountConfig `json:"accounts,omitempty"`
	Folder   string          `json:"folder,omitempty"`
}

// AccountConfig is one set of storage credentials. Incomplete sets are skipped
// at startup with a warning.
type AccountConfig struct {
	Name      string `json:"name,omitempty"`
	CloudName string `json:"cloud_name" env:"NAME"`
	APIKey    string `json:"api_key" env:"KEY"`
	APISecret string `json:"api_secret" env:"SECRET"`
}

// MaintenanceConfig schedules store housekeeping.
//
// Schedules accept cron ("*/5 * * * *", "@hourly"), Go durations ("1m") or HH:MM intervals.
type MaintenanceConfig struct {
	RecoverSchedule string `json:"recover_schedule,omitempty"`
	PruneSchedule   string `json:"prune_schedule,omitempty"`
	// Retention is how long completed jobs are kept. "0s" keeps them forever.
	Retention string `json:"retention,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// OpsConfig controls the operations HTTP server (health, metrics, snapshots, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty" env:"COURIER_OPS_TOKEN"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
