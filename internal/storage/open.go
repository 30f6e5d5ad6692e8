package storage

import (
	"context"
	"errors"
	"strings"

	logx "courier/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "none", "memory":
		log.Warn("job store is in-memory; jobs will not survive a restart")
		return NewMemory(), nil
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = DefaultSQLitePath
		}
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
