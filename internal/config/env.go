package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// maxEnvAccounts bounds the CLOUDn_* scan.
const maxEnvAccounts = 64

// ApplyEnv overlays secrets and endpoints from the environment onto cfg.
// A nil environ reads the process environment.
//
// Storage accounts are read from CLOUD1_NAME/KEY/SECRET through
// CLOUD64_*. Indices with none of the three set are skipped, so a deployment
// may leave gaps. They are appended after accounts from the file.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Environment: environ}
	targets := []struct {
		name string
		v    any
	}{
		{"storage", &cfg.Storage},
		{"redis", &cfg.Redis},
		{"notify.smtp", &cfg.Notify.SMTP},
		{"notify.telegram", &cfg.Notify.Telegram},
		{"directory.mongo", &cfg.Directory.Mongo},
		{"ops", &cfg.Ops},
	}
	for _, t := range targets {
		if err := env.ParseWithOptions(t.v, opts); err != nil {
			return fmt.Errorf("env %s: %w", t.name, err)
		}
	}

	for i := 1; i <= maxEnvAccounts; i++ {
		var acc AccountConfig
		o := opts
		o.Prefix = fmt.Sprintf("CLOUD%d_", i)
		if err := env.ParseWithOptions(&acc, o); err != nil {
			return fmt.Errorf("env CLOUD%d: %w", i, err)
		}
		if strings.TrimSpace(acc.CloudName+acc.APIKey+acc.APISecret) == "" {
			continue
		}
		acc.Name = fmt.Sprintf("cloud%d", i)
		cfg.Resources.Accounts = append(cfg.Resources.Accounts, acc)
	}
	return nil
}
