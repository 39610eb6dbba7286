package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnvVars overlays STEROIDS_* environment variables onto cfg. Env
// values win over every file source.
func ApplyEnvVars(cfg *Config) {
	if v := os.Getenv("STEROIDS_PROVIDER"); v != "" {
		cfg.Provider.Default = v
	}
	if v := os.Getenv("STEROIDS_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Provider.TimeoutSeconds = secs
		} else if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Provider.TimeoutSeconds = int(d.Seconds())
		}
	}
	if v := os.Getenv("STEROIDS_MAX_CLONES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Parallel.MaxClones = n
		}
	}
	if v := os.Getenv("STEROIDS_WORKSPACE_ROOT"); v != "" {
		cfg.Parallel.WorkspaceRoot = v
	}
	if v := os.Getenv("STEROIDS_STRATEGY"); v != "" {
		cfg.Parallel.Strategy = v
	}
	if v := os.Getenv("STEROIDS_REMOTE"); v != "" {
		cfg.Merge.Remote = v
	}
	if v := os.Getenv("STEROIDS_MAIN_BRANCH"); v != "" {
		cfg.Merge.MainBranch = v
	}
	if v := os.Getenv("STEROIDS_VALIDATION_COMMAND"); v != "" {
		cfg.Merge.ValidationCommand = v
	}
	if v := os.Getenv("STEROIDS_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("STEROIDS_DB_HOST"); v != "" {
		cfg.Database.Postgres.Host = v
	}
	if v := os.Getenv("STEROIDS_DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.Postgres.Port = n
		}
	}
	if v := os.Getenv("STEROIDS_DB_NAME"); v != "" {
		cfg.Database.Postgres.Database = v
	}
	if v := os.Getenv("STEROIDS_DB_USER"); v != "" {
		cfg.Database.Postgres.User = v
	}
	if v := os.Getenv("STEROIDS_DB_PASSWORD"); v != "" {
		cfg.Database.Postgres.Password = v
	}
	if v := os.Getenv("STEROIDS_DB_SSL_MODE"); v != "" {
		cfg.Database.Postgres.SSLMode = v
	}
}
