// Package config provides configuration management for steroids.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// SteroidsDir is the per-project steroids directory.
	SteroidsDir = ".steroids"
	// InvocationsDir holds per-invocation NDJSON activity logs.
	InvocationsDir = "invocations"
	// LogsDir holds daemon logs inside the project steroids directory.
	LogsDir = "logs"
	// BackupDir holds database backups.
	BackupDir = "backup"
)

// DatabaseConfig selects the store driver.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`

	// Postgres holds connection settings when driver is "postgres".
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// PostgresConfig holds postgres connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders the keyword/value connection string the postgres driver
// expects. Zero-valued fields are omitted so driver defaults apply.
func (p PostgresConfig) DSN() string {
	var parts []string
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+value)
		}
	}
	add("host", p.Host)
	if p.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", p.Port))
	}
	add("dbname", p.Database)
	add("user", p.User)
	add("password", p.Password)
	add("sslmode", p.SSLMode)
	return strings.Join(parts, " ")
}

// RoleModel pins a provider and model for one invocation role.
type RoleModel struct {
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
}

// ProviderConfig selects LLM back ends per role.
type ProviderConfig struct {
	// Default is the provider used when a role has no override.
	Default string `yaml:"default"`

	// Coder, Reviewer and Coordinator override provider/model per role.
	Coder       RoleModel `yaml:"coder,omitempty"`
	Reviewer    RoleModel `yaml:"reviewer,omitempty"`
	Coordinator RoleModel `yaml:"coordinator,omitempty"`

	// TimeoutSeconds bounds a single provider invocation (default: 900).
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// SanitizeEnv strips API-key variables from child environments so
	// provider CLIs use their own stored credentials (default: true).
	SanitizeEnv bool `yaml:"sanitize_env"`

	// TempHome runs provider CLIs under a temporary HOME containing
	// symlinks to the real home's auth files (default: false).
	TempHome bool `yaml:"temp_home"`
}

// LoopConfig tunes the orchestrator loop.
type LoopConfig struct {
	// MaxRejections fails a task after this many reviewer rejections
	// (default: 15).
	MaxRejections int `yaml:"max_rejections"`

	// CoordinatorAt lists the rejection counts that trigger a
	// coordinator pass (default: 2, 5, 9).
	CoordinatorAt []int `yaml:"coordinator_at,omitempty"`

	// AgentsFile is the project instructions file injected into prompts
	// (default: AGENTS.md).
	AgentsFile string `yaml:"agents_file"`

	// AgentsFileMaxChars truncates the instructions file (default: 5000).
	AgentsFileMaxChars int `yaml:"agents_file_max_chars"`

	// SpecFileMaxChars truncates linked specification files
	// (default: 10000).
	SpecFileMaxChars int `yaml:"spec_file_max_chars"`
}

// ParallelConfig tunes the workstream scheduler.
type ParallelConfig struct {
	// MaxClones bounds concurrent workstream clones (default: 3).
	MaxClones int `yaml:"max_clones"`

	// WorkspaceRoot is the directory under which workstream clones are
	// created. Defaults to <home>/.steroids/workspaces.
	WorkspaceRoot string `yaml:"workspace_root,omitempty"`

	// Strategy is "per-section" (default) or "partition".
	Strategy string `yaml:"strategy"`

	// HydrationCommand runs inside each fresh clone before work starts
	// (e.g. a dependency install).
	HydrationCommand string `yaml:"hydration_command,omitempty"`

	// SharedDirs lists directories shared between clones instead of
	// being copied. Mutable dependency directories are rejected; see
	// CheckSharedDirs.
	SharedDirs []string `yaml:"shared_dirs,omitempty"`

	// LeaseSeconds is the workstream lease duration (default: 120).
	LeaseSeconds int `yaml:"lease_seconds"`

	// DaemonLogs mirrors detached workstream output to per-workstream
	// log files (default: true).
	DaemonLogs bool `yaml:"daemon_logs"`
}

// MergeConfig tunes the parallel merge engine.
type MergeConfig struct {
	// Remote is the git remote integrated against (default: origin).
	Remote string `yaml:"remote"`

	// MainBranch is the mainline branch (default: main).
	MainBranch string `yaml:"main_branch"`

	// LockTimeout expires an unrefreshed merge lock (default: 120m).
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// HeartbeatInterval refreshes the merge lock (default: 30s).
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ValidationCommand gates the push; non-zero exit blocks the merge
	// and escalates.
	ValidationCommand string `yaml:"validation_command,omitempty"`

	// ConflictAttemptLimit bounds coder/reviewer conflict-resolution
	// rounds per workstream (default: 3).
	ConflictAttemptLimit int `yaml:"conflict_attempt_limit"`

	// CleanupOnSuccess removes workstream clones after a successful
	// merge (default: true).
	CleanupOnSuccess bool `yaml:"cleanup_on_success"`
}

// Config represents the steroids configuration.
type Config struct {
	// Version is the config file version.
	Version int `yaml:"version"`

	Database DatabaseConfig `yaml:"database"`
	Provider ProviderConfig `yaml:"provider"`
	Loop     LoopConfig     `yaml:"loop"`
	Parallel ParallelConfig `yaml:"parallel"`
	Merge    MergeConfig    `yaml:"merge"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Version: 1,
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Provider: ProviderConfig{
			Default:        "claude",
			TimeoutSeconds: 900,
			SanitizeEnv:    true,
		},
		Loop: LoopConfig{
			MaxRejections:      15,
			CoordinatorAt:      []int{2, 5, 9},
			AgentsFile:         "AGENTS.md",
			AgentsFileMaxChars: 5000,
			SpecFileMaxChars:   10000,
		},
		Parallel: ParallelConfig{
			MaxClones:    3,
			Strategy:     "per-section",
			LeaseSeconds: 120,
			DaemonLogs:   true,
		},
		Merge: MergeConfig{
			Remote:               "origin",
			MainBranch:           "main",
			LockTimeout:          120 * time.Minute,
			HeartbeatInterval:    30 * time.Second,
			ConflictAttemptLimit: 3,
			CleanupOnSuccess:     true,
		},
	}
}

// Load reads the project configuration, layering on top of defaults:
//  1. Built-in defaults
//  2. User config (~/.steroids/config.yaml) - optional
//  3. Project config (<project>/.steroids/config.yaml) - optional
//  4. STEROIDS_* environment variables
func Load(projectDir string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, SteroidsDir, ConfigFileName)
		if err := mergeFromFile(cfg, userPath); err != nil {
			return nil, err
		}
	}

	projectPath := filepath.Join(projectDir, SteroidsDir, ConfigFileName)
	if err := mergeFromFile(cfg, projectPath); err != nil {
		return nil, err
	}

	ApplyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadGlobal reads the user-level configuration only: defaults, then
// ~/.steroids/config.yaml, then environment variables. Commands that work
// on the global store use it when no project is in scope.
func LoadGlobal() (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		if err := mergeFromFile(cfg, filepath.Join(home, SteroidsDir, ConfigFileName)); err != nil {
			return nil, err
		}
	}

	ApplyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithOverride is Load plus a final overlay from an explicit file.
// Backs the --config flag; unlike the layered files, the override must
// exist.
func LoadWithOverride(projectDir, overridePath string) (*Config, error) {
	if overridePath == "" {
		return Load(projectDir)
	}

	cfg := Default()
	if home, err := os.UserHomeDir(); err == nil {
		if err := mergeFromFile(cfg, filepath.Join(home, SteroidsDir, ConfigFileName)); err != nil {
			return nil, err
		}
	}
	if err := mergeFromFile(cfg, filepath.Join(projectDir, SteroidsDir, ConfigFileName)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", overridePath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", overridePath, err)
	}

	ApplyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFromFile overlays values from a YAML file onto cfg. A missing file
// is not an error; a malformed one is.
func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration to the project steroids directory.
func (c *Config) Save(projectDir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(projectDir, SteroidsDir, ConfigFileName)
	return util.AtomicWriteFile(path, data, 0644)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Provider.TimeoutSeconds <= 0 {
		return fmt.Errorf("provider.timeout_seconds must be positive, got %d", c.Provider.TimeoutSeconds)
	}
	if c.Loop.MaxRejections <= 0 {
		return fmt.Errorf("loop.max_rejections must be positive, got %d", c.Loop.MaxRejections)
	}
	if c.Parallel.MaxClones <= 0 {
		return fmt.Errorf("parallel.max_clones must be positive, got %d", c.Parallel.MaxClones)
	}
	if c.Parallel.Strategy != "per-section" && c.Parallel.Strategy != "partition" {
		return fmt.Errorf("parallel.strategy must be per-section or partition, got %q", c.Parallel.Strategy)
	}
	if c.Merge.ConflictAttemptLimit <= 0 {
		return fmt.Errorf("merge.conflict_attempt_limit must be positive, got %d", c.Merge.ConflictAttemptLimit)
	}
	return c.CheckSharedDirs()
}

// InvocationTimeout returns the provider timeout as a duration.
func (c *Config) InvocationTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// LeaseDuration returns the workstream lease duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Parallel.LeaseSeconds) * time.Second
}

// RoleProvider resolves the provider name for a role, falling back to the
// default provider.
func (c *Config) RoleProvider(role string) string {
	var rm RoleModel
	switch role {
	case "coder":
		rm = c.Provider.Coder
	case "reviewer":
		rm = c.Provider.Reviewer
	case "orchestrator", "coordinator":
		rm = c.Provider.Coordinator
	}
	if rm.Provider != "" {
		return rm.Provider
	}
	return c.Provider.Default
}

// RoleModelName resolves the model override for a role, or "" for the
// provider default.
func (c *Config) RoleModelName(role string) string {
	switch role {
	case "coder":
		return c.Provider.Coder.Model
	case "reviewer":
		return c.Provider.Reviewer.Model
	case "orchestrator", "coordinator":
		return c.Provider.Coordinator.Model
	}
	return ""
}

// GlobalHome returns the global steroids directory (~/.steroids),
// creating it if needed.
func GlobalHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, SteroidsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create steroids home: %w", err)
	}
	return dir, nil
}

// WorkspaceRoot returns the configured clone root, defaulting to
// <home>/.steroids/workspaces.
func (c *Config) WorkspaceRoot() (string, error) {
	if c.Parallel.WorkspaceRoot != "" {
		return c.Parallel.WorkspaceRoot, nil
	}
	home, err := GlobalHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "workspaces"), nil
}

// IsInitialized reports whether the project has a steroids directory.
func IsInitialized(projectDir string) bool {
	info, err := os.Stat(filepath.Join(projectDir, SteroidsDir))
	return err == nil && info.IsDir()
}
