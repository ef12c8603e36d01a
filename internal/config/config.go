// ABOUTME: Configuration loading and parsing for coven-courier
// ABOUTME: Supports YAML or TOML files with environment variable expansion, durations and byte sizes

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-courier configuration
type Config struct {
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Content      ContentConfig      `yaml:"content" toml:"content"`
	Schema       SchemaConfig       `yaml:"schema" toml:"schema"`
	Messages     MessagesConfig     `yaml:"messages" toml:"messages"`
	Participants ParticipantsConfig `yaml:"participants" toml:"participants"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance" toml:"maintenance"`
	Audit        AuditConfig        `yaml:"audit" toml:"audit"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path      string `yaml:"path" toml:"path"`
	BackupDir string `yaml:"backup_dir" toml:"backup_dir"`

	BusyTimeout time.Duration `yaml:"-" toml:"-"`
	CacheSize   uint64        `yaml:"-" toml:"-"` // bytes

	// Raw string values for unmarshaling
	BusyTimeoutRaw string `yaml:"busy_timeout" toml:"busy_timeout"`
	CacheSizeRaw   string `yaml:"cache_size" toml:"cache_size"`
}

// ContentConfig holds the overflow content store configuration
type ContentConfig struct {
	Dir string `yaml:"dir" toml:"dir"`

	// OrphanGrace is how old an unreferenced blob must be before pruning.
	OrphanGrace    time.Duration `yaml:"-" toml:"-"`
	OrphanGraceRaw string        `yaml:"orphan_grace" toml:"orphan_grace"`
}

// SchemaConfig holds migration configuration
type SchemaConfig struct {
	AutoMigrate *bool `yaml:"auto_migrate" toml:"auto_migrate"`
	// MigrationsDir replaces the built-in migrations with NNNN_name.up.sql files.
	MigrationsDir string `yaml:"migrations_dir" toml:"migrations_dir"`

	LargeDatabase    uint64 `yaml:"-" toml:"-"`
	LargeDatabaseRaw string `yaml:"large_database" toml:"large_database"`
}

// MessagesConfig holds message store limits
type MessagesConfig struct {
	MaxSize    uint64 `yaml:"-" toml:"-"`
	MaxSizeRaw string `yaml:"max_size" toml:"max_size"`

	IdempotencyTTL     time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTLRaw  string        `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
	IdempotencyEntries int           `yaml:"idempotency_entries" toml:"idempotency_entries"`
}

// ParticipantsConfig selects the permission policy
type ParticipantsConfig struct {
	// Policy is "passthrough" (every permission) or "capabilities".
	Policy string `yaml:"policy" toml:"policy"`
	// Grants maps capability names to permissions for the capabilities policy.
	Grants map[string][]string `yaml:"grants" toml:"grants"`
}

// MaintenanceConfig holds the background maintenance schedule
type MaintenanceConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Schedule string `yaml:"schedule" toml:"schedule"` // cron expression
}

// AuditConfig holds audit sink configuration
type AuditConfig struct {
	// Persist writes events to the audit_log table as well as the log.
	Persist bool `yaml:"persist" toml:"persist"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied to empty fields.
const (
	DefaultBusyTimeout        = 5 * time.Second
	DefaultOrphanGrace        = 24 * time.Hour
	DefaultMaxSize            = 100 << 10
	DefaultIdempotencyTTL     = 10 * time.Minute
	DefaultIdempotencyEntries = 10_000
	DefaultSchedule           = "0 3 * * *"
	DefaultMetricsAddr        = "127.0.0.1:9464"
	DefaultMetricsPath        = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.resolve(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists, rooted at dataDir.
func Default(dataDir string) (*Config, error) {
	cfg := &Config{Database: DatabaseConfig{Path: filepath.Join(dataDir, "courier.db")}}
	if err := cfg.resolve(dataDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve parses raw values, applies defaults and validates.
func (c *Config) resolve(baseDir string) error {
	if err := parseValues(c); err != nil {
		return fmt.Errorf("parsing values: %w", err)
	}
	c.applyDefaults(baseDir)
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Database.Path != "" && !filepath.IsAbs(c.Database.Path) && baseDir != "" {
		c.Database.Path = filepath.Join(baseDir, c.Database.Path)
	}
	dbDir := filepath.Dir(c.Database.Path)
	if c.Database.BackupDir == "" {
		c.Database.BackupDir = filepath.Join(dbDir, "backups")
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = DefaultBusyTimeout
	}
	if c.Content.Dir == "" {
		c.Content.Dir = filepath.Join(dbDir, "content")
	}
	if c.Content.OrphanGrace == 0 {
		c.Content.OrphanGrace = DefaultOrphanGrace
	}
	if c.Schema.AutoMigrate == nil {
		on := true
		c.Schema.AutoMigrate = &on
	}
	if c.Messages.MaxSize == 0 {
		c.Messages.MaxSize = DefaultMaxSize
	}
	if c.Messages.IdempotencyTTL == 0 {
		c.Messages.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if c.Messages.IdempotencyEntries == 0 {
		c.Messages.IdempotencyEntries = DefaultIdempotencyEntries
	}
	if c.Participants.Policy == "" {
		c.Participants.Policy = "passthrough"
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = DefaultSchedule
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Participants.Policy {
	case "passthrough":
	case "capabilities":
		if len(c.Participants.Grants) == 0 {
			return fmt.Errorf("participants.grants is required for the capabilities policy")
		}
	default:
		return fmt.Errorf("participants.policy must be passthrough or capabilities, got %q", c.Participants.Policy)
	}

	if c.Maintenance.Enabled && !gronx.IsValid(c.Maintenance.Schedule) {
		return fmt.Errorf("maintenance.schedule %q is not a valid cron expression", c.Maintenance.Schedule)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Messages.IdempotencyEntries < 0 {
		return fmt.Errorf("messages.idempotency_entries must not be negative")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseValues converts the raw duration and size strings
func parseValues(cfg *Config) error {
	var err error

	if cfg.Database.BusyTimeoutRaw != "" {
		cfg.Database.BusyTimeout, err = time.ParseDuration(cfg.Database.BusyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing busy_timeout %q: %w", cfg.Database.BusyTimeoutRaw, err)
		}
	}

	if cfg.Database.CacheSizeRaw != "" {
		cfg.Database.CacheSize, err = humanize.ParseBytes(cfg.Database.CacheSizeRaw)
		if err != nil {
			return fmt.Errorf("parsing cache_size %q: %w", cfg.Database.CacheSizeRaw, err)
		}
	}

	if cfg.Content.OrphanGraceRaw != "" {
		cfg.Content.OrphanGrace, err = time.ParseDuration(cfg.Content.OrphanGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing orphan_grace %q: %w", cfg.Content.OrphanGraceRaw, err)
		}
	}

	if cfg.Schema.LargeDatabaseRaw != "" {
		cfg.Schema.LargeDatabase, err = humanize.ParseBytes(cfg.Schema.LargeDatabaseRaw)
		if err != nil {
			return fmt.Errorf("parsing large_database %q: %w", cfg.Schema.LargeDatabaseRaw, err)
		}
	}

	if cfg.Messages.MaxSizeRaw != "" {
		cfg.Messages.MaxSize, err = humanize.ParseBytes(cfg.Messages.MaxSizeRaw)
		if err != nil {
			return fmt.Errorf("parsing max_size %q: %w", cfg.Messages.MaxSizeRaw, err)
		}
	}

	if cfg.Messages.IdempotencyTTLRaw != "" {
		cfg.Messages.IdempotencyTTL, err = time.ParseDuration(cfg.Messages.IdempotencyTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idempotency_ttl %q: %w", cfg.Messages.IdempotencyTTLRaw, err)
		}
	}

	return nil
}

// DefaultPath returns the config path from COURIER_CONFIG, else
// $XDG_CONFIG_HOME/coven/courier.yaml.
func DefaultPath() string {
	if p := os.Getenv("COURIER_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "courier.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven", "courier.yaml")
}

// DefaultDataDir returns $XDG_DATA_HOME/coven, falling back to ~/.local/share/coven.
func DefaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "coven")
}

// AutoMigrateEnabled reports whether Open should migrate to the latest version.
func (c *Config) AutoMigrateEnabled() bool {
	return c.Schema.AutoMigrate == nil || *c.Schema.AutoMigrate
}
