// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, sizes, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "courier.yaml", `
database:
  path: "data/courier.db"
  busy_timeout: "2s"
  cache_size: "64MiB"

content:
  orphan_grace: "12h"

schema:
  auto_migrate: false
  large_database: "2GB"

messages:
  max_size: "256KiB"
  idempotency_ttl: "1m"

participants:
  policy: capabilities
  grants:
    messaging: [send, read]

maintenance:
  enabled: true
  schedule: "*/15 * * * *"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	wantPath := filepath.Join(filepath.Dir(path), "data", "courier.db")
	if cfg.Database.Path != wantPath {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, wantPath)
	}
	if cfg.Database.BusyTimeout != 2*time.Second {
		t.Errorf("Database.BusyTimeout = %v, want 2s", cfg.Database.BusyTimeout)
	}
	if cfg.Database.CacheSize != 64<<20 {
		t.Errorf("Database.CacheSize = %d, want %d", cfg.Database.CacheSize, 64<<20)
	}
	if cfg.Content.OrphanGrace != 12*time.Hour {
		t.Errorf("Content.OrphanGrace = %v, want 12h", cfg.Content.OrphanGrace)
	}
	if want := filepath.Join(filepath.Dir(wantPath), "content"); cfg.Content.Dir != want {
		t.Errorf("Content.Dir = %q, want %q", cfg.Content.Dir, want)
	}
	if cfg.AutoMigrateEnabled() {
		t.Error("AutoMigrateEnabled() = true, want false")
	}
	if cfg.Schema.LargeDatabase != 2_000_000_000 {
		t.Errorf("Schema.LargeDatabase = %d, want 2000000000", cfg.Schema.LargeDatabase)
	}
	if cfg.Messages.MaxSize != 256<<10 {
		t.Errorf("Messages.MaxSize = %d, want %d", cfg.Messages.MaxSize, 256<<10)
	}
	if cfg.Messages.IdempotencyTTL != time.Minute {
		t.Errorf("Messages.IdempotencyTTL = %v, want 1m", cfg.Messages.IdempotencyTTL)
	}
	if cfg.Messages.IdempotencyEntries != DefaultIdempotencyEntries {
		t.Errorf("Messages.IdempotencyEntries = %d, want default", cfg.Messages.IdempotencyEntries)
	}
	if got := cfg.Participants.Grants["messaging"]; len(got) != 2 || got[0] != "send" {
		t.Errorf("Participants.Grants[messaging] = %v", got)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "courier.toml", `
[database]
path = "/var/lib/coven/courier.db"
busy_timeout = "750ms"

[maintenance]
enabled = true
schedule = "0 4 * * 0"

[metrics]
enabled = true
path = "/internal/metrics"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/var/lib/coven/courier.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Database.BusyTimeout != 750*time.Millisecond {
		t.Errorf("Database.BusyTimeout = %v, want 750ms", cfg.Database.BusyTimeout)
	}
	if cfg.Database.BackupDir != "/var/lib/coven/backups" {
		t.Errorf("Database.BackupDir = %q", cfg.Database.BackupDir)
	}
	if cfg.Maintenance.Schedule != "0 4 * * 0" {
		t.Errorf("Maintenance.Schedule = %q", cfg.Maintenance.Schedule)
	}
	if cfg.Metrics.Path != "/internal/metrics" || cfg.Metrics.Addr != DefaultMetricsAddr {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "courier.yaml", "database:\n  path: /tmp/courier.db\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.BusyTimeout != DefaultBusyTimeout {
		t.Errorf("BusyTimeout = %v, want %v", cfg.Database.BusyTimeout, DefaultBusyTimeout)
	}
	if cfg.Messages.MaxSize != DefaultMaxSize {
		t.Errorf("MaxSize = %d, want %d", cfg.Messages.MaxSize, DefaultMaxSize)
	}
	if !cfg.AutoMigrateEnabled() {
		t.Error("AutoMigrateEnabled() = false, want true")
	}
	if cfg.Participants.Policy != "passthrough" {
		t.Errorf("Policy = %q, want passthrough", cfg.Participants.Policy)
	}
	if cfg.Maintenance.Schedule != DefaultSchedule {
		t.Errorf("Schedule = %q, want %q", cfg.Maintenance.Schedule, DefaultSchedule)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Default(dir)
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if cfg.Database.Path != filepath.Join(dir, "courier.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Content.Dir != filepath.Join(dir, "content") {
		t.Errorf("Content.Dir = %q", cfg.Content.Dir)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("COURIER_TEST_DATA", "/srv/courier")
	path := writeConfig(t, "courier.yaml", `
database:
  path: "${COURIER_TEST_DATA}/courier.db"
content:
  dir: "${COURIER_TEST_UNSET}/blobs"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/srv/courier/courier.db" {
		t.Errorf("Database.Path = %q, want /srv/courier/courier.db", cfg.Database.Path)
	}
	if cfg.Content.Dir != "/blobs" {
		t.Errorf("Content.Dir = %q, want /blobs", cfg.Content.Dir)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"missing path", "c.yaml", "logging:\n  level: info\n", "database.path is required"},
		{"bad duration", "c.yaml", "database:\n  path: x.db\n  busy_timeout: soon\n", "busy_timeout"},
		{"bad size", "c.yaml", "database:\n  path: x.db\nmessages:\n  max_size: lots\n", "max_size"},
		{"bad policy", "c.yaml", "database:\n  path: x.db\nparticipants:\n  policy: open\n", "participants.policy"},
		{"grants required", "c.yaml", "database:\n  path: x.db\nparticipants:\n  policy: capabilities\n", "participants.grants"},
		{"bad cron", "c.yaml", "database:\n  path: x.db\nmaintenance:\n  enabled: true\n  schedule: \"every night\"\n", "cron"},
		{"bad level", "c.yaml", "database:\n  path: x.db\nlogging:\n  level: loud\n", "logging.level"},
		{"bad yaml", "c.yaml", "database: [", "parsing config file"},
		{"bad toml", "c.toml", "[database\npath = 1", "parsing config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("COURIER_CONFIG", "/etc/coven/courier.toml")
	if got := DefaultPath(); got != "/etc/coven/courier.toml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("COURIER_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/home/test/.config")
	if got := DefaultPath(); got != "/home/test/.config/coven/courier.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}
}
