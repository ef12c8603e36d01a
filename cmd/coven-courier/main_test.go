// ABOUTME: Tests for the command line: config fallback, log formatting and subcommand wiring
// ABOUTME: Drives real subcommands against a temp database configured through a YAML file

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FallsBackToDefaults(t *testing.T) {
	data := t.TempDir()
	t.Setenv("XDG_DATA_HOME", data)

	g := &globalFlags{configPath: filepath.Join(t.TempDir(), "absent.yaml"), logLevel: "debug"}
	cfg, err := loadConfig(g)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(data, "coven", "courier.db"), cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: ["), 0o644))

	_, err := loadConfig(&globalFlags{configPath: path})
	assert.Error(t, err)
}

func TestColorHandler(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	var buf bytes.Buffer
	logger := slog.New(&colorHandler{mu: &sync.Mutex{}, out: &buf, level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.With("component", "store").WithGroup("msg").Info("created", "id", "Q-1")
	logger.Error("failed")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF created component=store msg.id=Q-1")
	assert.Contains(t, out, "ERR failed")
}

func writeCLIConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	cfg := `
database:
  path: courier.db
audit:
  persist: true
logging:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestCommands(t *testing.T) {
	cfg := writeCLIConfig(t)
	ctx := context.Background()
	backups := t.TempDir()

	steps := [][]string{
		{"migrate"},
		{"register", "--id", "@alice", "--capabilities", "messaging"},
		{"register", "--id", "@bob", "--capabilities", "messaging", "--priority", "H"},
		{"send", "--from", "@alice", "--to", "@bob", "--type", "q", "--subject", "Deploy window",
			"--content", "Can we deploy the billing service tonight?", "--tags", "deploy,billing"},
		{"list", "--as", "@bob"},
		{"threads", "--as", "@alice"},
		{"search", "deploy"},
		{"search", "--tags", "billing", "--semantic"},
		{"tags", "--prefix", "de"},
		{"stats", "--participant", "@alice", "--days", "7"},
		{"reindex"},
		{"status"},
		{"backup", "--dir", backups},
		{"maintain"},
		{"audit", "--limit", "5"},
	}
	for _, step := range steps {
		args := append(step[1:], "--config", cfg)
		require.NoError(t, dispatch(ctx, step[0], args), "%v", step)
	}

	entries, err := os.ReadDir(backups)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCommands_Errors(t *testing.T) {
	cfg := writeCLIConfig(t)
	ctx := context.Background()

	err := dispatch(ctx, "teleport", nil)
	assert.ErrorContains(t, err, "unknown command")

	err = dispatch(ctx, "send", []string{"--config", cfg, "--to", "@bob"})
	assert.ErrorContains(t, err, "--from is required")

	err = dispatch(ctx, "show", []string{"--config", cfg})
	assert.ErrorContains(t, err, "usage")

	err = dispatch(ctx, "search", []string{"--config", cfg, "--since", "yesterday"})
	assert.ErrorContains(t, err, "--since")

	err = dispatch(ctx, "list", []string{"--help"})
	assert.True(t, errors.Is(err, pflag.ErrHelp))
}
