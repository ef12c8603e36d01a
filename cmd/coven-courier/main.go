// ABOUTME: Entry point for the coven-courier command line
// ABOUTME: Dispatches subcommands, loads configuration and sets up colorized or JSON logging

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/courier"
)

// version is overridden with -ldflags "-X main.version=..." at build time.
var version = "dev"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"migrate", "Apply, target or roll back schema migrations", runMigrate},
	{"status", "Show schema version and database statistics", runStatus},
	{"backup", "Write a consistent copy of the database", runBackup},
	{"maintain", "Checkpoint, vacuum and prune orphaned content now", runMaintain},
	{"reindex", "Rebuild the full-text and tag indexes", runReindex},
	{"register", "Register or update a participant", runRegister},
	{"send", "Create a message", runSend},
	{"list", "List messages for a participant", runList},
	{"show", "Show one message and its responses", runShow},
	{"respond", "Respond to a message", runRespond},
	{"resolve", "Resolve, cancel or archive a message", runResolve},
	{"threads", "List conversations", runThreads},
	{"compact", "Compact a resolved thread", runCompact},
	{"search", "Search messages", runSearch},
	{"related", "Find messages related to a message", runRelated},
	{"tags", "Suggest tags by prefix", runTags},
	{"stats", "Show message statistics", runStats},
	{"audit", "List audit events", runAudit},
	{"run", "Run scheduled maintenance and serve metrics", runServe},
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: coven-courier <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w, "  version    Print the version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Every command accepts --config (default $COURIER_CONFIG or ~/.config/coven/courier.yaml).")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	// A missing .env is normal.
	_ = godotenv.Load(".env")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	name := os.Args[1]
	var err error
	switch name {
	case "version", "--version":
		fmt.Println(version)
		return
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		err = dispatch(ctx, name, os.Args[2:])
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		if code := apperr.CodeOf(err); code != "" {
			fmt.Fprintf(os.Stderr, "%s %s\n", color.HiBlackString("code:"), code)
		}
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, name string, args []string) error {
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, args)
		}
	}
	usage(os.Stderr)
	return fmt.Errorf("unknown command: %s", name)
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newFlagSet(name string, g *globalFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("coven-courier "+name, pflag.ContinueOnError)
	fs.StringVarP(&g.configPath, "config", "c", config.DefaultPath(), "path to a YAML or TOML config file")
	fs.StringVar(&g.logLevel, "log-level", "", "override logging.level")
	return fs
}

// loadConfig reads the config file, falling back to defaults under the XDG
// data directory when the file does not exist.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(config.DefaultDataDir())
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

// openCourier loads configuration and opens a wired courier.
func openCourier(ctx context.Context, g *globalFlags) (*courier.Courier, *slog.Logger, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, nil, err
	}
	return openWith(ctx, cfg)
}

func openWith(ctx context.Context, cfg *config.Config) (*courier.Courier, *slog.Logger, error) {
	logger := setupLogger(cfg.Logging)
	c, err := courier.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return c, logger, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	// Logs go to stderr so command output on stdout stays pipeable.
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			out:   os.Stderr,
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
