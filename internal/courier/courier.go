// ABOUTME: Composition root wiring storage, schema, participants, content, index and message store
// ABOUTME: Open builds every component from a Config; Close releases them in reverse order

package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/2389/coven-courier/internal/audit"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/content"
	"github.com/2389/coven-courier/internal/dedupe"
	"github.com/2389/coven-courier/internal/index"
	"github.com/2389/coven-courier/internal/maintenance"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/schema"
	"github.com/2389/coven-courier/internal/storage"
	"github.com/2389/coven-courier/internal/store"
)

// Courier holds the wired components of one database.
type Courier struct {
	Config       *config.Config
	DB           *storage.DB
	Migrator     *schema.Migrator
	Participants *participant.SQLiteRepository
	Content      *content.Store
	Index        *index.Engine
	Messages     *store.Store
	Scheduler    *maintenance.Scheduler // nil unless maintenance is enabled
	AuditLog     *audit.StoreSink       // nil unless audit.persist is set
	Audit        audit.Sink

	idempotency *dedupe.Cache
	logger      *slog.Logger
}

// Option adjusts Open.
type Option func(*openOptions)

type openOptions struct {
	now func() time.Time
}

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *openOptions) { o.now = now }
}

// Open opens the database, migrates it when auto-migration is on and wires
// every component.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Courier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	db, err := storage.Open(ctx, storage.Options{
		Path:         cfg.Database.Path,
		BusyTimeout:  cfg.Database.BusyTimeout,
		CacheSizeKiB: int(cfg.Database.CacheSize >> 10),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	c := &Courier{Config: cfg, DB: db, logger: logger.With("component", "courier")}
	if err := c.wire(ctx, o); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Courier) wire(ctx context.Context, o openOptions) error {
	cfg := c.Config
	sinks := []audit.Sink{audit.NewLogSink(c.logger)}
	if cfg.Audit.Persist {
		c.AuditLog = audit.NewStoreSink(c.DB, c.logger)
		sinks = append(sinks, c.AuditLog)
	}
	c.Audit = audit.Multi(sinks...)

	var migrations []schema.Migration
	if cfg.Schema.MigrationsDir != "" {
		var err error
		if migrations, err = schema.Load(os.DirFS(cfg.Schema.MigrationsDir)); err != nil {
			return fmt.Errorf("loading migrations from %s: %w", cfg.Schema.MigrationsDir, err)
		}
	}
	m, err := schema.New(c.DB, schema.Options{
		Migrations:    migrations,
		Logger:        c.logger,
		Audit:         c.Audit,
		LargeDatabase: cfg.Schema.LargeDatabase,
	})
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	c.Migrator = m
	if cfg.AutoMigrateEnabled() {
		res, err := m.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
		for _, w := range res.Warnings {
			c.logger.Warn("migration warning", "warning", w)
		}
	}

	c.Content, err = content.New(cfg.Content.Dir, c.logger)
	if err != nil {
		return fmt.Errorf("opening content store: %w", err)
	}
	c.Participants = participant.NewSQLiteRepository(c.DB, c.Audit, c.logger)

	policy, err := buildPolicy(cfg.Participants)
	if err != nil {
		return err
	}

	c.Index = index.New(index.Options{
		DB:      c.DB,
		Content: c.Content,
		Audit:   c.Audit,
		Logger:  c.logger,
		Now:     o.now,
	})
	if cfg.Messages.IdempotencyEntries > 0 {
		c.idempotency = dedupe.New(cfg.Messages.IdempotencyTTL, cfg.Messages.IdempotencyEntries)
	}
	c.Messages, err = store.New(store.Options{
		DB:           c.DB,
		Participants: c.Participants,
		Content:      c.Content,
		Indexer:      c.Index,
		Policy:       policy,
		Validator:    participant.Validator{MaxMessageBytes: int(cfg.Messages.MaxSize)},
		Audit:        c.Audit,
		Idempotency:  c.idempotency,
		Logger:       c.logger,
		Now:          o.now,
	})
	if err != nil {
		return fmt.Errorf("creating message store: %w", err)
	}

	if cfg.Maintenance.Enabled {
		c.Scheduler, err = maintenance.New(maintenance.Options{
			DB:          c.DB,
			Content:     c.Content,
			Refs:        c.Messages,
			OrphanGrace: cfg.Content.OrphanGrace,
			Schedule:    cfg.Maintenance.Schedule,
			Audit:       c.Audit,
			Logger:      c.logger,
			Now:         o.now,
		})
		if err != nil {
			return fmt.Errorf("creating maintenance scheduler: %w", err)
		}
	}

	c.logger.Info("courier ready",
		"database", c.DB.Path(),
		"content", c.Content.Root(),
		"max_message_size", humanize.IBytes(cfg.Messages.MaxSize),
		"policy", cfg.Participants.Policy,
	)
	return nil
}

// buildPolicy maps the configured policy name to a participant policy.
func buildPolicy(cfg config.ParticipantsConfig) (participant.Policy, error) {
	if cfg.Policy != "capabilities" {
		return participant.PassThrough{}, nil
	}
	grants := make(map[string][]participant.Permission, len(cfg.Grants))
	for capability, names := range cfg.Grants {
		for _, name := range names {
			perm, err := participant.ParsePermission(name)
			if err != nil {
				return nil, fmt.Errorf("participants.grants.%s: %w", capability, err)
			}
			grants[capability] = append(grants[capability], perm)
		}
	}
	return participant.CapabilityPolicy{Grants: grants}, nil
}

// Backup writes a consistent copy of the database into dir, or the
// configured backup directory when dir is empty, and returns its path.
func (c *Courier) Backup(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		dir = c.Config.Database.BackupDir
	}
	name := fmt.Sprintf("courier-%s.db", time.Now().UTC().Format("20060102T150405Z"))
	target := filepath.Join(dir, name)

	ev := audit.Event{
		Actor:      audit.SystemActor,
		Action:     audit.ActionBackup,
		TargetType: "database",
		TargetID:   c.DB.Path(),
		Detail:     map[string]any{"target": target},
	}
	if err := c.DB.Backup(ctx, target); err != nil {
		ev.Outcome = audit.OutcomeFailure
		ev.Detail["error"] = err.Error()
		c.Audit.Record(ctx, ev)
		return "", err
	}
	c.Audit.Record(ctx, ev)
	return target, nil
}

// Status reports the schema position and storage accounting.
type Status struct {
	Schema  *schema.Status
	Storage *storage.Stats
}

// StatusTables are the tables Status counts.
var StatusTables = []string{"participants", "conversations", "messages", "message_responses", "message_tags", "audit_log"}

// Status returns the schema and storage status.
func (c *Courier) Status(ctx context.Context) (*Status, error) {
	ss, err := c.Migrator.Status(ctx)
	if err != nil {
		return nil, err
	}
	st, err := c.DB.Stats(ctx, StatusTables)
	if err != nil {
		return nil, err
	}
	return &Status{Schema: ss, Storage: st}, nil
}

// Close stops background caches and closes the database.
func (c *Courier) Close() error {
	if c.idempotency != nil {
		c.idempotency.Close()
	}
	var errs []error
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	return errors.Join(errs...)
}
