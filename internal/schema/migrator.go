// ABOUTME: Versioned schema migrator backed by the schema_meta key-value table
// ABOUTME: Applies one step at a time with integrity checks, checkpoints and post-validation

package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/audit"
	"github.com/2389/coven-courier/internal/metrics"
	"github.com/2389/coven-courier/internal/storage"
)

const (
	metaVersionKey    = "schema_version"
	metaCheckpointKey = "migration_checkpoint"

	// DefaultLargeDatabase is the file size above which a migration logs a
	// slowness warning.
	DefaultLargeDatabase = 100 << 20
)

// bootstrapDDL creates the tables the migrator itself needs. It only runs
// when they are missing.
const bootstrapDDL = `
	CREATE TABLE IF NOT EXISTS schema_meta (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		name        TEXT NOT NULL,
		applied_at  TEXT NOT NULL,
		duration_ms INTEGER NOT NULL
	);
`

// Checkpoint is the state captured immediately before a migration step.
type Checkpoint struct {
	TakenAt          time.Time `json:"taken_at"`
	Version          int       `json:"version"`
	MessageCount     int64     `json:"message_count"`
	ParticipantCount int64     `json:"participant_count"`
}

// HistoryEntry is one row of schema_migrations.
type HistoryEntry struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Duration  time.Duration
}

// Result summarizes a Migrate or MigrateTo call.
type Result struct {
	From     int
	To       int
	Applied  []int
	Warnings []string
}

// Status describes where the database stands.
type Status struct {
	Current    int
	Latest     int
	Pending    []Migration
	History    []HistoryEntry
	Checkpoint *Checkpoint
}

// Options configures a Migrator.
type Options struct {
	Migrations    []Migration // defaults to Builtin()
	Logger        *slog.Logger
	Audit         audit.Sink
	LargeDatabase uint64 // bytes; defaults to DefaultLargeDatabase
}

// Migrator moves a database between schema versions.
type Migrator struct {
	db         *storage.DB
	migrations []Migration
	logger     *slog.Logger
	audit      audit.Sink
	large      uint64
}

// New creates a migrator for db.
func New(db *storage.DB, opts Options) (*Migrator, error) {
	migrations := opts.Migrations
	if migrations == nil {
		var err error
		if migrations, err = Builtin(); err != nil {
			return nil, apperr.Migration("invalid_migrations", err, "loading migrations")
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Audit
	if sink == nil {
		sink = audit.Nop{}
	}
	large := opts.LargeDatabase
	if large == 0 {
		large = DefaultLargeDatabase
	}
	return &Migrator{
		db:         db,
		migrations: migrations,
		logger:     logger.With("component", "schema"),
		audit:      sink,
		large:      large,
	}, nil
}

// Latest returns the highest known version.
func (m *Migrator) Latest() int {
	return len(m.migrations)
}

// Current returns the recorded schema version, 0 for a fresh database.
// It never writes.
func (m *Migrator) Current(ctx context.Context) (int, error) {
	ok, err := m.db.TableExists(ctx, "schema_meta")
	if err != nil || !ok {
		return 0, err
	}
	var raw string
	err = m.db.QueryRow(ctx, `SELECT value FROM schema_meta WHERE key = ?`, metaVersionKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storage.Wrap(err, metaVersionKey, "reading schema version")
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Migration("corrupt_version", err, "schema version %q is not an integer", raw)
	}
	return v, nil
}

// Migrate applies every pending step.
func (m *Migrator) Migrate(ctx context.Context) (*Result, error) {
	return m.MigrateTo(ctx, m.Latest())
}

// MigrateTo applies pending steps up to target. Already being at or past
// target is a no-op that writes nothing.
func (m *Migrator) MigrateTo(ctx context.Context, target int) (*Result, error) {
	if target < 0 || target > m.Latest() {
		return nil, apperr.Migration("unknown_version", nil, "no migration %d (latest is %d)", target, m.Latest())
	}
	cur, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{From: cur, To: cur}
	if cur >= target {
		m.logger.Debug("schema up to date", "version", cur)
		return res, nil
	}

	for v := cur + 1; v <= target; v++ {
		warnings, err := m.step(ctx, m.migrations[v-1], true)
		res.Warnings = append(res.Warnings, warnings...)
		if err != nil {
			return res, err
		}
		res.Applied = append(res.Applied, v)
		res.To = v
	}
	return res, nil
}

// Apply applies exactly one version, which must directly follow the
// current one. Applying an already applied version is a no-op.
func (m *Migrator) Apply(ctx context.Context, version int) error {
	cur, err := m.Current(ctx)
	if err != nil {
		return err
	}
	if version <= cur {
		return nil
	}
	if version != cur+1 {
		return apperr.Migration("version_skip", nil, "cannot apply version %d at version %d", version, cur).
			WithDetail("current", cur).
			WithDetail("requested", version)
	}
	if version > m.Latest() {
		return apperr.Migration("unknown_version", nil, "no migration %d (latest is %d)", version, m.Latest())
	}
	_, err = m.step(ctx, m.migrations[version-1], true)
	return err
}

// Rollback reverts the current version using its down script.
func (m *Migrator) Rollback(ctx context.Context) error {
	cur, err := m.Current(ctx)
	if err != nil {
		return err
	}
	if cur == 0 {
		return apperr.Migration("nothing_to_rollback", nil, "schema is at version 0")
	}
	if cur > m.Latest() {
		return apperr.Migration("unknown_version", nil, "database version %d is newer than this binary (%d)", cur, m.Latest())
	}
	mig := m.migrations[cur-1]
	if !mig.Reversible() {
		return apperr.Migration("irreversible", nil, "migration %d (%s) has no down script", mig.Version, mig.Name).
			WithDetail("version", mig.Version)
	}
	_, err = m.step(ctx, mig, false)
	return err
}

// Status reports the current version, pending steps, history and the last checkpoint.
func (m *Migrator) Status(ctx context.Context) (*Status, error) {
	cur, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Current: cur, Latest: m.Latest()}
	if cur < len(m.migrations) {
		st.Pending = append(st.Pending, m.migrations[cur:]...)
	}
	if st.History, err = m.History(ctx); err != nil {
		return nil, err
	}
	if st.Checkpoint, err = m.LastCheckpoint(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// History lists applied steps in version order.
func (m *Migrator) History(ctx context.Context) ([]HistoryEntry, error) {
	ok, err := m.db.TableExists(ctx, "schema_migrations")
	if err != nil || !ok {
		return nil, err
	}
	rows, err := m.db.Query(ctx, `SELECT version, name, applied_at, duration_ms FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var appliedAt string
		var ms int64
		if err := rows.Scan(&h.Version, &h.Name, &appliedAt, &ms); err != nil {
			return nil, storage.Wrap(err, "", "scanning migration history")
		}
		if h.AppliedAt, err = storage.ParseTime(appliedAt); err != nil {
			return nil, err
		}
		h.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, h)
	}
	return out, storage.Wrap(rows.Err(), "", "iterating migration history")
}

// LastCheckpoint returns the checkpoint recorded before the most recent step, if any.
func (m *Migrator) LastCheckpoint(ctx context.Context) (*Checkpoint, error) {
	ok, err := m.db.TableExists(ctx, "schema_meta")
	if err != nil || !ok {
		return nil, err
	}
	var raw string
	err = m.db.QueryRow(ctx, `SELECT value FROM schema_meta WHERE key = ?`, metaCheckpointKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Wrap(err, metaCheckpointKey, "reading checkpoint")
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return &cp, nil
}

// step runs one migration in either direction.
func (m *Migrator) step(ctx context.Context, mig Migration, up bool) (warnings []string, err error) {
	if storage.InTransaction(ctx) {
		return nil, apperr.Validation("migration_in_transaction", "migrations manage their own transaction")
	}

	direction, script, from, to := "up", mig.Up, mig.Version-1, mig.Version
	if !up {
		direction, script, from, to = "down", mig.Down, mig.Version, mig.Version-1
	}
	logger := m.logger.With("version", mig.Version, "name", mig.Name, "direction", direction)

	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			m.record(ctx, audit.ActionMigrationFailed, mig, direction, audit.OutcomeFailure, map[string]any{
				"error": err.Error(),
			})
		}
		metrics.MigrationsTotal.WithLabelValues(direction, outcome).Inc()
		metrics.MigrationDuration.Observe(time.Since(start).Seconds())
	}()

	// Pre-checks: nothing below this block writes until all of them pass.
	if err := m.db.IntegrityCheck(ctx); err != nil {
		return nil, apperr.Migration("pre_validation_failed", err, "integrity check failed before migration %d", mig.Version)
	}
	if err := CheckScript(script); err != nil {
		return nil, apperr.Migration("unsafe_script", err, "migration %d (%s) %s script rejected", mig.Version, mig.Name, direction)
	}
	if w := m.sizeWarning(ctx); w != "" {
		logger.Warn(w)
		warnings = append(warnings, w)
	}

	if err := m.ensureMeta(ctx); err != nil {
		return warnings, apperr.Migration("bootstrap_failed", err, "creating schema metadata tables")
	}
	cp, err := m.saveCheckpoint(ctx, from)
	if err != nil {
		return warnings, apperr.Migration("checkpoint_failed", err, "recording checkpoint before migration %d", mig.Version)
	}

	m.record(ctx, audit.ActionMigrationStarted, mig, direction, audit.OutcomeSuccess, nil)
	logger.Info("applying migration")

	err = m.db.Transaction(ctx, func(ctx context.Context, q storage.Querier) error {
		if _, err := q.ExecContext(ctx, script); err != nil {
			return storage.Wrap(err, mig.Name, "executing %s script", direction)
		}
		now := storage.FormatTime(time.Now())
		if _, err := q.ExecContext(ctx, `
			INSERT INTO schema_meta (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, metaVersionKey, strconv.Itoa(to), now); err != nil {
			return storage.Wrap(err, metaVersionKey, "recording schema version")
		}
		if up {
			_, err := q.ExecContext(ctx,
				`INSERT OR REPLACE INTO schema_migrations (version, name, applied_at, duration_ms) VALUES (?, ?, ?, ?)`,
				mig.Version, mig.Name, now, time.Since(start).Milliseconds())
			return storage.Wrap(err, mig.Name, "recording migration history")
		}
		_, err := q.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, mig.Version)
		return storage.Wrap(err, mig.Name, "removing migration history")
	})
	if err != nil {
		return warnings, apperr.Migration("apply_failed", err, "migration %d (%s) %s failed", mig.Version, mig.Name, direction).
			WithDetail("version", from)
	}

	if err := m.verify(ctx, to, cp); err != nil {
		e := apperr.Migration("post_validation_failed", err, "migration %d (%s) applied but failed validation", mig.Version, mig.Name).
			WithDetail("version", to)
		e.ManualIntervention = true
		logger.Error("post-migration validation failed; manual intervention required", "error", err)
		return warnings, e
	}

	metrics.SchemaVersion.Set(float64(to))
	action := audit.ActionMigrationApplied
	if !up {
		action = audit.ActionMigrationRolledBack
	}
	m.record(ctx, action, mig, direction, audit.OutcomeSuccess, map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
	})
	logger.Info("migration applied", "version_now", to, "duration", time.Since(start))
	return warnings, nil
}

// verify runs the post-migration checks against the checkpoint.
func (m *Migrator) verify(ctx context.Context, want int, cp *Checkpoint) error {
	got, err := m.Current(ctx)
	if err != nil {
		return err
	}
	if got != want {
		return apperr.Migration("version_mismatch", nil, "schema version is %d, want %d", got, want)
	}
	if err := m.db.IntegrityCheck(ctx); err != nil {
		return err
	}

	messages, participants, err := m.counts(ctx)
	if err != nil {
		return err
	}
	if messages < cp.MessageCount || participants < cp.ParticipantCount {
		return apperr.Migration("data_loss_detected", nil, "row counts dropped during migration").
			WithDetail("messages_before", cp.MessageCount).
			WithDetail("messages_after", messages).
			WithDetail("participants_before", cp.ParticipantCount).
			WithDetail("participants_after", participants)
	}

	violations, err := m.db.ForeignKeyViolations(ctx)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return apperr.Migration("foreign_key_violations", nil, "%d foreign key violations", len(violations)).
			WithDetail("violations", violations)
	}
	return nil
}

func (m *Migrator) ensureMeta(ctx context.Context) error {
	meta, err := m.db.TableExists(ctx, "schema_meta")
	if err != nil {
		return err
	}
	history, err := m.db.TableExists(ctx, "schema_migrations")
	if err != nil {
		return err
	}
	if meta && history {
		return nil
	}
	_, err = m.db.Exec(ctx, bootstrapDDL)
	return err
}

func (m *Migrator) counts(ctx context.Context) (messages, participants int64, err error) {
	if messages, _, err = m.db.CountRows(ctx, "messages"); err != nil {
		return 0, 0, err
	}
	if participants, _, err = m.db.CountRows(ctx, "participants"); err != nil {
		return 0, 0, err
	}
	return messages, participants, nil
}

func (m *Migrator) saveCheckpoint(ctx context.Context, version int) (*Checkpoint, error) {
	messages, participants, err := m.counts(ctx)
	if err != nil {
		return nil, err
	}
	cp := &Checkpoint{
		TakenAt:          time.Now().UTC(),
		Version:          version,
		MessageCount:     messages,
		ParticipantCount: participants,
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}
	_, err = m.db.Exec(ctx, `
		INSERT INTO schema_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, metaCheckpointKey, string(data), storage.FormatTime(cp.TakenAt))
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// sizeWarning returns a message when the database is large enough that a
// migration may take a while. Failures to stat the file are ignored.
func (m *Migrator) sizeWarning(ctx context.Context) string {
	info, err := m.db.Info(ctx)
	if err != nil {
		return ""
	}
	size := uint64(info.FileSize + info.WALSize)
	if size <= m.large {
		return ""
	}
	return fmt.Sprintf("database is %s (threshold %s); migration may be slow",
		humanize.IBytes(size), humanize.IBytes(m.large))
}

func (m *Migrator) record(ctx context.Context, action audit.Action, mig Migration, direction string, outcome audit.Outcome, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["name"] = mig.Name
	detail["direction"] = direction
	m.audit.Record(ctx, audit.Event{
		Actor:      audit.SystemActor,
		Action:     action,
		TargetType: "schema",
		TargetID:   strconv.Itoa(mig.Version),
		Outcome:    outcome,
		Detail:     detail,
	})
}
