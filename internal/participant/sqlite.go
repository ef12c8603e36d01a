// ABOUTME: SQLite-backed participant repository scoped to one storage connection
// ABOUTME: Capabilities are stored as a JSON array; every mutation is audited

package participant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/audit"
	"github.com/2389/coven-courier/internal/sanitize"
	"github.com/2389/coven-courier/internal/storage"
)

// Filter narrows List results.
type Filter struct {
	Status     Status // empty matches any
	Capability string // empty matches any
	Limit      int    // default 100, max 1000
}

// Repository stores participants.
type Repository interface {
	Register(ctx context.Context, p *Participant) error
	Get(ctx context.Context, id string) (*Participant, error)
	List(ctx context.Context, f Filter) ([]*Participant, error)
	Touch(ctx context.Context, id string, at time.Time) error
	SetStatus(ctx context.Context, id string, status Status) error
	SetCapabilities(ctx context.Context, id string, capabilities []string) error
}

// SQLiteRepository implements Repository on the participants table.
type SQLiteRepository struct {
	db     *storage.DB
	audit  audit.Sink
	logger *slog.Logger
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository returns a repository over db. sink may be nil.
func NewSQLiteRepository(db *storage.DB, sink audit.Sink, logger *slog.Logger) *SQLiteRepository {
	if sink == nil {
		sink = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteRepository{db: db, audit: sink, logger: logger.With("component", "participants")}
}

// Register creates a participant. Status defaults to active and
// DefaultPriority to M. Registering an existing id fails.
func (r *SQLiteRepository) Register(ctx context.Context, p *Participant) error {
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	if !p.Status.Valid() {
		return apperr.Validation("invalid_status", "unknown participant status %q", p.Status).WithEntity(p.ID)
	}
	if p.DefaultPriority == "" {
		p.DefaultPriority = "M"
	}
	if !slices.Contains(Priorities, p.DefaultPriority) {
		return apperr.Validation("invalid_priority", "unknown priority %q", p.DefaultPriority).WithEntity(p.ID)
	}
	p.Capabilities = NormalizeCapabilities(p.Capabilities)
	if err := checkCapabilities(p.Capabilities); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO participants (id, capabilities, status, default_priority, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		string(caps),
		string(p.Status),
		p.DefaultPriority,
		storage.NullTime(p.LastSeen),
		storage.FormatTime(p.CreatedAt),
	)
	if storage.IsConstraintViolation(err) {
		return apperr.Validation("participant_exists", "participant already registered").WithEntity(p.ID)
	}
	if err != nil {
		return storage.Wrap(err, p.ID, "inserting participant")
	}

	r.logger.Info("participant registered", "id", p.ID, "capabilities", p.Capabilities)
	r.audit.Record(ctx, audit.Event{
		Actor:      p.ID,
		Action:     audit.ActionParticipantRegistered,
		TargetType: "participant",
		TargetID:   p.ID,
		Detail:     map[string]any{"capabilities": p.Capabilities},
	})
	return nil
}

const participantColumns = `id, capabilities, status, default_priority, last_seen, created_at`

// Get returns the participant with id, or an error matching ErrNotFound.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Participant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Validation("unknown_participant", "participant is not registered").WithEntity(id)
	}
	if err != nil {
		return nil, storage.Wrap(err, id, "reading participant")
	}
	return p, nil
}

// List returns participants ordered by id.
func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]*Participant, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}
	var status, capability any
	if f.Status != "" {
		status = string(f.Status)
	}
	if f.Capability != "" {
		capability = f.Capability
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE (? IS NULL OR status = ?)
		  AND (? IS NULL OR EXISTS (SELECT 1 FROM json_each(participants.capabilities) WHERE value = ?))
		ORDER BY id
		LIMIT ?
	`, status, status, capability, capability, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, storage.Wrap(err, "", "scanning participant")
		}
		out = append(out, p)
	}
	return out, storage.Wrap(rows.Err(), "", "iterating participants")
}

// Touch updates last_seen.
func (r *SQLiteRepository) Touch(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, `UPDATE participants SET last_seen = ? WHERE id = ?`, storage.FormatTime(at), id)
}

// SetStatus changes availability. Deactivation is the only way to retire a participant.
func (r *SQLiteRepository) SetStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return apperr.Validation("invalid_status", "unknown participant status %q", status).WithEntity(id)
	}
	if err := r.update(ctx, id, `UPDATE participants SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return err
	}
	r.audit.Record(ctx, audit.Event{
		Actor:      audit.SystemActor,
		Action:     audit.ActionParticipantStatus,
		TargetType: "participant",
		TargetID:   id,
		Detail:     map[string]any{"status": string(status)},
	})
	return nil
}

// SetCapabilities replaces the capability set.
func (r *SQLiteRepository) SetCapabilities(ctx context.Context, id string, capabilities []string) error {
	capabilities = NormalizeCapabilities(capabilities)
	if err := checkCapabilities(capabilities); err != nil {
		return err
	}
	data, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	if err := r.update(ctx, id, `UPDATE participants SET capabilities = ? WHERE id = ?`, string(data), id); err != nil {
		return err
	}
	r.audit.Record(ctx, audit.Event{
		Actor:      audit.SystemActor,
		Action:     audit.ActionCapabilitiesChanged,
		TargetType: "participant",
		TargetID:   id,
		Detail:     map[string]any{"capabilities": capabilities},
	})
	return nil
}

func (r *SQLiteRepository) update(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return storage.Wrap(err, id, "updating participant")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap(err, id, "updating participant")
	}
	if n == 0 {
		return apperr.Validation("unknown_participant", "participant is not registered").WithEntity(id)
	}
	return nil
}

// checkCapabilities rejects capability names that look like injected
// fragments; they are matched inside json_each and policy tables.
func checkCapabilities(caps []string) error {
	for _, c := range caps {
		if err := sanitize.Text(c); err != nil {
			return err
		}
	}
	return nil
}

func scanParticipant(scanner interface{ Scan(dest ...any) error }) (*Participant, error) {
	var p Participant
	var caps, status string
	var lastSeen sql.NullString
	var createdAt string
	if err := scanner.Scan(&p.ID, &caps, &status, &p.DefaultPriority, &lastSeen, &createdAt); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
	}
	var err error
	if p.LastSeen, err = storage.ParseNullTime(lastSeen); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// String renders a participant for CLI listings.
func (p *Participant) String() string {
	seen := "never"
	if p.LastSeen != nil {
		seen = p.LastSeen.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s [%s] priority=%s caps=%s last_seen=%s",
		p.ID, p.Status, p.DefaultPriority, strings.Join(p.Capabilities, ","), seen)
}
