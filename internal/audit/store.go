// ABOUTME: Audit sink persisting events to the audit_log table
// ABOUTME: Write failures are logged and swallowed; listing supports filtered newest-first reads

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-courier/internal/storage"
)

// StoreSink appends events to audit_log. Called with a context carrying a
// transaction, the row commits or rolls back with that transaction.
type StoreSink struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewStoreSink returns a sink backed by db.
func NewStoreSink(db *storage.DB, logger *slog.Logger) *StoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSink{db: db, logger: logger.With("component", "audit")}
}

// Record implements Sink.
func (s *StoreSink) Record(ctx context.Context, e Event) {
	if err := s.Append(ctx, &e); err != nil {
		s.logger.Warn("failed to persist audit event", "action", e.Action, "error", err)
	}
}

// Append inserts e, generating its ID and Timestamp if not set.
func (s *StoreSink) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Outcome = outcomeOrDefault(e.Outcome)

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_log (audit_id, actor, action, target_type, target_id, outcome, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Actor,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		string(e.Outcome),
		storage.FormatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Filter narrows List results. Nil fields do not filter.
type Filter struct {
	Since      *time.Time
	Until      *time.Time
	Actor      *string
	Action     *Action
	TargetType *string
	TargetID   *string
	Limit      int // default 100, max 1000
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const listQuery = `
	SELECT audit_id, actor, action, target_type, target_id, outcome, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// List returns entries matching f, newest first.
func (s *StoreSink) List(ctx context.Context, f Filter) ([]Event, error) {
	var since, until, action any
	if f.Since != nil {
		since = storage.FormatTime(*f.Since)
	}
	if f.Until != nil {
		until = storage.FormatTime(*f.Until)
	}
	if f.Action != nil {
		action = string(*f.Action)
	}

	rows, err := s.db.Query(ctx, listQuery,
		since, since,
		until, until,
		f.Actor, f.Actor,
		action, action,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []Event{}
	for rows.Next() {
		var e Event
		var action, outcome, ts string
		var detailJSON *string
		if err := rows.Scan(&e.ID, &e.Actor, &action, &e.TargetType, &e.TargetID, &outcome, &ts, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = Action(action)
		e.Outcome = Outcome(outcome)
		if e.Timestamp, err = storage.ParseTime(ts); err != nil {
			return nil, err
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return events, nil
}
