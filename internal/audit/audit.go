// ABOUTME: Audit event types and the sink interface the courier notifies on security-relevant events
// ABOUTME: Sinks are notified, never consulted; a failing sink must not block the caller

package audit

import (
	"context"
	"log/slog"
	"time"
)

// SystemActor is recorded as the actor of events the courier raises itself.
const SystemActor = "@courier"

// Action names an auditable action.
type Action string

const (
	ActionMigrationStarted    Action = "migration_started"
	ActionMigrationApplied    Action = "migration_applied"
	ActionMigrationFailed     Action = "migration_failed"
	ActionMigrationRolledBack Action = "migration_rolled_back"

	ActionParticipantRegistered Action = "participant_registered"
	ActionParticipantStatus     Action = "participant_status_changed"
	ActionCapabilitiesChanged   Action = "capabilities_changed"
	ActionAccessDenied          Action = "access_denied"

	ActionMessageCancelled Action = "message_cancelled"
	ActionMessageArchived  Action = "message_archived"
	ActionThreadCompacted  Action = "thread_compacted"

	ActionBackup      Action = "backup"
	ActionMaintenance Action = "maintenance"
	ActionReindex     Action = "reindex"
)

// Outcome records whether the audited action went through.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailure Outcome = "failure"
)

// Event is a single audit record.
type Event struct {
	ID         string    // UUID v4, generated when empty
	Actor      string    // participant id or SystemActor
	Action     Action    // what happened
	TargetType string    // "participant", "message", "thread", "schema", "database"
	TargetID   string    // id of the affected resource
	Outcome    Outcome   // defaults to success
	Timestamp  time.Time // generated when zero
	Detail     map[string]any
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) {}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging at info level, or warn for denials and failures.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, e Event) {
	level := slog.LevelInfo
	if e.Outcome == OutcomeDenied || e.Outcome == OutcomeFailure {
		level = slog.LevelWarn
	}
	attrs := []any{
		"actor", e.Actor,
		"action", e.Action,
		"target", e.TargetType + "/" + e.TargetID,
		"outcome", outcomeOrDefault(e.Outcome),
	}
	for k, v := range e.Detail {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, level, "audit", attrs...)
}

// multi fans out to several sinks.
type multi []Sink

// Multi returns a sink forwarding every event to each non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Record(ctx context.Context, e Event) {
	for _, s := range m {
		s.Record(ctx, e)
	}
}

func outcomeOrDefault(o Outcome) Outcome {
	if o == "" {
		return OutcomeSuccess
	}
	return o
}
