// ABOUTME: Message lifecycle: responses, resolution, read receipts, cancellation and archival
// ABOUTME: Status only moves forward; archived and cancelled are terminal

package store

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/audit"
	"github.com/2389/coven-courier/internal/metrics"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/storage"
)

// RespondMessage appends a response from responder. A complete resolution
// resolves the message; any other response marks it responded.
func (s *Store) RespondMessage(ctx context.Context, id, responder, content string, resolution ResolutionStatus) (*Response, error) {
	resp, err := s.respond(ctx, id, responder, content, resolution)
	return resp, failed(err)
}

func (s *Store) respond(ctx context.Context, id, responder, content string, resolution ResolutionStatus) (*Response, error) {
	if resolution != "" && !resolution.Valid() {
		return nil, apperr.Validation("invalid_resolution", "unknown resolution status %q", resolution)
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperr.Validation("empty_response", "response content is required").WithEntity(id)
	}
	if _, err := s.actor(ctx, responder, participant.PermRespond, len(content)); err != nil {
		return nil, err
	}
	summary, ref, err := s.split(ctx, content)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	resp := &Response{
		ID:               uuid.New().String(),
		MessageID:        id,
		Responder:        responder,
		Summary:          summary,
		ContentRef:       ref,
		ResolutionStatus: resolution,
		CreatedAt:        now,
	}

	var from, to Status
	err = s.db.Transaction(ctx, func(ctx context.Context, q storage.Querier) error {
		m, err := loadMessage(ctx, q, id)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return apperr.Validation("message_closed", "message is %s", m.Status).WithEntity(id)
		}
		from, to = m.Status, StatusResponded
		if resolution == ResolutionComplete {
			to = StatusResolved
		}

		if _, err := q.ExecContext(ctx, `
			INSERT INTO message_responses (id, message_id, responder, summary, content_ref, resolution_status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, resp.ID, id, responder, summary, storage.NullString(ref), storage.NullString(string(resolution)),
			storage.FormatTime(now)); err != nil {
			return storage.Wrap(err, id, "inserting response")
		}

		if !CanTransition(from, to) {
			// A later response to an already further-along message only records itself.
			to = from
		}
		update := `UPDATE messages SET status = ?, updated_at = ?,
			resolution_status = COALESCE(?, resolution_status)`
		args := []any{string(to), storage.FormatTime(now), storage.NullString(string(resolution))}
		if to == StatusResolved && from != StatusResolved {
			update += `, resolved_at = ?, resolved_by = ?`
			args = append(args, storage.FormatTime(now), responder)
		}
		update += ` WHERE id = ?`
		args = append(args, id)
		if _, err := q.ExecContext(ctx, update, args...); err != nil {
			return storage.Wrap(err, id, "updating message status")
		}
		return refreshConversation(ctx, q, m.ThreadID)
	})
	if err != nil {
		return nil, err
	}

	if to != from {
		metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
	}
	s.logger.Info("message responded", "message_id", id, "responder", responder, "status", to)
	return resp, nil
}

// ResolveMessage marks a message resolved. Resolving an already resolved
// message returns it unchanged.
func (s *Store) ResolveMessage(ctx context.Context, id, resolvedBy string) (*Message, error) {
	m, err := s.transition(ctx, id, resolvedBy, participant.PermResolve, StatusResolved, "")
	return m, failed(err)
}

// MarkRead records that a recipient has seen a pending message. It is a
// no-op for messages past pending.
func (s *Store) MarkRead(ctx context.Context, id, reader string) (*Message, error) {
	m, err := s.transition(ctx, id, reader, participant.PermRead, StatusRead, "")
	return m, failed(err)
}

// CancelMessage withdraws a message that has not reached a terminal state.
func (s *Store) CancelMessage(ctx context.Context, id, actor string) (*Message, error) {
	m, err := s.transition(ctx, id, actor, participant.PermCancel, StatusCancelled, audit.ActionMessageCancelled)
	return m, failed(err)
}

// ArchiveMessage moves a message to the terminal archived state.
func (s *Store) ArchiveMessage(ctx context.Context, id, actor string) (*Message, error) {
	m, err := s.transition(ctx, id, actor, participant.PermArchive, StatusArchived, audit.ActionMessageArchived)
	return m, failed(err)
}

// transition moves id to status to on behalf of actorID. action, when set,
// is audited after commit.
func (s *Store) transition(ctx context.Context, id, actorID string, perm participant.Permission, to Status, action audit.Action) (*Message, error) {
	if perm == participant.PermRead {
		if _, err := s.reader(ctx, actorID); err != nil {
			return nil, err
		}
	} else if _, err := s.actor(ctx, actorID, perm, 0); err != nil {
		return nil, err
	}

	var (
		m       *Message
		changed bool
	)
	now := s.clock()
	err := s.db.Transaction(ctx, func(ctx context.Context, q storage.Querier) error {
		var err error
		if m, err = loadMessage(ctx, q, id); err != nil {
			return err
		}
		switch {
		case m.Status == to:
			return nil
		case to == StatusRead && m.Status != StatusPending:
			return nil
		case !CanTransition(m.Status, to):
			return apperr.Validation("invalid_transition", "cannot move from %s to %s", m.Status, to).
				WithEntity(id).
				WithDetail("from", string(m.Status)).
				WithDetail("to", string(to))
		}

		update := `UPDATE messages SET status = ?, updated_at = ?`
		args := []any{string(to), storage.FormatTime(now)}
		if to == StatusResolved {
			update += `, resolved_at = ?, resolved_by = ?, resolution_status = COALESCE(resolution_status, 'complete')`
			args = append(args, storage.FormatTime(now), actorID)
		}
		update += ` WHERE id = ?`
		args = append(args, id)
		if _, err := q.ExecContext(ctx, update, args...); err != nil {
			return storage.Wrap(err, id, "updating message status")
		}
		changed = true
		if err := refreshConversation(ctx, q, m.ThreadID); err != nil {
			return err
		}
		m, err = loadMessage(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
		s.logger.Info("message status changed", "message_id", id, "status", to, "actor", actorID)
		if action != "" {
			s.audit.Record(ctx, audit.Event{
				Actor:      actorID,
				Action:     action,
				TargetType: "message",
				TargetID:   id,
			})
		}
	}
	return m, nil
}

// AddDependencies declares further dependencies of an existing message,
// rejecting any edge that would close a cycle.
func (s *Store) AddDependencies(ctx context.Context, id string, deps []string, actor string) (*Message, error) {
	m, err := s.addDependencies(ctx, id, deps, actor)
	return m, failed(err)
}

func (s *Store) addDependencies(ctx context.Context, id string, deps []string, actor string) (*Message, error) {
	deps = normalizeIDs(deps)
	if len(deps) == 0 {
		return nil, apperr.Validation("no_dependencies", "at least one dependency is required").WithEntity(id)
	}
	if _, err := s.actor(ctx, actor, participant.PermSend, 0); err != nil {
		return nil, err
	}

	var m *Message
	err := s.db.Transaction(ctx, func(ctx context.Context, q storage.Querier) error {
		var err error
		if m, err = loadMessage(ctx, q, id); err != nil {
			return err
		}
		if m.Status.Terminal() {
			return apperr.Validation("message_closed", "message is %s", m.Status).WithEntity(id)
		}
		var fresh []string
		for _, d := range deps {
			if !slices.Contains(m.Dependencies, d) {
				fresh = append(fresh, d)
			}
		}
		if len(m.Dependencies)+len(fresh) > MaxDependencies {
			return apperr.Validation("too_many_dependencies", "at most %d dependencies", MaxDependencies).WithEntity(id)
		}
		if err := checkDependencies(ctx, q, id, fresh); err != nil {
			return err
		}
		if err := insertDependencies(ctx, q, id, fresh); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `UPDATE messages SET updated_at = ? WHERE id = ?`,
			storage.FormatTime(s.clock()), id); err != nil {
			return storage.Wrap(err, id, "touching message")
		}
		m, err = loadMessage(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetResponses lists the responses to id, oldest first.
func (s *Store) GetResponses(ctx context.Context, id string, detail Detail) ([]*Response, error) {
	if detail == "" {
		detail = DetailSummary
	}
	if !detail.Valid() {
		return nil, apperr.Validation("invalid_detail", "unknown detail level %q", detail)
	}
	q := s.db.Querier(ctx)
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, storage.Wrap(err, id, "checking message")
	}
	if exists == 0 {
		return nil, apperr.Validation("unknown_message", "message does not exist").WithEntity(id)
	}

	responses, err := loadResponses(ctx, q, id)
	if err != nil {
		return nil, err
	}
	for _, r := range responses {
		switch detail {
		case DetailIndex:
			r.Summary = ""
		case DetailFull:
			if r.Content, err = s.resolveContent(ctx, r.Summary, r.ContentRef); err != nil {
				return nil, err
			}
		}
	}
	return responses, nil
}

func loadResponses(ctx context.Context, q storage.Querier, messageID string) ([]*Response, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, message_id, responder, summary, COALESCE(content_ref, ''), COALESCE(resolution_status, ''), created_at
		FROM message_responses
		WHERE message_id = ?
		ORDER BY created_at, rowid
	`, messageID)
	if err != nil {
		return nil, storage.Wrap(err, messageID, "loading responses")
	}
	defer rows.Close()

	out := []*Response{}
	for rows.Next() {
		var r Response
		var resolution, created string
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Responder, &r.Summary, &r.ContentRef, &resolution, &created); err != nil {
			return nil, storage.Wrap(err, messageID, "scanning response")
		}
		r.ResolutionStatus = ResolutionStatus(resolution)
		if r.CreatedAt, err = storage.ParseTime(created); err != nil {
			return nil, fmt.Errorf("response %s: %w", r.ID, err)
		}
		out = append(out, &r)
	}
	return out, storage.Wrap(rows.Err(), messageID, "iterating responses")
}
