// ABOUTME: Message reads at index, summary and full detail
// ABOUTME: Filters bind every caller value as a parameter; only fixed fragments are concatenated

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/storage"
)

// ErrMessageNotFound matches any unknown-message error via errors.Is.
var ErrMessageNotFound = &apperr.Error{Kind: apperr.KindValidation, Code: "unknown_message"}

// MessageColumns is the select list ScanMessage expects, qualified by alias m.
const MessageColumns = `m.id, m.thread_id, m.from_participant, m.type, m.priority, m.status,
	m.subject, m.summary, m.content_ref, m.tags, m.created_at, m.updated_at, m.expires_at,
	m.resolution_status, m.resolved_at, m.resolved_by, m.semantic_vector, m.suggested_approach,
	m.compact_summary, m.compacted_at`

// ScanMessage reads one row selected with MessageColumns. Recipients and
// dependencies are not loaded.
func ScanMessage(scanner interface{ Scan(dest ...any) error }) (*Message, error) {
	var (
		m                                  Message
		typ, priority, status, tagJSON     string
		created, updated                   string
		contentRef, resolution, resolvedBy sql.NullString
		expires, resolvedAt, compactedAt   sql.NullString
		suggested, compactSummary          sql.NullString
	)
	if err := scanner.Scan(&m.ID, &m.ThreadID, &m.From, &typ, &priority, &status,
		&m.Subject, &m.Summary, &contentRef, &tagJSON, &created, &updated, &expires,
		&resolution, &resolvedAt, &resolvedBy, &m.SemanticVector, &suggested,
		&compactSummary, &compactedAt); err != nil {
		return nil, err
	}
	m.Type = Type(typ)
	m.Priority = Priority(priority)
	m.Status = Status(status)
	m.ContentRef = contentRef.String
	m.ResolutionStatus = ResolutionStatus(resolution.String)
	m.ResolvedBy = resolvedBy.String
	m.CompactSummary = compactSummary.String
	if suggested.Valid && suggested.String != "" {
		m.SuggestedApproach = json.RawMessage(suggested.String)
	}
	if err := json.Unmarshal([]byte(tagJSON), &m.Tags); err != nil {
		return nil, fmt.Errorf("unmarshaling tags: %w", err)
	}

	var err error
	if m.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return nil, err
	}
	if m.ExpiresAt, err = storage.ParseNullTime(expires); err != nil {
		return nil, err
	}
	if m.ResolvedAt, err = storage.ParseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if m.CompactedAt, err = storage.ParseNullTime(compactedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// loadMessage reads a message row with its recipients and dependencies.
func loadMessage(ctx context.Context, q storage.Querier, id string) (*Message, error) {
	row := q.QueryRowContext(ctx, `SELECT `+MessageColumns+` FROM messages m WHERE m.id = ?`, id)
	m, err := ScanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Validation("unknown_message", "message does not exist").WithEntity(id)
	}
	if err != nil {
		return nil, storage.Wrap(err, id, "reading message")
	}
	if err := attachRelations(ctx, q, []*Message{m}, true); err != nil {
		return nil, err
	}
	return m, nil
}

// AttachRelations fills To and Dependencies of messages read with
// MessageColumns.
func AttachRelations(ctx context.Context, q storage.Querier, msgs []*Message) error {
	return attachRelations(ctx, q, msgs, true)
}

// attachRelations fills To and, when withDeps is set, Dependencies.
func attachRelations(ctx context.Context, q storage.Querier, msgs []*Message, withDeps bool) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	recipients, err := loadRecipients(ctx, q, ids)
	if err != nil {
		return err
	}
	var deps map[string][]string
	if withDeps {
		deps, err = loadOrdered(ctx, q, `SELECT message_id, depends_on FROM message_dependencies
			WHERE message_id IN (`+placeholders(len(ids))+`) ORDER BY message_id, position`, ids)
		if err != nil {
			return err
		}
	}
	for _, m := range msgs {
		m.To = nonNil(recipients[m.ID])
		if withDeps {
			m.Dependencies = nonNil(deps[m.ID])
		}
	}
	return nil
}

func loadRecipients(ctx context.Context, q storage.Querier, ids []string) (map[string][]string, error) {
	if len(ids) == 0 {
		return map[string][]string{}, nil
	}
	return loadOrdered(ctx, q, `SELECT message_id, participant_id FROM message_recipients
		WHERE message_id IN (`+placeholders(len(ids))+`) ORDER BY message_id, position`, ids)
}

func loadOrdered(ctx context.Context, q storage.Querier, query string, ids []string) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, storage.Wrap(err, "", "loading message relations")
	}
	defer rows.Close()
	out := make(map[string][]string, len(ids))
	for rows.Next() {
		var id, v string
		if err := rows.Scan(&id, &v); err != nil {
			return nil, storage.Wrap(err, id, "scanning message relation")
		}
		out[id] = append(out[id], v)
	}
	return out, storage.Wrap(rows.Err(), "", "iterating message relations")
}

// GetMessage returns one message at the requested detail level.
func (s *Store) GetMessage(ctx context.Context, id string, detail Detail) (*Message, error) {
	if detail == "" {
		detail = DetailSummary
	}
	if !detail.Valid() {
		return nil, apperr.Validation("invalid_detail", "unknown detail level %q", detail)
	}
	m, err := loadMessage(ctx, s.db.Querier(ctx), id)
	if err != nil {
		return nil, err
	}
	if err := s.shape(ctx, m, detail); err != nil {
		return nil, err
	}
	return m, nil
}

// shape trims or completes m for the detail level.
func (s *Store) shape(ctx context.Context, m *Message, detail Detail) error {
	switch detail {
	case DetailIndex:
		m.Summary = ""
		m.Tags = nil
		m.Dependencies = nil
		m.CompactSummary = ""
		m.SemanticVector = nil
		m.SuggestedApproach = nil
	case DetailSummary:
		if m.CompactSummary != "" {
			m.Summary = m.CompactSummary
		}
	case DetailFull:
		content, err := s.resolveContent(ctx, m.Summary, m.ContentRef)
		if err != nil {
			return err
		}
		m.Content = content
	}
	return nil
}

// GetMessages lists messages visible through f. The participant filter
// defaults to caller.
func (s *Store) GetMessages(ctx context.Context, f Filter, caller string) ([]*Message, error) {
	if _, err := s.reader(ctx, caller); err != nil {
		return nil, err
	}
	if f.Participant == "" {
		f.Participant = caller
	}
	if f.Detail == "" {
		f.Detail = DetailSummary
	}
	if err := validateFilter(f); err != nil {
		return nil, err
	}

	query, args := buildListQuery(f, s.clock())
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	msgs := []*Message{}
	for rows.Next() {
		m, err := ScanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, storage.Wrap(err, "", "scanning message")
		}
		msgs = append(msgs, m)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, storage.Wrap(err, "", "iterating messages")
	}

	q := s.db.Querier(ctx)
	if err := attachRelations(ctx, q, msgs, f.Detail != DetailIndex); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := s.shape(ctx, m, f.Detail); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func validateFilter(f Filter) error {
	if err := participant.ValidateID(f.Participant); err != nil {
		return err
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return apperr.Validation("invalid_status", "unknown status %q", st)
		}
	}
	for _, t := range f.Types {
		if !t.Valid() {
			return apperr.Validation("invalid_type", "unknown message type %q", t)
		}
	}
	for _, p := range f.Priorities {
		if !p.Valid() {
			return apperr.Validation("invalid_priority", "unknown priority %q", p)
		}
	}
	if !f.Detail.Valid() {
		return apperr.Validation("invalid_detail", "unknown detail level %q", f.Detail)
	}
	if f.Order != "" && f.Order != NewestFirst && f.Order != OldestFirst {
		return apperr.Validation("invalid_order", "unknown order %q", f.Order)
	}
	if f.SinceHours < 0 || f.Offset < 0 {
		return apperr.Validation("invalid_filter", "since_hours and offset must not be negative")
	}
	return nil
}

func buildListQuery(f Filter, now time.Time) (string, []any) {
	var where []string
	var args []any

	where = append(where, `(m.from_participant = ? OR EXISTS (
		SELECT 1 FROM message_recipients r WHERE r.message_id = m.id AND r.participant_id = ?))`)
	args = append(args, f.Participant, f.Participant)

	if len(f.Statuses) > 0 {
		where = append(where, `m.status IN (`+placeholders(len(f.Statuses))+`)`)
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Types) > 0 {
		where = append(where, `m.type IN (`+placeholders(len(f.Types))+`)`)
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Priorities) > 0 {
		where = append(where, `m.priority IN (`+placeholders(len(f.Priorities))+`)`)
		for _, p := range f.Priorities {
			args = append(args, string(p))
		}
	}
	if f.SinceHours > 0 {
		where = append(where, `m.created_at >= ?`)
		args = append(args, storage.FormatTime(now.Add(-time.Duration(f.SinceHours)*time.Hour)))
	}
	if f.ThreadID != "" {
		where = append(where, `m.thread_id = ?`)
		args = append(args, f.ThreadID)
	}
	if f.ExcludeExpired {
		where = append(where, `(m.expires_at IS NULL OR m.expires_at > ?)`)
		args = append(args, storage.FormatTime(now))
	}

	order := `DESC`
	if f.Order == OldestFirst {
		order = `ASC`
	}
	query := `SELECT ` + MessageColumns + ` FROM messages m WHERE ` + strings.Join(where, ` AND `) +
		` ORDER BY m.created_at ` + order + `, m.seq ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, clampLimit(f.Limit), f.Offset)
	return query, args
}
