// ABOUTME: Conversation aggregates: one row per thread, derived from its member messages
// ABOUTME: Participants, tags, counts, last activity and status are recomputed on every change

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/storage"
)

// ErrThreadNotFound matches any unknown-thread error via errors.Is.
var ErrThreadNotFound = &apperr.Error{Kind: apperr.KindValidation, Code: "unknown_thread"}

const conversationColumns = `thread_id, topic, participants, tags, status, message_count,
	created_at, last_activity, compacted_at`

func createConversation(ctx context.Context, q storage.Querier, threadID, topic string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversations (thread_id, topic, created_at, last_activity)
		VALUES (?, ?, ?, ?)
	`, threadID, topic, storage.FormatTime(now), storage.FormatTime(now))
	if err != nil {
		return storage.Wrap(err, threadID, "creating conversation")
	}
	return nil
}

// refreshConversation recomputes the aggregate fields of a thread from its
// messages. An archived conversation stays archived.
func refreshConversation(ctx context.Context, q storage.Querier, threadID string) error {
	rows, err := q.QueryContext(ctx, `
		SELECT m.id, m.from_participant, m.status, m.tags, m.updated_at
		FROM messages m
		WHERE m.thread_id = ?
		ORDER BY m.seq
	`, threadID)
	if err != nil {
		return storage.Wrap(err, threadID, "loading thread messages")
	}

	var (
		ids          []string
		participants []string
		tags         []string
		lastActivity string
		open         bool
	)
	for rows.Next() {
		var id, from, status, tagJSON, updated string
		if err := rows.Scan(&id, &from, &status, &tagJSON, &updated); err != nil {
			_ = rows.Close()
			return storage.Wrap(err, threadID, "scanning thread message")
		}
		ids = append(ids, id)
		participants = appendUnique(participants, from)
		var mt []string
		if err := json.Unmarshal([]byte(tagJSON), &mt); err != nil {
			_ = rows.Close()
			return fmt.Errorf("unmarshaling tags of %s: %w", id, err)
		}
		tags = appendUnique(tags, mt...)
		if updated > lastActivity {
			lastActivity = updated
		}
		if !Status(status).Closed() {
			open = true
		}
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return storage.Wrap(err, threadID, "iterating thread messages")
	}

	recipients, err := loadRecipients(ctx, q, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		participants = appendUnique(participants, recipients[id]...)
	}

	// Response timestamps count as activity too.
	var lastResponse sql.NullString
	if err := q.QueryRowContext(ctx, `
		SELECT MAX(r.created_at) FROM message_responses r
		JOIN messages m ON m.id = r.message_id
		WHERE m.thread_id = ?
	`, threadID).Scan(&lastResponse); err != nil {
		return storage.Wrap(err, threadID, "reading last response")
	}
	if lastResponse.Valid && lastResponse.String > lastActivity {
		lastActivity = lastResponse.String
	}

	status := ConversationActive
	if len(ids) > 0 && !open {
		status = ConversationResolved
	}

	pJSON, err := json.Marshal(nonNil(participants))
	if err != nil {
		return fmt.Errorf("marshaling participants: %w", err)
	}
	tJSON, err := json.Marshal(nonNil(tags))
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE conversations SET
			participants = ?,
			tags = ?,
			message_count = ?,
			last_activity = CASE WHEN ? > last_activity THEN ? ELSE last_activity END,
			status = CASE WHEN status = 'archived' THEN 'archived' ELSE ? END
		WHERE thread_id = ?
	`, string(pJSON), string(tJSON), len(ids), lastActivity, lastActivity, string(status), threadID)
	if err != nil {
		return storage.Wrap(err, threadID, "updating conversation")
	}
	return nil
}

// GetConversation returns the aggregate for threadID.
func (s *Store) GetConversation(ctx context.Context, threadID string) (*Conversation, error) {
	return getConversation(ctx, s.db.Querier(ctx), threadID)
}

func getConversation(ctx context.Context, q storage.Querier, threadID string) (*Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE thread_id = ?`, threadID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Validation("unknown_thread", "thread does not exist").WithEntity(threadID)
	}
	if err != nil {
		return nil, storage.Wrap(err, threadID, "reading conversation")
	}
	return c, nil
}

// ListConversations returns threads involving participant (any when empty),
// optionally narrowed to one status, most recently active first.
func (s *Store) ListConversations(ctx context.Context, participantID string, status ConversationStatus, limit int) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE 1 = 1`
	var args []any
	if participantID != "" {
		if err := participant.ValidateID(participantID); err != nil {
			return nil, err
		}
		query += ` AND EXISTS (SELECT 1 FROM json_each(c.participants) WHERE value = ?)`
		args = append(args, participantID)
	}
	if status != "" {
		if !slices.Contains([]ConversationStatus{ConversationActive, ConversationResolved, ConversationArchived}, status) {
			return nil, apperr.Validation("invalid_status", "unknown conversation status %q", status)
		}
		query += ` AND c.status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY c.last_activity DESC, c.thread_id LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storage.Wrap(err, "", "scanning conversation")
		}
		out = append(out, c)
	}
	return out, storage.Wrap(rows.Err(), "", "iterating conversations")
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (*Conversation, error) {
	var c Conversation
	var pJSON, tJSON, status, created, last string
	var compacted sql.NullString
	if err := scanner.Scan(&c.ThreadID, &c.Topic, &pJSON, &tJSON, &status, &c.MessageCount,
		&created, &last, &compacted); err != nil {
		return nil, err
	}
	c.Status = ConversationStatus(status)
	if err := json.Unmarshal([]byte(pJSON), &c.Participants); err != nil {
		return nil, fmt.Errorf("unmarshaling participants: %w", err)
	}
	if err := json.Unmarshal([]byte(tJSON), &c.Tags); err != nil {
		return nil, fmt.Errorf("unmarshaling tags: %w", err)
	}
	var err error
	if c.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if c.LastActivity, err = storage.ParseTime(last); err != nil {
		return nil, err
	}
	if c.CompactedAt, err = storage.ParseNullTime(compacted); err != nil {
		return nil, err
	}
	return &c, nil
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
