// ABOUTME: Message creation: validation, overflow, id and thread allocation, dependency checks
// ABOUTME: Everything after the overflow write commits in a single transaction

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/dedupe"
	"github.com/2389/coven-courier/internal/metrics"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/sanitize"
	"github.com/2389/coven-courier/internal/storage"
)

// CreateMessage persists a new message from sender and returns it with its
// assigned id and thread. With an IdempotencyKey, a retry returns the message
// the first call created.
func (s *Store) CreateMessage(ctx context.Context, in CreateInput, from string) (*Message, error) {
	if in.IdempotencyKey == "" || s.idempotency == nil {
		m, err := s.createMessage(ctx, in, from)
		return m, failed(err)
	}

	key := from + "\x00" + in.IdempotencyKey
	id, state := s.idempotency.Reserve(key)
	switch state {
	case dedupe.Done:
		s.logger.Debug("idempotent replay", "key", in.IdempotencyKey, "message_id", id)
		return s.GetMessage(ctx, id, DetailSummary)
	case dedupe.Pending:
		return nil, apperr.Validation("request_in_progress",
			"a request with this idempotency key is still in progress").WithDetail("key", in.IdempotencyKey)
	}

	m, err := s.createMessage(ctx, in, from)
	if err != nil {
		s.idempotency.Release(key)
		return nil, failed(err)
	}
	s.idempotency.Complete(key, m.ID)
	return m, nil
}

func (s *Store) createMessage(ctx context.Context, in CreateInput, from string) (*Message, error) {
	if err := checkCreateInput(&in); err != nil {
		return nil, err
	}
	to, err := normalizeRecipients(in.To)
	if err != nil {
		return nil, err
	}
	tags, err := NormalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}
	deps := normalizeIDs(in.Dependencies)

	sender, err := s.actor(ctx, from, participant.PermSend, len(in.Content))
	if err != nil {
		return nil, err
	}
	priority := in.Priority
	if priority == "" {
		priority = Priority(sender.DefaultPriority)
		if !priority.Valid() {
			priority = PriorityMedium
		}
	}

	// Blobs written here are orphaned if the transaction below rolls back;
	// content pruning removes them.
	summary, ref, err := s.split(ctx, in.Content)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	m := &Message{
		From:              from,
		To:                to,
		Type:              in.Type,
		Priority:          priority,
		Status:            StatusPending,
		Subject:           in.Subject,
		Summary:           summary,
		ContentRef:        ref,
		Content:           in.Content,
		Tags:              tags,
		Dependencies:      deps,
		CreatedAt:         now,
		UpdatedAt:         now,
		SemanticVector:    in.SemanticVector,
		SuggestedApproach: in.SuggestedApproach,
	}
	if in.ExpiresInHours > 0 {
		exp := now.Add(time.Duration(in.ExpiresInHours) * time.Hour)
		m.ExpiresAt = &exp
	}

	err = s.db.Transaction(ctx, func(ctx context.Context, q storage.Querier) error {
		threadID, created, err := resolveThread(ctx, q, in)
		if err != nil {
			return err
		}
		if created {
			if err := createConversation(ctx, q, threadID, m.Subject, now); err != nil {
				return err
			}
		}
		m.ThreadID = threadID

		if m.ID, err = allocateID(ctx, q, m.Type, in.BranchOf); err != nil {
			return err
		}
		if err := checkDependencies(ctx, q, m.ID, deps); err != nil {
			return err
		}
		if err := insertMessage(ctx, q, m); err != nil {
			return err
		}
		if err := insertDependencies(ctx, q, m.ID, deps); err != nil {
			return err
		}
		if s.indexer != nil {
			if err := s.indexer.IndexMessage(ctx, m); err != nil {
				return err
			}
		}
		return refreshConversation(ctx, q, threadID)
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesCreated.WithLabelValues(string(m.Type)).Inc()
	s.logger.Info("message created",
		"message_id", m.ID,
		"thread_id", m.ThreadID,
		"from", m.From,
		"type", m.Type,
		"overflow", m.Overflowed(),
	)
	m.Content = ""
	return m, nil
}

// checkCreateInput validates scalar fields and trims the subject in place.
func checkCreateInput(in *CreateInput) error {
	if !in.Type.Valid() {
		return apperr.Validation("invalid_type", "unknown message type %q", in.Type)
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return apperr.Validation("invalid_priority", "unknown priority %q", in.Priority)
	}
	in.Subject = strings.TrimSpace(in.Subject)
	if in.Subject == "" {
		return apperr.Validation("empty_subject", "subject is required")
	}
	if n := utf8.RuneCountInString(in.Subject); n > MaxSubjectLength {
		return apperr.Validation("subject_too_long", "subject is %d characters, limit is %d", n, MaxSubjectLength)
	}
	if err := sanitize.Line(in.Subject); err != nil {
		return err
	}
	if !utf8.ValidString(in.Content) {
		return apperr.Validation("invalid_content", "content is not valid UTF-8")
	}
	if in.ExpiresInHours < 0 {
		return apperr.Validation("invalid_expiry", "expires_in_hours must not be negative")
	}
	if len(in.SuggestedApproach) > 0 && !json.Valid(in.SuggestedApproach) {
		return apperr.Validation("invalid_suggested_approach", "suggested approach is not valid JSON")
	}
	return nil
}

// resolveThread picks the thread named by ThreadID, ReplyTo or BranchOf, or
// a fresh one when none is given. Selectors that disagree are rejected.
func resolveThread(ctx context.Context, q storage.Querier, in CreateInput) (threadID string, created bool, err error) {
	pick := func(source, candidate string) error {
		if threadID != "" && threadID != candidate {
			return apperr.Validation("thread_conflict", "%s belongs to thread %s, not %s", source, candidate, threadID).
				WithEntity(source)
		}
		threadID = candidate
		return nil
	}

	if in.ThreadID != "" {
		threadID = in.ThreadID
	}
	for _, ref := range []string{in.ReplyTo, in.BranchOf} {
		if ref == "" {
			continue
		}
		var t string
		err := q.QueryRowContext(ctx, `SELECT thread_id FROM messages WHERE id = ?`, ref).Scan(&t)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", false, apperr.Validation("unknown_message", "message does not exist").WithEntity(ref)
			}
			return "", false, storage.Wrap(err, ref, "resolving thread")
		}
		if err := pick(ref, t); err != nil {
			return "", false, err
		}
	}

	if threadID == "" {
		return newThreadID(), true, nil
	}
	c, err := getConversation(ctx, q, threadID)
	if err != nil {
		return "", false, err
	}
	if c.Status == ConversationArchived {
		return "", false, apperr.Validation("thread_archived", "thread is archived").WithEntity(threadID)
	}
	return threadID, false, nil
}

func insertMessage(ctx context.Context, q storage.Querier, m *Message) error {
	tagJSON, err := json.Marshal(nonNil(m.Tags))
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	var suggested any
	if len(m.SuggestedApproach) > 0 {
		suggested = string(m.SuggestedApproach)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO messages (
			id, thread_id, from_participant, type, priority, status, subject, summary,
			content_ref, tags, created_at, updated_at, expires_at, semantic_vector, suggested_approach
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID,
		m.ThreadID,
		m.From,
		string(m.Type),
		string(m.Priority),
		string(m.Status),
		m.Subject,
		m.Summary,
		storage.NullString(m.ContentRef),
		string(tagJSON),
		storage.FormatTime(m.CreatedAt),
		storage.FormatTime(m.UpdatedAt),
		storage.NullTime(m.ExpiresAt),
		m.SemanticVector,
		suggested,
	)
	if err != nil {
		return storage.Wrap(err, m.ID, "inserting message")
	}

	for i, r := range m.To {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO message_recipients (message_id, participant_id, position) VALUES (?, ?, ?)`,
			m.ID, r, i); err != nil {
			return storage.Wrap(err, m.ID, "inserting recipient")
		}
	}
	for _, t := range m.Tags {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_tags (message_id, tag, source) VALUES (?, ?, 'user')`,
			m.ID, t); err != nil {
			return storage.Wrap(err, m.ID, "inserting tag")
		}
	}
	return nil
}
