// ABOUTME: Thread compaction: condensed synopses, response consolidation and archival
// ABOUTME: Original summaries and overflow content are never removed

package store

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/audit"
	"github.com/2389/coven-courier/internal/metrics"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/storage"
)

// CompactStrategy selects how far CompactThread goes.
type CompactStrategy string

const (
	// CompactSummarize stores a condensed synopsis per message.
	CompactSummarize CompactStrategy = "summarize"
	// CompactConsolidate also merges each message's responses into one.
	CompactConsolidate CompactStrategy = "consolidate"
	// CompactArchive also archives the messages and the thread.
	CompactArchive CompactStrategy = "archive"
)

// synopsisLimit bounds a compact summary in characters.
const synopsisLimit = 160

// Valid reports whether c is a known strategy.
func (c CompactStrategy) Valid() bool {
	return c == CompactSummarize || c == CompactConsolidate || c == CompactArchive
}

// CompactOptions configures CompactThread.
type CompactOptions struct {
	Strategy          CompactStrategy // default summarize
	PreserveDecisions bool            // skip arch/contract and decision-tagged messages
	PreserveCritical  bool            // skip CRITICAL messages
}

// CompactResult reports what CompactThread did.
type CompactResult struct {
	ThreadID       string
	Strategy       CompactStrategy
	Compacted      int
	Preserved      int
	BytesReclaimed int64 // approximate, in bytes of inline text no longer read at summary detail
}

// CompactThread condenses a resolved thread.
func (s *Store) CompactThread(ctx context.Context, threadID string, opts CompactOptions, actor string) (*CompactResult, error) {
	res, err := s.compactThread(ctx, threadID, opts, actor)
	return res, failed(err)
}

func (s *Store) compactThread(ctx context.Context, threadID string, opts CompactOptions, actor string) (*CompactResult, error) {
	if opts.Strategy == "" {
		opts.Strategy = CompactSummarize
	}
	if !opts.Strategy.Valid() {
		return nil, apperr.Validation("invalid_strategy", "unknown compaction strategy %q", opts.Strategy)
	}
	if _, err := s.actor(ctx, actor, participant.PermCompact, 0); err != nil {
		return nil, err
	}

	res := &CompactResult{ThreadID: threadID, Strategy: opts.Strategy}
	now := s.clock()
	err := s.db.Transaction(ctx, func(ctx context.Context, q storage.Querier) error {
		c, err := getConversation(ctx, q, threadID)
		if err != nil {
			return err
		}
		if c.Status == ConversationActive {
			return apperr.Validation("thread_not_resolved", "only resolved threads can be compacted").WithEntity(threadID)
		}

		msgs, err := threadMessages(ctx, q, threadID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if (opts.PreserveDecisions && m.IsDecision()) || (opts.PreserveCritical && m.Priority == PriorityCritical) {
				res.Preserved++
				continue
			}
			reclaimed, err := s.compactMessage(ctx, q, m, opts.Strategy, now)
			if err != nil {
				return err
			}
			res.Compacted++
			res.BytesReclaimed += reclaimed
		}

		status := `status`
		if opts.Strategy == CompactArchive {
			status = `'archived'`
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE conversations SET compacted_at = ?, status = `+status+` WHERE thread_id = ?`,
			storage.FormatTime(now), threadID); err != nil {
			return storage.Wrap(err, threadID, "marking conversation compacted")
		}
		return refreshConversation(ctx, q, threadID)
	})
	if err != nil {
		return nil, err
	}

	metrics.ThreadsCompacted.WithLabelValues(string(opts.Strategy)).Inc()
	s.audit.Record(ctx, audit.Event{
		Actor:      actor,
		Action:     audit.ActionThreadCompacted,
		TargetType: "thread",
		TargetID:   threadID,
		Detail: map[string]any{
			"strategy":        string(opts.Strategy),
			"compacted":       res.Compacted,
			"preserved":       res.Preserved,
			"bytes_reclaimed": res.BytesReclaimed,
		},
	})
	s.logger.Info("thread compacted",
		"thread_id", threadID,
		"strategy", opts.Strategy,
		"compacted", res.Compacted,
		"preserved", res.Preserved,
	)
	return res, nil
}

func threadMessages(ctx context.Context, q storage.Querier, threadID string) ([]*Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+MessageColumns+` FROM messages m WHERE m.thread_id = ? ORDER BY m.seq`, threadID)
	if err != nil {
		return nil, storage.Wrap(err, threadID, "loading thread messages")
	}
	var msgs []*Message
	for rows.Next() {
		m, err := ScanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, storage.Wrap(err, threadID, "scanning thread message")
		}
		msgs = append(msgs, m)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, storage.Wrap(err, threadID, "iterating thread messages")
	}
	return msgs, attachRelations(ctx, q, msgs, false)
}

func (s *Store) compactMessage(ctx context.Context, q storage.Querier, m *Message, strategy CompactStrategy, now time.Time) (int64, error) {
	responses, err := loadResponses(ctx, q, m.ID)
	if err != nil {
		return 0, err
	}

	synopsis := condense(m, responses)
	reclaimed := int64(len(m.Summary) - len(synopsis))

	if strategy != CompactSummarize && len(responses) > 1 {
		n, err := s.consolidate(ctx, q, m.ID, responses)
		if err != nil {
			return 0, err
		}
		reclaimed += n
	}

	update := `UPDATE messages SET compact_summary = ?, compacted_at = ?`
	args := []any{synopsis, storage.FormatTime(now)}
	if strategy == CompactArchive && CanTransition(m.Status, StatusArchived) {
		update += `, status = 'archived', updated_at = ?`
		args = append(args, storage.FormatTime(now))
		metrics.StatusTransitions.WithLabelValues(string(StatusArchived)).Inc()
	}
	update += ` WHERE id = ?`
	args = append(args, m.ID)
	if _, err := q.ExecContext(ctx, update, args...); err != nil {
		return 0, storage.Wrap(err, m.ID, "compacting message")
	}
	return max(reclaimed, 0), nil
}

// consolidate replaces several responses with one carrying their combined
// content. It returns the inline bytes saved.
func (s *Store) consolidate(ctx context.Context, q storage.Querier, messageID string, responses []*Response) (int64, error) {
	var b strings.Builder
	var before int64
	for i, r := range responses {
		content, err := s.resolveContent(ctx, r.Summary, r.ContentRef)
		if err != nil {
			return 0, err
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s (%s): %s", r.Responder, r.CreatedAt.Format(time.RFC3339), content)
		before += int64(len(r.Summary))
	}
	summary, ref, err := s.split(ctx, b.String())
	if err != nil {
		return 0, err
	}

	last := responses[len(responses)-1]
	if _, err := q.ExecContext(ctx, `DELETE FROM message_responses WHERE message_id = ?`, messageID); err != nil {
		return 0, storage.Wrap(err, messageID, "removing consolidated responses")
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO message_responses (id, message_id, responder, summary, content_ref, resolution_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), messageID, last.Responder, summary, storage.NullString(ref),
		storage.NullString(string(last.ResolutionStatus)), storage.FormatTime(last.CreatedAt)); err != nil {
		return 0, storage.Wrap(err, messageID, "inserting consolidated response")
	}
	return before - int64(len(summary)), nil
}

// condense builds a one-line synopsis: the subject, the first sentence of
// the summary and the response tally.
func condense(m *Message, responses []*Response) string {
	first := m.Summary
	if i := strings.IndexAny(first, ".!?\n"); i >= 0 {
		first = first[:i+1]
	}
	first = strings.TrimSpace(strings.TrimSuffix(first, Ellipsis))

	var b strings.Builder
	b.WriteString(m.Subject)
	if first != "" && first != m.Subject {
		b.WriteString(": ")
		b.WriteString(first)
	}
	if n := len(responses); n > 0 {
		fmt.Fprintf(&b, " [%d response", n)
		if n > 1 {
			b.WriteString("s")
		}
		if r := responses[n-1].ResolutionStatus; r != "" {
			b.WriteString(", ")
			b.WriteString(string(r))
		}
		b.WriteString("]")
	}
	out := strings.TrimSpace(b.String())
	if utf8.RuneCountInString(out) > synopsisLimit {
		out = truncateRunes(out, synopsisLimit-len(Ellipsis)) + Ellipsis
	}
	return out
}
