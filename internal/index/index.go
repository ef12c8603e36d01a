// ABOUTME: Indexing engine over the message store's tables: tag index upkeep and rebuilds
// ABOUTME: The FTS5 rows are kept by triggers; this package owns derived tags and queries

package index

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/coven-courier/internal/audit"
	"github.com/2389/coven-courier/internal/metrics"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/storage"
	"github.com/2389/coven-courier/internal/store"
)

// Tag enhancement thresholds.
const (
	// MinTags is the tag count below which salient terms are derived.
	MinTags = 3
	// MaxDerivedTags caps derived tags per message.
	MaxDerivedTags = 5

	DefaultLimit = 10
	MaxLimit     = 100

	// candidateFactor widens the full-text fetch before rescoring.
	candidateFactor = 5
)

// Options configures New.
type Options struct {
	DB      *storage.DB
	Content store.ContentStore // optional; used by Rebuild to read overflowed content
	Audit   audit.Sink         // optional
	Logger  *slog.Logger       // optional
	Now     func() time.Time   // optional, for tests
}

// Engine runs searches and maintains the tag index.
type Engine struct {
	db      *storage.DB
	content store.ContentStore
	audit   audit.Sink
	logger  *slog.Logger
	now     func() time.Time
}

var _ store.Indexer = (*Engine)(nil)

// New returns an engine over db.
func New(opts Options) *Engine {
	e := &Engine{
		db:      opts.DB,
		content: opts.Content,
		audit:   opts.Audit,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if e.audit == nil {
		e.audit = audit.Nop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "index")
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// IndexMessage refreshes the tag index for m: the caller's tags, plus salient
// terms from its content when it carries fewer than MinTags tags. It joins
// the caller's transaction when ctx carries one. The full-text row itself is
// written by triggers on the messages table.
func (e *Engine) IndexMessage(ctx context.Context, m *store.Message) error {
	q := e.db.Querier(ctx)
	if _, err := q.ExecContext(ctx, `DELETE FROM message_tags WHERE message_id = ?`, m.ID); err != nil {
		return storage.Wrap(err, m.ID, "clearing tags")
	}
	for _, t := range m.Tags {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_tags (message_id, tag, source) VALUES (?, ?, 'user')`, m.ID, t); err != nil {
			return storage.Wrap(err, m.ID, "indexing tag")
		}
	}
	for _, t := range derivedTags(m) {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_tags (message_id, tag, source) VALUES (?, ?, 'derived')`, m.ID, t); err != nil {
			return storage.Wrap(err, m.ID, "indexing derived tag")
		}
	}
	return nil
}

// derivedTags picks salient terms from the subject and content of m that
// are not already tags.
func derivedTags(m *store.Message) []string {
	if len(m.Tags) >= MinTags {
		return nil
	}
	body := m.Content
	if body == "" {
		body = m.Summary
	}
	var out []string
	for _, term := range SalientTerms(m.Subject+"\n\n"+body, MaxDerivedTags+len(m.Tags)) {
		if len(out) == MaxDerivedTags {
			break
		}
		if len(term) > store.MaxTagLength || slices.Contains(m.Tags, term) {
			continue
		}
		out = append(out, term)
	}
	return out
}

// RebuildResult reports a Rebuild.
type RebuildResult struct {
	Messages    int
	DerivedTags int
	Duration    time.Duration
}

// Rebuild recreates the full-text index and the tag index from the message
// rows, in one transaction.
func (e *Engine) Rebuild(ctx context.Context) (*RebuildResult, error) {
	start := time.Now()
	res := &RebuildResult{}
	err := e.db.Transaction(ctx, func(ctx context.Context, q storage.Querier) error {
		if _, err := q.ExecContext(ctx, `INSERT INTO messages_fts(messages_fts) VALUES ('rebuild')`); err != nil {
			return storage.Wrap(err, "messages_fts", "rebuilding full-text index")
		}

		rows, err := q.QueryContext(ctx, `SELECT `+store.MessageColumns+` FROM messages m ORDER BY m.seq`)
		if err != nil {
			return storage.Wrap(err, "", "loading messages")
		}
		var msgs []*store.Message
		for rows.Next() {
			m, err := store.ScanMessage(rows)
			if err != nil {
				_ = rows.Close()
				return storage.Wrap(err, "", "scanning message")
			}
			msgs = append(msgs, m)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return storage.Wrap(err, "", "iterating messages")
		}

		for _, m := range msgs {
			if m.ContentRef != "" && e.content != nil {
				data, err := e.content.Get(ctx, m.ContentRef)
				if err != nil {
					return fmt.Errorf("reading content of %s: %w", m.ID, err)
				}
				m.Content = string(data)
			}
			if err := e.IndexMessage(ctx, m); err != nil {
				return err
			}
			res.Messages++
		}
		return q.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_tags WHERE source = 'derived'`).Scan(&res.DerivedTags)
	})
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)

	e.audit.Record(ctx, audit.Event{
		Actor:      audit.SystemActor,
		Action:     audit.ActionReindex,
		TargetType: "database",
		TargetID:   e.db.Path(),
		Detail:     map[string]any{"messages": res.Messages, "derived_tags": res.DerivedTags},
	})
	e.logger.Info("index rebuilt", "messages", res.Messages, "derived_tags", res.DerivedTags, "duration", res.Duration)
	return res, nil
}

// messageTags loads every indexed tag (user and derived) for ids.
func messageTags(ctx context.Context, q storage.Querier, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `SELECT message_id, tag FROM message_tags WHERE message_id IN (`+
		placeholders(len(ids))+`) ORDER BY message_id, source DESC, tag`, stringArgs(ids)...)
	if err != nil {
		return nil, storage.Wrap(err, "", "loading tags")
	}
	defer rows.Close()
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, storage.Wrap(err, id, "scanning tag")
		}
		out[id] = append(out[id], tag)
	}
	return out, storage.Wrap(rows.Err(), "", "iterating tags")
}

// loadMessages reads ids at summary detail, keyed by id.
func loadMessages(ctx context.Context, q storage.Querier, ids []string) (map[string]*store.Message, error) {
	out := make(map[string]*store.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `SELECT `+store.MessageColumns+` FROM messages m WHERE m.id IN (`+
		placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, storage.Wrap(err, "", "loading messages")
	}
	var msgs []*store.Message
	for rows.Next() {
		m, err := store.ScanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, storage.Wrap(err, "", "scanning message")
		}
		if m.CompactSummary != "" {
			m.Summary = m.CompactSummary
		}
		msgs = append(msgs, m)
		out[m.ID] = m
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, storage.Wrap(err, "", "iterating messages")
	}
	return out, store.AttachRelations(ctx, q, msgs)
}

// visibleTo is the participant predicate over alias m; it binds the id twice.
const visibleTo = `(m.from_participant = ? OR EXISTS (
	SELECT 1 FROM message_recipients r WHERE r.message_id = m.id AND r.participant_id = ?))`

func checkParticipant(id string) error {
	if id == "" {
		return nil
	}
	return participant.ValidateID(id)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := range n {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func observe(kind string, start time.Time) {
	metrics.SearchQueries.WithLabelValues(kind).Inc()
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
}
