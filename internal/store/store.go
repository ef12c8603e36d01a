// ABOUTME: Message store owning message, response and conversation lifecycle
// ABOUTME: Every multi-statement write runs in one storage transaction

package store

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/audit"
	"github.com/2389/coven-courier/internal/dedupe"
	"github.com/2389/coven-courier/internal/metrics"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/sanitize"
	"github.com/2389/coven-courier/internal/storage"
)

// ContentStore holds overflow content outside the relational schema.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Indexer maintains derived retrieval structures for a message. It is
// called inside the writing transaction.
type Indexer interface {
	IndexMessage(ctx context.Context, m *Message) error
}

// Options configures New.
type Options struct {
	DB           *storage.DB
	Participants participant.Repository
	Content      ContentStore
	Indexer      Indexer               // optional
	Policy       participant.Policy    // defaults to PassThrough
	Validator    participant.Validator // zero value applies the default size ceiling
	Audit        audit.Sink            // optional
	Idempotency  *dedupe.Cache         // optional
	Logger       *slog.Logger          // optional
	Now          func() time.Time      // optional, for tests
}

// Store is the message store. It is safe for concurrent use.
type Store struct {
	db           *storage.DB
	participants participant.Repository
	content      ContentStore
	indexer      Indexer
	policy       participant.Policy
	validator    participant.Validator
	audit        audit.Sink
	idempotency  *dedupe.Cache
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a message store.
func New(opts Options) (*Store, error) {
	if opts.DB == nil || opts.Participants == nil || opts.Content == nil {
		return nil, errors.New("store: DB, Participants and Content are required")
	}
	s := &Store{
		db:           opts.DB,
		participants: opts.Participants,
		content:      opts.Content,
		indexer:      opts.Indexer,
		policy:       opts.Policy,
		validator:    opts.Validator,
		audit:        opts.Audit,
		idempotency:  opts.Idempotency,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if s.policy == nil {
		s.policy = participant.PassThrough{}
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "store")
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// actor loads a participant, checks it may write at all and holds perm,
// and touches last_seen. Denials are audited. Call it before opening the
// write transaction so the denial record is not rolled back with it.
func (s *Store) actor(ctx context.Context, id string, perm participant.Permission, contentBytes int) (*participant.Participant, error) {
	p, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Admit(p, contentBytes); err != nil {
		return nil, err
	}
	return p, s.permit(ctx, p, perm)
}

// reader is actor for read-only calls: inactive participants may still read.
func (s *Store) reader(ctx context.Context, id string) (*participant.Participant, error) {
	p, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return p, s.permit(ctx, p, participant.PermRead)
}

func (s *Store) lookup(ctx context.Context, id string) (*participant.Participant, error) {
	if err := participant.ValidateID(id); err != nil {
		return nil, err
	}
	return s.participants.Get(ctx, id)
}

func (s *Store) permit(ctx context.Context, p *participant.Participant, perm participant.Permission) error {
	if err := participant.Authorize(s.policy, p, perm); err != nil {
		s.audit.Record(ctx, audit.Event{
			Actor:      p.ID,
			Action:     audit.ActionAccessDenied,
			TargetType: "permission",
			TargetID:   string(perm),
			Outcome:    audit.OutcomeDenied,
		})
		return err
	}
	return s.participants.Touch(ctx, p.ID, s.clock())
}

// split applies the overflow rule: content within SummaryLimit is stored
// inline verbatim; longer content goes to the content store and the summary
// keeps its first SummaryLimit characters plus Ellipsis.
func (s *Store) split(ctx context.Context, content string) (summary, ref string, err error) {
	if utf8.RuneCountInString(content) <= SummaryLimit {
		return content, "", nil
	}
	ref, err = s.content.Put(ctx, []byte(content))
	if err != nil {
		return "", "", err
	}
	metrics.MessagesOverflowed.Inc()
	return truncateRunes(content, SummaryLimit) + Ellipsis, ref, nil
}

// resolveContent returns the full content for an inline summary or a ref.
func (s *Store) resolveContent(ctx context.Context, summary, ref string) (string, error) {
	if ref == "" {
		return summary, nil
	}
	data, err := s.content.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// NormalizeTags lower-cases, trims and de-duplicates tags, preserving first
// occurrence order. Over-long tags, control characters and more than
// MaxTags distinct tags are rejected.
func NormalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if err := sanitize.Line(t); err != nil {
			return nil, err
		}
		if utf8.RuneCountInString(t) > MaxTagLength {
			return nil, apperr.Validation("tag_too_long", "tag exceeds %d characters", MaxTagLength).WithDetail("tag", t)
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	if len(out) > MaxTags {
		return nil, apperr.Validation("too_many_tags", "at most %d tags per message", MaxTags).WithDetail("count", len(out))
	}
	return out, nil
}

// normalizeRecipients validates and de-duplicates recipients, keeping order.
func normalizeRecipients(to []string) ([]string, error) {
	out := make([]string, 0, len(to))
	for _, r := range to {
		r = strings.TrimSpace(r)
		if err := participant.ValidateID(r); err != nil {
			return nil, err
		}
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, apperr.Validation("no_recipients", "at least one recipient is required")
	}
	if len(out) > MaxRecipients {
		return nil, apperr.Validation("too_many_recipients", "at most %d recipients", MaxRecipients)
	}
	return out, nil
}

// normalizeIDs trims and de-duplicates message ids, keeping order.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// placeholders returns "?, ?, ..." for n bound parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// failed counts a rejected write by code and passes err through.
func failed(err error) error {
	if code := apperr.CodeOf(err); code != "" && apperr.KindOf(err) != apperr.KindStorage {
		metrics.ValidationFailures.WithLabelValues(code).Inc()
	}
	return err
}

// ContentRefs returns every overflow reference still held by a message or
// response. Content pruning keeps exactly these.
func (s *Store) ContentRefs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT content_ref FROM messages WHERE content_ref IS NOT NULL
		UNION
		SELECT content_ref FROM message_responses WHERE content_ref IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	refs := make(map[string]bool)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, storage.Wrap(err, "", "scanning content ref")
		}
		refs[ref] = true
	}
	return refs, storage.Wrap(rows.Err(), "", "iterating content refs")
}
