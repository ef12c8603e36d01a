// ABOUTME: Message search combining participant, tag, date and full-text filters
// ABOUTME: Scores hits from FTS5 bm25 rank and snippet context into (0, 1]

package index

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/storage"
	"github.com/2389/coven-courier/internal/store"
)

// Column weights for bm25 over (subject, summary).
var (
	lexicalWeights  = [2]float64{3.0, 1.0}
	semanticWeights = [2]float64{1.0, 3.0}
)

// Score blend.
const (
	rankWeight    = 0.7
	contextWeight = 0.3
	tagBonus      = 0.1
)

// Query describes a search.
type Query struct {
	Text        string
	Participant string   // sender or recipient; empty searches every message
	Tags        []string // every tag must be present
	Since       time.Time
	Until       time.Time
	// Semantic favours summary matches and rewards query terms that are
	// also tags of the hit.
	Semantic bool
	Limit    int // default 10, max 100
}

// Hit is one search result.
type Hit struct {
	Message *store.Message
	Score   float64 // in (0, 1]
	Snippet string
}

// SearchMessages runs q. Text terms are OR-ed; every other filter narrows.
// An empty text with tags returns pure tag matches scored 1.
func (e *Engine) SearchMessages(ctx context.Context, q Query) ([]Hit, error) {
	start := time.Now()
	tags, err := store.NormalizeTags(q.Tags)
	if err != nil {
		return nil, err
	}
	if err := checkParticipant(q.Participant); err != nil {
		return nil, err
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return nil, apperr.Validation("invalid_range", "until is before since")
	}
	terms := queryTerms(q.Text)
	if len(terms) == 0 && len(tags) == 0 {
		return nil, apperr.Validation("empty_query", "a search needs text or tags")
	}
	limit := clampLimit(q.Limit)

	kind := "text"
	if len(terms) == 0 {
		kind = "tags"
	} else if q.Semantic {
		kind = "semantic"
	}
	defer observe(kind, start)

	where, args := filterClause(q.Participant, tags, q.Since, q.Until)
	db := e.db.Querier(ctx)

	var hits []Hit
	if len(terms) == 0 {
		hits, err = filterHits(ctx, db, where, args, limit)
	} else {
		hits, err = textHits(ctx, db, terms, q.Semantic, where, args, limit*candidateFactor)
	}
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Message.ID
	}
	msgs, err := loadMessages(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	var indexed map[string][]string
	if q.Semantic && len(terms) > 0 {
		if indexed, err = messageTags(ctx, db, ids); err != nil {
			return nil, err
		}
	}

	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		m, ok := msgs[h.Message.ID]
		if !ok {
			continue
		}
		h.Message = m
		if len(terms) > 0 {
			h.Score = rankWeight*h.Score + contextWeight*coverage(terms, m.Subject+" "+h.Snippet)
			if q.Semantic {
				h.Score += tagBonus * overlap(terms, indexed[m.ID])
			}
			h.Score = clampScore(h.Score)
		}
		out = append(out, h)
	}
	sortHits(out)
	if len(out) > limit {
		out = out[:limit]
	}
	e.logger.Debug("search", "kind", kind, "terms", len(terms), "tags", len(tags), "hits", len(out))
	return out, nil
}

// filterClause builds the non-text predicates over alias m.
func filterClause(participantID string, tags []string, since, until time.Time) (string, []any) {
	var where []string
	var args []any
	if participantID != "" {
		where = append(where, visibleTo)
		args = append(args, participantID, participantID)
	}
	if len(tags) > 0 {
		where = append(where, `m.id IN (SELECT message_id FROM message_tags WHERE tag IN (`+placeholders(len(tags))+
			`) GROUP BY message_id HAVING COUNT(DISTINCT tag) = ?)`)
		args = append(args, stringArgs(tags)...)
		args = append(args, len(tags))
	}
	if !since.IsZero() {
		where = append(where, `m.created_at >= ?`)
		args = append(args, storage.FormatTime(since))
	}
	if !until.IsZero() {
		where = append(where, `m.created_at <= ?`)
		args = append(args, storage.FormatTime(until))
	}
	if len(where) == 0 {
		return "", nil
	}
	return ` AND ` + strings.Join(where, ` AND `), args
}

func filterHits(ctx context.Context, q storage.Querier, where string, args []any, limit int) ([]Hit, error) {
	rows, err := q.QueryContext(ctx, `SELECT m.id, m.summary FROM messages m WHERE 1 = 1`+where+
		` ORDER BY m.created_at DESC, m.seq DESC LIMIT ?`, append(args, limit)...)
	if err != nil {
		return nil, storage.Wrap(err, "", "searching by filter")
	}
	defer rows.Close()
	var hits []Hit
	for rows.Next() {
		var id, summary string
		if err := rows.Scan(&id, &summary); err != nil {
			return nil, storage.Wrap(err, "", "scanning hit")
		}
		hits = append(hits, Hit{Message: &store.Message{ID: id}, Score: 1, Snippet: summary})
	}
	return hits, storage.Wrap(rows.Err(), "", "iterating hits")
}

// textHits returns full-text candidates with Score holding the rank
// normalized against the best candidate.
func textHits(ctx context.Context, q storage.Querier, terms []string, semantic bool, where string, args []any, limit int) ([]Hit, error) {
	w := lexicalWeights
	if semantic {
		w = semanticWeights
	}
	query := fmt.Sprintf(`SELECT m.id, bm25(messages_fts, %.1f, %.1f) AS weight,
		snippet(messages_fts, -1, '', '', '...', 16)
		FROM messages_fts JOIN messages m ON m.seq = messages_fts.rowid
		WHERE messages_fts MATCH ?%s ORDER BY weight LIMIT ?`, w[0], w[1], where)

	params := append([]any{matchExpr(terms)}, args...)
	rows, err := q.QueryContext(ctx, query, append(params, limit)...)
	if err != nil {
		return nil, storage.Wrap(err, "", "searching full text")
	}
	defer rows.Close()

	var hits []Hit
	var ranks []float64
	for rows.Next() {
		var id, snippet string
		var rank float64
		if err := rows.Scan(&id, &rank, &snippet); err != nil {
			return nil, storage.Wrap(err, "", "scanning hit")
		}
		hits = append(hits, Hit{Message: &store.Message{ID: id}, Snippet: snippet})
		ranks = append(ranks, rank)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(err, "", "iterating hits")
	}
	for i, r := range normalizeRanks(ranks) {
		hits[i].Score = r
	}
	return hits, nil
}

// normalizeRanks maps bm25 ranks (negative, lower is better) into (0, 1]
// relative to the best rank.
func normalizeRanks(ranks []float64) []float64 {
	out := make([]float64, len(ranks))
	best := 0.0
	for _, r := range ranks {
		best = min(best, r)
	}
	for i, r := range ranks {
		if best >= 0 {
			out[i] = 1
			continue
		}
		out[i] = clampScore(r / best)
	}
	return out
}

// queryTerms tokenizes free text into distinct search terms.
func queryTerms(text string) []string {
	var out []string
	for _, tok := range Tokenize(text) {
		tok = strings.Trim(tok, "-_")
		if tok != "" && !slices.Contains(out, tok) {
			out = append(out, tok)
		}
	}
	return out
}

// matchExpr quotes each term so FTS5 treats it as a phrase, never syntax.
func matchExpr(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// coverage is the share of terms found in text. A term matches a word it
// prefixes, or that prefixes it, so stems count.
func coverage(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	words := Tokenize(text)
	found := 0
	for _, t := range terms {
		for _, w := range words {
			if w == t || (len(w) >= 4 && len(t) >= 4 && (strings.HasPrefix(w, t) || strings.HasPrefix(t, w))) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(terms))
}

// overlap is the share of terms that are also tags.
func overlap(terms, tags []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	n := 0
	for _, t := range terms {
		if slices.Contains(tags, t) {
			n++
		}
	}
	return float64(n) / float64(len(terms))
}

func clampScore(s float64) float64 {
	switch {
	case s > 1:
		return 1
	case s <= 0:
		return 0.01
	}
	return s
}

// sortHits orders by score, then newest first, then id.
func sortHits(hits []Hit) {
	slices.SortStableFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if c := b.Message.CreatedAt.Compare(a.Message.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Message.ID, b.Message.ID)
	})
}
