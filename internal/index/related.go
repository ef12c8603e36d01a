// ABOUTME: Related-message lookup from an anchor message's tags and salient terms
// ABOUTME: Ranks candidates by tag overlap and full-text relevance, never the anchor itself

package index

import (
	"context"
	"slices"
	"time"

	"github.com/2389/coven-courier/internal/storage"
)

// relatedTerms is how many salient subject and summary terms join the
// anchor's tags in the similarity query.
const relatedTerms = 8

// FindRelated returns messages similar to the message id, visible to
// participantID when it is set. A missing anchor yields no hits.
func (e *Engine) FindRelated(ctx context.Context, id, participantID string, limit int) ([]Hit, error) {
	start := time.Now()
	if err := checkParticipant(participantID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	db := e.db.Querier(ctx)

	anchors, err := loadMessages(ctx, db, []string{id})
	if err != nil {
		return nil, err
	}
	anchor, ok := anchors[id]
	if !ok {
		return []Hit{}, nil
	}
	defer observe("related", start)

	tagIndex, err := messageTags(ctx, db, []string{id})
	if err != nil {
		return nil, err
	}
	anchorTags := tagIndex[id]

	terms := slices.Clone(anchorTags)
	for _, t := range SalientTerms(anchor.Subject+"\n\n"+anchor.Summary, relatedTerms) {
		if !slices.Contains(terms, t) {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return []Hit{}, nil
	}

	where, args := filterClause(participantID, nil, time.Time{}, time.Time{})
	where += ` AND m.id <> ?`
	args = append(args, id)

	textual, err := textHits(ctx, db, terms, true, where, args, limit*candidateFactor)
	if err != nil {
		return nil, err
	}
	candidates := make(map[string]*Hit, len(textual))
	for i := range textual {
		candidates[textual[i].Message.ID] = &textual[i]
	}

	tagged, err := taggedWith(ctx, e, anchorTags, where, args, limit*candidateFactor)
	if err != nil {
		return nil, err
	}
	for _, cid := range tagged {
		if _, ok := candidates[cid]; !ok {
			candidates[cid] = &Hit{}
		}
	}

	ids := make([]string, 0, len(candidates))
	for cid := range candidates {
		ids = append(ids, cid)
	}
	msgs, err := loadMessages(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	tags, err := messageTags(ctx, db, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Hit, 0, len(candidates))
	for cid, h := range candidates {
		m, ok := msgs[cid]
		if !ok {
			continue
		}
		score := 0.5*jaccard(anchorTags, tags[cid]) + 0.5*h.Score
		if score <= 0 {
			continue
		}
		out = append(out, Hit{Message: m, Score: clampScore(score), Snippet: h.Snippet})
	}
	sortHits(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// taggedWith returns ids of messages sharing any of tags, narrowed by the
// filter clause.
func taggedWith(ctx context.Context, e *Engine, tags []string, where string, args []any, limit int) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	params := append(stringArgs(tags), args...)
	rows, err := e.db.Query(ctx, `SELECT m.id FROM messages m WHERE m.id IN (
		SELECT message_id FROM message_tags WHERE tag IN (`+placeholders(len(tags))+`))`+where+
		` ORDER BY m.created_at DESC LIMIT ?`, append(params, limit)...)
	if err != nil {
		return nil, storage.Wrap(err, "", "loading tagged messages")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storage.Wrap(err, "", "scanning tagged message")
		}
		ids = append(ids, id)
	}
	return ids, storage.Wrap(rows.Err(), "", "iterating tagged messages")
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for _, t := range a {
		if slices.Contains(b, t) {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}
