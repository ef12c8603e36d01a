// ABOUTME: Tag suggestions and per-participant message statistics
// ABOUTME: Both read the tag index and message rows visible to one participant

package index

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/sanitize"
	"github.com/2389/coven-courier/internal/storage"
	"github.com/2389/coven-courier/internal/store"
)

// TagCount is a tag and the number of messages carrying it.
type TagCount struct {
	Tag   string
	Count int
}

// TagSuggestions returns tags starting with prefix, case-insensitively, most
// used first. An empty participant considers every message.
func (e *Engine) TagSuggestions(ctx context.Context, prefix, participantID string, limit int) ([]TagCount, error) {
	start := time.Now()
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if err := sanitize.Line(prefix); err != nil {
		return nil, err
	}
	if err := checkParticipant(participantID); err != nil {
		return nil, err
	}
	defer observe("tags", start)

	query := `SELECT t.tag, COUNT(*) AS uses FROM message_tags t JOIN messages m ON m.id = t.message_id
		WHERE t.tag LIKE ? ESCAPE '\'`
	args := []any{escapeLike(prefix) + "%"}
	if participantID != "" {
		query += ` AND ` + visibleTo
		args = append(args, participantID, participantID)
	}
	query += ` GROUP BY t.tag ORDER BY uses DESC, t.tag LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := e.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap(err, "", "suggesting tags")
	}
	defer rows.Close()
	out := []TagCount{}
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, storage.Wrap(err, "", "scanning tag")
		}
		out = append(out, tc)
	}
	return out, storage.Wrap(rows.Err(), "", "iterating tags")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Stats aggregates the messages a participant sent or received.
type Stats struct {
	Participant string
	WindowDays  int // 0 is all time

	Total    int
	Sent     int
	Received int

	ByType     map[store.Type]int
	ByPriority map[store.Priority]int
	ByStatus   map[store.Status]int

	// RequiringResponse counts messages whose type expects an answer;
	// Answered is the subset responded to or resolved.
	RequiringResponse int
	Answered          int
	ResponseRate      float64

	Resolved           int
	AvgResolutionHours float64
}

// MessageStats aggregates messages visible to participantID created within
// the trailing windowDays. Zero days covers all time.
func (e *Engine) MessageStats(ctx context.Context, participantID string, windowDays int) (*Stats, error) {
	start := time.Now()
	if windowDays < 0 {
		return nil, apperr.Validation("invalid_window", "window must not be negative").WithDetail("days", windowDays)
	}
	if err := checkParticipant(participantID); err != nil {
		return nil, err
	}
	defer observe("stats", start)

	query := `SELECT m.from_participant, m.type, m.priority, m.status, m.created_at, m.resolved_at,
		EXISTS (SELECT 1 FROM message_recipients r WHERE r.message_id = m.id AND r.participant_id = ?)
		FROM messages m WHERE 1 = 1`
	args := []any{participantID}
	if participantID != "" {
		query += ` AND ` + visibleTo
		args = append(args, participantID, participantID)
	}
	if windowDays > 0 {
		query += ` AND m.created_at >= ?`
		args = append(args, storage.FormatTime(e.now().Add(-time.Duration(windowDays)*24*time.Hour)))
	}

	rows, err := e.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap(err, participantID, "loading message stats")
	}
	defer rows.Close()

	st := &Stats{
		Participant: participantID,
		WindowDays:  windowDays,
		ByType:      map[store.Type]int{},
		ByPriority:  map[store.Priority]int{},
		ByStatus:    map[store.Status]int{},
	}
	var resolutionHours float64
	for rows.Next() {
		var (
			from, typ, priority, status, created string
			resolved                             sql.NullString
			received                             bool
		)
		if err := rows.Scan(&from, &typ, &priority, &status, &created, &resolved, &received); err != nil {
			return nil, storage.Wrap(err, participantID, "scanning message stats")
		}
		st.Total++
		if participantID != "" && from == participantID {
			st.Sent++
		}
		if received {
			st.Received++
		}
		st.ByType[store.Type(typ)]++
		st.ByPriority[store.Priority(priority)]++
		st.ByStatus[store.Status(status)]++

		s := store.Status(status)
		if store.Type(typ).RequiresResponse() {
			st.RequiringResponse++
			if s == store.StatusResponded || s == store.StatusResolved {
				st.Answered++
			}
		}
		if resolved.Valid {
			createdAt, err := storage.ParseTime(created)
			if err != nil {
				return nil, storage.Wrap(err, participantID, "parsing created_at")
			}
			resolvedAt, err := storage.ParseTime(resolved.String)
			if err != nil {
				return nil, storage.Wrap(err, participantID, "parsing resolved_at")
			}
			st.Resolved++
			resolutionHours += resolvedAt.Sub(createdAt).Hours()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(err, participantID, "iterating message stats")
	}

	if st.RequiringResponse > 0 {
		st.ResponseRate = float64(st.Answered) / float64(st.RequiringResponse)
	}
	if st.Resolved > 0 {
		st.AvgResolutionHours = resolutionHours / float64(st.Resolved)
	}
	return st, nil
}
