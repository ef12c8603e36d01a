// ABOUTME: Tests for the index engine wired into a message store over a temporary database
// ABOUTME: Covers tag enhancement, rebuilds, search scoring and filters, suggestions, stats and related lookups

package index

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/content"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/schema"
	"github.com/2389/coven-courier/internal/storage"
	"github.com/2389/coven-courier/internal/store"
)

type fixture struct {
	db     *storage.DB
	store  *store.Store
	engine *Engine

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := storage.Open(ctx, storage.Options{Path: filepath.Join(dir, "courier.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m, err := schema.New(db, schema.Options{})
	require.NoError(t, err)
	_, err = m.Migrate(ctx)
	require.NoError(t, err)

	cs, err := content.New(filepath.Join(dir, "content"), nil)
	require.NoError(t, err)

	repo := participant.NewSQLiteRepository(db, nil, nil)
	for _, id := range []string{"@alice", "@bob", "@carol"} {
		require.NoError(t, repo.Register(ctx, &participant.Participant{ID: id, Capabilities: []string{"messaging"}}))
	}

	f := &fixture{db: db, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.engine = New(Options{DB: db, Content: cs, Now: f.clock})
	f.store, err = store.New(store.Options{
		DB:           db,
		Participants: repo,
		Content:      cs,
		Indexer:      f.engine,
		Now:          f.clock,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) send(t *testing.T, in store.CreateInput) *store.Message {
	t.Helper()
	if len(in.To) == 0 {
		in.To = []string{"@bob"}
	}
	if in.Type == "" {
		in.Type = store.TypeQuestion
	}
	m, err := f.store.CreateMessage(context.Background(), in, "@alice")
	require.NoError(t, err)
	return m
}

// corpus holds one authentication message, one schema message touching auth
// fields and one unrelated deploy message.
type corpus struct {
	auth, schema, deploy *store.Message
}

func (f *fixture) corpus(t *testing.T) corpus {
	t.Helper()
	return corpus{
		auth: f.send(t, store.CreateInput{
			Subject: "JWT authentication for the API",
			Content: "Clients authenticate with a signed JWT bearer token. Authentication failures return 401.",
			Tags:    []string{"api", "auth", "jwt"},
		}),
		schema: f.send(t, store.CreateInput{
			Type:    store.TypeArch,
			Subject: "User schema auth fields",
			Content: "Add password_hash and mfa columns to the user schema for auth.",
			Tags:    []string{"schema", "auth", "database"},
		}),
		deploy: f.send(t, store.CreateInput{
			Type:    store.TypeUpdate,
			Subject: "Deploy pipeline",
			Content: "Move deploys to the CI runners on Friday.",
			Tags:    []string{"deploy", "ci", "infra"},
		}),
	}
}

func (f *fixture) tags(t *testing.T, id, source string) []string {
	t.Helper()
	rows, err := f.db.Query(context.Background(),
		`SELECT tag FROM message_tags WHERE message_id = ? AND source = ? ORDER BY tag`, id, source)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var tag string
		require.NoError(t, rows.Scan(&tag))
		out = append(out, tag)
	}
	require.NoError(t, rows.Err())
	return out
}

func assertScores(t *testing.T, hits []Hit) {
	t.Helper()
	for _, h := range hits {
		assert.Greater(t, h.Score, 0.0, h.Message.ID)
		assert.LessOrEqual(t, h.Score, 1.0, h.Message.ID)
	}
}

func TestIndexMessage_DerivesTagsWhenFewGiven(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.send(t, store.CreateInput{
		Subject: "replica lag",
		Content: "Replication lag on the primary spiked. Replication recovered after the vacuum.",
		Tags:    []string{"ops"},
	})

	derived := f.tags(t, m.ID, "derived")
	assert.Contains(t, derived, "replication")
	assert.Contains(t, derived, "lag")
	assert.NotContains(t, derived, "the")
	assert.LessOrEqual(t, len(derived), MaxDerivedTags)
	assert.Equal(t, []string{"ops"}, f.tags(t, m.ID, "user"))

	got, err := f.store.GetMessage(ctx, m.ID, store.DetailSummary)
	require.NoError(t, err)
	assert.Equal(t, []string{"ops"}, got.Tags)
}

func TestIndexMessage_KeepsGivenTagsWhenEnough(t *testing.T) {
	f := newFixture(t)
	c := f.corpus(t)

	assert.Empty(t, f.tags(t, c.auth.ID, "derived"))
	assert.Equal(t, []string{"api", "auth", "jwt"}, f.tags(t, c.auth.ID, "user"))
}

func TestIndexMessage_UsesOverflowedContent(t *testing.T) {
	f := newFixture(t)
	// The only salient word sits past the inline summary.
	body := strings.Repeat("x", 600) + " Kubernetes kubernetes."
	m := f.send(t, store.CreateInput{Subject: "cluster", Content: body})
	require.True(t, m.Overflowed())
	assert.NotContains(t, m.Summary, "ubernetes")
	assert.Equal(t, []string{"cluster", "kubernetes"}, f.tags(t, m.ID, "derived"))
}

func TestRebuild_RestoresIndexes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.corpus(t)
	lagged := f.send(t, store.CreateInput{Subject: "replica lag", Content: "Replication lag again."})

	_, err := f.db.Exec(ctx, `DELETE FROM message_tags`)
	require.NoError(t, err)
	_, err = f.db.Exec(ctx, `INSERT INTO messages_fts(messages_fts) VALUES ('delete-all')`)
	require.NoError(t, err)

	hits, err := f.engine.SearchMessages(ctx, Query{Text: "authentication"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	res, err := f.engine.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Messages)
	assert.Positive(t, res.DerivedTags)

	hits, err = f.engine.SearchMessages(ctx, Query{Text: "authentication"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, c.auth.ID, hits[0].Message.ID)
	assert.Equal(t, []string{"api", "auth", "jwt"}, f.tags(t, c.auth.ID, "user"))
	assert.Contains(t, f.tags(t, lagged.ID, "derived"), "replication")
}

func TestSearchMessages_SemanticFindsDirectMatch(t *testing.T) {
	f := newFixture(t)
	c := f.corpus(t)

	hits, err := f.engine.SearchMessages(context.Background(), Query{Text: "authentication", Semantic: true})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, c.auth.ID, hits[0].Message.ID)
	assert.Positive(t, hits[0].Score)
	assertScores(t, hits)
	for _, h := range hits {
		assert.NotEqual(t, c.deploy.ID, h.Message.ID)
	}
}

func TestSearchMessages_TagsAreANDed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.corpus(t)

	hits, err := f.engine.SearchMessages(ctx, Query{Tags: []string{"api", "auth"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, c.auth.ID, hits[0].Message.ID)
	assert.Equal(t, 1.0, hits[0].Score)

	hits, err = f.engine.SearchMessages(ctx, Query{Tags: []string{"AUTH"}})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = f.engine.SearchMessages(ctx, Query{Text: "schema", Tags: []string{"api", "auth"}})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchMessages_TextTermsAreORed(t *testing.T) {
	f := newFixture(t)
	c := f.corpus(t)

	hits, err := f.engine.SearchMessages(context.Background(), Query{Text: "jwt deploy"})
	require.NoError(t, err)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Message.ID)
	}
	assert.ElementsMatch(t, []string{c.auth.ID, c.deploy.ID}, ids)
	assertScores(t, hits)
}

func TestSearchMessages_ParticipantAndDateFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.corpus(t)
	start := f.clock()

	f.advance(48 * time.Hour)
	later := f.send(t, store.CreateInput{Subject: "authentication rotation", To: []string{"@carol"}})

	hits, err := f.engine.SearchMessages(ctx, Query{Text: "authentication", Participant: "@carol"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, later.ID, hits[0].Message.ID)

	hits, err = f.engine.SearchMessages(ctx, Query{Text: "authentication", Until: start.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, c.auth.ID, hits[0].Message.ID)

	hits, err = f.engine.SearchMessages(ctx, Query{Text: "authentication", Since: start.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, later.ID, hits[0].Message.ID)
}

func TestSearchMessages_EmptyAndInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corpus(t)

	hits, err := f.engine.SearchMessages(ctx, Query{Text: "kubernetes"})
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)

	_, err = f.engine.SearchMessages(ctx, Query{Text: "  !! "})
	assert.Equal(t, "empty_query", apperr.CodeOf(err))

	now := f.clock()
	_, err = f.engine.SearchMessages(ctx, Query{Text: "api", Since: now, Until: now.Add(-time.Hour)})
	assert.Equal(t, "invalid_range", apperr.CodeOf(err))

	_, err = f.engine.SearchMessages(ctx, Query{Text: "api", Participant: "bob"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	// FTS5 syntax in user text is quoted, never interpreted.
	_, err = f.engine.SearchMessages(ctx, Query{Text: `api" OR NEAR(x`})
	assert.NoError(t, err)
}

func TestSearchMessages_RespectsLimit(t *testing.T) {
	f := newFixture(t)
	for range 5 {
		f.send(t, store.CreateInput{Subject: "auth token refresh", Tags: []string{"auth"}})
	}
	hits, err := f.engine.SearchMessages(context.Background(), Query{Text: "token", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, hits, 3)
	assertScores(t, hits)
}

func TestTagSuggestions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.corpus(t)

	got, err := f.engine.TagSuggestions(ctx, "A", "", 10)
	require.NoError(t, err)
	assert.Equal(t, []TagCount{{Tag: "auth", Count: 2}, {Tag: "api", Count: 1}}, got)

	all, err := f.engine.TagSuggestions(ctx, "", "@bob", 1)
	require.NoError(t, err)
	assert.Equal(t, []TagCount{{Tag: "auth", Count: 2}}, all)

	none, err := f.engine.TagSuggestions(ctx, "zzz", "", 10)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	wildcard, err := f.engine.TagSuggestions(ctx, "%", "", 10)
	require.NoError(t, err)
	assert.Empty(t, wildcard)

	hidden, err := f.engine.TagSuggestions(ctx, "a", "@carol", 10)
	require.NoError(t, err)
	assert.Empty(t, hidden)
}

func TestMessageStats_MonotonicInWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.corpus(t)

	f.advance(2 * time.Hour)
	_, err := f.store.ResolveMessage(ctx, c.auth.ID, "@bob")
	require.NoError(t, err)
	_, err = f.store.RespondMessage(ctx, c.schema.ID, "@bob", "looks fine", "")
	require.NoError(t, err)

	f.advance(72 * time.Hour)
	f.send(t, store.CreateInput{Subject: "recent question"})
	_, err = f.store.CreateMessage(ctx, store.CreateInput{
		To: []string{"@alice"}, Type: store.TypeSync, Subject: "reply sync",
	}, "@bob")
	require.NoError(t, err)

	day, err := f.engine.MessageStats(ctx, "@alice", 1)
	require.NoError(t, err)
	week, err := f.engine.MessageStats(ctx, "@alice", 7)
	require.NoError(t, err)
	all, err := f.engine.MessageStats(ctx, "@alice", 0)
	require.NoError(t, err)

	assert.Equal(t, 2, day.Total)
	assert.Equal(t, 1, day.Sent)
	assert.Equal(t, 1, day.Received)
	assert.Equal(t, 5, week.Total)
	assert.Equal(t, week.Total, all.Total)
	assert.GreaterOrEqual(t, week.Total, day.Total)
	assert.GreaterOrEqual(t, week.Sent, day.Sent)
	assert.GreaterOrEqual(t, week.Received, day.Received)

	assert.Equal(t, 4, week.Sent)
	assert.Equal(t, 1, week.ByType[store.TypeUpdate])
	assert.Equal(t, 1, week.ByStatus[store.StatusResolved])
	assert.Equal(t, 1, week.ByStatus[store.StatusResponded])
	// The update needs no response; two of the other four were answered.
	assert.Equal(t, 4, week.RequiringResponse)
	assert.Equal(t, 2, week.Answered)
	assert.InDelta(t, 0.5, week.ResponseRate, 1e-9)
	assert.Equal(t, 1, week.Resolved)
	assert.InDelta(t, 2.0, week.AvgResolutionHours, 1e-6)

	carol, err := f.engine.MessageStats(ctx, "@carol", 7)
	require.NoError(t, err)
	assert.Zero(t, carol.Total)
	assert.Zero(t, carol.ResponseRate)

	_, err = f.engine.MessageStats(ctx, "@alice", -1)
	assert.Equal(t, "invalid_window", apperr.CodeOf(err))
}

func TestFindRelated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.corpus(t)

	hits, err := f.engine.FindRelated(ctx, c.auth.ID, "", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, c.schema.ID, hits[0].Message.ID)
	for _, h := range hits {
		assert.NotEqual(t, c.auth.ID, h.Message.ID)
		assert.NotEqual(t, c.deploy.ID, h.Message.ID)
	}
	assertScores(t, hits)

	hidden, err := f.engine.FindRelated(ctx, c.auth.ID, "@carol", 5)
	require.NoError(t, err)
	assert.Empty(t, hidden)
}

func TestFindRelated_MissingAnchorIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.corpus(t)

	hits, err := f.engine.FindRelated(context.Background(), "Q-404", "", 5)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}
