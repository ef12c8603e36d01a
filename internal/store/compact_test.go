// ABOUTME: Tests for thread compaction strategies
// ABOUTME: Compaction must preserve flagged messages and never lose full content

package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/audit"
)

// resolvedThread builds a thread of a decision, a critical question and a
// plain question with two responses, all resolved.
func resolvedThread(t *testing.T, f *fixture) (decision, critical, plain *Message) {
	t.Helper()
	ctx := context.Background()

	decision = f.send(t, CreateInput{Type: TypeArch, Subject: "storage engine", Content: "Use SQLite in WAL mode. Revisit at scale."})
	critical = f.send(t, CreateInput{ReplyTo: decision.ID, Priority: PriorityCritical, Subject: "disk full"})
	plain = f.send(t, CreateInput{ReplyTo: decision.ID, Subject: "backup cadence",
		Content: "How often do we back up? " + strings.Repeat("Details follow. ", 60)})

	_, err := f.store.RespondMessage(ctx, plain.ID, "@bob", "Nightly for now.", ResolutionPartial)
	require.NoError(t, err)
	_, err = f.store.RespondMessage(ctx, plain.ID, "@carol", "Hourly once we grow.", ResolutionComplete)
	require.NoError(t, err)
	for _, m := range []*Message{decision, critical} {
		_, err := f.store.ResolveMessage(ctx, m.ID, "@bob")
		require.NoError(t, err)
	}
	return decision, critical, plain
}

func TestCompactThread_RequiresResolvedThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, CreateInput{})

	_, err := f.store.CompactThread(ctx, m.ThreadID, CompactOptions{}, "@alice")
	assert.Equal(t, "thread_not_resolved", apperr.CodeOf(err))

	_, err = f.store.CompactThread(ctx, "thread-missing", CompactOptions{}, "@alice")
	assert.Equal(t, "unknown_thread", apperr.CodeOf(err))

	_, err = f.store.CompactThread(ctx, m.ThreadID, CompactOptions{Strategy: "shred"}, "@alice")
	assert.Equal(t, "invalid_strategy", apperr.CodeOf(err))
}

func TestCompactThread_SummarizePreservesFlaggedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	decision, critical, plain := resolvedThread(t, f)

	res, err := f.store.CompactThread(ctx, plain.ThreadID, CompactOptions{
		Strategy:          CompactSummarize,
		PreserveDecisions: true,
		PreserveCritical:  true,
	}, "@alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Compacted)
	assert.Equal(t, 2, res.Preserved)
	assert.Positive(t, res.BytesReclaimed)

	got, err := f.store.GetMessage(ctx, plain.ID, DetailSummary)
	require.NoError(t, err)
	assert.Equal(t, "backup cadence: How often do we back up? [2 responses, complete]", got.Summary)
	require.NotNil(t, got.CompactedAt)

	full, err := f.store.GetMessage(ctx, plain.ID, DetailFull)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(full.Content, "How often do we back up? Details follow."))
	assert.Len(t, full.Content, len("How often do we back up? ")+60*len("Details follow. "))

	for _, m := range []*Message{decision, critical} {
		kept, err := f.store.GetMessage(ctx, m.ID, DetailSummary)
		require.NoError(t, err)
		assert.Nil(t, kept.CompactedAt)
		assert.Equal(t, m.Summary, kept.Summary)
	}

	responses, err := f.store.GetResponses(ctx, plain.ID, DetailSummary)
	require.NoError(t, err)
	assert.Len(t, responses, 2)

	c, err := f.store.GetConversation(ctx, plain.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, ConversationResolved, c.Status)
	assert.NotNil(t, c.CompactedAt)
	assert.Contains(t, f.audit.actions(), audit.ActionThreadCompacted)
}

func TestCompactThread_ConsolidateMergesResponses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, plain := resolvedThread(t, f)

	res, err := f.store.CompactThread(ctx, plain.ThreadID, CompactOptions{Strategy: CompactConsolidate}, "@alice")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Compacted)
	assert.Zero(t, res.Preserved)

	responses, err := f.store.GetResponses(ctx, plain.ID, DetailFull)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Contains(t, responses[0].Content, "Nightly for now.")
	assert.Contains(t, responses[0].Content, "Hourly once we grow.")
	assert.Equal(t, ResolutionComplete, responses[0].ResolutionStatus)

	got, err := f.store.GetMessage(ctx, plain.ID, DetailSummary)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
}

func TestCompactThread_ArchiveClosesThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	decision, _, plain := resolvedThread(t, f)

	_, err := f.store.CompactThread(ctx, plain.ThreadID, CompactOptions{
		Strategy:          CompactArchive,
		PreserveDecisions: true,
	}, "@alice")
	require.NoError(t, err)

	got, err := f.store.GetMessage(ctx, plain.ID, DetailFull)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, got.Status)
	assert.NotEmpty(t, got.Content)

	kept, err := f.store.GetMessage(ctx, decision.ID, DetailSummary)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, kept.Status)

	c, err := f.store.GetConversation(ctx, plain.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, ConversationArchived, c.Status)

	_, err = f.store.CreateMessage(ctx, CreateInput{
		To: []string{"@bob"}, Type: TypeQuestion, Subject: "one more", ReplyTo: plain.ID,
	}, "@alice")
	assert.Equal(t, "thread_archived", apperr.CodeOf(err))
}
