// ABOUTME: Tests for responses and status transitions
// ABOUTME: Verifies monotonic transitions, terminal states and conversation status derivation

package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/audit"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRead, true},
		{StatusPending, StatusResolved, true},
		{StatusRead, StatusPending, false},
		{StatusResolved, StatusResponded, false},
		{StatusResolved, StatusArchived, true},
		{StatusResponded, StatusCancelled, true},
		{StatusArchived, StatusCancelled, false},
		{StatusCancelled, StatusArchived, false},
		{StatusCancelled, StatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRespondMessage_TransitionsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, CreateInput{})

	f.advance(time.Second)
	resp, err := f.store.RespondMessage(ctx, m.ID, "@bob", "working on it", ResolutionPartial)
	require.NoError(t, err)
	assert.Equal(t, "working on it", resp.Summary)

	got, err := f.store.GetMessage(ctx, m.ID, DetailSummary)
	require.NoError(t, err)
	assert.Equal(t, StatusResponded, got.Status)
	assert.Equal(t, ResolutionPartial, got.ResolutionStatus)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
	assert.Nil(t, got.ResolvedAt)

	_, err = f.store.RespondMessage(ctx, m.ID, "@bob", "done", ResolutionComplete)
	require.NoError(t, err)
	got, err = f.store.GetMessage(ctx, m.ID, DetailSummary)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "@bob", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	// A further response leaves the status where it is.
	_, err = f.store.RespondMessage(ctx, m.ID, "@carol", "late note", "")
	require.NoError(t, err)
	got, err = f.store.GetMessage(ctx, m.ID, DetailSummary)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)

	responses, err := f.store.GetResponses(ctx, m.ID, DetailSummary)
	require.NoError(t, err)
	require.Len(t, responses, 3)
	assert.Equal(t, "@bob", responses[0].Responder)
	assert.Equal(t, "@carol", responses[2].Responder)
}

func TestRespondMessage_OverflowsLongResponses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, CreateInput{})
	body := strings.Repeat("r", 800)

	resp, err := f.store.RespondMessage(ctx, m.ID, "@bob", body, "")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ContentRef)
	assert.Equal(t, strings.Repeat("r", 500)+Ellipsis, resp.Summary)

	full, err := f.store.GetResponses(ctx, m.ID, DetailFull)
	require.NoError(t, err)
	require.Len(t, full, 1)
	assert.Equal(t, body, full[0].Content)

	refs, err := f.store.ContentRefs(ctx)
	require.NoError(t, err)
	assert.True(t, refs[resp.ContentRef])
}

func TestRespondMessage_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, CreateInput{})

	_, err := f.store.RespondMessage(ctx, m.ID, "@bob", "  ", "")
	assert.Equal(t, "empty_response", apperr.CodeOf(err))
	_, err = f.store.RespondMessage(ctx, m.ID, "@bob", "ok", "finished")
	assert.Equal(t, "invalid_resolution", apperr.CodeOf(err))
	_, err = f.store.RespondMessage(ctx, "Q-404", "@bob", "ok", "")
	assert.Equal(t, "unknown_message", apperr.CodeOf(err))

	_, err = f.store.CancelMessage(ctx, m.ID, "@alice")
	require.NoError(t, err)
	_, err = f.store.RespondMessage(ctx, m.ID, "@bob", "ok", "")
	assert.Equal(t, "message_closed", apperr.CodeOf(err))

	_, err = f.store.GetResponses(ctx, "Q-404", DetailSummary)
	assert.Equal(t, "unknown_message", apperr.CodeOf(err))
}

func TestResolveMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, CreateInput{})

	got, err := f.store.ResolveMessage(ctx, m.ID, "@carol")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "@carol", got.ResolvedBy)
	assert.Equal(t, ResolutionComplete, got.ResolutionStatus)

	again, err := f.store.ResolveMessage(ctx, m.ID, "@bob")
	require.NoError(t, err)
	assert.Equal(t, "@carol", again.ResolvedBy)

	_, err = f.store.ArchiveMessage(ctx, m.ID, "@alice")
	require.NoError(t, err)
	_, err = f.store.ResolveMessage(ctx, m.ID, "@bob")
	assert.Equal(t, "invalid_transition", apperr.CodeOf(err))
	_, err = f.store.CancelMessage(ctx, m.ID, "@bob")
	assert.Equal(t, "invalid_transition", apperr.CodeOf(err))

	assert.Contains(t, f.audit.actions(), audit.ActionMessageArchived)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, CreateInput{})

	got, err := f.store.MarkRead(ctx, m.ID, "@bob")
	require.NoError(t, err)
	assert.Equal(t, StatusRead, got.Status)

	_, err = f.store.RespondMessage(ctx, m.ID, "@bob", "answer", "")
	require.NoError(t, err)
	got, err = f.store.MarkRead(ctx, m.ID, "@bob")
	require.NoError(t, err)
	assert.Equal(t, StatusResponded, got.Status)
}

func TestConversationStatusFollowsMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.send(t, CreateInput{})
	second := f.send(t, CreateInput{ReplyTo: first.ID})

	_, err := f.store.ResolveMessage(ctx, first.ID, "@bob")
	require.NoError(t, err)
	c, err := f.store.GetConversation(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, ConversationActive, c.Status)

	_, err = f.store.CancelMessage(ctx, second.ID, "@alice")
	require.NoError(t, err)
	c, err = f.store.GetConversation(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, ConversationResolved, c.Status)

	resolved, err := f.store.ListConversations(ctx, "@bob", ConversationResolved, 10)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, first.ThreadID, resolved[0].ThreadID)

	active, err := f.store.ListConversations(ctx, "@bob", ConversationActive, 10)
	require.NoError(t, err)
	assert.Empty(t, active)

	carol, err := f.store.ListConversations(ctx, "@carol", "", 10)
	require.NoError(t, err)
	assert.Empty(t, carol)

	_, err = f.store.GetConversation(ctx, "thread-missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}
