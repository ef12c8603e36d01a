// ABOUTME: Tests for the courier composition root
// ABOUTME: Opens a fully wired courier on a temporary directory and exercises it end to end

package courier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/audit"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/index"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/store"
)

func openCourier(t *testing.T, adjust func(*config.Config)) *Courier {
	t.Helper()
	cfg, err := config.Default(t.TempDir())
	require.NoError(t, err)
	cfg.Audit.Persist = true
	cfg.Maintenance.Enabled = true
	if adjust != nil {
		adjust(cfg)
	}
	c, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func register(t *testing.T, c *Courier, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, c.Participants.Register(context.Background(), &participant.Participant{
			ID: id, Capabilities: []string{"messaging"},
		}))
	}
}

func TestOpen_WiresEverything(t *testing.T) {
	c := openCourier(t, nil)
	ctx := context.Background()
	register(t, c, "@alice", "@bob")

	m, err := c.Messages.CreateMessage(ctx, store.CreateInput{
		To: []string{"@bob"}, Type: store.TypeQuestion, Subject: "token rotation schedule",
		Content: strings.Repeat("Rotate signing keys monthly. ", 30), Tags: []string{"auth"},
	}, "@alice")
	require.NoError(t, err)
	assert.True(t, m.Overflowed())

	hits, err := c.Index.SearchMessages(ctx, index.Query{Text: "rotation"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, m.ID, hits[0].Message.ID)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.Schema.Latest, st.Schema.Current)
	assert.Empty(t, st.Schema.Pending)
	assert.EqualValues(t, 1, st.Storage.Tables["messages"])
	assert.EqualValues(t, 2, st.Storage.Tables["participants"])

	require.NotNil(t, c.Scheduler)
	report, err := c.Scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Pruned.Removed)

	events, err := c.AuditLog.List(ctx, audit.Filter{})
	require.NoError(t, err)
	var actions []audit.Action
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, audit.ActionMigrationApplied)
	assert.Contains(t, actions, audit.ActionParticipantRegistered)
	assert.Contains(t, actions, audit.ActionMaintenance)
}

func TestOpen_CapabilityPolicy(t *testing.T) {
	c := openCourier(t, func(cfg *config.Config) {
		cfg.Participants.Policy = "capabilities"
		cfg.Participants.Grants = map[string][]string{"messaging": {"send", "read"}}
	})
	ctx := context.Background()
	register(t, c, "@alice", "@bob")

	m, err := c.Messages.CreateMessage(ctx, store.CreateInput{
		To: []string{"@bob"}, Type: store.TypeQuestion, Subject: "who can answer",
	}, "@alice")
	require.NoError(t, err)

	_, err = c.Messages.RespondMessage(ctx, m.ID, "@bob", "me", "")
	assert.Equal(t, apperr.KindPermission, apperr.KindOf(err))
}

func TestOpen_RejectsUnknownPermission(t *testing.T) {
	cfg, err := config.Default(t.TempDir())
	require.NoError(t, err)
	cfg.Participants.Policy = "capabilities"
	cfg.Participants.Grants = map[string][]string{"messaging": {"teleport"}}

	_, err = Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestOpen_WithoutAutoMigrate(t *testing.T) {
	off := false
	c := openCourier(t, func(cfg *config.Config) { cfg.Schema.AutoMigrate = &off })

	current, err := c.Migrator.Current(context.Background())
	require.NoError(t, err)
	assert.Zero(t, current)
}

func TestBackup(t *testing.T) {
	c := openCourier(t, nil)
	ctx := context.Background()
	register(t, c, "@alice")

	dir := filepath.Join(t.TempDir(), "backups")
	path, err := c.Backup(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestOpen_UsesClock(t *testing.T) {
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	cfg, err := config.Default(t.TempDir())
	require.NoError(t, err)
	c, err := Open(context.Background(), cfg, nil, WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	defer c.Close()
	register(t, c, "@alice", "@bob")

	m, err := c.Messages.CreateMessage(context.Background(), store.CreateInput{
		To: []string{"@bob"}, Type: store.TypeUpdate, Subject: "fixed time",
	}, "@alice")
	require.NoError(t, err)
	assert.True(t, m.CreatedAt.Equal(at))
}
