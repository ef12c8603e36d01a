// ABOUTME: Tests for the maintenance scheduler against a migrated temporary database
// ABOUTME: Verifies orphan pruning keeps referenced blobs and the scheduler honours cancellation

package maintenance

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/content"
	"github.com/2389/coven-courier/internal/participant"
	"github.com/2389/coven-courier/internal/schema"
	"github.com/2389/coven-courier/internal/storage"
	"github.com/2389/coven-courier/internal/store"
)

type fixture struct {
	db      *storage.DB
	content *content.Store
	store   *store.Store
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
	for _, id := range []string{"@alice", "@bob"} {
		require.NoError(t, repo.Register(ctx, &participant.Participant{ID: id}))
	}
	s, err := store.New(store.Options{DB: db, Participants: repo, Content: cs})
	require.NoError(t, err)
	return &fixture{db: db, content: cs, store: s}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	f := newFixture(t)

	_, err := New(Options{DB: f.db, Schedule: "nightly"})
	assert.Error(t, err)

	_, err = New(Options{DB: f.db, Schedule: "0 3 * * *", Content: f.content})
	assert.Error(t, err, "content without a ref source")

	_, err = New(Options{Schedule: "0 3 * * *"})
	assert.Error(t, err)
}

func TestNext(t *testing.T) {
	f := newFixture(t)
	s, err := New(Options{DB: f.db, Schedule: "30 3 * * *"})
	require.NoError(t, err)

	next, err := s.Next(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC), next)
}

func TestRunOnce_PrunesOnlyOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.store.CreateMessage(ctx, store.CreateInput{
		To: []string{"@bob"}, Type: store.TypeUpdate, Subject: "long report", Content: strings.Repeat("r", 2000),
	}, "@alice")
	require.NoError(t, err)
	require.True(t, m.Overflowed())

	orphan, err := f.content.Put(ctx, []byte("written by a transaction that rolled back"))
	require.NoError(t, err)

	s, err := New(Options{DB: f.db, Content: f.content, Refs: f.store, Schedule: "0 3 * * *"})
	require.NoError(t, err)

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, report.Pruned)
	assert.Equal(t, 1, report.Pruned.Removed)
	assert.Positive(t, report.FileSize)

	ok, err := f.content.Exists(orphan)
	require.NoError(t, err)
	assert.False(t, ok)

	full, err := f.store.GetMessage(ctx, m.ID, store.DetailFull)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("r", 2000), full.Content)
}

func TestRunOnce_GraceKeepsFreshBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan, err := f.content.Put(ctx, []byte("fresh"))
	require.NoError(t, err)

	s, err := New(Options{DB: f.db, Content: f.content, Refs: f.store, OrphanGrace: time.Hour, Schedule: "0 3 * * *"})
	require.NoError(t, err)
	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Pruned.Removed)

	ok, err := f.content.Exists(orphan)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	s, err := New(Options{DB: f.db, Schedule: "0 3 1 1 *"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
