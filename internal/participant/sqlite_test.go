// ABOUTME: Tests for the SQLite participant repository
// ABOUTME: Runs against a fully migrated temporary database

package participant

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/schema"
	"github.com/2389/coven-courier/internal/storage"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Options{Path: filepath.Join(t.TempDir(), "courier.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m, err := schema.New(db, schema.Options{})
	require.NoError(t, err)
	_, err = m.Migrate(ctx)
	require.NoError(t, err)

	return NewSQLiteRepository(db, nil, nil)
}

func TestRegisterAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p := &Participant{ID: "@alice", Capabilities: []string{"messaging", "messaging", "admin"}}
	require.NoError(t, repo.Register(ctx, p))
	assert.Equal(t, StatusActive, p.Status)
	assert.Equal(t, "M", p.DefaultPriority)

	got, err := repo.Get(ctx, "@alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "messaging"}, got.Capabilities)
	assert.Equal(t, StatusActive, got.Status)
	assert.Nil(t, got.LastSeen)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, time.Minute)
}

func TestRegister_Rejections(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, &Participant{ID: "@alice"}))

	err := repo.Register(ctx, &Participant{ID: "@alice"})
	assert.Equal(t, "participant_exists", apperr.CodeOf(err))

	err = repo.Register(ctx, &Participant{ID: "@system"})
	assert.Equal(t, "reserved_participant_id", apperr.CodeOf(err))

	err = repo.Register(ctx, &Participant{ID: "@bob", DefaultPriority: "URGENT"})
	assert.Equal(t, "invalid_priority", apperr.CodeOf(err))
}

func TestGet_Unknown(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Get(context.Background(), "@nobody")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTouchAndStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Register(ctx, &Participant{ID: "@alice"}))

	seen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Touch(ctx, "@alice", seen))
	require.NoError(t, repo.SetStatus(ctx, "@alice", StatusInactive))

	got, err := repo.Get(ctx, "@alice")
	require.NoError(t, err)
	require.NotNil(t, got.LastSeen)
	assert.True(t, got.LastSeen.Equal(seen))
	assert.Equal(t, StatusInactive, got.Status)

	assert.True(t, errors.Is(repo.Touch(ctx, "@ghost", seen), ErrNotFound))
	assert.Equal(t, "invalid_status", apperr.CodeOf(repo.SetStatus(ctx, "@alice", "deleted")))
}

func TestListAndCapabilities(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Register(ctx, &Participant{ID: "@alice", Capabilities: []string{"messaging"}}))
	require.NoError(t, repo.Register(ctx, &Participant{ID: "@bob", Capabilities: []string{"curator"}}))
	require.NoError(t, repo.Register(ctx, &Participant{ID: "@carol", Status: StatusMaintenance}))

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "@alice", all[0].ID)

	active, err := repo.List(ctx, Filter{Status: StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, repo.SetCapabilities(ctx, "@carol", []string{"curator", "messaging"}))
	curators, err := repo.List(ctx, Filter{Capability: "curator"})
	require.NoError(t, err)
	ids := []string{}
	for _, p := range curators {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"@bob", "@carol"}, ids)
}

func TestRegister_RejectsSuspiciousCapabilities(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.Register(context.Background(), &Participant{ID: "@mallory", Capabilities: []string{"x'); DROP TABLE participants"}})
	assert.Equal(t, "suspicious_input", apperr.CodeOf(err))
}
