package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/storage"
	"github.com/roach88/loftsync/internal/testutil"
)

func fixedIDs(list ...string) RemoteOption {
	i := 0
	return WithIDFunc(func(ids.Kind) string {
		id := list[i]
		i++
		return id
	})
}

func TestStoreRemote_CreateAssignsID(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRemote(fixedIDs("srv_123"))
	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	out, err := r.CreateRemote(ctx, Entity{ID: "doc_abc", Kind: ids.KindDocument, Name: "Notes", UpdatedAt: t1})
	require.NoError(t, err)
	assert.Equal(t, "srv_123", out.ID)
	assert.Equal(t, int64(1), out.Version)
	assert.True(t, t1.Equal(out.UpdatedAt))

	got, err := r.GetRemote(ctx, ids.KindDocument, "srv_123")
	require.NoError(t, err)
	assert.Equal(t, "Notes", got.Name)
}

func TestStoreRemote_DefaultIDsArePrefixed(t *testing.T) {
	r := NewMemoryRemote()
	out, err := r.CreateRemote(context.Background(), Entity{Kind: ids.KindFolder, Name: "f"})
	require.NoError(t, err)
	assert.Equal(t, ids.KindFolder, ids.KindOf(out.ID))
}

func TestStoreRemote_CreateRejectsUnknownKind(t *testing.T) {
	_, err := NewMemoryRemote().CreateRemote(context.Background(), Entity{Kind: "page"})
	assert.Error(t, err)
}

func TestStoreRemote_GetMissing(t *testing.T) {
	r := NewMemoryRemote()
	_, err := r.GetRemote(context.Background(), ids.KindDocument, "doc_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.GetRemote(context.Background(), ids.KindDocument, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRemote_UpdateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewStepClock()
	r := NewMemoryRemote(fixedIDs("doc_1"), WithRemoteClock(clk))

	created, err := r.CreateRemote(ctx, Entity{Kind: ids.KindDocument, Name: "a"})
	require.NoError(t, err)
	assert.True(t, testutil.Epoch.Equal(created.UpdatedAt))

	updated, err := r.UpdateRemote(ctx, ids.KindDocument, "doc_1", Entity{Name: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "doc_1", updated.ID)
	assert.Equal(t, ids.KindDocument, updated.Kind)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	_, err = r.UpdateRemote(ctx, ids.KindDocument, "doc_missing", Entity{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRemote_PutAndList(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRemote()
	require.NoError(t, r.Put(ctx, Entity{ID: "doc_b", Kind: ids.KindDocument, Version: 7}))
	require.NoError(t, r.Put(ctx, Entity{ID: "doc_a", Kind: ids.KindDocument}))
	require.NoError(t, r.Put(ctx, Entity{ID: "ws_a", Kind: ids.KindWorkspace}))

	got, err := r.List(ctx, ids.KindDocument)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc_a", "doc_b"}, got)

	e, err := r.GetRemote(ctx, ids.KindDocument, "doc_b")
	require.NoError(t, err)
	assert.Equal(t, int64(7), e.Version)
}

func TestStoreRemote_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	p1, err := storage.NewFSProvider(root)
	require.NoError(t, err)
	created, err := NewStoreRemote(p1).CreateRemote(ctx, Entity{Kind: ids.KindWorkspace, Name: "Team"})
	require.NoError(t, err)

	p2, err := storage.NewFSProvider(root)
	require.NoError(t, err)
	got, err := NewStoreRemote(p2).GetRemote(ctx, ids.KindWorkspace, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Team", got.Name)
}

func TestSession(t *testing.T) {
	now := time.Now()
	assert.False(t, Session{}.Valid(now))
	assert.False(t, Session{Token: "  "}.Valid(now))
	assert.True(t, Session{Token: "t"}.Valid(now))
	assert.False(t, Session{Token: "t", ExpiresAt: now.Add(-time.Minute)}.Valid(now))
	assert.True(t, Session{Token: "t", ExpiresAt: now.Add(time.Minute)}.Valid(now))

	ctx := context.Background()
	assert.False(t, Authenticated(ctx, nil))
	assert.False(t, Authenticated(ctx, StaticSession{}))
	assert.True(t, Authenticated(ctx, StaticSession{Token: "t"}))
	assert.True(t, Authenticated(ctx, AuthenticatorFunc(func(context.Context) (Session, bool) {
		return Session{Token: "x"}, true
	})))
}
