package unify

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loftsync/internal/events"
	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/localstore"
	"github.com/roach88/loftsync/internal/storage"
	"github.com/roach88/loftsync/internal/testutil"
)

var t0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func createTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedGraph creates ws_local ⊃ folder_local ⊃ {folder_child, doc_local,
// doc_other} with every pointer aimed at the local ids.
func seedGraph(t *testing.T, s *localstore.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkspace(ctx, localstore.Workspace{ID: "ws_local", Name: "Home", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.CreateFolder(ctx, localstore.Folder{ID: "folder_local", WorkspaceID: "ws_local", Name: "Notes", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.CreateFolder(ctx, localstore.Folder{ID: "folder_child", WorkspaceID: "ws_local", ParentID: "folder_local", Name: "Sub", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.CreateDocument(ctx, localstore.Document{ID: "doc_local", WorkspaceID: "ws_local", FolderID: "folder_local", Title: "Notes", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.CreateDocument(ctx, localstore.Document{ID: "doc_other", WorkspaceID: "ws_local", FolderID: "folder_local", Title: "Other", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.SetPointer(ctx, localstore.PointerWorkspace, "ws_local"))
	require.NoError(t, s.SetPointer(ctx, localstore.PointerFolder, "folder_local"))
	require.NoError(t, s.SetPointer(ctx, localstore.PointerDocument, "doc_local"))
}

var fullRequest = Request{
	LocalDocID: "doc_local", CloudDocID: "doc_cloud",
	LocalFolderID: "folder_local", CloudFolderID: "folder_cloud",
	LocalWorkspaceID: "ws_local", CloudWorkspaceID: "ws_cloud",
}

// recordingRewriter logs call order and can fail one kind.
type recordingRewriter struct {
	Rewriter
	calls []ids.Kind
	fail  map[ids.Kind]error
}

func (r *recordingRewriter) RewriteWorkspaceID(ctx context.Context, oldID, newID string) (localstore.RewriteReport, error) {
	return r.record(ids.KindWorkspace, func() (localstore.RewriteReport, error) {
		return r.Rewriter.RewriteWorkspaceID(ctx, oldID, newID)
	})
}

func (r *recordingRewriter) RewriteFolderID(ctx context.Context, oldID, newID string) (localstore.RewriteReport, error) {
	return r.record(ids.KindFolder, func() (localstore.RewriteReport, error) {
		return r.Rewriter.RewriteFolderID(ctx, oldID, newID)
	})
}

func (r *recordingRewriter) RewriteDocumentID(ctx context.Context, oldID, newID string) (localstore.RewriteReport, error) {
	return r.record(ids.KindDocument, func() (localstore.RewriteReport, error) {
		return r.Rewriter.RewriteDocumentID(ctx, oldID, newID)
	})
}

func (r *recordingRewriter) record(kind ids.Kind, fn func() (localstore.RewriteReport, error)) (localstore.RewriteReport, error) {
	r.calls = append(r.calls, kind)
	if err := r.fail[kind]; err != nil {
		return localstore.RewriteReport{}, err
	}
	return fn()
}

type deleteFailingProvider struct {
	storage.Provider
}

func (deleteFailingProvider) Delete(context.Context, string) error {
	return &storage.Error{Op: "delete", Retryable: true, Err: errors.New("disk busy")}
}

func assertGolden(t *testing.T, name string, res Result) {
	t.Helper()
	data, err := json.MarshalIndent(res, "", "  ")
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, append(data, '\n'))
}

func collect(bus *events.Bus, topic events.Topic) *[]any {
	var got []any
	bus.Subscribe(topic, func(ev events.Event) { got = append(got, ev.Payload) })
	return &got
}

func TestUnifyAfterSync_Full(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)
	seedGraph(t, store)
	provider := storage.NewMemoryProvider()
	require.NoError(t, provider.Set(ctx, storage.DocumentKey("doc_local"), []byte("state")))
	bus := events.NewBus(testutil.NewStepClock(), 0)
	unified := collect(bus, events.TopicIDsUnified)
	wsChanged := collect(bus, events.TopicWorkspaceIDsChanged)

	res := New(store, provider, WithBus(bus)).UnifyAfterSync(ctx, fullRequest)

	require.True(t, res.Success)
	assertGolden(t, "unify_full", res)

	doc, err := store.Document(ctx, "doc_cloud")
	require.NoError(t, err)
	assert.Equal(t, "ws_cloud", doc.WorkspaceID)
	assert.Equal(t, "folder_cloud", doc.FolderID)
	other, err := store.Document(ctx, "doc_other")
	require.NoError(t, err)
	assert.Equal(t, "folder_cloud", other.FolderID)
	child, err := store.Folder(ctx, "folder_child")
	require.NoError(t, err)
	assert.Equal(t, "folder_cloud", child.ParentID)
	assert.Equal(t, "ws_cloud", child.WorkspaceID)

	for name, want := range map[string]string{
		localstore.PointerWorkspace: "ws_cloud",
		localstore.PointerFolder:    "folder_cloud",
		localstore.PointerDocument:  "doc_cloud",
	} {
		got, err := store.Pointer(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	_, err = provider.Get(ctx, storage.DocumentKey("doc_local"))
	assert.ErrorIs(t, err, storage.ErrNotFound, "old replica storage discarded")

	assert.Equal(t, []any{events.WorkspaceIDsChanged{OldID: "ws_local", NewID: "ws_cloud"}}, *wsChanged)
	assert.Equal(t, []any{events.IDsUnified{
		LocalDocID: "doc_local", CloudDocID: "doc_cloud",
		LocalFolderID: "folder_local", CloudFolderID: "folder_cloud",
		LocalWorkspaceID: "ws_local", CloudWorkspaceID: "ws_cloud",
	}}, *unified)
}

func TestUnifyAfterSync_PartialFolderFailure(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)
	seedGraph(t, store)
	rw := &recordingRewriter{Rewriter: store, fail: map[ids.Kind]error{ids.KindFolder: errors.New("network error")}}
	bus := events.NewBus(testutil.NewStepClock(), 0)
	unified := collect(bus, events.TopicIDsUnified)
	wsChanged := collect(bus, events.TopicWorkspaceIDsChanged)

	res := New(rw, storage.NewMemoryProvider(), WithBus(bus)).UnifyAfterSync(ctx, fullRequest)

	assert.False(t, res.Success)
	assert.True(t, res.WorkspaceUnified)
	assert.False(t, res.FolderUnified)
	assert.True(t, res.DocumentUnified)
	assertGolden(t, "unify_partial", res)

	assert.Empty(t, *unified, "ids-unified only on full success")
	assert.Len(t, *wsChanged, 1)

	// Nothing rolled back: the workspace and document keep their new ids.
	ok, err := store.Exists(ctx, ids.KindWorkspace, "ws_cloud")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Exists(ctx, ids.KindFolder, "folder_local")
	require.NoError(t, err)
	assert.True(t, ok)

	// Retrying exactly the failed sub-step completes the graph.
	retry := New(store, storage.NewMemoryProvider(), WithBus(bus)).UnifyAfterSync(ctx, Request{
		LocalFolderID: "folder_local", CloudFolderID: "folder_cloud",
	})
	assert.True(t, retry.Success)
	assert.Len(t, *unified, 1)
}

func TestUnifyAfterSync_Order(t *testing.T) {
	store := createTestStore(t)
	seedGraph(t, store)
	rw := &recordingRewriter{Rewriter: store}

	New(rw, nil).UnifyAfterSync(context.Background(), fullRequest)

	assert.Equal(t, []ids.Kind{ids.KindWorkspace, ids.KindFolder, ids.KindDocument}, rw.calls)
}

func TestUnifyAfterSync_OrderHoldsWhenWorkspaceFails(t *testing.T) {
	store := createTestStore(t)
	seedGraph(t, store)
	rw := &recordingRewriter{Rewriter: store, fail: map[ids.Kind]error{ids.KindWorkspace: errors.New("boom")}}

	res := New(rw, nil).UnifyAfterSync(context.Background(), fullRequest)

	assert.Equal(t, []ids.Kind{ids.KindWorkspace, ids.KindFolder, ids.KindDocument}, rw.calls)
	assert.False(t, res.WorkspaceUnified)
	assert.True(t, res.FolderUnified)
	assert.True(t, res.DocumentUnified)
}

func TestUnifyAfterSync_SkipsTrivialSteps(t *testing.T) {
	cases := map[string]Request{
		"equal ids":       {LocalDocID: "doc_local", CloudDocID: "doc_local", LocalFolderID: "folder_local", CloudFolderID: "folder_local", LocalWorkspaceID: "ws_local", CloudWorkspaceID: "ws_local"},
		"no cloud ids":    {LocalDocID: "doc_local", LocalFolderID: "folder_local", LocalWorkspaceID: "ws_local"},
		"no local folder": {LocalDocID: "doc_local", CloudDocID: "doc_local", CloudFolderID: "folder_cloud"},
		"empty":           {},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			store := createTestStore(t)
			seedGraph(t, store)
			rw := &recordingRewriter{Rewriter: store}

			res := New(rw, nil).UnifyAfterSync(context.Background(), req)

			assert.True(t, res.Success)
			assert.Empty(t, rw.calls)
			for _, st := range res.Steps {
				assert.True(t, st.Skipped, st.Kind)
			}
		})
	}
}

func TestUnifyAfterSync_SameUnderlyingMigratesStorage(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)
	require.NoError(t, store.CreateWorkspace(ctx, localstore.Workspace{ID: "ws_1", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, store.CreateDocument(ctx, localstore.Document{ID: "doc_abc", WorkspaceID: "ws_1", CreatedAt: t0, UpdatedAt: t0}))
	provider := storage.NewMemoryProvider()
	require.NoError(t, provider.Set(ctx, storage.DocumentKey("doc_abc"), []byte("state")))

	res := New(store, provider).UnifyAfterSync(ctx, Request{LocalDocID: "doc_abc", CloudDocID: "srv_abc"})

	require.True(t, res.Success)
	assert.Equal(t, StorageMigrated, res.Steps[2].Storage)
	data, err := provider.Get(ctx, storage.DocumentKey("srv_abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), data)
	_, err = provider.Get(ctx, storage.DocumentKey("doc_abc"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUnifyAfterSync_StorageFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)
	seedGraph(t, store)
	provider := storage.NewMemoryProvider()
	require.NoError(t, provider.Set(ctx, storage.DocumentKey("doc_local"), []byte("state")))
	req := Request{LocalDocID: "doc_local", CloudDocID: "doc_cloud"}

	res := New(store, deleteFailingProvider{provider}).UnifyAfterSync(ctx, req)
	require.False(t, res.DocumentUnified)
	assert.Contains(t, res.Steps[2].Error, "disk busy")

	res = New(store, provider).UnifyAfterSync(ctx, req)
	require.True(t, res.Success, res.Steps[2].Error)
	assert.Equal(t, StorageDiscarded, res.Steps[2].Storage)
	assert.Nil(t, res.Steps[2].Report, "record was already rewritten")
	_, err := provider.Get(ctx, storage.DocumentKey("doc_local"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUnifyAfterSync_NewIDTaken(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)
	seedGraph(t, store)

	res := New(store, nil).UnifyAfterSync(ctx, Request{LocalDocID: "doc_local", CloudDocID: "doc_other"})

	assert.False(t, res.DocumentUnified)
	assert.Contains(t, res.Steps[2].Error, localstore.ErrIDTaken.Error())
	ok, err := store.Exists(ctx, ids.KindDocument, "doc_local")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnifyAfterSync_MissingLocalEntity(t *testing.T) {
	store := createTestStore(t)

	res := New(store, nil).UnifyAfterSync(context.Background(), Request{LocalDocID: "doc_gone", CloudDocID: "doc_cloud"})

	assert.False(t, res.DocumentUnified)
	assert.NotEmpty(t, res.Steps[2].Error)
}
