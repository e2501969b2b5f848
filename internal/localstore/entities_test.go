package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndReadEntities(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedGraph(t, s)

	w, err := s.Workspace(ctx, "ws_local")
	require.NoError(t, err)
	assert.Equal(t, "Home", w.Name)
	assert.Equal(t, t0, w.CreatedAt)
	assert.Equal(t, status.Local, w.Sync.Status)

	f, err := s.Folder(ctx, "folder_child")
	require.NoError(t, err)
	assert.Equal(t, "folder_local", f.ParentID)

	d, err := s.Document(ctx, "doc_local")
	require.NoError(t, err)
	assert.Equal(t, "Notes", d.Title)
	assert.Equal(t, "folder_local", d.FolderID)

	folders, err := s.ListFolders(ctx, "ws_local")
	require.NoError(t, err)
	assert.Len(t, folders, 2)

	docs, err := s.ListDocuments(ctx, DocumentFilter{FolderID: "folder_local"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "doc_local", docs[0].ID)

	all, err := s.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.Document(ctx, "doc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Folder(ctx, "folder_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Workspace(ctx, "ws_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateDocument(ctx, "doc_missing", DocumentUpdate{}, t0), ErrNotFound)
}

func TestDuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedGraph(t, s)

	err := s.CreateDocument(ctx, Document{ID: "doc_local", WorkspaceID: "ws_local", Title: "dup", CreatedAt: t0, UpdatedAt: t0})
	assert.ErrorIs(t, err, ErrIDTaken)
}

func TestCreateRejectsBrokenConflictInvariant(t *testing.T) {
	err := createTestStore(t).CreateDocument(context.Background(), Document{
		ID: "doc_x", WorkspaceID: "ws", Title: "x", Sync: status.Metadata{Status: status.Conflict},
	})
	assert.ErrorIs(t, err, status.ErrConflictInvariant)
}

func TestUpdateDocumentBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedGraph(t, s)

	title, content := "Renamed", "hello"
	later := t0.Add(time.Hour)
	require.NoError(t, s.UpdateDocument(ctx, "doc_local", DocumentUpdate{Title: &title, Content: &content}, later))
	require.NoError(t, s.UpdateDocument(ctx, "doc_local", DocumentUpdate{}, later))

	d, err := s.Document(ctx, "doc_local")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", d.Title)
	assert.Equal(t, "hello", d.Content)
	assert.Equal(t, later, d.UpdatedAt)
	assert.Equal(t, int64(2), d.Sync.LocalVersion)

	remoteAt := t0.Add(2 * time.Hour)
	require.NoError(t, s.ReplaceDocument(ctx, "doc_local", "Remote", "from cloud", remoteAt))
	d, err = s.Document(ctx, "doc_local")
	require.NoError(t, err)
	assert.Equal(t, "Remote", d.Title)
	assert.Equal(t, remoteAt, d.UpdatedAt)
	assert.Equal(t, int64(2), d.Sync.LocalVersion)
}

func TestRenameAndDelete(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedGraph(t, s)

	require.NoError(t, s.RenameWorkspace(ctx, "ws_local", "Work", t0.Add(time.Minute)))
	require.NoError(t, s.RenameFolder(ctx, "folder_local", "Archive", t0.Add(time.Minute)))
	w, _ := s.Workspace(ctx, "ws_local")
	f, _ := s.Folder(ctx, "folder_local")
	assert.Equal(t, "Work", w.Name)
	assert.Equal(t, "Archive", f.Name)

	require.NoError(t, s.DeleteDocument(ctx, "doc_other"))
	require.NoError(t, s.DeleteDocument(ctx, "doc_other"))
	ok, err := s.Exists(ctx, ids.KindDocument, "doc_other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedGraph(t, s)

	synced := t0.Add(time.Minute)
	version := int64(3)
	local, cloud := "mine", "theirs"
	meta := status.Metadata{
		Status:       status.Conflict,
		LastSyncedAt: &synced,
		CloudVersion: &version,
		LocalVersion: 5,
		CloudID:      "srv_1",
		Mode:         status.ModeCloud,
		Conflict: &status.ConflictData{
			LocalUpdatedAt: t0,
			CloudUpdatedAt: t0.Add(2 * time.Hour),
			LocalContent:   &local,
			CloudContent:   &cloud,
		},
	}
	require.NoError(t, s.SetSyncMetadata(ctx, ids.KindDocument, "doc_local", meta))

	got, err := s.SyncMetadata(ctx, ids.KindDocument, "doc_local")
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	err = s.SetSyncMetadata(ctx, ids.KindFolder, "folder_missing", status.NewMetadata())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.SyncMetadata(ctx, ids.KindWorkspace, "ws_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.SyncMetadata(ctx, ids.Kind("bogus"), "x")
	assert.Error(t, err)
}

func TestPointers(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	v, err := s.Pointer(ctx, PointerDocument)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetPointer(ctx, PointerDocument, "doc_a"))
	require.NoError(t, s.SetPointer(ctx, PointerDocument, "doc_b"))
	v, err = s.Pointer(ctx, PointerDocument)
	require.NoError(t, err)
	assert.Equal(t, "doc_b", v)
}
