package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedGraph creates ws_local ⊃ folder_local ⊃ {doc_local, doc_other} and a
// nested folder_child, with all pointers aimed at the local ids.
func seedGraph(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkspace(ctx, Workspace{ID: "ws_local", Name: "Home", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.CreateFolder(ctx, Folder{ID: "folder_local", WorkspaceID: "ws_local", Name: "Notes", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.CreateFolder(ctx, Folder{ID: "folder_child", WorkspaceID: "ws_local", ParentID: "folder_local", Name: "Sub", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.CreateDocument(ctx, Document{ID: "doc_local", WorkspaceID: "ws_local", FolderID: "folder_local", Title: "Notes", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.CreateDocument(ctx, Document{ID: "doc_other", WorkspaceID: "ws_local", FolderID: "folder_local", Title: "Other", CreatedAt: t0.Add(time.Second), UpdatedAt: t0}))
	require.NoError(t, s.SetPointer(ctx, PointerWorkspace, "ws_local"))
	require.NoError(t, s.SetPointer(ctx, PointerFolder, "folder_local"))
	require.NoError(t, s.SetPointer(ctx, PointerDocument, "doc_local"))
}
