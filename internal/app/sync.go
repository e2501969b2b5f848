package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/loftsync/internal/events"
	"github.com/roach88/loftsync/internal/registry"
	"github.com/roach88/loftsync/internal/selective"
	"github.com/roach88/loftsync/internal/unify"
)

// SyncReport is the outcome of SyncDocument. Stages after the first failed
// push are absent.
type SyncReport struct {
	Workspace *selective.Result `json:"workspace,omitempty"`
	Folder    *selective.Result `json:"folder,omitempty"`
	Document  *selective.Result `json:"document,omitempty"`
	Unify     *unify.Result     `json:"unify,omitempty"`
	// DocumentID is the document's id after the sync.
	DocumentID string `json:"documentId"`
}

// Success reports whether every stage that ran succeeded.
func (r SyncReport) Success() bool {
	for _, res := range []*selective.Result{r.Workspace, r.Folder, r.Document} {
		if res != nil && !res.Success {
			return false
		}
	}
	return r.Document != nil && (r.Unify == nil || r.Unify.Success)
}

// SyncDocument pushes a document together with its workspace and folder,
// then replaces every locally minted id with the id the cloud assigned.
func (a *App) SyncDocument(ctx context.Context, id string) (SyncReport, error) {
	report := SyncReport{DocumentID: id}
	doc, err := a.Store.Document(ctx, id)
	if err != nil {
		return report, fmt.Errorf("sync %s: %w", id, err)
	}

	ws := a.Sync.PushWorkspace(ctx, doc.WorkspaceID)
	report.Workspace = &ws
	if !ws.Success {
		return report, nil
	}
	req := unify.Request{
		LocalDocID:       id,
		LocalWorkspaceID: doc.WorkspaceID,
		CloudWorkspaceID: ws.CloudID,
	}
	if doc.FolderID != "" {
		folder := a.Sync.PushFolder(ctx, doc.FolderID)
		report.Folder = &folder
		if !folder.Success {
			return report, nil
		}
		req.LocalFolderID, req.CloudFolderID = doc.FolderID, folder.CloudID
	}
	pushed := a.Sync.PushDocument(ctx, id)
	report.Document = &pushed
	if !pushed.Success {
		return report, nil
	}
	req.CloudDocID = pushed.CloudID

	res := a.Unifier.UnifyAfterSync(ctx, req)
	report.Unify = &res
	if res.DocumentUnified {
		report.DocumentID = pushed.CloudID
		// Full success renames through the ids-unified subscription.
		if !res.Success {
			a.renameLive(ctx, id, pushed.CloudID)
		}
	}
	return report, nil
}

func (a *App) onUnified(ev events.Event) {
	payload, ok := ev.Payload.(events.IDsUnified)
	if !ok {
		return
	}
	a.renameLive(context.Background(), payload.LocalDocID, payload.CloudDocID)
	if inst, ok := a.Registry.Get(payload.CloudDocID); ok {
		meta := inst.Metadata()
		if payload.CloudWorkspaceID != "" && meta.WorkspaceID == payload.LocalWorkspaceID {
			meta.WorkspaceID = payload.CloudWorkspaceID
		}
		if payload.CloudFolderID != "" && meta.FolderID == payload.LocalFolderID {
			meta.FolderID = payload.CloudFolderID
		}
		inst.SetMetadata(meta)
	}
}

// renameLive re-keys an open instance. Its state is written under the new
// key and anything written under the old key after unification is cleared.
// An open live channel moves to the new room.
func (a *App) renameLive(ctx context.Context, oldID, newID string) {
	if oldID == "" || newID == "" || oldID == newID {
		return
	}
	old, _ := a.persistence(oldID)
	err := a.Registry.Rename(oldID, newID)
	switch {
	case err == nil:
		if old != nil {
			if err := old.ClearData(ctx); err != nil {
				a.logger.Warn("clear old document state failed", "old_id", oldID, "error", err)
			}
		}
		a.flush(ctx, newID)
		if a.LiveAttached(oldID) {
			a.detachLive(oldID)
			if inst, ok := a.Registry.Get(newID); ok {
				a.attachLive(ctx, newID, inst.Doc())
			}
		}
	case errors.Is(err, registry.ErrNotRegistered):
		// Not open; nothing live to re-key.
	default:
		a.logger.Warn("rename live document failed", "old_id", oldID, "doc_id", newID, "error", err)
	}
}
