package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/loftsync/internal/hydrate"
	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/localstore"
	"github.com/roach88/loftsync/internal/registry"
)

// CreateWorkspace mints a local workspace.
func (a *App) CreateWorkspace(ctx context.Context, name string) (localstore.Workspace, error) {
	now := a.clock.Now()
	w := localstore.Workspace{
		ID:        ids.New(ids.KindWorkspace, a.ids),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.Store.CreateWorkspace(ctx, w); err != nil {
		return localstore.Workspace{}, err
	}
	return a.Store.Workspace(ctx, w.ID)
}

// CreateFolder mints a local folder. parentID may be empty.
func (a *App) CreateFolder(ctx context.Context, workspaceID, parentID, name string) (localstore.Folder, error) {
	now := a.clock.Now()
	f := localstore.Folder{
		ID:          ids.New(ids.KindFolder, a.ids),
		WorkspaceID: workspaceID,
		ParentID:    parentID,
		Name:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.Store.CreateFolder(ctx, f); err != nil {
		return localstore.Folder{}, err
	}
	return a.Store.Folder(ctx, f.ID)
}

// CreateDocument mints a local document. folderID may be empty.
func (a *App) CreateDocument(ctx context.Context, workspaceID, folderID, title, content string) (localstore.Document, error) {
	now := a.clock.Now()
	d := localstore.Document{
		ID:          ids.New(ids.KindDocument, a.ids),
		WorkspaceID: workspaceID,
		FolderID:    folderID,
		Title:       title,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.Store.CreateDocument(ctx, d); err != nil {
		return localstore.Document{}, err
	}
	return a.Store.Document(ctx, d.ID)
}

// EditDocument applies a local edit and flags a synced document modified.
func (a *App) EditDocument(ctx context.Context, id string, u localstore.DocumentUpdate) (localstore.Document, error) {
	if err := a.Store.UpdateDocument(ctx, id, u, a.clock.Now()); err != nil {
		return localstore.Document{}, err
	}
	if res := a.Sync.MarkModified(ctx, id); !res.Success {
		a.logger.Warn("mark modified failed", "doc_id", id, "error", res.Error)
	}
	return a.Store.Document(ctx, id)
}

// Source is the hydration input offered when a document is opened.
// An empty PlainText falls back to the stored legacy content.
type Source struct {
	Snapshot  []byte
	PlainText string
}

// Opened is the result of OpenDocument.
type Opened struct {
	Instance *registry.Instance
	// Hydration is nil when the instance was already live.
	Hydration *hydrate.Result
}

// OpenDocument returns the single live instance for id, creating and
// hydrating it on first open. Every successful call holds one reference
// until CloseDocument.
func (a *App) OpenDocument(ctx context.Context, id string, src Source) (Opened, error) {
	if inst, ok := a.Registry.Get(id); ok {
		if _, err := a.Registry.AddRef(id); err != nil {
			return Opened{}, err
		}
		a.markActive(ctx, id, inst.Metadata())
		return Opened{Instance: inst}, nil
	}

	doc, err := a.Store.Document(ctx, id)
	if err != nil {
		return Opened{}, fmt.Errorf("open %s: %w", id, err)
	}
	meta := registry.Metadata{
		Title:       doc.Title,
		WorkspaceID: doc.WorkspaceID,
		FolderID:    doc.FolderID,
		Sync:        doc.Sync,
	}
	inst, err := a.Registry.Register(id, meta)
	if errors.Is(err, registry.ErrAlreadyRegistered) {
		// Lost a race with another opener.
		return a.OpenDocument(ctx, id, src)
	}
	if err != nil {
		return Opened{}, err
	}

	// An attached channel makes the relay the content source, so
	// hydration below skips.
	a.attachLive(ctx, id, inst.Doc())

	text := src.PlainText
	if text == "" {
		text = doc.Content
	}
	req := hydrate.Request{
		DocID:     id,
		Doc:       inst.Doc(),
		Snapshot:  src.Snapshot,
		PlainText: text,
	}
	if local, ok := inst.Handle().(hydrate.LocalStore); ok {
		req.Local = local
	}
	res := a.Hydrator.Hydrate(ctx, req)
	if res.Outcome == hydrate.OutcomeFailed {
		if err := a.Registry.SetState(id, registry.StateError); err != nil {
			a.logger.Warn("set instance state failed", "doc_id", id, "error", err)
		}
	}
	a.markActive(ctx, id, meta)
	return Opened{Instance: inst, Hydration: &res}, nil
}

// markActive points the last-active selections at an opened document.
func (a *App) markActive(ctx context.Context, id string, meta registry.Metadata) {
	pointers := []struct{ name, value string }{
		{localstore.PointerWorkspace, meta.WorkspaceID},
		{localstore.PointerFolder, meta.FolderID},
		{localstore.PointerDocument, id},
	}
	for _, p := range pointers {
		if p.value == "" {
			continue
		}
		if err := a.Store.SetPointer(ctx, p.name, p.value); err != nil {
			a.logger.Warn("set last-active pointer failed", "pointer", p.name, "error", err)
		}
	}
}

// MountEditor absorbs staged legacy content into the live document, as an
// editor does when it attaches.
func (a *App) MountEditor(id string) (int, error) {
	inst, ok := a.Registry.Get(id)
	if !ok {
		return 0, fmt.Errorf("mount %s: %w", id, registry.ErrNotRegistered)
	}
	return hydrate.AbsorbPending(inst.Doc())
}

// CloseDocument releases one reference. Releasing the last one closes the
// document's live channel; the instance itself stays until eviction.
func (a *App) CloseDocument(id string) (int, error) {
	refs, err := a.Registry.ReleaseRef(id)
	if err == nil && refs == 0 {
		a.detachLive(id)
	}
	return refs, err
}

// Evict unregisters unreferenced instances, least recently used first,
// until at most keep instances remain. Referenced instances are never
// evicted.
func (a *App) Evict(keep int) []string {
	excess := a.Registry.Len() - keep
	if excess <= 0 {
		return nil
	}
	var evicted []string
	for _, id := range a.Registry.Unreferenced() {
		if len(evicted) == excess {
			break
		}
		a.detachLive(id)
		if err := a.Registry.Unregister(id); err != nil {
			a.logger.Warn("evict failed", "doc_id", id, "error", err)
			continue
		}
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		a.logger.Info("evicted documents", "count", len(evicted), "keep", keep)
	}
	return evicted
}

// RecordProvenance writes the live state of a document and snapshots it
// before an external reload.
func (a *App) RecordProvenance(ctx context.Context, id, reason, filePath string) (bool, error) {
	inst, ok := a.Registry.Get(id)
	if !ok {
		return false, fmt.Errorf("provenance %s: %w", id, registry.ErrNotRegistered)
	}
	a.flush(ctx, id)
	return a.Provenance.RecordBeforeReload(ctx, id, inst.Doc(), reason, filePath), nil
}
