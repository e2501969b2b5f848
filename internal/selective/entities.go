package selective

import (
	"context"
	"errors"
	"strings"

	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/status"
	"github.com/roach88/loftsync/internal/transport"
)

// PushFolder sends a folder to the remote. Folders have no body: the remote
// copy is created when missing and otherwise overwritten, with no
// timestamp comparison.
func (s *Service) PushFolder(ctx context.Context, id string) Result {
	return s.pushContainer(ctx, ids.KindFolder, id, func(ctx context.Context) (transport.Entity, status.Metadata, error) {
		f, err := s.store.Folder(ctx, id)
		if err != nil {
			return transport.Entity{}, status.Metadata{}, err
		}
		return transport.Entity{
			Kind:        ids.KindFolder,
			WorkspaceID: s.cloudRef(ctx, ids.KindWorkspace, f.WorkspaceID),
			ParentID:    s.cloudRef(ctx, ids.KindFolder, f.ParentID),
			Name:        f.Name,
			UpdatedAt:   f.UpdatedAt,
		}, f.Sync, nil
	})
}

// PushWorkspace sends a workspace to the remote, like PushFolder.
func (s *Service) PushWorkspace(ctx context.Context, id string) Result {
	return s.pushContainer(ctx, ids.KindWorkspace, id, func(ctx context.Context) (transport.Entity, status.Metadata, error) {
		w, err := s.store.Workspace(ctx, id)
		if err != nil {
			return transport.Entity{}, status.Metadata{}, err
		}
		return transport.Entity{
			Kind:      ids.KindWorkspace,
			Name:      w.Name,
			UpdatedAt: w.UpdatedAt,
		}, w.Sync, nil
	})
}

type loadFunc func(ctx context.Context) (transport.Entity, status.Metadata, error)

func (s *Service) pushContainer(ctx context.Context, kind ids.Kind, id string, load loadFunc) Result {
	if !s.authenticated(ctx) {
		return failure(status.Error, ReasonNotAuthenticated)
	}
	entity, meta, err := load(ctx)
	if err != nil {
		return s.loadFailure(ctx, kind, id, err)
	}
	if meta.Status == status.Conflict {
		res := failure(status.Conflict, ReasonUnresolvedConflict)
		res.Conflict = meta.Conflict
		return res
	}
	first := firstTime(meta)
	label := kindLabel(kind)

	if err := s.begin(ctx, kind, id, meta.Status); err != nil {
		return failure(s.machine.Status(ctx, kind, id), "Failed to start sync: "+err.Error())
	}

	remote, err := s.remote.GetRemote(ctx, kind, remoteID(id, meta))
	switch {
	case errors.Is(err, transport.ErrNotFound):
		created, err := s.remote.CreateRemote(ctx, entity)
		if err != nil {
			return s.abort(ctx, kind, id, first, "Failed to create "+strings.ToLower(label)+" in cloud: "+describe(err))
		}
		s.logger.Info("entity created in cloud", "entity_id", id, "kind", kind, "cloud_id", created.ID)
		return s.settle(ctx, kind, id, created)
	case err != nil:
		return s.abort(ctx, kind, id, first, "Failed to reach cloud: "+describe(err))
	}

	entity.ID = remote.ID
	updated, err := s.remote.UpdateRemote(ctx, kind, remote.ID, entity)
	if err != nil {
		return s.abort(ctx, kind, id, first, "Failed to update "+strings.ToLower(label)+" in cloud: "+describe(err))
	}
	s.logger.Info("entity pushed", "entity_id", id, "kind", kind, "cloud_id", updated.ID, "version", updated.Version)
	return s.settle(ctx, kind, id, updated)
}
