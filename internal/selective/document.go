package selective

import (
	"context"
	"errors"

	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/localstore"
	"github.com/roach88/loftsync/internal/status"
	"github.com/roach88/loftsync/internal/transport"
)

// PushDocument sends the local document to the remote. A document with no
// remote counterpart is created; otherwise the remote copy is overwritten
// unless it is strictly newer, which yields a conflict.
func (s *Service) PushDocument(ctx context.Context, id string) Result {
	if !s.authenticated(ctx) {
		return failure(status.Error, ReasonNotAuthenticated)
	}
	doc, err := s.store.Document(ctx, id)
	if err != nil {
		return s.loadFailure(ctx, ids.KindDocument, id, err)
	}
	meta := doc.Sync
	if meta.Status == status.Conflict {
		res := failure(status.Conflict, ReasonUnresolvedConflict)
		res.Conflict = meta.Conflict
		return res
	}
	first := firstTime(meta)
	logger := s.logger.With("doc_id", id)

	if err := s.begin(ctx, ids.KindDocument, id, meta.Status); err != nil {
		return failure(s.GetSyncStatus(ctx, id), "Failed to start sync: "+err.Error())
	}

	entity := transport.Entity{
		Kind:        ids.KindDocument,
		WorkspaceID: s.cloudRef(ctx, ids.KindWorkspace, doc.WorkspaceID),
		ParentID:    s.cloudRef(ctx, ids.KindFolder, doc.FolderID),
		Name:        doc.Title,
		Content:     doc.Content,
		UpdatedAt:   doc.UpdatedAt,
	}
	if s.replicas != nil {
		snap, err := s.replicas.Snapshot(ctx, id)
		if err != nil {
			return s.abort(ctx, ids.KindDocument, id, first, "Failed to read document state: "+err.Error())
		}
		entity.Snapshot = snap
	}

	remote, err := s.remote.GetRemote(ctx, ids.KindDocument, remoteID(id, meta))
	switch {
	case errors.Is(err, transport.ErrNotFound):
		created, err := s.remote.CreateRemote(ctx, entity)
		if err != nil {
			return s.abort(ctx, ids.KindDocument, id, first, "Failed to create document in cloud: "+describe(err))
		}
		logger.Info("document created in cloud", "cloud_id", created.ID, "version", created.Version)
		return s.settle(ctx, ids.KindDocument, id, created)
	case err != nil:
		return s.abort(ctx, ids.KindDocument, id, first, "Failed to reach cloud: "+describe(err))
	}

	if status.IsNewer(remote.UpdatedAt, doc.UpdatedAt) {
		return s.conflict(ctx, ids.KindDocument, id, ReasonCloudNewer,
			buildConflict(doc.UpdatedAt, remote.UpdatedAt, doc.Content, remote.Content))
	}

	entity.ID = remote.ID
	updated, err := s.remote.UpdateRemote(ctx, ids.KindDocument, remote.ID, entity)
	if err != nil {
		return s.abort(ctx, ids.KindDocument, id, first, "Failed to update document in cloud: "+describe(err))
	}
	logger.Info("document pushed", "cloud_id", updated.ID, "version", updated.Version)
	return s.settle(ctx, ids.KindDocument, id, updated)
}

// PullDocument overwrites the local document from its remote copy unless
// the local copy is strictly newer, which yields a conflict. A synced
// document stays synced throughout; other statuses pass through syncing.
func (s *Service) PullDocument(ctx context.Context, id string) Result {
	if !s.authenticated(ctx) {
		return failure(status.Error, ReasonNotAuthenticated)
	}
	doc, err := s.store.Document(ctx, id)
	if err != nil {
		return s.loadFailure(ctx, ids.KindDocument, id, err)
	}
	meta := doc.Sync
	if meta.Status == status.Conflict {
		res := failure(status.Conflict, ReasonUnresolvedConflict)
		res.Conflict = meta.Conflict
		return res
	}
	quiet := meta.Status == status.Synced
	logger := s.logger.With("doc_id", id)

	if !quiet {
		if err := s.begin(ctx, ids.KindDocument, id, meta.Status); err != nil {
			return failure(s.GetSyncStatus(ctx, id), "Failed to start sync: "+err.Error())
		}
	}
	fail := func(reason string) Result {
		if quiet {
			logger.Warn("pull failed", "reason", reason)
			return failure(status.Synced, reason)
		}
		return s.abort(ctx, ids.KindDocument, id, false, reason)
	}

	remote, err := s.remote.GetRemote(ctx, ids.KindDocument, remoteID(id, meta))
	if errors.Is(err, transport.ErrNotFound) {
		return fail(ReasonDocNotFoundCloud)
	}
	if err != nil {
		return fail("Failed to fetch document from cloud: " + describe(err))
	}

	if status.IsNewer(doc.UpdatedAt, remote.UpdatedAt) {
		return s.conflict(ctx, ids.KindDocument, id, ReasonLocalNewer,
			buildConflict(doc.UpdatedAt, remote.UpdatedAt, doc.Content, remote.Content))
	}

	if err := s.store.ReplaceDocument(ctx, id, remote.Name, remote.Content, remote.UpdatedAt); err != nil {
		return fail("Failed to write document locally: " + err.Error())
	}
	s.mergeSnapshot(ctx, id, remote.Snapshot)
	logger.Info("document pulled", "cloud_id", remote.ID, "version", remote.Version)

	if !quiet {
		return s.settle(ctx, ids.KindDocument, id, remote)
	}
	at := s.now()
	version := remote.Version
	meta, err = s.machine.Touch(ctx, ids.KindDocument, id, func(m *status.Metadata) {
		m.CloudID = remote.ID
		m.CloudVersion = &version
		m.LastSyncedAt = &at
	})
	if err != nil {
		return failure(status.Synced, "Pulled but failed to record status: "+err.Error())
	}
	return Result{Success: true, Status: status.Synced, CloudID: remote.ID, CloudVersion: meta.CloudVersion}
}

func (s *Service) mergeSnapshot(ctx context.Context, id string, snapshot []byte) {
	if s.replicas == nil || len(snapshot) == 0 {
		return
	}
	if err := s.replicas.Merge(ctx, id, snapshot); err != nil {
		s.logger.Warn("remote document state not merged", "doc_id", id, "error", err)
	}
}

// loadFailure maps a local read error onto a result.
func (s *Service) loadFailure(ctx context.Context, kind ids.Kind, id string, err error) Result {
	if errors.Is(err, localstore.ErrNotFound) {
		return failure(status.Error, notFoundLocally(kind))
	}
	s.logger.Error("local read failed", "entity_id", id, "kind", kind, "error", err)
	return failure(s.machine.Status(ctx, kind, id), "Failed to read "+string(kind)+" locally: "+err.Error())
}

// describe turns transport errors into user-facing text.
func describe(err error) string {
	if transport.IsUnauthenticated(err) {
		return ReasonNotAuthenticated
	}
	return err.Error()
}
