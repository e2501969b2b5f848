package selective

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/status"
	"github.com/roach88/loftsync/internal/transport"
)

// Resolution picks the winning side of a conflict.
type Resolution int

const (
	KeepLocal Resolution = iota
	KeepCloud
)

// String returns the string representation of the resolution.
func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "local"
	case KeepCloud:
		return "cloud"
	default:
		return "unknown"
	}
}

// ParseResolution accepts "local" or "cloud".
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "local":
		return KeepLocal, nil
	case "cloud":
		return KeepCloud, nil
	}
	return 0, fmt.Errorf("unknown resolution %q (want local or cloud)", s)
}

// buildConflict captures both sides and a patch turning the local content
// into the cloud content.
func buildConflict(localAt, cloudAt time.Time, local, cloud string) *status.ConflictData {
	dmp := diffmatchpatch.New()
	return &status.ConflictData{
		LocalUpdatedAt: localAt,
		CloudUpdatedAt: cloudAt,
		LocalContent:   &local,
		CloudContent:   &cloud,
		Patch:          dmp.PatchToText(dmp.PatchMake(local, cloud)),
	}
}

// ResolveConflict settles a conflicted document by forcing one side onto
// the other and moving conflict to synced. Both copies end with the same
// modification time so the next push or pull does not conflict again. On
// failure the document stays in conflict.
func (s *Service) ResolveConflict(ctx context.Context, id string, choice Resolution) Result {
	if !s.authenticated(ctx) {
		return failure(status.Error, ReasonNotAuthenticated)
	}
	doc, err := s.store.Document(ctx, id)
	if err != nil {
		return s.loadFailure(ctx, ids.KindDocument, id, err)
	}
	meta := doc.Sync
	if meta.Status != status.Conflict {
		return failure(meta.Status, ReasonNotInConflict)
	}
	stay := func(reason string) Result {
		s.logger.Warn("conflict not resolved", "doc_id", id, "choice", choice, "reason", reason)
		res := failure(status.Conflict, reason)
		res.Conflict = meta.Conflict
		return res
	}

	remote, err := s.remote.GetRemote(ctx, ids.KindDocument, remoteID(id, meta))
	if errors.Is(err, transport.ErrNotFound) {
		return stay(ReasonDocNotFoundCloud)
	}
	if err != nil {
		return stay("Failed to fetch document from cloud: " + describe(err))
	}

	switch choice {
	case KeepLocal:
		at := s.now()
		entity := transport.Entity{
			ID:          remote.ID,
			Kind:        ids.KindDocument,
			WorkspaceID: s.cloudRef(ctx, ids.KindWorkspace, doc.WorkspaceID),
			ParentID:    s.cloudRef(ctx, ids.KindFolder, doc.FolderID),
			Name:        doc.Title,
			Content:     doc.Content,
			UpdatedAt:   at,
		}
		if s.replicas != nil {
			if entity.Snapshot, err = s.replicas.Snapshot(ctx, id); err != nil {
				return stay("Failed to read document state: " + err.Error())
			}
		}
		if remote, err = s.remote.UpdateRemote(ctx, ids.KindDocument, remote.ID, entity); err != nil {
			return stay("Failed to update document in cloud: " + describe(err))
		}
		if err := s.store.ReplaceDocument(ctx, id, doc.Title, doc.Content, remote.UpdatedAt); err != nil {
			return stay("Failed to write document locally: " + err.Error())
		}
	case KeepCloud:
		if err := s.store.ReplaceDocument(ctx, id, remote.Name, remote.Content, remote.UpdatedAt); err != nil {
			return stay("Failed to write document locally: " + err.Error())
		}
		s.mergeSnapshot(ctx, id, remote.Snapshot)
	default:
		return stay(fmt.Sprintf("unknown resolution %d", choice))
	}

	s.logger.Info("conflict resolved", "doc_id", id, "choice", choice, "version", remote.Version)
	return s.settle(ctx, ids.KindDocument, id, remote)
}
