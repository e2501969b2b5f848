// Package unify rewrites locally minted ids into the ids the remote
// assigned on first push, across the workspace, folder, and document graph.
package unify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/loftsync/internal/events"
	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/localstore"
	"github.com/roach88/loftsync/internal/storage"
)

// Rewriter performs the per-entity id rewrites and answers the
// verification queries. Implemented by *localstore.Store.
type Rewriter interface {
	RewriteWorkspaceID(ctx context.Context, oldID, newID string) (localstore.RewriteReport, error)
	RewriteFolderID(ctx context.Context, oldID, newID string) (localstore.RewriteReport, error)
	RewriteDocumentID(ctx context.Context, oldID, newID string) (localstore.RewriteReport, error)
	Exists(ctx context.Context, kind ids.Kind, id string) (bool, error)
	References(ctx context.Context, kind ids.Kind, id string) (int64, error)
}

var _ Rewriter = (*localstore.Store)(nil)

// Request names the local and cloud ids of each entity. Empty ids mean the
// entity has no counterpart.
type Request struct {
	LocalDocID       string `json:"localDocId"`
	CloudDocID       string `json:"cloudDocId"`
	LocalFolderID    string `json:"localFolderId,omitempty"`
	CloudFolderID    string `json:"cloudFolderId,omitempty"`
	LocalWorkspaceID string `json:"localWorkspaceId,omitempty"`
	CloudWorkspaceID string `json:"cloudWorkspaceId,omitempty"`
}

// Storage actions taken for the document's replicated state.
const (
	StorageDiscarded = "discarded"
	StorageMigrated  = "migrated"
)

// Step reports one entity's unification.
type Step struct {
	Kind    ids.Kind `json:"kind"`
	OldID   string   `json:"oldId"`
	NewID   string   `json:"newId"`
	Success bool     `json:"success"`
	// Skipped is set when there was nothing to rewrite.
	Skipped bool                      `json:"skipped,omitempty"`
	Report  *localstore.RewriteReport `json:"report,omitempty"`
	Storage string                    `json:"storage,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

// Result is the per-entity outcome. Success is the AND of the three flags;
// succeeded steps are never rolled back.
type Result struct {
	Success          bool   `json:"success"`
	WorkspaceUnified bool   `json:"workspaceUnified"`
	FolderUnified    bool   `json:"folderUnified"`
	DocumentUnified  bool   `json:"documentUnified"`
	Steps            []Step `json:"steps"`
}

// Service runs unification.
type Service struct {
	rewriter Rewriter
	provider storage.Provider
	bus      *events.Bus
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBus sets the bus that receives workspace-ids-changed and ids-unified.
func WithBus(b *events.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service. provider holds replicated document state keyed by
// storage.DocumentKey.
func New(rewriter Rewriter, provider storage.Provider, opts ...Option) *Service {
	s := &Service{rewriter: rewriter, provider: provider}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// UnifyAfterSync rewrites workspace, then folder, then document ids. Every
// step is attempted even when an earlier one failed, so a caller can retry
// exactly the failed sub-step.
func (s *Service) UnifyAfterSync(ctx context.Context, req Request) Result {
	logger := s.logger.With("local_doc_id", req.LocalDocID, "cloud_doc_id", req.CloudDocID)
	var res Result

	ws := s.step(ctx, ids.KindWorkspace, req.LocalWorkspaceID, req.CloudWorkspaceID)
	res.WorkspaceUnified = ws.Success
	res.Steps = append(res.Steps, ws)
	if ws.Success && !ws.Skipped {
		s.bus.Publish(events.TopicWorkspaceIDsChanged, events.WorkspaceIDsChanged{OldID: ws.OldID, NewID: ws.NewID})
	}

	folder := s.step(ctx, ids.KindFolder, req.LocalFolderID, req.CloudFolderID)
	res.FolderUnified = folder.Success
	res.Steps = append(res.Steps, folder)

	doc := s.step(ctx, ids.KindDocument, req.LocalDocID, req.CloudDocID)
	res.DocumentUnified = doc.Success
	res.Steps = append(res.Steps, doc)

	res.Success = res.WorkspaceUnified && res.FolderUnified && res.DocumentUnified
	if !res.Success {
		logger.Warn("id unification incomplete",
			"workspace_unified", res.WorkspaceUnified,
			"folder_unified", res.FolderUnified,
			"document_unified", res.DocumentUnified,
		)
		return res
	}
	logger.Info("ids unified")
	s.bus.Publish(events.TopicIDsUnified, events.IDsUnified{
		LocalDocID:       req.LocalDocID,
		CloudDocID:       req.CloudDocID,
		LocalFolderID:    req.LocalFolderID,
		CloudFolderID:    req.CloudFolderID,
		LocalWorkspaceID: req.LocalWorkspaceID,
		CloudWorkspaceID: req.CloudWorkspaceID,
	})
	return res
}

func (s *Service) step(ctx context.Context, kind ids.Kind, oldID, newID string) Step {
	st := Step{Kind: kind, OldID: oldID, NewID: newID}
	if oldID == "" || newID == "" || oldID == newID {
		st.Success, st.Skipped = true, true
		return st
	}
	logger := s.logger.With("kind", kind, "old_id", oldID, "new_id", newID)

	report, err := s.rewrite(ctx, kind, oldID, newID)
	if err != nil {
		if !resumable(err) || !s.alreadyRewritten(ctx, kind, oldID, newID) {
			st.Error = err.Error()
			logger.Error("id rewrite failed", "error", err)
			return st
		}
		logger.Info("id already rewritten; resuming")
	} else {
		st.Report = &report
	}

	if kind == ids.KindDocument {
		action, err := s.moveStorage(ctx, oldID, newID)
		st.Storage = action
		if err != nil {
			st.Error = err.Error()
			logger.Error("document storage cleanup failed", "error", err)
			return st
		}
	}

	if err := s.verify(ctx, kind, oldID, newID); err != nil {
		st.Error = err.Error()
		logger.Error("id rewrite verification failed", "error", err)
		return st
	}
	st.Success = true
	logger.Info("id rewritten", "storage", st.Storage)
	return st
}

func (s *Service) rewrite(ctx context.Context, kind ids.Kind, oldID, newID string) (localstore.RewriteReport, error) {
	switch kind {
	case ids.KindWorkspace:
		return s.rewriter.RewriteWorkspaceID(ctx, oldID, newID)
	case ids.KindFolder:
		return s.rewriter.RewriteFolderID(ctx, oldID, newID)
	case ids.KindDocument:
		return s.rewriter.RewriteDocumentID(ctx, oldID, newID)
	}
	return localstore.RewriteReport{}, fmt.Errorf("unknown entity kind %q", kind)
}

// resumable reports whether err is what a repeated rewrite returns once the
// first attempt committed.
func resumable(err error) bool {
	return errors.Is(err, localstore.ErrNotFound) || errors.Is(err, localstore.ErrIDTaken)
}

func (s *Service) alreadyRewritten(ctx context.Context, kind ids.Kind, oldID, newID string) bool {
	return s.verify(ctx, kind, oldID, newID) == nil
}

// moveStorage discards the old document key, or carries its state over
// when both ids name the same underlying identifier.
func (s *Service) moveStorage(ctx context.Context, oldID, newID string) (string, error) {
	if s.provider == nil {
		return "", nil
	}
	oldKey := storage.DocumentKey(oldID)
	if ids.SameUnderlying(oldID, newID) {
		data, err := s.provider.Get(ctx, oldKey)
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("read document state: %w", err)
		}
		if err := s.provider.Set(ctx, storage.DocumentKey(newID), data); err != nil {
			return "", fmt.Errorf("migrate document state: %w", err)
		}
		if err := s.provider.Delete(ctx, oldKey); err != nil {
			return "", fmt.Errorf("migrate document state: %w", err)
		}
		return StorageMigrated, nil
	}
	if err := s.provider.Delete(ctx, oldKey); err != nil {
		return "", fmt.Errorf("discard document state: %w", err)
	}
	return StorageDiscarded, nil
}

// verify confirms the old id no longer resolves and the new one does.
func (s *Service) verify(ctx context.Context, kind ids.Kind, oldID, newID string) error {
	oldExists, err := s.rewriter.Exists(ctx, kind, oldID)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if oldExists {
		return fmt.Errorf("verify: %s %s still resolvable", kind, oldID)
	}
	refs, err := s.rewriter.References(ctx, kind, oldID)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("verify: %d references to %s remain", refs, oldID)
	}
	newExists, err := s.rewriter.Exists(ctx, kind, newID)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !newExists {
		return fmt.Errorf("verify: %s %s not resolvable", kind, newID)
	}
	return nil
}
