// Package selective moves one document, folder, or workspace at a time
// between the local store and the remote, detecting concurrent edits by
// comparing modification timestamps.
//
// Callers must not run two sync operations for the same entity at once.
package selective

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/localstore"
	"github.com/roach88/loftsync/internal/status"
	"github.com/roach88/loftsync/internal/transport"
)

// User-visible failure reasons.
const (
	ReasonNotAuthenticated   = "Not authenticated"
	ReasonCloudNewer         = "Cloud version is newer"
	ReasonLocalNewer         = "Local version is newer"
	ReasonDocNotFoundCloud   = "Document not found in cloud"
	ReasonUnresolvedConflict = "Resolve the conflict before syncing"
	ReasonNotInConflict      = "Document is not in conflict"
)

// Result is the structured outcome of a sync operation. Failures are
// reported here, never as Go errors.
type Result struct {
	Success      bool                 `json:"success"`
	Status       status.Status        `json:"status"`
	Error        string               `json:"error,omitempty"`
	CloudID      string               `json:"cloudId,omitempty"`
	CloudVersion *int64               `json:"cloudVersion,omitempty"`
	Conflict     *status.ConflictData `json:"conflictData,omitempty"`
}

func failure(s status.Status, reason string) Result {
	return Result{Success: false, Status: s, Error: reason}
}

// LocalStore is the part of the entity store selective sync reads and
// writes. Implemented by *localstore.Store.
type LocalStore interface {
	Workspace(ctx context.Context, id string) (localstore.Workspace, error)
	Folder(ctx context.Context, id string) (localstore.Folder, error)
	Document(ctx context.Context, id string) (localstore.Document, error)
	ReplaceDocument(ctx context.Context, id, title, content string, updatedAt time.Time) error
	SyncMetadata(ctx context.Context, kind ids.Kind, id string) (status.Metadata, error)
}

var _ LocalStore = (*localstore.Store)(nil)

// Replicas gives access to the replicated state of a document, live or
// stored. Optional: without it only the record fields travel.
type Replicas interface {
	Snapshot(ctx context.Context, id string) ([]byte, error)
	Merge(ctx context.Context, id string, update []byte) error
}

// Service implements selective push and pull.
type Service struct {
	store    LocalStore
	machine  *status.Machine
	remote   transport.Client
	auth     transport.Authenticator
	replicas Replicas
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithReplicas enables replicated-state transfer.
func WithReplicas(r Replicas) Option {
	return func(s *Service) { s.replicas = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service.
func New(store LocalStore, machine *status.Machine, remote transport.Client, auth transport.Authenticator, opts ...Option) *Service {
	s := &Service{store: store, machine: machine, remote: remote, auth: auth}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) now() time.Time {
	return s.machine.Clock().Now()
}

func (s *Service) authenticated(ctx context.Context) bool {
	return transport.Authenticated(ctx, s.auth)
}

// GetSyncStatus returns the document's status, or local when it cannot be
// found.
func (s *Service) GetSyncStatus(ctx context.Context, id string) status.Status {
	return s.machine.Status(ctx, ids.KindDocument, id)
}

// Status is GetSyncStatus for any entity kind.
func (s *Service) Status(ctx context.Context, kind ids.Kind, id string) status.Status {
	return s.machine.Status(ctx, kind, id)
}

// MarkAsLocalOnly opts the document out of sync without touching remote
// data.
func (s *Service) MarkAsLocalOnly(ctx context.Context, id string) Result {
	meta, err := s.machine.Demote(ctx, ids.KindDocument, id)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return failure(status.Error, notFoundLocally(ids.KindDocument))
		}
		return failure(s.GetSyncStatus(ctx, id), "Failed to mark as local only: "+err.Error())
	}
	s.logger.Info("document marked local only", "doc_id", id)
	return Result{Success: true, Status: meta.Status, CloudID: meta.CloudID, CloudVersion: meta.CloudVersion}
}

// MarkModified records a local edit: synced becomes modified, other
// statuses are left alone.
func (s *Service) MarkModified(ctx context.Context, id string) Result {
	meta, err := s.machine.Get(ctx, ids.KindDocument, id)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return failure(status.Error, notFoundLocally(ids.KindDocument))
		}
		return failure(status.Local, err.Error())
	}
	if meta.Status == status.Synced {
		if meta, err = s.machine.Transition(ctx, ids.KindDocument, id, status.Modified, nil); err != nil {
			return failure(meta.Status, err.Error())
		}
	}
	return Result{Success: true, Status: meta.Status, CloudID: meta.CloudID, CloudVersion: meta.CloudVersion}
}

func notFoundLocally(kind ids.Kind) string {
	return kindLabel(kind) + " not found locally"
}

func kindLabel(kind ids.Kind) string {
	switch kind {
	case ids.KindWorkspace:
		return "Workspace"
	case ids.KindFolder:
		return "Folder"
	default:
		return "Document"
	}
}

// firstTime reports whether the entity has never reached the remote.
func firstTime(meta status.Metadata) bool {
	return meta.CloudID == "" && meta.LastSyncedAt == nil
}

// remoteID is the id to look the entity up by remotely.
func remoteID(id string, meta status.Metadata) string {
	if meta.CloudID != "" {
		return meta.CloudID
	}
	return id
}

// cloudRef resolves a parent reference to its cloud id when it has one.
func (s *Service) cloudRef(ctx context.Context, kind ids.Kind, id string) string {
	if id == "" {
		return ""
	}
	meta, err := s.store.SyncMetadata(ctx, kind, id)
	if err != nil || meta.CloudID == "" {
		return id
	}
	return meta.CloudID
}

// begin moves the entity into syncing. A synced entity passes through
// modified; an entity already syncing is resumed as-is.
func (s *Service) begin(ctx context.Context, kind ids.Kind, id string, cur status.Status) error {
	switch cur {
	case status.Syncing:
		return nil
	case status.Synced:
		if _, err := s.machine.Transition(ctx, kind, id, status.Modified, nil); err != nil {
			return err
		}
	}
	_, err := s.machine.Transition(ctx, kind, id, status.Syncing, nil)
	return err
}

// settle records a successful round trip and moves syncing to synced.
func (s *Service) settle(ctx context.Context, kind ids.Kind, id string, remote transport.Entity) Result {
	at := s.now()
	version := remote.Version
	meta, err := s.machine.Transition(ctx, kind, id, status.Synced, func(m *status.Metadata) {
		m.CloudID = remote.ID
		m.CloudVersion = &version
		m.LastSyncedAt = &at
		m.Mode = status.ModeCloud
	})
	if err != nil {
		s.logger.Error("record sync result failed", "entity_id", id, "error", err)
		return failure(meta.Status, "Synced but failed to record status: "+err.Error())
	}
	return Result{Success: true, Status: status.Synced, CloudID: remote.ID, CloudVersion: meta.CloudVersion}
}

// abort ends a failed operation that entered syncing. First-time failures
// end at local so the user can retry; others end at error.
func (s *Service) abort(ctx context.Context, kind ids.Kind, id string, first bool, reason string) Result {
	s.logger.Warn("sync failed", "entity_id", id, "kind", kind, "reason", reason, "first_time", first)
	meta, err := s.machine.Transition(ctx, kind, id, status.Error, func(m *status.Metadata) {
		m.Error = reason
	})
	if err != nil {
		s.logger.Error("record sync failure failed", "entity_id", id, "error", err)
		return failure(s.machine.Status(ctx, kind, id), reason)
	}
	if first {
		if meta, err = s.machine.Transition(ctx, kind, id, status.Local, func(m *status.Metadata) {
			m.Error = reason
		}); err != nil {
			s.logger.Error("reset to local failed", "entity_id", id, "error", err)
		}
	}
	return failure(meta.Status, reason)
}

// conflict moves syncing or synced to conflict.
func (s *Service) conflict(ctx context.Context, kind ids.Kind, id, reason string, data *status.ConflictData) Result {
	s.logger.Warn("sync conflict", "entity_id", id, "reason", reason,
		"local_updated_at", data.LocalUpdatedAt, "cloud_updated_at", data.CloudUpdatedAt)
	meta, err := s.machine.Transition(ctx, kind, id, status.Conflict, func(m *status.Metadata) {
		m.Conflict = data
	})
	if err != nil {
		return failure(meta.Status, reason+": "+err.Error())
	}
	res := failure(status.Conflict, reason)
	res.Conflict = data
	res.CloudID = meta.CloudID
	res.CloudVersion = meta.CloudVersion
	return res
}
