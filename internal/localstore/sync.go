package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/status"
)

const syncColumns = "sync_status, last_synced_at, cloud_version, local_version, sync_error, conflict_data, cloud_id, sync_mode"

// syncRow is the scan target for syncColumns.
type syncRow struct {
	status       string
	lastSyncedAt sql.NullInt64
	cloudVersion sql.NullInt64
	localVersion int64
	syncError    string
	conflict     sql.NullString
	cloudID      string
	mode         string
}

func (r *syncRow) dest() []any {
	return []any{&r.status, &r.lastSyncedAt, &r.cloudVersion, &r.localVersion, &r.syncError, &r.conflict, &r.cloudID, &r.mode}
}

func (r *syncRow) metadata() (status.Metadata, error) {
	st, err := status.Parse(r.status)
	if err != nil {
		return status.Metadata{}, err
	}
	m := status.Metadata{
		Status:       st,
		LocalVersion: r.localVersion,
		Error:        r.syncError,
		CloudID:      r.cloudID,
		Mode:         status.Mode(r.mode),
	}
	if r.lastSyncedAt.Valid {
		t := fromMillis(r.lastSyncedAt.Int64)
		m.LastSyncedAt = &t
	}
	if r.cloudVersion.Valid {
		v := r.cloudVersion.Int64
		m.CloudVersion = &v
	}
	if r.conflict.Valid && r.conflict.String != "" {
		var cd status.ConflictData
		if err := json.Unmarshal([]byte(r.conflict.String), &cd); err != nil {
			return status.Metadata{}, fmt.Errorf("decode conflict data: %w", err)
		}
		m.Conflict = &cd
	}
	return m, nil
}

// syncArgs returns values for syncColumns in order.
func syncArgs(m status.Metadata) ([]any, error) {
	var lastSynced, cloudVersion, conflict any
	if m.LastSyncedAt != nil {
		lastSynced = toMillis(*m.LastSyncedAt)
	}
	if m.CloudVersion != nil {
		cloudVersion = *m.CloudVersion
	}
	if m.Conflict != nil {
		data, err := json.Marshal(m.Conflict)
		if err != nil {
			return nil, fmt.Errorf("encode conflict data: %w", err)
		}
		conflict = string(data)
	}
	return []any{string(m.Status), lastSynced, cloudVersion, m.LocalVersion, m.Error, conflict, m.CloudID, string(m.Mode)}, nil
}

func tableFor(kind ids.Kind) (string, error) {
	switch kind {
	case ids.KindWorkspace:
		return "workspaces", nil
	case ids.KindFolder:
		return "folders", nil
	case ids.KindDocument:
		return "documents", nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
}

// SyncMetadata reads the sync metadata of an entity.
// Returns ErrNotFound when the entity does not exist.
func (s *Store) SyncMetadata(ctx context.Context, kind ids.Kind, id string) (status.Metadata, error) {
	table, err := tableFor(kind)
	if err != nil {
		return status.Metadata{}, err
	}
	var row syncRow
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", syncColumns, table)
	err = s.db.QueryRowContext(ctx, query, id).Scan(row.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return status.Metadata{}, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return status.Metadata{}, fmt.Errorf("read sync metadata: %w", err)
	}
	return row.metadata()
}

// SetSyncMetadata replaces the sync metadata of an entity. The metadata
// must satisfy status.Metadata.Validate.
func (s *Store) SetSyncMetadata(ctx context.Context, kind ids.Kind, id string, m status.Metadata) error {
	if err := m.Validate(); err != nil {
		return err
	}
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	args, err := syncArgs(m)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET sync_status = ?, last_synced_at = ?, cloud_version = ?,
		local_version = ?, sync_error = ?, conflict_data = ?, cloud_id = ?, sync_mode = ?
		WHERE id = ?`, table)
	res, err := s.db.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return fmt.Errorf("write sync metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write sync metadata: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}

// Exists reports whether an entity with id is stored.
func (s *Store) Exists(ctx context.Context, kind ids.Kind, id string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s %s: %w", kind, id, err)
	}
	return true, nil
}

var _ status.MetadataStore = (*Store)(nil)
