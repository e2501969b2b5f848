package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/loftsync/internal/ids"
)

// Pointer names for the UI's "last active" selections.
const (
	PointerWorkspace = "last_active_workspace"
	PointerFolder    = "last_active_folder"
	PointerDocument  = "last_active_document"
)

func pointerFor(kind ids.Kind) string {
	switch kind {
	case ids.KindWorkspace:
		return PointerWorkspace
	case ids.KindFolder:
		return PointerFolder
	default:
		return PointerDocument
	}
}

// SetPointer stores a last-active pointer.
func (s *Store) SetPointer(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pointers (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("set pointer %s: %w", name, err)
	}
	return nil
}

// Pointer returns a pointer's value, or "" when unset.
func (s *Store) Pointer(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM pointers WHERE name = ?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read pointer %s: %w", name, err)
	}
	return value, nil
}
