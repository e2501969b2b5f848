package localstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/loftsync/internal/ids"
)

// RewriteReport counts the rows a rewrite touched.
type RewriteReport struct {
	Kind     ids.Kind `json:"kind"`
	OldID    string   `json:"oldId"`
	NewID    string   `json:"newId"`
	Entity   int64    `json:"entity"`
	Children int64    `json:"children"`
	Pointers int64    `json:"pointers"`
}

// reference is a column elsewhere in the graph that holds an entity's id.
type reference struct {
	table  string
	column string
}

var references = map[ids.Kind][]reference{
	ids.KindWorkspace: {
		{"folders", "workspace_id"},
		{"documents", "workspace_id"},
	},
	ids.KindFolder: {
		{"folders", "parent_id"},
		{"documents", "folder_id"},
	},
	ids.KindDocument: nil,
}

// RewriteWorkspaceID renames a workspace and every folder, document and
// pointer that references it, in one transaction.
func (s *Store) RewriteWorkspaceID(ctx context.Context, oldID, newID string) (RewriteReport, error) {
	return s.rewriteID(ctx, ids.KindWorkspace, oldID, newID)
}

// RewriteFolderID renames a folder, its child folders' parent references,
// its documents' folder references and the folder pointer.
func (s *Store) RewriteFolderID(ctx context.Context, oldID, newID string) (RewriteReport, error) {
	return s.rewriteID(ctx, ids.KindFolder, oldID, newID)
}

// RewriteDocumentID renames a document and the document pointer.
func (s *Store) RewriteDocumentID(ctx context.Context, oldID, newID string) (RewriteReport, error) {
	return s.rewriteID(ctx, ids.KindDocument, oldID, newID)
}

func (s *Store) rewriteID(ctx context.Context, kind ids.Kind, oldID, newID string) (RewriteReport, error) {
	report := RewriteReport{Kind: kind, OldID: oldID, NewID: newID}
	if oldID == newID {
		return report, nil
	}
	table, err := tableFor(kind)
	if err != nil {
		return report, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var taken int
		err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table), newID).Scan(&taken)
		if err != nil {
			return err
		}
		if taken > 0 {
			return fmt.Errorf("rewrite %s %s -> %s: %w", kind, oldID, newID, ErrIDTaken)
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET id = ? WHERE id = ?", table), newID, oldID)
		if err != nil {
			return err
		}
		if report.Entity, err = res.RowsAffected(); err != nil {
			return err
		}
		if report.Entity == 0 {
			return fmt.Errorf("rewrite %s: %w: %s", kind, ErrNotFound, oldID)
		}

		for _, ref := range references[kind] {
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", ref.table, ref.column, ref.column), newID, oldID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			report.Children += n
		}

		res, err = tx.ExecContext(ctx, "UPDATE pointers SET value = ? WHERE name = ? AND value = ?",
			newID, pointerFor(kind), oldID)
		if err != nil {
			return err
		}
		report.Pointers, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return RewriteReport{Kind: kind, OldID: oldID, NewID: newID}, fmt.Errorf("rewrite %s id: %w", kind, err)
	}
	return report, nil
}

// References counts rows and pointers that still hold id as a reference
// for an entity of the given kind.
func (s *Store) References(ctx context.Context, kind ids.Kind, id string) (int64, error) {
	var total int64
	for _, ref := range references[kind] {
		var n int64
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", ref.table, ref.column), id).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count references: %w", err)
		}
		total += n
	}
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pointers WHERE name = ? AND value = ?",
		pointerFor(kind), id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return total + n, nil
}
