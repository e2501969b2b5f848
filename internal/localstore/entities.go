package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/status"
)

// Workspace is the root of the entity graph.
type Workspace struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Sync      status.Metadata `json:"sync"`
}

// Folder groups documents inside a workspace. ParentID is empty for
// top-level folders.
type Folder struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	ParentID    string          `json:"parentId,omitempty"`
	Name        string          `json:"name"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Sync        status.Metadata `json:"sync"`
}

// Document is a document record. Content is the legacy plain-text body;
// the replicated state lives in the storage provider.
type Document struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	FolderID    string          `json:"folderId,omitempty"`
	Title       string          `json:"title"`
	Content     string          `json:"content,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Sync        status.Metadata `json:"sync"`
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func normalizeSync(m status.Metadata) status.Metadata {
	if m.Status == "" {
		m.Status = status.Local
	}
	return m
}

// CreateWorkspace inserts a workspace. A zero Sync starts as local.
func (s *Store) CreateWorkspace(ctx context.Context, w Workspace) error {
	w.Sync = normalizeSync(w.Sync)
	if err := w.Sync.Validate(); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	args, err := syncArgs(w.Sync)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, created_at, updated_at, `+syncColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{w.ID, w.Name, toMillis(w.CreatedAt), toMillis(w.UpdatedAt)}, args...)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("create workspace %s: %w", w.ID, ErrIDTaken)
	}
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

const workspaceColumns = "id, name, created_at, updated_at, " + syncColumns

func scanWorkspace(row interface{ Scan(...any) error }) (Workspace, error) {
	var (
		w                Workspace
		created, updated int64
		sr               syncRow
	)
	dest := append([]any{&w.ID, &w.Name, &created, &updated}, sr.dest()...)
	if err := row.Scan(dest...); err != nil {
		return Workspace{}, err
	}
	meta, err := sr.metadata()
	if err != nil {
		return Workspace{}, err
	}
	w.CreatedAt, w.UpdatedAt, w.Sync = fromMillis(created), fromMillis(updated), meta
	return w, nil
}

// Workspace returns the workspace with id, or ErrNotFound.
func (s *Store) Workspace(ctx context.Context, id string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+workspaceColumns+" FROM workspaces WHERE id = ?", id)
	w, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, fmt.Errorf("%w: workspace %s", ErrNotFound, id)
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("read workspace: %w", err)
	}
	return w, nil
}

// ListWorkspaces returns all workspaces ordered by creation time.
func (s *Store) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+workspaceColumns+" FROM workspaces ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	out := make([]Workspace, 0)
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("list workspaces: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RenameWorkspace changes a workspace's name and bumps updated_at.
func (s *Store) RenameWorkspace(ctx context.Context, id, name string, at time.Time) error {
	return s.touchRow(ctx, ids.KindWorkspace, id, "name = ?", name, at)
}

// CreateFolder inserts a folder.
func (s *Store) CreateFolder(ctx context.Context, f Folder) error {
	f.Sync = normalizeSync(f.Sync)
	if err := f.Sync.Validate(); err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	args, err := syncArgs(f.Sync)
	if err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO folders (id, workspace_id, parent_id, name, created_at, updated_at, `+syncColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{f.ID, f.WorkspaceID, f.ParentID, f.Name, toMillis(f.CreatedAt), toMillis(f.UpdatedAt)}, args...)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("create folder %s: %w", f.ID, ErrIDTaken)
	}
	if err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	return nil
}

const folderColumns = "id, workspace_id, parent_id, name, created_at, updated_at, " + syncColumns

func scanFolder(row interface{ Scan(...any) error }) (Folder, error) {
	var (
		f                Folder
		created, updated int64
		sr               syncRow
	)
	dest := append([]any{&f.ID, &f.WorkspaceID, &f.ParentID, &f.Name, &created, &updated}, sr.dest()...)
	if err := row.Scan(dest...); err != nil {
		return Folder{}, err
	}
	meta, err := sr.metadata()
	if err != nil {
		return Folder{}, err
	}
	f.CreatedAt, f.UpdatedAt, f.Sync = fromMillis(created), fromMillis(updated), meta
	return f, nil
}

// Folder returns the folder with id, or ErrNotFound.
func (s *Store) Folder(ctx context.Context, id string) (Folder, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+folderColumns+" FROM folders WHERE id = ?", id)
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Folder{}, fmt.Errorf("%w: folder %s", ErrNotFound, id)
	}
	if err != nil {
		return Folder{}, fmt.Errorf("read folder: %w", err)
	}
	return f, nil
}

// ListFolders returns the folders of a workspace.
func (s *Store) ListFolders(ctx context.Context, workspaceID string) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE workspace_id = ? ORDER BY created_at, id", workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	out := make([]Folder, 0)
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("list folders: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RenameFolder changes a folder's name and bumps updated_at.
func (s *Store) RenameFolder(ctx context.Context, id, name string, at time.Time) error {
	return s.touchRow(ctx, ids.KindFolder, id, "name = ?", name, at)
}

// CreateDocument inserts a document.
func (s *Store) CreateDocument(ctx context.Context, d Document) error {
	d.Sync = normalizeSync(d.Sync)
	if err := d.Sync.Validate(); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	args, err := syncArgs(d.Sync)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, workspace_id, folder_id, title, content, created_at, updated_at, `+syncColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{d.ID, d.WorkspaceID, d.FolderID, d.Title, d.Content, toMillis(d.CreatedAt), toMillis(d.UpdatedAt)}, args...)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("create document %s: %w", d.ID, ErrIDTaken)
	}
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

const documentColumns = "id, workspace_id, folder_id, title, content, created_at, updated_at, " + syncColumns

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var (
		d                Document
		created, updated int64
		sr               syncRow
	)
	dest := append([]any{&d.ID, &d.WorkspaceID, &d.FolderID, &d.Title, &d.Content, &created, &updated}, sr.dest()...)
	if err := row.Scan(dest...); err != nil {
		return Document{}, err
	}
	meta, err := sr.metadata()
	if err != nil {
		return Document{}, err
	}
	d.CreatedAt, d.UpdatedAt, d.Sync = fromMillis(created), fromMillis(updated), meta
	return d, nil
}

// Document returns the document with id, or ErrNotFound.
func (s *Store) Document(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("read document: %w", err)
	}
	return d, nil
}

// DocumentFilter narrows ListDocuments. Empty fields match everything.
type DocumentFilter struct {
	WorkspaceID string
	FolderID    string
}

// ListDocuments returns documents matching the filter.
func (s *Store) ListDocuments(ctx context.Context, f DocumentFilter) ([]Document, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.FolderID != "" {
		where = append(where, "folder_id = ?")
		args = append(args, f.FolderID)
	}
	query := "SELECT " + documentColumns + " FROM documents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DocumentUpdate lists the document fields to overwrite. Nil fields are
// left unchanged.
type DocumentUpdate struct {
	Title    *string
	Content  *string
	FolderID *string
}

// UpdateDocument applies a local edit: the given fields, a new updated_at
// and an incremented local version.
func (s *Store) UpdateDocument(ctx context.Context, id string, u DocumentUpdate, at time.Time) error {
	sets := []string{"local_version = local_version + 1"}
	var args []any
	if u.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *u.Title)
	}
	if u.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *u.Content)
	}
	if u.FolderID != nil {
		sets = append(sets, "folder_id = ?")
		args = append(args, *u.FolderID)
	}
	return s.touchRow(ctx, ids.KindDocument, id, strings.Join(sets, ", "), args, at)
}

// ReplaceDocument overwrites title, content and updated_at from a remote
// copy without bumping the local version.
func (s *Store) ReplaceDocument(ctx context.Context, id, title, content string, updatedAt time.Time) error {
	return s.touchRow(ctx, ids.KindDocument, id, "title = ?, content = ?", []any{title, content}, updatedAt)
}

// DeleteDocument removes a document record. Missing ids are not an error.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// touchRow runs "UPDATE table SET <sets>, updated_at = ? WHERE id = ?".
// args may be a single value or a []any.
func (s *Store) touchRow(ctx context.Context, kind ids.Kind, id, sets string, args any, at time.Time) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	var values []any
	switch a := args.(type) {
	case nil:
	case []any:
		values = a
	default:
		values = []any{a}
	}
	values = append(values, toMillis(at), id)
	query := fmt.Sprintf("UPDATE %s SET %s, updated_at = ? WHERE id = ?", table, sets)
	res, err := s.db.ExecContext(ctx, query, values...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}
