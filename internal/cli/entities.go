package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/loftsync/internal/app"
	"github.com/roach88/loftsync/internal/localstore"
)

// NewNewCommand creates the new command with its entity subcommands.
func NewNewCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a local workspace, folder or document",
		Long: `Create entities locally. New entities get locally minted ids and start
in the local sync status; they keep working offline and adopt cloud ids
on their first sync.

Example:
  loftsync new workspace "Personal"
  loftsync new folder --workspace ws_0192... "Notes"
  loftsync new document --workspace ws_0192... --folder folder_0192... "Draft"`,
	}
	cmd.AddCommand(newWorkspaceCommand(rootOpts))
	cmd.AddCommand(newFolderCommand(rootOpts))
	cmd.AddCommand(newDocumentCommand(rootOpts))
	return cmd
}

func newWorkspaceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "workspace <name>",
		Short:         "Create a workspace",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				w, err := a.CreateWorkspace(ctx, args[0])
				if err != nil {
					return reportError(f, "create workspace failed", err)
				}
				return f.Success(workspaceView{w})
			})
		},
	}
}

func newFolderCommand(opts *RootOptions) *cobra.Command {
	var workspaceID, parentID string
	cmd := &cobra.Command{
		Use:           "folder <name>",
		Short:         "Create a folder",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				if _, err := a.Store.Workspace(ctx, workspaceID); err != nil {
					return reportError(f, "create folder failed", err)
				}
				folder, err := a.CreateFolder(ctx, workspaceID, parentID, args[0])
				if err != nil {
					return reportError(f, "create folder failed", err)
				}
				return f.Success(folderView{folder})
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "workspace id (required)")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent folder id")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func newDocumentCommand(opts *RootOptions) *cobra.Command {
	var workspaceID, folderID, content string
	cmd := &cobra.Command{
		Use:           "document <title>",
		Short:         "Create a document",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				if _, err := a.Store.Workspace(ctx, workspaceID); err != nil {
					return reportError(f, "create document failed", err)
				}
				doc, err := a.CreateDocument(ctx, workspaceID, folderID, args[0], content)
				if err != nil {
					return reportError(f, "create document failed", err)
				}
				return f.Success(documentView{doc})
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "workspace id (required)")
	cmd.Flags().StringVar(&folderID, "folder", "", "folder id")
	cmd.Flags().StringVar(&content, "content", "", "initial plain-text content")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var filter localstore.DocumentFilter
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List local documents with their sync status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				docs, err := a.Store.ListDocuments(ctx, filter)
				if err != nil {
					return reportError(f, "list failed", err)
				}
				if docs == nil {
					docs = []localstore.Document{}
				}
				return f.Success(documentList(docs))
			})
		},
	}
	cmd.Flags().StringVar(&filter.WorkspaceID, "workspace", "", "only documents in this workspace")
	cmd.Flags().StringVar(&filter.FolderID, "folder", "", "only documents in this folder")
	return cmd
}

// NewEditCommand creates the edit command.
func NewEditCommand(opts *RootOptions) *cobra.Command {
	var title, content string
	cmd := &cobra.Command{
		Use:   "edit <doc-id>",
		Short: "Edit a document's title or content locally",
		Long: `Edit a document locally. A synced document becomes modified and is
pushed by the next push or sync.

Example:
  loftsync edit doc_0192... --content "new body"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				var u localstore.DocumentUpdate
				if cmd.Flags().Changed("title") {
					u.Title = &title
				}
				if cmd.Flags().Changed("content") {
					u.Content = &content
				}
				if u.Title == nil && u.Content == nil {
					return invalidArgs(f, "nothing to edit: pass --title or --content")
				}
				doc, err := a.EditDocument(ctx, args[0], u)
				if err != nil {
					return reportError(f, "edit failed", err)
				}
				return f.Success(documentView{doc})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&content, "content", "", "new plain-text content")
	return cmd
}
