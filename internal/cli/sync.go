package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/loftsync/internal/app"
	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/selective"
	"github.com/roach88/loftsync/internal/status"
	"github.com/roach88/loftsync/internal/unify"
)

// syncOp matches the selective.Service method expressions.
type syncOp func(s *selective.Service, ctx context.Context, id string) selective.Result

func resultCommand(opts *RootOptions, use, short, long string, op syncOp) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				return reportResult(f, op(a.Sync, ctx, args[0]))
			})
		},
	}
}

// NewPushCommand creates the push command.
func NewPushCommand(opts *RootOptions) *cobra.Command {
	return resultCommand(opts, "push <doc-id>", "Push one document to the cloud",
		`Push one document. The first push creates it in the cloud; later pushes
update it. If the cloud copy is newer than the local one the document
enters the conflict status and nothing is overwritten.

Example:
  loftsync push doc_0192...`,
		(*selective.Service).PushDocument)
}

// NewPullCommand creates the pull command.
func NewPullCommand(opts *RootOptions) *cobra.Command {
	return resultCommand(opts, "pull <doc-id>", "Pull one document from the cloud",
		`Pull one document. If the local copy is newer than the cloud one the
document enters the conflict status and nothing is overwritten.`,
		(*selective.Service).PullDocument)
}

// NewPushFolderCommand creates the push-folder command.
func NewPushFolderCommand(opts *RootOptions) *cobra.Command {
	return resultCommand(opts, "push-folder <folder-id>", "Push one folder record to the cloud", "",
		(*selective.Service).PushFolder)
}

// NewPushWorkspaceCommand creates the push-workspace command.
func NewPushWorkspaceCommand(opts *RootOptions) *cobra.Command {
	return resultCommand(opts, "push-workspace <workspace-id>", "Push one workspace record to the cloud", "",
		(*selective.Service).PushWorkspace)
}

// NewLocalOnlyCommand creates the local-only command.
func NewLocalOnlyCommand(opts *RootOptions) *cobra.Command {
	return resultCommand(opts, "local-only <doc-id>", "Stop syncing a document",
		`Mark a document local-only. It keeps its data and cloud id but is no
longer pushed or pulled until it is pushed explicitly again.`,
		(*selective.Service).MarkAsLocalOnly)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the sync status of a workspace, folder or document",
		Long: `Show sync metadata. The entity kind comes from the id prefix
(ws_, folder_, doc_).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				id := args[0]
				kind := ids.KindOf(id)
				if kind == "" {
					return invalidArgs(f, fmt.Sprintf("cannot tell entity kind of %q", id))
				}
				meta, err := a.Status.Get(ctx, kind, id)
				if err != nil {
					return reportError(f, "status failed", err)
				}
				return f.Success(metadataView{ID: id, Kind: kind.String(), Mode: status.DeriveMode(meta), Sync: meta})
			})
		},
	}
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(opts *RootOptions) *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "resolve <doc-id>",
		Short: "Resolve a document conflict",
		Long: `Resolve a conflict by keeping the local copy (overwriting the cloud)
or the cloud copy (overwriting the local document).

Example:
  loftsync resolve doc_0192... --keep cloud`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				choice, err := selective.ParseResolution(keep)
				if err != nil {
					return invalidArgs(f, err.Error())
				}
				return reportResult(f, a.Sync.ResolveConflict(ctx, args[0], choice))
			})
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "side to keep (local|cloud, required)")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <doc-id>",
		Short: "Push a document with its workspace and folder, then adopt cloud ids",
		Long: `Push the document's workspace, folder and the document itself, then
rewrite every locally minted id to the id the cloud assigned. References
from other entities and last-active pointers follow the rewrite.

Example:
  loftsync sync doc_0192...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				report, err := a.SyncDocument(ctx, args[0])
				if err != nil {
					return reportError(f, "sync failed", err)
				}
				if report.Success() {
					return f.Success(syncView{report})
				}
				code, msg := ErrCodeSyncFailed, "sync failed"
				for _, res := range []*selective.Result{report.Workspace, report.Folder, report.Document} {
					if res != nil && !res.Success {
						msg = res.Error
						if res.Error == selective.ReasonNotAuthenticated {
							code = ErrCodeUnauthenticated
						}
						if res.Status == status.Conflict {
							code = ErrCodeConflict
						}
					}
				}
				if report.Unify != nil && !report.Unify.Success {
					code, msg = ErrCodeUnifyIncomplete, "id unification incomplete"
				}
				f.Error(code, msg, syncView{report})
				return NewExitError(ExitFailure, msg)
			})
		},
	}
}

// NewUnifyCommand creates the unify command.
func NewUnifyCommand(opts *RootOptions) *cobra.Command {
	var doc, folder, workspace string
	cmd := &cobra.Command{
		Use:   "unify",
		Short: "Rewrite local ids to cloud ids",
		Long: `Rewrite ids in the local entity graph, workspace first, then folder,
then document. Each pair is old=new. Succeeded steps are never rolled
back; rerunning after a partial failure resumes.

Example:
  loftsync unify --workspace ws_local=ws_cloud --doc doc_local=doc_cloud`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				var req unify.Request
				var err error
				if req.LocalDocID, req.CloudDocID, err = parsePair(doc); err != nil {
					return invalidArgs(f, "--doc: "+err.Error())
				}
				if req.LocalFolderID, req.CloudFolderID, err = parsePair(folder); err != nil {
					return invalidArgs(f, "--folder: "+err.Error())
				}
				if req.LocalWorkspaceID, req.CloudWorkspaceID, err = parsePair(workspace); err != nil {
					return invalidArgs(f, "--workspace: "+err.Error())
				}
				res := a.Unifier.UnifyAfterSync(ctx, req)
				if res.Success {
					return f.Success(unifyView{res})
				}
				f.Error(ErrCodeUnifyIncomplete, "id unification incomplete", unifyView{res})
				return NewExitError(ExitFailure, "id unification incomplete")
			})
		},
	}
	cmd.Flags().StringVar(&doc, "doc", "", "document ids as old=new")
	cmd.Flags().StringVar(&folder, "folder", "", "folder ids as old=new")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace ids as old=new")
	return cmd
}

func parsePair(s string) (oldID, newID string, err error) {
	if s == "" {
		return "", "", nil
	}
	oldID, newID, ok := strings.Cut(s, "=")
	oldID, newID = strings.TrimSpace(oldID), strings.TrimSpace(newID)
	if !ok || oldID == "" || newID == "" {
		return "", "", fmt.Errorf("want old=new, got %q", s)
	}
	return oldID, newID, nil
}
