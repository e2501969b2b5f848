package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/loftsync/internal/app"
	"github.com/roach88/loftsync/internal/hydrate"
)

// NewOpenCommand creates the open command.
func NewOpenCommand(opts *RootOptions) *cobra.Command {
	var snapshotPath, text string
	cmd := &cobra.Command{
		Use:   "open <doc-id>",
		Short: "Open a document, hydrating it on first load",
		Long: `Open a document the way an editor does: obtain its single live
instance, hydrate it once (binary snapshot first, legacy plain text as a
fallback), then absorb any staged legacy content.

Without --text the document's stored plain-text content is the legacy
source.

Example:
  loftsync open doc_0192...
  loftsync open doc_0192... --snapshot ./doc.bin`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				src := app.Source{PlainText: text}
				if snapshotPath != "" {
					data, err := os.ReadFile(snapshotPath)
					if err != nil {
						return invalidArgs(f, fmt.Sprintf("read snapshot: %v", err))
					}
					src.Snapshot = data
				}
				return openDocument(ctx, a, f, args[0], src)
			})
		},
	}
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "binary replica snapshot to hydrate from")
	cmd.Flags().StringVar(&text, "text", "", "legacy plain text to hydrate from")
	return cmd
}

func openDocument(ctx context.Context, a *app.App, f *OutputFormatter, id string, src app.Source) error {
	opened, err := a.OpenDocument(ctx, id, src)
	if err != nil {
		return reportError(f, "open failed", err)
	}
	defer func() {
		if _, err := a.CloseDocument(id); err != nil {
			f.VerboseLog("close %s: %v", id, err)
		}
	}()

	view := openView{DocumentID: id}
	if h := opened.Hydration; h != nil {
		view.Outcome = h.Outcome.String()
		if h.Err != nil {
			view.Error = h.Err.Error()
		}
	}
	absorbed, err := a.MountEditor(id)
	if err != nil {
		return reportError(f, "mount failed", err)
	}
	view.Absorbed = absorbed
	view.Blocks = opened.Instance.Doc().Content().Len()

	if opened.Hydration != nil && opened.Hydration.Outcome == hydrate.OutcomeFailed {
		f.Error(ErrCodeGeneric, "hydration failed", view)
		return NewExitError(ExitFailure, "hydration failed")
	}
	return f.Success(view)
}

// NewProvenanceCommand creates the provenance command.
func NewProvenanceCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provenance",
		Short: "Record or list pre-reload provenance snapshots",
	}
	cmd.AddCommand(provenanceListCommand(opts))
	cmd.AddCommand(provenanceRecordCommand(opts))
	return cmd
}

func provenanceListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list <doc-id>",
		Short:         "List a document's provenance snapshots, oldest first",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				snaps, err := a.Provenance.List(ctx, args[0])
				if err != nil {
					return reportError(f, "list provenance failed", err)
				}
				if snaps == nil {
					snaps = []hydrate.Snapshot{}
				}
				return f.Success(provenanceList(snaps))
			})
		},
	}
}

func provenanceRecordCommand(opts *RootOptions) *cobra.Command {
	var reason, filePath string
	cmd := &cobra.Command{
		Use:           "record <doc-id>",
		Short:         "Snapshot a document's state vector before an external reload",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				id := args[0]
				if _, err := a.OpenDocument(ctx, id, app.Source{}); err != nil {
					return reportError(f, "open failed", err)
				}
				defer a.CloseDocument(id)
				ok, err := a.RecordProvenance(ctx, id, reason, filePath)
				if err != nil {
					return reportError(f, "record provenance failed", err)
				}
				if !ok {
					f.Error(ErrCodeGeneric, "provenance snapshot not written", nil)
					return NewExitError(ExitFailure, "provenance snapshot not written")
				}
				return f.Success(fmt.Sprintf("recorded provenance for %s", id))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "why the document is being reloaded")
	cmd.Flags().StringVar(&filePath, "file", "", "file the reload comes from")
	return cmd
}
