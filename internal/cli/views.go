package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/loftsync/internal/app"
	"github.com/roach88/loftsync/internal/hydrate"
	"github.com/roach88/loftsync/internal/localstore"
	"github.com/roach88/loftsync/internal/selective"
	"github.com/roach88/loftsync/internal/status"
	"github.com/roach88/loftsync/internal/unify"
)

// Views wrap payloads so text output is readable while JSON output stays
// the payload itself.

type resultView struct{ selective.Result }

func (v resultView) MarshalJSON() ([]byte, error) { return json.Marshal(v.Result) }

func (v resultView) Text() string {
	var b strings.Builder
	if v.Success {
		b.WriteString("✓ ")
	} else {
		b.WriteString("✗ ")
	}
	fmt.Fprintf(&b, "status: %s", v.Status)
	if v.CloudID != "" {
		fmt.Fprintf(&b, "\n  cloud id: %s", v.CloudID)
	}
	if v.CloudVersion != nil {
		fmt.Fprintf(&b, "\n  cloud version: %d", *v.CloudVersion)
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "\n  reason: %s", v.Error)
	}
	if c := v.Conflict; c != nil {
		fmt.Fprintf(&b, "\n  local updated: %s\n  cloud updated: %s",
			c.LocalUpdatedAt.Format(time.RFC3339), c.CloudUpdatedAt.Format(time.RFC3339))
		if c.Patch != "" {
			fmt.Fprintf(&b, "\n  patch:\n%s", indent(c.Patch, "    "))
		}
	}
	return b.String()
}

type workspaceView struct{ localstore.Workspace }

func (v workspaceView) MarshalJSON() ([]byte, error) { return json.Marshal(v.Workspace) }

func (v workspaceView) Text() string {
	return fmt.Sprintf("workspace %s %q [%s]", v.ID, v.Name, v.Sync.Status)
}

type folderView struct{ localstore.Folder }

func (v folderView) MarshalJSON() ([]byte, error) { return json.Marshal(v.Folder) }

func (v folderView) Text() string {
	return fmt.Sprintf("folder %s %q in %s [%s]", v.ID, v.Name, v.WorkspaceID, v.Sync.Status)
}

type documentView struct{ localstore.Document }

func (v documentView) MarshalJSON() ([]byte, error) { return json.Marshal(v.Document) }

func (v documentView) Text() string {
	where := v.WorkspaceID
	if v.FolderID != "" {
		where += "/" + v.FolderID
	}
	return fmt.Sprintf("document %s %q in %s [%s]", v.ID, v.Title, where, v.Sync.Status)
}

type documentList []localstore.Document

func (l documentList) Text() string {
	if len(l) == 0 {
		return "no documents"
	}
	lines := make([]string, len(l))
	for i, d := range l {
		lines[i] = fmt.Sprintf("%-40s %-9s %s", d.ID, d.Sync.Status, d.Title)
	}
	return strings.Join(lines, "\n")
}

type metadataView struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Mode status.Mode     `json:"mode"`
	Sync status.Metadata `json:"sync"`
}

func (v metadataView) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s (%s)", v.Kind, v.ID, v.Sync.Status, v.Mode)
	if v.Sync.CloudID != "" {
		fmt.Fprintf(&b, "\n  cloud id: %s", v.Sync.CloudID)
	}
	if v.Sync.LastSyncedAt != nil {
		fmt.Fprintf(&b, "\n  last synced: %s", v.Sync.LastSyncedAt.Format(time.RFC3339))
	}
	if v.Sync.Error != "" {
		fmt.Fprintf(&b, "\n  last error: %s", v.Sync.Error)
	}
	return b.String()
}

type openView struct {
	DocumentID string `json:"documentId"`
	Outcome    string `json:"outcome"`
	Absorbed   int    `json:"absorbed"`
	Blocks     int    `json:"blocks"`
	Error      string `json:"error,omitempty"`
}

func (v openView) Text() string {
	s := fmt.Sprintf("opened %s: %s, %d block(s)", v.DocumentID, v.Outcome, v.Blocks)
	if v.Absorbed > 0 {
		s += fmt.Sprintf(" (%d from legacy content)", v.Absorbed)
	}
	if v.Error != "" {
		s += "\n  error: " + v.Error
	}
	return s
}

type provenanceList []hydrate.Snapshot

func (l provenanceList) Text() string {
	if len(l) == 0 {
		return "no provenance snapshots"
	}
	lines := make([]string, len(l))
	for i, s := range l {
		lines[i] = fmt.Sprintf("%s  %s", s.Timestamp.Format(time.RFC3339Nano), s.Reason)
		if s.FilePath != "" {
			lines[i] += "  " + s.FilePath
		}
	}
	return strings.Join(lines, "\n")
}

type unifyView struct{ unify.Result }

func (v unifyView) MarshalJSON() ([]byte, error) { return json.Marshal(v.Result) }

func (v unifyView) Text() string {
	lines := make([]string, 0, len(v.Steps))
	for _, s := range v.Steps {
		mark := "✓"
		switch {
		case s.Skipped:
			mark = "-"
		case !s.Success:
			mark = "✗"
		}
		line := fmt.Sprintf("%s %-6s %s -> %s", mark, s.Kind, s.OldID, s.NewID)
		if s.Report != nil {
			line += fmt.Sprintf(" (children %d, pointers %d)", s.Report.Children, s.Report.Pointers)
		}
		if s.Storage != "" {
			line += " storage " + s.Storage
		}
		if s.Error != "" {
			line += ": " + s.Error
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

type syncView struct{ app.SyncReport }

func (v syncView) MarshalJSON() ([]byte, error) { return json.Marshal(v.SyncReport) }

func (v syncView) Text() string {
	var parts []string
	for _, stage := range []struct {
		name string
		res  *selective.Result
	}{{"workspace", v.Workspace}, {"folder", v.Folder}, {"document", v.Document}} {
		if stage.res != nil {
			parts = append(parts, stage.name+" "+resultView{*stage.res}.Text())
		}
	}
	if v.Unify != nil {
		parts = append(parts, "unify\n"+indent(unifyView{*v.Unify}.Text(), "  "))
	}
	parts = append(parts, "document id: "+v.DocumentID)
	return strings.Join(parts, "\n")
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
