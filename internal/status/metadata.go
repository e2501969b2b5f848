package status

import (
	"fmt"
	"time"
)

// ConflictData is what a resolution UI needs to diff and choose.
type ConflictData struct {
	LocalUpdatedAt time.Time `json:"localUpdatedAt"`
	CloudUpdatedAt time.Time `json:"cloudUpdatedAt"`
	LocalContent   *string   `json:"localContent,omitempty"`
	CloudContent   *string   `json:"cloudContent,omitempty"`
	// Patch is a text patch turning LocalContent into CloudContent.
	Patch string `json:"patch,omitempty"`
}

// Mode is whether an entity participates in sync.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeCloud Mode = "cloud"
)

// Metadata is the sync state stored with each entity.
type Metadata struct {
	Status       Status        `json:"status"`
	LastSyncedAt *time.Time    `json:"lastSyncedAt,omitempty"`
	CloudVersion *int64        `json:"cloudVersion,omitempty"`
	LocalVersion int64         `json:"localVersion"`
	Error        string        `json:"error,omitempty"`
	Conflict     *ConflictData `json:"conflictData,omitempty"`
	CloudID      string        `json:"cloudId,omitempty"`
	// Mode is the explicit sync mode; empty means derive it.
	Mode Mode `json:"syncMode,omitempty"`
}

// NewMetadata returns the metadata of a freshly created entity.
func NewMetadata() Metadata {
	return Metadata{Status: Local}
}

// Validate checks the status is known and the conflict invariant holds.
func (m Metadata) Validate() error {
	if !m.Status.Valid() {
		return fmt.Errorf("unknown sync status %q", m.Status)
	}
	if (m.Conflict != nil) != (m.Status == Conflict) {
		return fmt.Errorf("%w (status=%s)", ErrConflictInvariant, m.Status)
	}
	return nil
}

// DeriveMode resolves the effective sync mode with a single precedence:
// explicit Mode, then CloudID with Status, then Status alone, then local.
func DeriveMode(m Metadata) Mode {
	if m.Mode != "" {
		return m.Mode
	}
	if m.CloudID != "" {
		if m.Status == Local {
			return ModeLocal
		}
		return ModeCloud
	}
	switch m.Status {
	case Synced, Modified, Conflict:
		return ModeCloud
	}
	return ModeLocal
}

func (m Metadata) clone() Metadata {
	c := m
	if m.LastSyncedAt != nil {
		t := *m.LastSyncedAt
		c.LastSyncedAt = &t
	}
	if m.CloudVersion != nil {
		v := *m.CloudVersion
		c.CloudVersion = &v
	}
	if m.Conflict != nil {
		cd := *m.Conflict
		c.Conflict = &cd
	}
	return c
}
