package status

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/loftsync/internal/clock"
	"github.com/roach88/loftsync/internal/events"
	"github.com/roach88/loftsync/internal/ids"
)

// MetadataStore persists sync metadata per entity.
// Implemented by localstore.Store.
type MetadataStore interface {
	SyncMetadata(ctx context.Context, kind ids.Kind, id string) (Metadata, error)
	SetSyncMetadata(ctx context.Context, kind ids.Kind, id string, m Metadata) error
}

// Machine applies status transitions to stored metadata.
//
// Every write is validated: the move must be in the table and the conflict
// invariant must hold afterwards. Listeners learn about changes through the
// event bus (TopicStatusChanged, and TopicModeChanged when the derived mode
// moves).
type Machine struct {
	store  MetadataStore
	bus    *events.Bus
	clock  clock.Clock
	logger *slog.Logger
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithBus publishes status and mode changes on bus.
func WithBus(bus *events.Bus) MachineOption {
	return func(m *Machine) { m.bus = bus }
}

// WithClock sets the clock used for LastSyncedAt stamps.
func WithClock(c clock.Clock) MachineOption {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates a Machine over store.
func NewMachine(store MetadataStore, opts ...MachineOption) *Machine {
	m := &Machine{store: store}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = clock.Or(m.clock)
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Clock returns the machine's clock.
func (m *Machine) Clock() clock.Clock {
	return m.clock
}

// Get returns the stored metadata.
func (m *Machine) Get(ctx context.Context, kind ids.Kind, id string) (Metadata, error) {
	return m.store.SyncMetadata(ctx, kind, id)
}

// Status returns the entity's status, or Local when it cannot be read.
func (m *Machine) Status(ctx context.Context, kind ids.Kind, id string) Status {
	meta, err := m.store.SyncMetadata(ctx, kind, id)
	if err != nil || !meta.Status.Valid() {
		return Local
	}
	return meta.Status
}

// Transition moves the entity to status to. mutate, if non-nil, edits the
// metadata before it is validated and stored. Leaving Conflict clears the
// conflict data; entering Synced or Syncing clears the error string.
func (m *Machine) Transition(ctx context.Context, kind ids.Kind, id string, to Status, mutate func(*Metadata)) (Metadata, error) {
	prev, err := m.store.SyncMetadata(ctx, kind, id)
	if err != nil {
		return Metadata{}, fmt.Errorf("transition %s: %w", id, err)
	}
	if err := Check(id, prev.Status, to); err != nil {
		m.logger.Error("rejected sync status transition",
			"entity_id", id,
			"from", prev.Status,
			"to", to,
		)
		return prev, err
	}

	next := prev.clone()
	next.Status = to
	if prev.Status == Conflict {
		next.Conflict = nil
	}
	if to == Synced || to == Syncing {
		next.Error = ""
	}
	if mutate != nil {
		mutate(&next)
		next.Status = to
	}
	return next, m.write(ctx, kind, id, prev, next)
}

// Touch updates metadata without changing the status.
func (m *Machine) Touch(ctx context.Context, kind ids.Kind, id string, mutate func(*Metadata)) (Metadata, error) {
	prev, err := m.store.SyncMetadata(ctx, kind, id)
	if err != nil {
		return Metadata{}, fmt.Errorf("touch %s: %w", id, err)
	}
	next := prev.clone()
	if mutate != nil {
		mutate(&next)
		next.Status = prev.Status
	}
	return next, m.write(ctx, kind, id, prev, next)
}

// Demote resets the entity to Local with an explicit local mode, from any
// status. It is the opt-out used by MarkAsLocalOnly and is the only write
// that does not go through the transition table.
func (m *Machine) Demote(ctx context.Context, kind ids.Kind, id string) (Metadata, error) {
	prev, err := m.store.SyncMetadata(ctx, kind, id)
	if err != nil {
		return Metadata{}, fmt.Errorf("demote %s: %w", id, err)
	}
	next := prev.clone()
	next.Status = Local
	next.Conflict = nil
	next.Error = ""
	next.Mode = ModeLocal
	return next, m.write(ctx, kind, id, prev, next)
}

func (m *Machine) write(ctx context.Context, kind ids.Kind, id string, prev, next Metadata) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("entity %s: %w", id, err)
	}
	if err := m.store.SetSyncMetadata(ctx, kind, id, next); err != nil {
		return fmt.Errorf("save sync metadata %s: %w", id, err)
	}

	if prev.Status != next.Status {
		m.logger.Info("sync status changed",
			"entity_id", id,
			"kind", kind,
			"from", prev.Status,
			"to", next.Status,
		)
		m.bus.Publish(events.TopicStatusChanged, events.StatusChanged{
			EntityID: id,
			Kind:     string(kind),
			From:     string(prev.Status),
			To:       string(next.Status),
			Error:    next.Error,
		})
	}
	if from, to := DeriveMode(prev), DeriveMode(next); from != to {
		m.bus.Publish(events.TopicModeChanged, events.ModeChanged{
			EntityID: id,
			Kind:     string(kind),
			From:     string(from),
			To:       string(to),
		})
	}
	return nil
}
