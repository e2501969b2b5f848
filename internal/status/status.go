// Package status defines per-entity sync status, the legal transitions
// between statuses, and the sync metadata stored alongside every workspace,
// folder and document.
package status

import (
	"errors"
	"fmt"
	"time"
)

// Status is the sync state of one entity.
type Status string

const (
	Local    Status = "local"
	Syncing  Status = "syncing"
	Synced   Status = "synced"
	Modified Status = "modified"
	Conflict Status = "conflict"
	Error    Status = "error"
)

// All lists every status in table order.
var All = []Status{Local, Syncing, Synced, Modified, Conflict, Error}

// transitions is the complete table of legal moves. There is no terminal
// state.
var transitions = map[Status][]Status{
	Local:    {Syncing, Modified},
	Syncing:  {Synced, Conflict, Error},
	Synced:   {Modified, Conflict},
	Modified: {Syncing},
	Conflict: {Synced, Local},
	Error:    {Syncing, Local},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Parse converts a stored string into a Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown sync status %q", s)
	}
	return st, nil
}

// CanTransition reports whether from → to is in the table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from s.
func Next(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

var (
	// ErrIllegalTransition is wrapped by every TransitionError.
	ErrIllegalTransition = errors.New("illegal sync status transition")

	// ErrConflictInvariant is returned when conflict data and the conflict
	// status disagree.
	ErrConflictInvariant = errors.New("conflict data must be present if and only if status is conflict")
)

// TransitionError reports a move that is not in the table.
type TransitionError struct {
	EntityID string
	From     Status
	To       Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%v: %s -> %s (entity=%s)", ErrIllegalTransition, e.From, e.To, e.EntityID)
	}
	return fmt.Sprintf("%v: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

// Unwrap lets errors.Is match ErrIllegalTransition.
func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// IsIllegalTransition returns true if err is a TransitionError.
// Uses errors.As to handle wrapped errors.
func IsIllegalTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// Check validates from → to.
func Check(entityID string, from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{EntityID: entityID, From: from, To: to}
	}
	return nil
}

// TimestampPrecision is the resolution of locally stored timestamps.
const TimestampPrecision = time.Millisecond

// IsNewer reports whether a is strictly after b at TimestampPrecision.
// Equal timestamps are never newer, so they never produce a conflict. This
// is the only function sync uses to decide conflicts.
func IsNewer(a, b time.Time) bool {
	return a.Truncate(TimestampPrecision).After(b.Truncate(TimestampPrecision))
}
