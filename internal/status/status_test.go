package status

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTableIsExhaustive(t *testing.T) {
	legal := map[string]bool{
		"local->syncing":    true,
		"local->modified":   true,
		"syncing->synced":   true,
		"syncing->conflict": true,
		"syncing->error":    true,
		"synced->modified":  true,
		"synced->conflict":  true,
		"modified->syncing": true,
		"conflict->synced":  true,
		"conflict->local":   true,
		"error->syncing":    true,
		"error->local":      true,
	}

	for _, from := range All {
		for _, to := range All {
			key := fmt.Sprintf("%s->%s", from, to)
			t.Run(key, func(t *testing.T) {
				assert.Equal(t, legal[key], CanTransition(from, to))
				err := Check("doc_1", from, to)
				if legal[key] {
					assert.NoError(t, err)
					return
				}
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrIllegalTransition)
				assert.True(t, IsIllegalTransition(err))
			})
		}
	}
}

func TestNoTerminalState(t *testing.T) {
	for _, s := range All {
		assert.NotEmpty(t, Next(s), "status %s must have an exit", s)
	}
	assert.Contains(t, Next(Conflict), Local)
	assert.Contains(t, Next(Error), Local)
}

func TestTransitionErrorMessage(t *testing.T) {
	err := fmt.Errorf("push: %w", &TransitionError{EntityID: "doc_1", From: Synced, To: Syncing})
	assert.Contains(t, err.Error(), "synced -> syncing")
	assert.Contains(t, err.Error(), "entity=doc_1")

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, Syncing, te.To)
	assert.False(t, IsIllegalTransition(errors.New("other")))
}

func TestParse(t *testing.T) {
	s, err := Parse("conflict")
	require.NoError(t, err)
	assert.Equal(t, Conflict, s)

	_, err = Parse("pending")
	assert.Error(t, err)
}

func TestIsNewer(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t1 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, IsNewer(t1, t0))
	assert.False(t, IsNewer(t0, t1))
	assert.False(t, IsNewer(t0, t0), "equal timestamps are never newer")
	assert.False(t, IsNewer(t0, t0.In(time.FixedZone("x", 3600))))

	// A remote clock with finer resolution than the local store.
	fine := t0.Add(999 * time.Microsecond)
	assert.False(t, IsNewer(fine, t0), "sub-millisecond differences are equal")
	assert.False(t, IsNewer(t0, fine))
	assert.True(t, IsNewer(t0.Add(time.Millisecond), fine))
}

func TestMetadataValidate(t *testing.T) {
	assert.NoError(t, NewMetadata().Validate())
	assert.NoError(t, Metadata{Status: Conflict, Conflict: &ConflictData{}}.Validate())

	assert.ErrorIs(t, Metadata{Status: Conflict}.Validate(), ErrConflictInvariant)
	assert.ErrorIs(t, Metadata{Status: Synced, Conflict: &ConflictData{}}.Validate(), ErrConflictInvariant)
	assert.Error(t, Metadata{Status: "bogus"}.Validate())
}

func TestDeriveModePrecedence(t *testing.T) {
	tests := []struct {
		name string
		meta Metadata
		want Mode
	}{
		{"explicit mode wins", Metadata{Status: Synced, CloudID: "srv_1", Mode: ModeLocal}, ModeLocal},
		{"cloud id with synced", Metadata{Status: Synced, CloudID: "srv_1"}, ModeCloud},
		{"cloud id with error", Metadata{Status: Error, CloudID: "srv_1"}, ModeCloud},
		{"cloud id demoted to local", Metadata{Status: Local, CloudID: "srv_1"}, ModeLocal},
		{"status alone synced", Metadata{Status: Synced}, ModeCloud},
		{"status alone modified", Metadata{Status: Modified}, ModeCloud},
		{"status alone error", Metadata{Status: Error}, ModeLocal},
		{"default", Metadata{}, ModeLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveMode(tt.meta))
		})
	}
}
