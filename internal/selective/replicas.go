package selective

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/loftsync/internal/registry"
	"github.com/roach88/loftsync/internal/replica"
	"github.com/roach88/loftsync/internal/storage"
)

// remoteOrigin tags updates merged from the remote.
type remoteOrigin struct{}

// RegistryReplicas reads and merges document state through the live
// instance when the registry holds one, and through the storage provider
// otherwise.
type RegistryReplicas struct {
	registry *registry.Registry
	provider storage.Provider
}

// NewRegistryReplicas creates a Replicas over reg and provider. reg may be
// nil.
func NewRegistryReplicas(reg *registry.Registry, provider storage.Provider) *RegistryReplicas {
	return &RegistryReplicas{registry: reg, provider: provider}
}

var _ Replicas = (*RegistryReplicas)(nil)

func (r *RegistryReplicas) live(id string) *replica.Doc {
	if r.registry == nil || !r.registry.Has(id) {
		return nil
	}
	inst, ok := r.registry.Get(id)
	if !ok {
		return nil
	}
	return inst.Doc()
}

// Snapshot returns the full encoded state, or nil when none exists.
func (r *RegistryReplicas) Snapshot(ctx context.Context, id string) ([]byte, error) {
	if doc := r.live(id); doc != nil {
		return doc.EncodeStateAsUpdate(), nil
	}
	data, err := r.provider.Get(ctx, storage.DocumentKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read replica %s: %w", id, err)
	}
	return data, nil
}

// Merge applies update to the live instance, or folds it into the stored
// state. A live instance's persistence writes the merged state back.
func (r *RegistryReplicas) Merge(ctx context.Context, id string, update []byte) error {
	if doc := r.live(id); doc != nil {
		if err := doc.ApplyUpdate(update, remoteOrigin{}); err != nil {
			return fmt.Errorf("merge replica %s: %w", id, err)
		}
		return nil
	}
	key := storage.DocumentKey(id)
	stored, err := r.provider.Get(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read replica %s: %w", id, err)
	}
	updates := [][]byte{update}
	if len(stored) > 0 {
		updates = [][]byte{stored, update}
	}
	merged, err := replica.MergeUpdates(updates...)
	if err != nil {
		return fmt.Errorf("merge replica %s: %w", id, err)
	}
	if err := r.provider.Set(ctx, key, merged); err != nil {
		return fmt.Errorf("write replica %s: %w", id, err)
	}
	return nil
}
