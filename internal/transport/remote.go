package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/loftsync/internal/clock"
	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/storage"
)

// StoreRemote is a Client backed by a storage.Provider. With a memory
// provider it is the in-process fake used by tests; with a file, SQLite, or
// Postgres provider it is the store behind the development server.
type StoreRemote struct {
	mu       sync.Mutex
	provider storage.Provider
	clock    clock.Clock
	newID    func(kind ids.Kind) string
}

// RemoteOption configures a StoreRemote.
type RemoteOption func(*StoreRemote)

// WithRemoteClock sets the clock used when an entity carries no timestamp.
func WithRemoteClock(c clock.Clock) RemoteOption {
	return func(r *StoreRemote) { r.clock = c }
}

// WithIDFunc sets how ids are assigned on create.
func WithIDFunc(fn func(kind ids.Kind) string) RemoteOption {
	return func(r *StoreRemote) { r.newID = fn }
}

// NewStoreRemote creates a remote persisting entities in provider.
func NewStoreRemote(provider storage.Provider, opts ...RemoteOption) *StoreRemote {
	r := &StoreRemote{provider: provider}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = clock.Or(r.clock)
	if r.newID == nil {
		gen := ids.UUIDv7Generator{}
		r.newID = func(kind ids.Kind) string { return ids.New(kind, gen) }
	}
	return r
}

// NewMemoryRemote creates a StoreRemote over a fresh memory provider.
func NewMemoryRemote(opts ...RemoteOption) *StoreRemote {
	return NewStoreRemote(storage.NewMemoryProvider(), opts...)
}

var _ Client = (*StoreRemote)(nil)

func remoteKey(kind ids.Kind, id string) string {
	return "remote/" + string(kind) + "/" + id
}

// CreateRemote implements Client. The id in e is ignored.
func (r *StoreRemote) CreateRemote(ctx context.Context, e Entity) (Entity, error) {
	if !e.Kind.Valid() {
		return Entity{}, fmt.Errorf("create: unknown entity kind %q", e.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e.ID = r.newID(e.Kind)
	e.Version = 1
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = r.clock.Now()
	}
	if err := r.put(ctx, e); err != nil {
		return Entity{}, fmt.Errorf("create %s: %w", e.Kind, err)
	}
	return e, nil
}

// GetRemote implements Client.
func (r *StoreRemote) GetRemote(ctx context.Context, kind ids.Kind, id string) (Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(ctx, kind, id)
}

// UpdateRemote implements Client. The stored version is incremented.
func (r *StoreRemote) UpdateRemote(ctx context.Context, kind ids.Kind, id string, e Entity) (Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.get(ctx, kind, id)
	if err != nil {
		return Entity{}, err
	}
	e.ID = id
	e.Kind = kind
	e.Version = cur.Version + 1
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = r.clock.Now()
	}
	if err := r.put(ctx, e); err != nil {
		return Entity{}, fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	return e, nil
}

// Put stores e as-is, bypassing id assignment and versioning. It seeds
// fixtures and simulates edits made by other clients.
func (r *StoreRemote) Put(ctx context.Context, e Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.put(ctx, e)
}

// List returns the ids stored for kind in key order.
func (r *StoreRemote) List(ctx context.Context, kind ids.Kind) ([]string, error) {
	prefix := remoteKey(kind, "")
	keys, err := r.provider.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k[len(prefix):]
	}
	return out, nil
}

func (r *StoreRemote) get(ctx context.Context, kind ids.Kind, id string) (Entity, error) {
	if id == "" {
		return Entity{}, ErrNotFound
	}
	data, err := r.provider.Get(ctx, remoteKey(kind, id))
	if errors.Is(err, storage.ErrNotFound) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return Entity{}, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return e, nil
}

func (r *StoreRemote) put(ctx context.Context, e Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.provider.Set(ctx, remoteKey(e.Kind, e.ID), data)
}
