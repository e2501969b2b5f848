// Package registry is the in-memory table of live replicated documents: at
// most one instance per document id, reference counted, in access order.
//
// The registry never evicts on its own. An eviction policy (see app.Evict)
// asks for Unreferenced or LRU ids and calls Unregister.
package registry

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/loftsync/internal/clock"
	"github.com/roach88/loftsync/internal/replica"
	"github.com/roach88/loftsync/internal/status"
)

var (
	// ErrAlreadyRegistered is returned when an id already has an instance.
	ErrAlreadyRegistered = errors.New("document already registered")

	// ErrNotRegistered is returned for operations on unknown ids.
	ErrNotRegistered = errors.New("document not registered")

	// ErrReferenced is returned when unregistering an instance still in use.
	ErrReferenced = errors.New("document still referenced")
)

// State is the lifecycle state of an instance.
type State int

const (
	StateLoading State = iota
	StateLoaded
	StateSaving
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateSaving:
		return "saving"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Metadata describes the document an instance holds.
type Metadata struct {
	Title       string
	WorkspaceID string
	FolderID    string
	Sync        status.Metadata
}

// Handle is the storage binding released on Unregister.
// Implemented by *replica.Persistence.
type Handle interface {
	Close() error
}

// Binder attaches storage to a newly created document.
type Binder func(id string, doc *replica.Doc) Handle

// Instance is one live document.
type Instance struct {
	id        string
	doc       *replica.Doc
	createdAt time.Time

	mu         sync.Mutex
	state      State
	refCount   int
	accessedAt time.Time
	metadata   Metadata
	handle     Handle
}

// ID returns the document id.
func (i *Instance) ID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.id
}

// Doc returns the replicated document.
func (i *Instance) Doc() *replica.Doc { return i.doc }

// CreatedAt returns the registration time.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// State returns the lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// RefCount returns the number of attached consumers.
func (i *Instance) RefCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refCount
}

// LastAccessedAt returns the time of the last Get.
func (i *Instance) LastAccessedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.accessedAt
}

// Metadata returns a copy of the metadata.
func (i *Instance) Metadata() Metadata {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.metadata
}

// SetMetadata replaces the metadata.
func (i *Instance) SetMetadata(m Metadata) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.metadata = m
}

// Handle returns the storage binding, or nil.
func (i *Instance) Handle() Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handle
}

// Registry owns live document instances. Construct one per process (or per
// test) and pass it down; there is no package-level registry.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*list.Element
	order     *list.List // front = least recently used
	clock     clock.Clock
	binder    Binder
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for access times.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithBinder attaches storage to every registered document.
func WithBinder(b Binder) Option {
	return func(r *Registry) { r.binder = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		instances: make(map[string]*list.Element),
		order:     list.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = clock.Or(r.clock)
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register creates the instance for id with refCount 1 and state Loaded.
// A second registration of the same id fails with ErrAlreadyRegistered.
func (r *Registry) Register(id string, meta Metadata) (*Instance, error) {
	r.mu.Lock()
	if _, ok := r.instances[id]; ok {
		r.mu.Unlock()
		r.logger.Warn("document already registered", "doc_id", id)
		return nil, fmt.Errorf("register %s: %w", id, ErrAlreadyRegistered)
	}
	now := r.clock.Now()
	inst := &Instance{
		id:         id,
		doc:        replica.New(),
		createdAt:  now,
		state:      StateLoaded,
		refCount:   1,
		accessedAt: now,
		metadata:   meta,
	}
	r.instances[id] = r.order.PushBack(inst)
	r.mu.Unlock()

	if r.binder != nil {
		h := r.binder(id, inst.doc)
		inst.mu.Lock()
		inst.handle = h
		inst.mu.Unlock()
	}
	r.logger.Info("document registered", "doc_id", id, "ref_count", 1, "state", StateLoaded)
	return inst, nil
}

// Get returns the instance, marking it most recently used.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	r.order.MoveToBack(elem)
	inst := elem.Value.(*Instance)
	inst.mu.Lock()
	inst.accessedAt = r.clock.Now()
	inst.mu.Unlock()
	return inst, true
}

// Has reports whether id is registered without touching access order.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[id]
	return ok
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

func (r *Registry) lookup(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}
	return elem.Value.(*Instance), nil
}

// AddRef attaches a consumer and returns the new count.
func (r *Registry) AddRef(id string) (int, error) {
	inst, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	inst.mu.Lock()
	inst.refCount++
	n := inst.refCount
	inst.mu.Unlock()
	r.logger.Debug("document ref added", "doc_id", id, "ref_count", n)
	return n, nil
}

// ReleaseRef detaches a consumer and returns the new count. The count
// never drops below zero and the instance is never destroyed here.
func (r *Registry) ReleaseRef(id string) (int, error) {
	inst, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	inst.mu.Lock()
	if inst.refCount > 0 {
		inst.refCount--
	}
	n := inst.refCount
	inst.mu.Unlock()
	r.logger.Debug("document ref released", "doc_id", id, "ref_count", n)
	return n, nil
}

// SetState records a lifecycle state change.
func (r *Registry) SetState(id string, s State) error {
	inst, err := r.lookup(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	inst.state = s
	inst.mu.Unlock()
	r.logger.Debug("document state changed", "doc_id", id, "state", s)
	return nil
}

// Unregister destroys the instance: its storage handle is closed and the
// replicated document disposed. Missing ids are a no-op. Instances with a
// positive refCount are refused with ErrReferenced.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	elem, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	inst := elem.Value.(*Instance)
	inst.mu.Lock()
	refs := inst.refCount
	handle := inst.handle
	inst.handle = nil
	if refs > 0 {
		inst.handle = handle
		inst.mu.Unlock()
		r.mu.Unlock()
		return fmt.Errorf("unregister %s (ref_count=%d): %w", id, refs, ErrReferenced)
	}
	inst.mu.Unlock()
	r.order.Remove(elem)
	delete(r.instances, id)
	r.mu.Unlock()

	var closeErr error
	if handle != nil {
		closeErr = handle.Close()
	}
	inst.doc.Destroy()
	r.logger.Info("document unregistered", "doc_id", id, "ref_count", 0)
	if closeErr != nil {
		return fmt.Errorf("unregister %s: close storage: %w", id, closeErr)
	}
	return nil
}

// Unreferenced returns ids with refCount 0, least recently used first.
func (r *Registry) Unreferenced() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for e := r.order.Front(); e != nil; e = e.Next() {
		inst := e.Value.(*Instance)
		inst.mu.Lock()
		if inst.refCount == 0 {
			out = append(out, inst.id)
		}
		inst.mu.Unlock()
	}
	return out
}

// LRU returns up to n ids, least recently used first.
func (r *Registry) LRU(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for e := r.order.Front(); e != nil && len(out) < n; e = e.Next() {
		out = append(out, e.Value.(*Instance).id)
	}
	return out
}

// Rename re-keys a live instance after its id was unified. The storage
// binding is closed and rebound under the new id so the live state is
// written to the canonical key.
func (r *Registry) Rename(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	r.mu.Lock()
	elem, ok := r.instances[oldID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("rename %s: %w", oldID, ErrNotRegistered)
	}
	if _, taken := r.instances[newID]; taken {
		r.mu.Unlock()
		return fmt.Errorf("rename %s -> %s: %w", oldID, newID, ErrAlreadyRegistered)
	}
	inst := elem.Value.(*Instance)
	delete(r.instances, oldID)
	r.instances[newID] = elem
	inst.mu.Lock()
	inst.id = newID
	old := inst.handle
	inst.handle = nil
	inst.mu.Unlock()
	r.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			r.logger.Warn("close storage on rename failed", "doc_id", oldID, "error", err)
		}
	}
	if r.binder != nil {
		h := r.binder(newID, inst.doc)
		inst.mu.Lock()
		inst.handle = h
		inst.mu.Unlock()
	}
	r.logger.Info("document renamed", "old_id", oldID, "doc_id", newID)
	return nil
}
