// Package replica implements the replicated document primitive: an op-log
// CRDT whose updates merge commutatively, associatively and idempotently.
//
// A Doc holds an ordered root container of opaque blocks and a set of
// last-writer-wins scratch fields. Local edits and applied remote updates
// are announced to OnUpdate listeners as encoded updates, which is how
// persistence and live channels replicate state.
package replica

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrDestroyed is returned by operations on a destroyed Doc.
var ErrDestroyed = errors.New("replica: document destroyed")

// ID identifies one op: the originating client and its per-client sequence.
type ID struct {
	Client uint64
	Seq    uint64
}

// head is the virtual position before the first block.
var head = ID{}

type opKind byte

const (
	opInsert  opKind = 1
	opDelete  opKind = 2
	opScratch opKind = 3
)

type op struct {
	ID      ID
	Lamport uint64
	Kind    opKind
	Ref     ID // insert: left neighbour; delete: target
	Field   string
	Payload []byte // insert: block; scratch: value, nil clears
}

type block struct {
	op      *op
	deleted bool
}

type scratchEntry struct {
	lamport uint64
	client  uint64
	value   []byte
}

// Listener receives every change as an encoded update along with the origin
// passed to ApplyUpdate (nil for local edits).
type Listener func(update []byte, origin any)

// Doc is a replicated document. It is safe for concurrent use.
type Doc struct {
	mu        sync.Mutex
	client    uint64
	clock     uint64
	vector    StateVector
	ops       map[ID]*op
	blocks    map[ID]*block
	children  map[ID][]ID
	scratch   map[string]scratchEntry
	pending   []*op
	channel   bool
	destroyed bool

	listenerMu sync.Mutex
	listeners  map[int]Listener
	nextLis    int
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID fixes the client id. Zero is reserved and ignored.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		if id != 0 {
			d.client = id
		}
	}
}

// New creates an empty document with a random client id.
func New(opts ...Option) *Doc {
	d := &Doc{
		client:    randomClientID(),
		vector:    StateVector{},
		ops:       make(map[ID]*op),
		blocks:    make(map[ID]*block),
		children:  make(map[ID][]ID),
		scratch:   make(map[string]scratchEntry),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func randomClientID() uint64 {
	u := uuid.New()
	id := binary.BigEndian.Uint64(u[8:])
	if id == 0 {
		id = 1
	}
	return id
}

// ClientID returns the id stamped on local ops.
func (d *Doc) ClientID() uint64 {
	return d.client
}

// OnUpdate registers fn and returns a function that unregisters it.
func (d *Doc) OnUpdate(fn Listener) (unsubscribe func()) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	id := d.nextLis
	d.nextLis++
	d.listeners[id] = fn
	return func() {
		d.listenerMu.Lock()
		defer d.listenerMu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Doc) emit(ops []*op, origin any) {
	if len(ops) == 0 {
		return
	}
	update := encodeOps(ops)
	d.listenerMu.Lock()
	keys := make([]int, 0, len(d.listeners))
	for k := range d.listeners {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]Listener, 0, len(keys))
	for _, k := range keys {
		fns = append(fns, d.listeners[k])
	}
	d.listenerMu.Unlock()

	for _, fn := range fns {
		fn(update, origin)
	}
}

// ApplyUpdate merges an encoded update. Ops whose dependencies are missing
// are held back until a later update supplies them. Applying the same
// update twice is a no-op.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	applied := d.integrate(ops)
	d.mu.Unlock()

	d.emit(applied, origin)
	return nil
}

// EncodeStateAsUpdate returns every integrated op as a single update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.sortedOps(nil))
}

// EncodeDiff returns the ops missing from the peer described by an encoded
// state vector.
func (d *Doc) EncodeDiff(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeOps(d.sortedOps(sv)), nil
}

// EncodeStateVector returns the encoded state vector.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vector.Encode()
}

// StateVector returns a copy of the state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.vector))
	for c, s := range d.vector {
		sv[c] = s
	}
	return sv
}

// PendingCount reports ops received but not yet integrable.
func (d *Doc) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// sortedOps returns integrated ops not covered by sv in causal order.
// Lamport order is causal: every op's dependencies carry smaller stamps.
func (d *Doc) sortedOps(sv StateVector) []*op {
	out := make([]*op, 0, len(d.ops))
	for _, o := range d.ops {
		if sv != nil && o.ID.Seq <= sv[o.ID.Client] {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Lamport != out[j].Lamport {
			return out[i].Lamport < out[j].Lamport
		}
		if out[i].ID.Client != out[j].ID.Client {
			return out[i].ID.Client < out[j].ID.Client
		}
		return out[i].ID.Seq < out[j].ID.Seq
	})
	return out
}

func (d *Doc) integrate(incoming []*op) []*op {
	seen := make(map[ID]bool, len(d.pending)+len(incoming))
	queue := make([]*op, 0, len(d.pending)+len(incoming))
	for _, o := range append(d.pending, incoming...) {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		queue = append(queue, o)
	}

	var applied []*op
	for progress := true; progress; {
		progress = false
		rest := make([]*op, 0, len(queue))
		for _, o := range queue {
			switch {
			case d.has(o.ID):
			case d.ready(o):
				d.apply(o)
				applied = append(applied, o)
				progress = true
			default:
				rest = append(rest, o)
			}
		}
		queue = rest
	}
	d.pending = queue
	return applied
}

func (d *Doc) has(id ID) bool {
	return id.Seq <= d.vector[id.Client]
}

func (d *Doc) ready(o *op) bool {
	if o.ID.Seq != d.vector[o.ID.Client]+1 {
		return false
	}
	if o.Kind == opInsert || o.Kind == opDelete {
		return o.Ref == head || d.has(o.Ref)
	}
	return true
}

func (d *Doc) apply(o *op) {
	d.ops[o.ID] = o
	d.vector[o.ID.Client] = o.ID.Seq
	if o.Lamport > d.clock {
		d.clock = o.Lamport
	}

	switch o.Kind {
	case opInsert:
		parent := o.Ref
		if _, ok := d.blocks[parent]; !ok {
			parent = head
		}
		d.blocks[o.ID] = &block{op: o}
		siblings := d.children[parent]
		i := sort.Search(len(siblings), func(i int) bool {
			return precedes(o, d.ops[siblings[i]])
		})
		siblings = append(siblings, ID{})
		copy(siblings[i+1:], siblings[i:])
		siblings[i] = o.ID
		d.children[parent] = siblings
	case opDelete:
		if b, ok := d.blocks[o.Ref]; ok {
			b.deleted = true
		}
	case opScratch:
		cur, ok := d.scratch[o.Field]
		if !ok || o.Lamport > cur.lamport || (o.Lamport == cur.lamport && o.ID.Client > cur.client) {
			d.scratch[o.Field] = scratchEntry{lamport: o.Lamport, client: o.ID.Client, value: o.Payload}
		}
	}
}

// precedes orders siblings inserted at the same position: newer first,
// ties broken by client id.
func precedes(a, b *op) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	return a.ID.Client > b.ID.Client
}

// order returns all block ids, tombstones included, in document order.
func (d *Doc) order() []ID {
	out := make([]ID, 0, len(d.blocks))
	var walk func(ID)
	walk = func(parent ID) {
		for _, id := range d.children[parent] {
			out = append(out, id)
			walk(id)
		}
	}
	walk(head)
	return out
}

func (d *Doc) visible() []*block {
	ids := d.order()
	out := make([]*block, 0, len(ids))
	for _, id := range ids {
		if b := d.blocks[id]; !b.deleted {
			out = append(out, b)
		}
	}
	return out
}

func (d *Doc) newOp(kind opKind) *op {
	d.clock++
	return &op{
		ID:      ID{Client: d.client, Seq: d.vector[d.client] + 1},
		Lamport: d.clock,
		Kind:    kind,
	}
}

// local runs fn under the lock and announces the ops it created.
func (d *Doc) local(fn func() []*op) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	ops := fn()
	d.mu.Unlock()
	d.emit(ops, nil)
	return nil
}

// AppendBlocks appends blocks to the end of the root container as one update.
func (d *Doc) AppendBlocks(payloads ...[]byte) error {
	return d.local(func() []*op {
		after := head
		if ids := d.order(); len(ids) > 0 {
			after = ids[len(ids)-1]
		}
		ops := make([]*op, 0, len(payloads))
		for _, p := range payloads {
			o := d.newOp(opInsert)
			o.Ref = after
			o.Payload = append([]byte{}, p...)
			d.apply(o)
			ops = append(ops, o)
			after = o.ID
		}
		return ops
	})
}

// InsertBlock inserts a block so it ends up at visible index i.
func (d *Doc) InsertBlock(i int, payload []byte) error {
	return d.local(func() []*op {
		vis := d.visible()
		if i < 0 {
			i = 0
		}
		if i > len(vis) {
			i = len(vis)
		}
		after := head
		if i > 0 {
			after = vis[i-1].op.ID
		}
		o := d.newOp(opInsert)
		o.Ref = after
		o.Payload = append([]byte{}, payload...)
		d.apply(o)
		return []*op{o}
	})
}

// DeleteBlock removes the block at visible index i. Out-of-range indexes
// are ignored.
func (d *Doc) DeleteBlock(i int) error {
	return d.local(func() []*op {
		vis := d.visible()
		if i < 0 || i >= len(vis) {
			return nil
		}
		o := d.newOp(opDelete)
		o.Ref = vis[i].op.ID
		d.apply(o)
		return []*op{o}
	})
}

// Clear deletes every visible block.
func (d *Doc) Clear() error {
	return d.local(func() []*op {
		var ops []*op
		for _, b := range d.visible() {
			o := d.newOp(opDelete)
			o.Ref = b.op.ID
			d.apply(o)
			ops = append(ops, o)
		}
		return ops
	})
}

// SetScratch stores value under a scratch field outside the root container.
// A nil value clears the field.
func (d *Doc) SetScratch(field string, value []byte) error {
	return d.local(func() []*op {
		o := d.newOp(opScratch)
		o.Field = field
		if value != nil {
			o.Payload = append([]byte{}, value...)
		}
		d.apply(o)
		return []*op{o}
	})
}

// Scratch returns the value of a scratch field.
func (d *Doc) Scratch(field string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.scratch[field]
	if !ok || e.value == nil {
		return nil, false
	}
	return append([]byte{}, e.value...), true
}

// Content returns a snapshot of the root container.
func (d *Doc) Content() Content {
	d.mu.Lock()
	defer d.mu.Unlock()
	vis := d.visible()
	blocks := make([][]byte, len(vis))
	for i, b := range vis {
		blocks[i] = append([]byte{}, b.op.Payload...)
	}
	return Content{blocks: blocks}
}

// AttachChannel marks a live collaboration channel as attached.
func (d *Doc) AttachChannel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channel = true
}

// DetachChannel clears the live channel flag.
func (d *Doc) DetachChannel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channel = false
}

// ChannelAttached reports whether a live channel is attached.
func (d *Doc) ChannelAttached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel
}

// Destroy releases the document. Listeners are dropped and further edits
// fail with ErrDestroyed. Destroy is idempotent.
func (d *Doc) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.mu.Unlock()

	d.listenerMu.Lock()
	d.listeners = make(map[int]Listener)
	d.listenerMu.Unlock()
}

// Destroyed reports whether Destroy has been called.
func (d *Doc) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Content is an immutable view of the root container.
type Content struct {
	blocks [][]byte
}

// Len returns the number of visible blocks.
func (c Content) Len() int {
	return len(c.blocks)
}

// Blocks returns the block payloads in document order.
func (c Content) Blocks() [][]byte {
	return c.blocks
}

// MergeUpdates combines encoded updates into one without a live Doc.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	d := New(WithClientID(1))
	for _, u := range updates {
		if err := d.ApplyUpdate(u, nil); err != nil {
			return nil, err
		}
	}
	return d.EncodeStateAsUpdate(), nil
}
