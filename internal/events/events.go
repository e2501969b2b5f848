// Package events is the explicit notification bus between sync services and
// their listeners (UI layers, caches, the document registry).
package events

import (
	"sync"
	"time"

	"github.com/roach88/loftsync/internal/clock"
)

// Topic names a kind of notification.
type Topic int

const (
	// TopicIDsUnified fires after a full unification; payload IDsUnified.
	TopicIDsUnified Topic = iota
	// TopicWorkspaceIDsChanged fires after a workspace id rewrite; payload WorkspaceIDsChanged.
	TopicWorkspaceIDsChanged
	// TopicModeChanged fires when an entity's derived sync mode changes; payload ModeChanged.
	TopicModeChanged
	// TopicStatusChanged fires on every status transition; payload StatusChanged.
	TopicStatusChanged
)

// String returns the wire name of the topic.
func (t Topic) String() string {
	switch t {
	case TopicIDsUnified:
		return "ids-unified"
	case TopicWorkspaceIDsChanged:
		return "workspace-ids-changed"
	case TopicModeChanged:
		return "mode-change"
	case TopicStatusChanged:
		return "status-changed"
	default:
		return "unknown"
	}
}

// IDsUnified carries the canonical ids after unification.
type IDsUnified struct {
	LocalDocID       string `json:"localDocId"`
	CloudDocID       string `json:"cloudDocId"`
	LocalFolderID    string `json:"localFolderId,omitempty"`
	CloudFolderID    string `json:"cloudFolderId,omitempty"`
	LocalWorkspaceID string `json:"localWorkspaceId,omitempty"`
	CloudWorkspaceID string `json:"cloudWorkspaceId,omitempty"`
}

// WorkspaceIDsChanged carries a rewritten workspace id.
type WorkspaceIDsChanged struct {
	OldID string `json:"oldId"`
	NewID string `json:"newId"`
}

// ModeChanged carries a derived sync-mode change.
type ModeChanged struct {
	EntityID string `json:"entityId"`
	Kind     string `json:"kind"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// StatusChanged carries a sync-status transition.
type StatusChanged struct {
	EntityID string `json:"entityId"`
	Kind     string `json:"kind"`
	From     string `json:"from"`
	To       string `json:"to"`
	Error    string `json:"error,omitempty"`
}

// Event is one published notification.
type Event struct {
	Topic   Topic
	Time    time.Time
	Payload any
}

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

type subscription struct {
	id    int
	topic Topic
	fn    Handler
}

// Bus delivers events to subscribers in subscription order and keeps a
// bounded history of recent events.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  int
	clock   clock.Clock
	history *ring
}

// NewBus creates a bus keeping the last historySize events (default 256).
func NewBus(c clock.Clock, historySize int) *Bus {
	return &Bus{
		clock:   clock.Or(c),
		history: newRing(historySize),
	}
}

// Subscribe registers fn for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, topic: topic, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers payload to every subscriber of topic. Handlers run after
// the bus lock is released, so they may publish or subscribe themselves.
func (b *Bus) Publish(topic Topic, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Time: b.clock.Now(), Payload: payload}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == topic {
			handlers = append(handlers, s.fn)
		}
	}
	b.mu.RUnlock()

	b.history.push(ev)
	for _, fn := range handlers {
		fn(ev)
	}
}

// History returns recent events, oldest first.
func (b *Bus) History() []Event {
	return b.history.slice()
}

// ring is a fixed-capacity buffer that drops the oldest event when full.
type ring struct {
	mu     sync.Mutex
	events []Event
	head   int
	size   int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &ring{events: make([]Event, capacity)}
}

func (r *ring) push(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := (r.head + r.size) % len(r.events)
	r.events[tail] = ev
	if r.size < len(r.events) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.events)
	}
}

func (r *ring) slice() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.events[(r.head+i)%len(r.events)]
	}
	return out
}
