package collab

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/roach88/loftsync/internal/replica"
)

// Relay is a WebSocket endpoint that fans replica updates out to every
// peer of the same room. Each room keeps a merged replica so late joiners
// receive the current state. The room is the request path value "doc".
type Relay struct {
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	doc   *replica.Doc
	peers map[*websocket.Conn]struct{}
}

// NewRelay creates a Relay. A nil logger uses slog.Default.
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{logger: logger, rooms: make(map[string]*room)}
}

// Rooms returns the number of rooms with at least one peer.
func (r *Relay) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Relay) join(name string, conn *websocket.Conn) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{doc: replica.New(replica.WithClientID(1)), peers: make(map[*websocket.Conn]struct{})}
		r.rooms[name] = rm
	}
	rm.peers[conn] = struct{}{}
	return rm.doc.EncodeStateAsUpdate()
}

func (r *Relay) leave(name string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		return
	}
	delete(rm.peers, conn)
	if len(rm.peers) == 0 {
		rm.doc.Destroy()
		delete(r.rooms, name)
	}
}

// merge folds an update into the room and returns the other peers.
func (r *Relay) merge(name string, from *websocket.Conn, update []byte) ([]*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		return nil, nil
	}
	if err := rm.doc.ApplyUpdate(update, nil); err != nil {
		return nil, err
	}
	out := make([]*websocket.Conn, 0, len(rm.peers))
	for p := range rm.peers {
		if p != from {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("doc")
	if name == "" {
		name = req.URL.Path
	}
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Warn("relay handshake failed", "error", err)
		return
	}
	conn.SetReadLimit(32 << 20)
	logger := r.logger.With("room", name)
	ctx := req.Context()

	state := r.join(name, conn)
	defer r.leave(name, conn)
	if err := conn.Write(ctx, websocket.MessageBinary, state); err != nil {
		logger.Warn("relay initial state not sent", "error", err)
		return
	}
	logger.Debug("peer joined")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("peer left", "status", websocket.CloseStatus(err))
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		peers, err := r.merge(name, conn, data)
		if err != nil {
			logger.Warn("relay rejected update", "error", err)
			_ = conn.Close(websocket.StatusUnsupportedData, "malformed update")
			return
		}
		for _, p := range peers {
			wctx, cancel := context.WithTimeout(ctx, DefaultWriteTimeout)
			if err := p.Write(wctx, websocket.MessageBinary, data); err != nil {
				logger.Warn("relay fan-out failed", "error", err)
			}
			cancel()
		}
	}
}
