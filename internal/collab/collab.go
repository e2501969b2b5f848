// Package collab is the live collaboration channel: a WebSocket that
// exchanges replica updates and holds the document's channel-attached flag
// while open.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/roach88/loftsync/internal/replica"
)

// DefaultWriteTimeout bounds each outbound update.
const DefaultWriteTimeout = 5 * time.Second

// Channel is an open live channel for one document.
type Channel struct {
	conn         *websocket.Conn
	doc          *replica.Doc
	logger       *slog.Logger
	writeTimeout time.Duration
	unsubscribe  func()
	cancel       context.CancelFunc
	done         chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// Option configures Dial.
type Option func(*dialConfig)

type dialConfig struct {
	header       http.Header
	writeTimeout time.Duration
	logger       *slog.Logger
}

// WithToken sends a bearer token with the handshake.
func WithToken(token string) Option {
	return func(c *dialConfig) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *dialConfig) { c.writeTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *dialConfig) { c.logger = l }
}

// Dial connects doc to the relay at url. On success the document is marked
// channel-attached, its full state has been sent, and local updates are
// forwarded until Close.
func Dial(ctx context.Context, url string, doc *replica.Doc, opts ...Option) (*Channel, error) {
	cfg := dialConfig{header: http.Header{}, writeTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: cfg.header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(32 << 20)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:         conn,
		doc:          doc,
		logger:       cfg.logger.With("url", url),
		writeTimeout: cfg.writeTimeout,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	doc.AttachChannel()
	if err := c.send(ctx, doc.EncodeStateAsUpdate()); err != nil {
		doc.DetachChannel()
		cancel()
		_ = conn.Close(websocket.StatusInternalError, "initial sync failed")
		return nil, fmt.Errorf("send initial state: %w", err)
	}
	c.unsubscribe = doc.OnUpdate(c.forward)
	go c.readLoop(readCtx)

	c.logger.Info("live channel attached")
	return c, nil
}

func (c *Channel) send(ctx context.Context, update []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageBinary, update)
}

// forward sends local updates; updates that arrived over this channel are
// not echoed back.
func (c *Channel) forward(update []byte, origin any) {
	if origin == c {
		return
	}
	if err := c.send(context.Background(), update); err != nil {
		c.logger.Warn("live update not sent", "bytes", len(update), "error", err)
		c.fail(err)
	}
}

func (c *Channel) readLoop(ctx context.Context) {
	defer close(c.done)
	defer c.doc.DetachChannel()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				c.logger.Warn("live channel closed", "error", err)
				c.fail(err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := c.doc.ApplyUpdate(data, c); err != nil {
			c.logger.Warn("live update rejected", "bytes", len(data), "error", err)
			if errors.Is(err, replica.ErrDestroyed) {
				return
			}
		}
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil && !c.closed {
		c.err = err
	}
}

// Err returns the first failure seen on the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the read loop exits and the document is detached.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close stops forwarding, closes the socket, and detaches the document.
// Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	c.logger.Info("live channel detached")
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
