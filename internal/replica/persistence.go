package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/loftsync/internal/storage"
)

// Persistence binds a Doc to a storage key. Binding starts a background load
// of the stored state; Synced flips once that load has been merged, after
// which every change is written back as the full encoded state.
type Persistence struct {
	provider storage.Provider
	key      string
	doc      *Doc
	logger   *slog.Logger

	mu       sync.Mutex
	synced   bool
	disabled bool
	loadErr  error
	closed   bool

	syncedCh chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	unsub    func()
}

// Bind attaches persistence to doc and starts loading stored state.
func Bind(provider storage.Provider, key string, doc *Doc, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Persistence{
		provider: provider,
		key:      key,
		doc:      doc,
		logger:   logger,
		syncedCh: make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	p.unsub = doc.OnUpdate(p.onUpdate)
	go p.load(ctx)
	return p
}

// Key returns the storage key the document is bound to.
func (p *Persistence) Key() string {
	return p.key
}

func (p *Persistence) load(ctx context.Context) {
	defer close(p.done)

	data, err := p.provider.Get(ctx, p.key)
	if errors.Is(err, storage.ErrNotFound) {
		data, err = nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(p.syncedCh)
	p.synced = true

	if err == nil && len(data) > 0 {
		err = p.doc.ApplyUpdate(data, p)
	}
	if err != nil {
		// Writing now could clobber state we failed to read.
		p.disabled = true
		p.loadErr = fmt.Errorf("load %s: %w", p.key, err)
		p.logger.Warn("replica persistence load failed; writes disabled",
			"key", p.key,
			"error", err,
		)
		return
	}
	if err := p.writeLocked(ctx); err != nil {
		p.logger.Warn("replica persistence initial write failed", "key", p.key, "error", err)
	}
	p.logger.Debug("replica persistence synced", "key", p.key, "bytes", len(data))
}

func (p *Persistence) onUpdate(_ []byte, origin any) {
	if origin == p {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.synced || p.disabled || p.closed {
		return
	}
	if err := p.writeLocked(context.Background()); err != nil {
		p.logger.Warn("replica persistence write failed",
			"key", p.key,
			"retryable", storage.IsRetryable(err),
			"error", err,
		)
	}
}

func (p *Persistence) writeLocked(ctx context.Context) error {
	return p.provider.Set(ctx, p.key, p.doc.EncodeStateAsUpdate())
}

// Synced reports whether the initial load has completed.
func (p *Persistence) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// WhenSynced blocks until the initial load completes or ctx ends. The
// signal fires once; later calls return immediately.
func (p *Persistence) WhenSynced(ctx context.Context) error {
	select {
	case <-p.syncedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the initial load error, if any.
func (p *Persistence) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadErr
}

// Flush writes the current state immediately.
func (p *Persistence) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled {
		return p.loadErr
	}
	return p.writeLocked(ctx)
}

// ClearData deletes the stored state.
func (p *Persistence) ClearData(ctx context.Context) error {
	return p.provider.Delete(ctx, p.key)
}

// Close stops listening for changes and waits for the initial load to end.
func (p *Persistence) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.unsub()
	p.cancel()
	<-p.done
	return nil
}
