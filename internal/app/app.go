// Package app wires every loftsync service explicitly: local entity store,
// storage provider, document registry, hydration, sync status, selective
// sync, id unification and the event bus. There are no package globals;
// each App owns its services.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/loftsync/internal/clock"
	"github.com/roach88/loftsync/internal/collab"
	"github.com/roach88/loftsync/internal/config"
	"github.com/roach88/loftsync/internal/events"
	"github.com/roach88/loftsync/internal/hydrate"
	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/localstore"
	"github.com/roach88/loftsync/internal/registry"
	"github.com/roach88/loftsync/internal/replica"
	"github.com/roach88/loftsync/internal/selective"
	"github.com/roach88/loftsync/internal/status"
	"github.com/roach88/loftsync/internal/storage"
	"github.com/roach88/loftsync/internal/transport"
	"github.com/roach88/loftsync/internal/unify"
)

// Remote retry backoff bounds for the HTTP transport.
const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Options configures New. Zero fields are built from Config.
type Options struct {
	Config config.Config

	Store   *localstore.Store
	Storage storage.Provider
	Remote  transport.Client
	Auth    transport.Authenticator

	Clock clock.Clock
	IDs   ids.Generator
	// RemoteIDs mints cloud ids when the cloud is a local store.
	RemoteIDs ids.Generator
	Logger    *slog.Logger
}

// App holds the wired services.
type App struct {
	Config     config.Config
	Store      *localstore.Store
	Storage    storage.Provider
	Registry   *registry.Registry
	Bus        *events.Bus
	Status     *status.Machine
	Hydrator   *hydrate.Service
	Provenance *hydrate.Provenance
	Remote     transport.Client
	Auth       transport.Authenticator
	Sync       *selective.Service
	Unifier    *unify.Service

	clock     clock.Clock
	ids       ids.Generator
	remoteIDs ids.Generator
	logger    *slog.Logger
	owned     []io.Closer
	unsub     func()

	liveMu sync.Mutex
	live   map[string]*collab.Channel
}

// New builds an App. Resources opened here are released by Close; resources
// passed in Options are not.
func New(opts Options) (_ *App, err error) {
	a := &App{
		Config:    opts.Config,
		clock:     clock.Or(opts.Clock),
		ids:       opts.IDs,
		remoteIDs: opts.RemoteIDs,
		logger:    opts.Logger,
		live:      map[string]*collab.Channel{},
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.ids == nil {
		a.ids = ids.UUIDv7Generator{}
	}
	defer func() {
		if err != nil {
			a.closeOwned()
		}
	}()

	a.Store = opts.Store
	if a.Store == nil {
		if a.Store, err = localstore.Open(opts.Config.LocalDB); err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		a.owned = append(a.owned, a.Store)
	}
	a.Storage = opts.Storage
	if a.Storage == nil {
		if a.Storage, err = storage.Open(opts.Config.Storage); err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.owned = append(a.owned, a.Storage)
	}

	a.Auth = opts.Auth
	if a.Auth == nil {
		a.Auth = transport.StaticSession{Token: opts.Config.Remote.Token}
	}
	a.Remote = opts.Remote
	if a.Remote == nil {
		if a.Remote, err = a.openRemote(opts.Config.Remote); err != nil {
			return nil, err
		}
	}

	a.Bus = events.NewBus(a.clock, 0)
	a.Status = status.NewMachine(a.Store,
		status.WithBus(a.Bus),
		status.WithClock(a.clock),
		status.WithLogger(a.logger),
	)
	a.Registry = registry.New(
		registry.WithClock(a.clock),
		registry.WithBinder(a.bind),
		registry.WithLogger(a.logger),
	)
	a.Hydrator = hydrate.NewService(a.logger)
	a.Provenance = hydrate.NewProvenance(a.Storage,
		hydrate.WithTimeout(opts.Config.Hydration.ProvenanceTimeout),
		hydrate.WithProvenanceClock(a.clock),
		hydrate.WithProvenanceLogger(a.logger),
	)
	a.Sync = selective.New(a.Store, a.Status, a.Remote, a.Auth,
		selective.WithReplicas(selective.NewRegistryReplicas(a.Registry, a.Storage)),
		selective.WithLogger(a.logger),
	)
	a.Unifier = unify.New(a.Store, a.Storage,
		unify.WithBus(a.Bus),
		unify.WithLogger(a.logger),
	)
	a.unsub = a.Bus.Subscribe(events.TopicIDsUnified, a.onUnified)
	return a, nil
}

func (a *App) openRemote(cfg config.Remote) (transport.Client, error) {
	switch {
	case cfg.URL != "":
		return transport.NewHTTPClient(cfg.URL, a.Auth,
			transport.WithRetries(cfg.Retries, retryBaseDelay, retryMaxDelay),
			transport.WithHTTPLogger(a.logger),
		), nil
	case cfg.DSN != "":
		provider, err := storage.Open(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open remote store: %w", err)
		}
		a.owned = append(a.owned, provider)
		return transport.NewStoreRemote(provider, a.remoteOptions()...), nil
	default:
		return transport.NewMemoryRemote(a.remoteOptions()...), nil
	}
}

func (a *App) remoteOptions() []transport.RemoteOption {
	opts := []transport.RemoteOption{transport.WithRemoteClock(a.clock)}
	if gen := a.remoteIDs; gen != nil {
		opts = append(opts, transport.WithIDFunc(func(kind ids.Kind) string { return ids.New(kind, gen) }))
	}
	return opts
}

func (a *App) bind(id string, doc *replica.Doc) registry.Handle {
	return replica.Bind(a.Storage, storage.DocumentKey(id), doc, a.logger)
}

// Close detaches live channels, writes and unregisters idle instances, and
// releases owned resources.
func (a *App) Close() error {
	if a.unsub != nil {
		a.unsub()
	}
	a.detachAll()
	for _, id := range a.Registry.Unreferenced() {
		a.flush(context.Background(), id)
		if err := a.Registry.Unregister(id); err != nil {
			a.logger.Warn("unregister on close failed", "doc_id", id, "error", err)
		}
	}
	return a.closeOwned()
}

func (a *App) closeOwned() error {
	var errs []error
	for i := len(a.owned) - 1; i >= 0; i-- {
		errs = append(errs, a.owned[i].Close())
	}
	a.owned = nil
	return errors.Join(errs...)
}

// Now returns the app clock's time.
func (a *App) Now() time.Time {
	return a.clock.Now()
}
