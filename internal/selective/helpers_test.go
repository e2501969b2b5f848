package selective

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/loftsync/internal/events"
	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/localstore"
	"github.com/roach88/loftsync/internal/status"
	"github.com/roach88/loftsync/internal/testutil"
	"github.com/roach88/loftsync/internal/transport"
)

var (
	t10 = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	t12 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	ctx     context.Context
	store   *localstore.Store
	remote  *transport.StoreRemote
	bus     *events.Bus
	machine *status.Machine
	clock   *testutil.StepClock
	svc     *Service
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	auth     transport.Authenticator
	wrap     func(transport.Client) transport.Client
	remoteID []string
	opts     []Option
}

func signedOut() fixtureOption {
	return func(c *fixtureConfig) { c.auth = transport.StaticSession{} }
}

func wrapRemote(fn func(transport.Client) transport.Client) fixtureOption {
	return func(c *fixtureConfig) { c.wrap = fn }
}

func remoteIDs(list ...string) fixtureOption {
	return func(c *fixtureConfig) { c.remoteID = list }
}

func serviceOptions(opts ...Option) fixtureOption {
	return func(c *fixtureConfig) { c.opts = append(c.opts, opts...) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{auth: transport.StaticSession{Token: "token"}}
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := testutil.NewStepClock()
	clk.Set(t12.Add(24 * time.Hour))

	var remoteOpts []transport.RemoteOption
	if len(cfg.remoteID) > 0 {
		next := 0
		remoteOpts = append(remoteOpts, transport.WithIDFunc(func(ids.Kind) string {
			id := cfg.remoteID[next]
			next++
			return id
		}))
	}
	remote := transport.NewMemoryRemote(remoteOpts...)
	var client transport.Client = remote
	if cfg.wrap != nil {
		client = cfg.wrap(remote)
	}

	bus := events.NewBus(clk, 0)
	machine := status.NewMachine(store, status.WithBus(bus), status.WithClock(clk))
	return &fixture{
		ctx:     context.Background(),
		store:   store,
		remote:  remote,
		bus:     bus,
		machine: machine,
		clock:   clk,
		svc:     New(store, machine, client, cfg.auth, cfg.opts...),
	}
}

// seedDoc creates ws_local ⊃ folder_local ⊃ id with the given content and
// modification time.
func (f *fixture) seedDoc(t *testing.T, id, content string, updatedAt time.Time, sync status.Metadata) {
	t.Helper()
	if ok, _ := f.store.Exists(f.ctx, ids.KindWorkspace, "ws_local"); !ok {
		require.NoError(t, f.store.CreateWorkspace(f.ctx, localstore.Workspace{ID: "ws_local", Name: "Home", CreatedAt: t10, UpdatedAt: t10}))
		require.NoError(t, f.store.CreateFolder(f.ctx, localstore.Folder{ID: "folder_local", WorkspaceID: "ws_local", Name: "Notes", CreatedAt: t10, UpdatedAt: t10}))
	}
	require.NoError(t, f.store.CreateDocument(f.ctx, localstore.Document{
		ID: id, WorkspaceID: "ws_local", FolderID: "folder_local",
		Title: "Notes", Content: content,
		CreatedAt: updatedAt, UpdatedAt: updatedAt,
		Sync: sync,
	}))
}

func (f *fixture) statusOf(t *testing.T, kind ids.Kind, id string) status.Metadata {
	t.Helper()
	m, err := f.store.SyncMetadata(f.ctx, kind, id)
	require.NoError(t, err)
	return m
}

func (f *fixture) recordTransitions() *[]string {
	var got []string
	f.bus.Subscribe(events.TopicStatusChanged, func(ev events.Event) {
		p := ev.Payload.(events.StatusChanged)
		got = append(got, p.From+"->"+p.To)
	})
	return &got
}

func syncedAs(cloudID string, version int64) status.Metadata {
	at := t10
	return status.Metadata{Status: status.Synced, CloudID: cloudID, CloudVersion: &version, LastSyncedAt: &at}
}

// faultyRemote fails selected calls.
type faultyRemote struct {
	transport.Client
	createErr error
	getErr    error
	updateErr error
}

func (r *faultyRemote) CreateRemote(ctx context.Context, e transport.Entity) (transport.Entity, error) {
	if r.createErr != nil {
		return transport.Entity{}, r.createErr
	}
	return r.Client.CreateRemote(ctx, e)
}

func (r *faultyRemote) GetRemote(ctx context.Context, kind ids.Kind, id string) (transport.Entity, error) {
	if r.getErr != nil {
		return transport.Entity{}, r.getErr
	}
	return r.Client.GetRemote(ctx, kind, id)
}

func (r *faultyRemote) UpdateRemote(ctx context.Context, kind ids.Kind, id string, e transport.Entity) (transport.Entity, error) {
	if r.updateErr != nil {
		return transport.Entity{}, r.updateErr
	}
	return r.Client.UpdateRemote(ctx, kind, id, e)
}
