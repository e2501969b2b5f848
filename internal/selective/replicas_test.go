package selective

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loftsync/internal/ids"
	"github.com/roach88/loftsync/internal/registry"
	"github.com/roach88/loftsync/internal/replica"
	"github.com/roach88/loftsync/internal/status"
	"github.com/roach88/loftsync/internal/storage"
	"github.com/roach88/loftsync/internal/transport"
)

func updateWith(t *testing.T, client uint64, payloads ...string) []byte {
	t.Helper()
	d := replica.New(replica.WithClientID(client))
	for _, p := range payloads {
		require.NoError(t, d.AppendBlocks([]byte(p)))
	}
	return d.EncodeStateAsUpdate()
}

func contentOf(t *testing.T, update []byte) [][]byte {
	t.Helper()
	d := replica.New()
	require.NoError(t, d.ApplyUpdate(update, nil))
	return d.Content().Blocks()
}

func TestRegistryReplicas_Stored(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewMemoryProvider()
	r := NewRegistryReplicas(nil, provider)

	snap, err := r.Snapshot(ctx, "doc_1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, r.Merge(ctx, "doc_1", updateWith(t, 1, "a")))
	require.NoError(t, r.Merge(ctx, "doc_1", updateWith(t, 2, "b")))

	snap, err = r.Snapshot(ctx, "doc_1")
	require.NoError(t, err)
	assert.Len(t, contentOf(t, snap), 2)
}

func TestRegistryReplicas_Live(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	inst, err := reg.Register("doc_1", registry.Metadata{})
	require.NoError(t, err)
	require.NoError(t, inst.Doc().AppendBlocks([]byte("live")))
	r := NewRegistryReplicas(reg, storage.NewMemoryProvider())

	snap, err := r.Snapshot(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("live")}, contentOf(t, snap))

	require.NoError(t, r.Merge(ctx, "doc_1", updateWith(t, 9, "remote")))
	assert.Equal(t, 2, inst.Doc().Content().Len())
}

func TestRegistryReplicas_BadUpdate(t *testing.T) {
	r := NewRegistryReplicas(nil, storage.NewMemoryProvider())
	assert.ErrorIs(t, r.Merge(context.Background(), "doc_1", []byte("junk")), replica.ErrMalformed)
}

func TestPushAndPullCarrySnapshots(t *testing.T) {
	provider := storage.NewMemoryProvider()
	f := newFixture(t, serviceOptions(WithReplicas(NewRegistryReplicas(nil, provider))), remoteIDs("srv_1"))
	f.seedDoc(t, "doc_1", "", t10, status.Metadata{})
	local := updateWith(t, 1, "local block")
	require.NoError(t, provider.Set(f.ctx, storage.DocumentKey("doc_1"), local))

	require.True(t, f.svc.PushDocument(f.ctx, "doc_1").Success)
	remote, err := f.remote.GetRemote(f.ctx, ids.KindDocument, "srv_1")
	require.NoError(t, err)
	assert.Equal(t, local, remote.Snapshot)

	// Another client adds a block and pushes.
	other := replica.New(replica.WithClientID(2))
	require.NoError(t, other.ApplyUpdate(remote.Snapshot, nil))
	require.NoError(t, other.AppendBlocks([]byte("remote block")))
	remote.Snapshot = other.EncodeStateAsUpdate()
	remote.UpdatedAt = t12
	remote.Version++
	require.NoError(t, f.remote.Put(f.ctx, remote))

	res := f.svc.PullDocument(f.ctx, "doc_1")
	require.True(t, res.Success, res.Error)

	stored, err := provider.Get(f.ctx, storage.DocumentKey("doc_1"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("local block"), []byte("remote block")}, contentOf(t, stored))
}

var _ transport.Client = (*faultyRemote)(nil)
