package replica

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roach88/loftsync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitSynced(t *testing.T, p *Persistence) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.WhenSynced(ctx))
}

func TestPersistenceLoadsAndWritesBack(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewMemoryProvider()

	seed := New(WithClientID(1))
	require.NoError(t, seed.AppendBlocks([]byte("stored")))
	require.NoError(t, provider.Set(ctx, storage.DocumentKey("doc_1"), seed.EncodeStateAsUpdate()))

	d := New(WithClientID(2))
	p := Bind(provider, storage.DocumentKey("doc_1"), d, nil)
	t.Cleanup(func() { p.Close() })
	waitSynced(t, p)

	assert.True(t, p.Synced())
	assert.NoError(t, p.Err())
	assert.Equal(t, []string{"stored"}, blocksAsStrings(d))

	require.NoError(t, d.AppendBlocks([]byte("edited")))

	stored, err := provider.Get(ctx, storage.DocumentKey("doc_1"))
	require.NoError(t, err)
	reloaded := New()
	require.NoError(t, reloaded.ApplyUpdate(stored, nil))
	assert.Equal(t, []string{"stored", "edited"}, blocksAsStrings(reloaded))
}

func TestPersistenceEmptyKey(t *testing.T) {
	provider := storage.NewMemoryProvider()
	d := New()
	p := Bind(provider, storage.DocumentKey("doc_new"), d, nil)
	t.Cleanup(func() { p.Close() })
	waitSynced(t, p)
	assert.Equal(t, 0, d.Content().Len())

	require.NoError(t, p.ClearData(context.Background()))
	_, err := provider.Get(context.Background(), storage.DocumentKey("doc_new"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

type failingProvider struct {
	*storage.MemoryProvider
	sets int
}

func (f *failingProvider) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, &storage.Error{Op: "get", Key: key, Retryable: true, Err: errors.New("io")}
}

func (f *failingProvider) Set(ctx context.Context, key string, value []byte) error {
	f.sets++
	return nil
}

func TestPersistenceLoadFailureDisablesWrites(t *testing.T) {
	provider := &failingProvider{MemoryProvider: storage.NewMemoryProvider()}
	d := New()
	p := Bind(provider, storage.DocumentKey("doc_1"), d, nil)
	t.Cleanup(func() { p.Close() })
	waitSynced(t, p)

	require.Error(t, p.Err())
	assert.True(t, storage.IsRetryable(p.Err()))
	require.NoError(t, d.AppendBlocks([]byte("x")))
	assert.Zero(t, provider.sets)
}

func TestWhenSyncedHonoursContext(t *testing.T) {
	p := &Persistence{syncedCh: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.WhenSynced(ctx), context.Canceled)
}
