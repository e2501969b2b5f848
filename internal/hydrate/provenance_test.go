package hydrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loftsync/internal/replica"
	"github.com/roach88/loftsync/internal/storage"
	"github.com/roach88/loftsync/internal/testutil"
)

// slowProvider blocks Set until its context is done.
type slowProvider struct {
	storage.Provider
}

func (slowProvider) Set(ctx context.Context, key string, value []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

type brokenProvider struct {
	storage.Provider
}

func (brokenProvider) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestProvenance_RecordAndList(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewMemoryProvider()
	clk := testutil.NewStepClock()
	prov := NewProvenance(provider, WithProvenanceClock(clk))

	doc := replica.New(replica.WithClientID(7))
	require.NoError(t, doc.AppendBlocks([]byte("a")))
	first := clk.Peek()
	require.True(t, prov.RecordBeforeReload(ctx, "doc_1", doc, "reload", "/notes/a.md"))
	require.NoError(t, doc.AppendBlocks([]byte("b")))
	require.True(t, prov.RecordBeforeReload(ctx, "doc_1", doc, "schema-upgrade", ""))
	require.True(t, prov.RecordBeforeReload(ctx, "doc_2", nil, "reload", ""))

	snaps, err := prov.List(ctx, "doc_1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	assert.Equal(t, "doc_1", snaps[0].DocumentID)
	assert.Equal(t, "reload", snaps[0].Reason)
	assert.Equal(t, "/notes/a.md", snaps[0].FilePath)
	assert.True(t, first.Equal(snaps[0].Timestamp))
	assert.True(t, snaps[1].Timestamp.After(snaps[0].Timestamp))
	assert.Equal(t, "schema-upgrade", snaps[1].Reason)

	sv, err := replica.DecodeStateVector(snaps[1].Vector)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sv[7])
}

func TestProvenance_ListSkipsUnreadable(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewMemoryProvider()
	prov := NewProvenance(provider, WithProvenanceClock(testutil.NewStepClock()))

	require.True(t, prov.RecordBeforeReload(ctx, "doc_1", replica.New(), "reload", ""))
	require.NoError(t, provider.Set(ctx, storage.ProvenanceKey("doc_1", time.Unix(0, 1)), []byte("not json")))

	snaps, err := prov.List(ctx, "doc_1")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestProvenance_TimeoutDoesNotBlock(t *testing.T) {
	prov := NewProvenance(slowProvider{storage.NewMemoryProvider()}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	ok := prov.RecordBeforeReload(context.Background(), "doc_1", replica.New(), "reload", "")

	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProvenance_NonPositiveTimeoutKeepsDefault(t *testing.T) {
	ctx := context.Background()
	for _, d := range []time.Duration{0, -time.Second} {
		prov := NewProvenance(storage.NewMemoryProvider(), WithTimeout(d))
		assert.True(t, prov.RecordBeforeReload(ctx, "doc_1", replica.New(), "reload", ""), d)
		snaps, err := prov.List(ctx, "doc_1")
		require.NoError(t, err)
		assert.Len(t, snaps, 1)
	}
}

func TestProvenance_WriteErrorSwallowed(t *testing.T) {
	prov := NewProvenance(brokenProvider{storage.NewMemoryProvider()})
	assert.False(t, prov.RecordBeforeReload(context.Background(), "doc_1", replica.New(), "reload", ""))
}

func TestProvenance_ListEmpty(t *testing.T) {
	prov := NewProvenance(storage.NewMemoryProvider())
	snaps, err := prov.List(context.Background(), "doc_missing")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}
