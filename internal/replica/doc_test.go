package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blocksAsStrings(d *Doc) []string {
	var out []string
	for _, b := range d.Content().Blocks() {
		out = append(out, string(b))
	}
	return out
}

func TestAppendAndContent(t *testing.T) {
	d := New(WithClientID(7))
	require.NoError(t, d.AppendBlocks([]byte("a"), []byte("b")))
	require.NoError(t, d.AppendBlocks([]byte("c")))

	assert.Equal(t, 3, d.Content().Len())
	assert.Equal(t, []string{"a", "b", "c"}, blocksAsStrings(d))
	assert.Equal(t, StateVector{7: 3}, d.StateVector())
}

func TestInsertAndDelete(t *testing.T) {
	d := New(WithClientID(7))
	require.NoError(t, d.AppendBlocks([]byte("a"), []byte("c")))
	require.NoError(t, d.InsertBlock(1, []byte("b")))
	require.NoError(t, d.InsertBlock(0, []byte("0")))
	assert.Equal(t, []string{"0", "a", "b", "c"}, blocksAsStrings(d))

	require.NoError(t, d.DeleteBlock(2))
	require.NoError(t, d.DeleteBlock(99))
	assert.Equal(t, []string{"0", "a", "c"}, blocksAsStrings(d))

	require.NoError(t, d.Clear())
	assert.Equal(t, 0, d.Content().Len())
}

func TestApplyUpdateRoundTrip(t *testing.T) {
	a := New(WithClientID(1))
	require.NoError(t, a.AppendBlocks([]byte("x"), []byte("y")))
	require.NoError(t, a.SetScratch("note", []byte("hi")))

	b := New(WithClientID(2))
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(), nil))

	assert.Equal(t, blocksAsStrings(a), blocksAsStrings(b))
	v, ok := b.Scratch("note")
	require.True(t, ok)
	assert.Equal(t, "hi", string(v))
	assert.Equal(t, a.EncodeStateVector(), b.EncodeStateVector())
}

func TestConcurrentEditsConvergeRegardlessOfOrder(t *testing.T) {
	base := New(WithClientID(1))
	require.NoError(t, base.AppendBlocks([]byte("base")))
	seed := base.EncodeStateAsUpdate()

	a := New(WithClientID(10))
	b := New(WithClientID(20))
	c := New(WithClientID(30))
	for _, d := range []*Doc{a, b, c} {
		require.NoError(t, d.ApplyUpdate(seed, nil))
	}
	require.NoError(t, a.AppendBlocks([]byte("from-a")))
	require.NoError(t, b.AppendBlocks([]byte("from-b")))
	require.NoError(t, c.InsertBlock(0, []byte("from-c")))
	require.NoError(t, c.DeleteBlock(1))

	ua, ub, uc := a.EncodeStateAsUpdate(), b.EncodeStateAsUpdate(), c.EncodeStateAsUpdate()

	orders := [][][]byte{
		{ua, ub, uc},
		{uc, ub, ua},
		{ub, uc, ua},
	}
	var results [][]string
	for _, order := range orders {
		d := New(WithClientID(99))
		for _, u := range order {
			require.NoError(t, d.ApplyUpdate(u, nil))
		}
		results = append(results, blocksAsStrings(d))
	}
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, results[0], results[2])
	assert.ElementsMatch(t, []string{"from-c", "from-a", "from-b"}, results[0])
}

func TestApplyIsIdempotent(t *testing.T) {
	a := New(WithClientID(1))
	require.NoError(t, a.AppendBlocks([]byte("x")))
	u := a.EncodeStateAsUpdate()

	b := New(WithClientID(2))
	calls := 0
	b.OnUpdate(func([]byte, any) { calls++ })
	require.NoError(t, b.ApplyUpdate(u, nil))
	require.NoError(t, b.ApplyUpdate(u, nil))

	assert.Equal(t, 1, b.Content().Len())
	assert.Equal(t, 1, calls)
}

func TestOutOfOrderUpdatesArePending(t *testing.T) {
	a := New(WithClientID(1))
	var updates [][]byte
	a.OnUpdate(func(u []byte, _ any) { updates = append(updates, u) })
	require.NoError(t, a.AppendBlocks([]byte("first")))
	require.NoError(t, a.AppendBlocks([]byte("second")))
	require.Len(t, updates, 2)

	b := New(WithClientID(2))
	require.NoError(t, b.ApplyUpdate(updates[1], nil))
	assert.Equal(t, 0, b.Content().Len())
	assert.Equal(t, 1, b.PendingCount())

	require.NoError(t, b.ApplyUpdate(updates[0], nil))
	assert.Equal(t, []string{"first", "second"}, blocksAsStrings(b))
	assert.Equal(t, 0, b.PendingCount())
}

func TestEncodeDiff(t *testing.T) {
	a := New(WithClientID(1))
	require.NoError(t, a.AppendBlocks([]byte("x")))
	b := New(WithClientID(2))
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(), nil))

	require.NoError(t, a.AppendBlocks([]byte("y")))
	diff, err := a.EncodeDiff(b.EncodeStateVector())
	require.NoError(t, err)
	assert.Less(t, len(diff), len(a.EncodeStateAsUpdate()))

	require.NoError(t, b.ApplyUpdate(diff, nil))
	assert.Equal(t, []string{"x", "y"}, blocksAsStrings(b))
}

func TestScratchLastWriterWins(t *testing.T) {
	a := New(WithClientID(1))
	b := New(WithClientID(2))
	require.NoError(t, a.SetScratch("f", []byte("from-a")))
	require.NoError(t, b.SetScratch("f", []byte("from-b")))

	ua, ub := a.EncodeStateAsUpdate(), b.EncodeStateAsUpdate()
	require.NoError(t, a.ApplyUpdate(ub, nil))
	require.NoError(t, b.ApplyUpdate(ua, nil))

	va, _ := a.Scratch("f")
	vb, _ := b.Scratch("f")
	assert.Equal(t, "from-b", string(va), "equal lamport resolves to higher client")
	assert.Equal(t, va, vb)

	require.NoError(t, a.SetScratch("f", nil))
	_, ok := a.Scratch("f")
	assert.False(t, ok)
}

func TestScratchDoesNotTouchContent(t *testing.T) {
	d := New()
	require.NoError(t, d.SetScratch("pendingContent", []byte(`[]`)))
	assert.Equal(t, 0, d.Content().Len())
}

func TestMalformedUpdates(t *testing.T) {
	d := New()
	for name, data := range map[string][]byte{
		"bad magic":   {'X', 1},
		"bad version": {updateMagic, 9},
		"truncated":   {updateMagic, codecVersion, 1, 1},
		"trailing":    append(New(WithClientID(3)).EncodeStateAsUpdate(), 0xff),
	} {
		assert.ErrorIs(t, d.ApplyUpdate(data, nil), ErrMalformed, name)
	}
	assert.NoError(t, d.ApplyUpdate(nil, nil))
}

func TestChannelFlagAndDestroy(t *testing.T) {
	d := New()
	assert.False(t, d.ChannelAttached())
	d.AttachChannel()
	assert.True(t, d.ChannelAttached())
	d.DetachChannel()
	assert.False(t, d.ChannelAttached())

	called := false
	d.OnUpdate(func([]byte, any) { called = true })
	d.Destroy()
	d.Destroy()
	assert.True(t, d.Destroyed())
	assert.ErrorIs(t, d.AppendBlocks([]byte("x")), ErrDestroyed)
	assert.ErrorIs(t, d.ApplyUpdate(New(WithClientID(5)).EncodeStateAsUpdate(), nil), ErrDestroyed)
	assert.False(t, called)
}

func TestUnsubscribe(t *testing.T) {
	d := New()
	calls := 0
	unsub := d.OnUpdate(func([]byte, any) { calls++ })
	require.NoError(t, d.AppendBlocks([]byte("a")))
	unsub()
	require.NoError(t, d.AppendBlocks([]byte("b")))
	assert.Equal(t, 1, calls)
}

func TestMergeUpdates(t *testing.T) {
	a := New(WithClientID(1))
	b := New(WithClientID(2))
	require.NoError(t, a.AppendBlocks([]byte("a")))
	require.NoError(t, b.AppendBlocks([]byte("b")))

	merged, err := MergeUpdates(a.EncodeStateAsUpdate(), b.EncodeStateAsUpdate())
	require.NoError(t, err)

	d := New()
	require.NoError(t, d.ApplyUpdate(merged, nil))
	assert.ElementsMatch(t, []string{"a", "b"}, blocksAsStrings(d))
}

func TestStateVectorCodec(t *testing.T) {
	sv := StateVector{3: 9, 1: 2}
	got, err := DecodeStateVector(sv.Encode())
	require.NoError(t, err)
	assert.Equal(t, sv, got)

	empty, err := DecodeStateVector(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeStateVector([]byte{updateMagic, codecVersion})
	assert.ErrorIs(t, err, ErrMalformed)
}
