package opset

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/engine"
)

func TestRegistered(t *testing.T) {
	f, err := engine.Lookup(Name)
	require.NoError(t, err)
	assert.Equal(t, Name, f.Name())

	_, err = engine.Lookup("nope")
	assert.Error(t, err)
}

func TestAppendNotifiesListeners(t *testing.T) {
	d := New("alice")
	var got [][]byte
	d.OnLocalChange(func(u []byte) { got = append(got, u) })

	u := d.Append([]byte("hi"))
	require.Len(t, got, 1)
	assert.Equal(t, u, got[0])

	other := New("bob")
	changed, err := other.ApplyUpdate(u)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "hi", other.Text())
}

func TestApplyIsIdempotent(t *testing.T) {
	a := New("a")
	u := a.Append([]byte("x"))

	b := New("b")
	changed, err := b.ApplyUpdate(u)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = b.ApplyUpdate(u)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, b.Len())
}

func TestConvergesRegardlessOfOrder(t *testing.T) {
	var updates [][]byte
	for _, actor := range []string{"a", "b", "c"} {
		d := New(actor)
		for i := 0; i < 5; i++ {
			updates = append(updates, d.Append([]byte{byte('0' + i)}))
		}
	}

	reference := New("ref")
	for _, u := range updates {
		_, err := reference.ApplyUpdate(u)
		require.NoError(t, err)
	}
	want, err := reference.Digest()
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([][]byte(nil), updates...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		d := New("")
		for _, u := range shuffled {
			_, err := d.ApplyUpdate(u)
			require.NoError(t, err)
		}
		got, err := d.Digest()
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, reference.Text(), d.Text())
	}
}

func TestComputeDeltaSendsOnlyMissingOps(t *testing.T) {
	a := New("a")
	b := New("b")
	for i := 0; i < 3; i++ {
		_, err := b.ApplyUpdate(a.Append([]byte("x")))
		require.NoError(t, err)
	}
	a.Append([]byte("y"))
	a.Append([]byte("z"))

	digest, err := b.Digest()
	require.NoError(t, err)
	delta, err := a.ComputeDelta(digest)
	require.NoError(t, err)

	ops, err := decodeOps(delta)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "y", string(ops[0].Data))
	assert.Equal(t, "z", string(ops[1].Data))

	_, err = b.ApplyUpdate(delta)
	require.NoError(t, err)
	assert.Equal(t, a.Text(), b.Text())
}

func TestVectorSkipsGaps(t *testing.T) {
	a := New("a")
	u1 := a.Append([]byte("1"))
	u2 := a.Append([]byte("2"))
	u3 := a.Append([]byte("3"))

	b := New("b")
	_, err := b.ApplyUpdate(u1)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(u3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Vector()["a"])

	_, err = b.ApplyUpdate(u2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b.Vector()["a"])
}

func TestLocalClockContinuesAfterReplay(t *testing.T) {
	a := New("a")
	u := a.Append([]byte("1"))

	restored := New("a")
	_, err := restored.ApplyUpdate(u)
	require.NoError(t, err)
	restored.Append([]byte("2"))
	assert.Equal(t, 2, restored.Len())
	assert.Equal(t, "12", restored.Text())
}

func TestMerge(t *testing.T) {
	a := New("a")
	u1 := a.Append([]byte("1"))
	u2 := a.Append([]byte("2"))

	merged, err := Factory{}.Merge([][]byte{u1, u2, u1})
	require.NoError(t, err)

	d := New("")
	_, err = d.ApplyUpdate(merged)
	require.NoError(t, err)
	assert.Equal(t, "12", d.Text())
}

func TestRejectsGarbage(t *testing.T) {
	d := New("")
	_, err := d.ApplyUpdate([]byte{5, 1})
	assert.ErrorIs(t, err, engine.ErrInvalidUpdate)

	_, err = d.ComputeDelta([]byte{9})
	assert.ErrorIs(t, err, engine.ErrInvalidDigest)
}
