package evmstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/evmseq/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInspectModifyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	empty, err := Empty(s)
	require.NoError(t, err)

	modified, err := empty.Modify("a/b", []byte("hello"))
	require.NoError(t, err)

	val, ok, err := modified.Inspect("a/b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), val)

	// Per spec §8: inspect(modify(s, k, v), k) == Some(v), and the
	// original state is untouched.
	_, ok, err = empty.Inspect("a/b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestModifyIsStructurallyShared(t *testing.T) {
	s := openTestStore(t)
	empty, err := Empty(s)
	require.NoError(t, err)

	withA, err := empty.Modify("a", []byte("1"))
	require.NoError(t, err)
	withAB, err := withA.Modify("b", []byte("2"))
	require.NoError(t, err)

	// Unrelated prior key survives a modify to a sibling path.
	val, ok, err := withAB.Inspect("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)
}

func TestInspectMissingPathReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	empty, err := Empty(s)
	require.NoError(t, err)

	_, ok, err := empty.Inspect("nowhere")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFromRootReloadsPersistedState(t *testing.T) {
	s := openTestStore(t)
	empty, err := Empty(s)
	require.NoError(t, err)

	modified, err := empty.Modify("k", []byte("v"))
	require.NoError(t, err)

	reloaded := FromRoot(s, modified.Root)
	val, ok, err := reloaded.Inspect("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), val)
}

func TestModifyOverwriteSameKey(t *testing.T) {
	s := openTestStore(t)
	empty, err := Empty(s)
	require.NoError(t, err)

	once, err := empty.Modify("k", []byte("v1"))
	require.NoError(t, err)
	twice, err := once.Modify("k", []byte("v2"))
	require.NoError(t, err)

	val, ok, err := twice.Inspect("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), val)
}
