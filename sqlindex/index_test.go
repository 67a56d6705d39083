package sqlindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.db"), JournalWAL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestRecordAndLoadBlueprint(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	_, ok, err := idx.Blueprint(ctx, 0)
	require.NoError(t, err)
	require.False(t, ok)

	root := [32]byte{1}
	hash := [32]byte{2}
	require.NoError(t, idx.RecordBlueprint(ctx, 0, []byte("payload"), 100, root, hash))

	rec, ok, err := idx.Blueprint(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), rec.Payload)
	require.Equal(t, int64(100), rec.Timestamp)
	require.Equal(t, root, rec.StateRoot)
	require.Equal(t, hash, rec.BlockHash)

	n, err := idx.CountBlueprints(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
}

func TestRecordBlueprintUpsert(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.RecordBlueprint(ctx, 5, []byte("v1"), 1, [32]byte{}, [32]byte{}))
	require.NoError(t, idx.RecordBlueprint(ctx, 5, []byte("v2"), 2, [32]byte{}, [32]byte{}))

	rec, ok, err := idx.Blueprint(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), rec.Payload)

	n, err := idx.CountBlueprints(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
}

func TestPublisherStateDefaultsToZero(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	st, err := idx.LoadPublisherState(ctx)
	require.NoError(t, err)
	require.Equal(t, PublisherState{}, st)
}

func TestPublisherStateSaveLoadRoundTrip(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.SavePublisherState(ctx, PublisherState{LastPublished: 10, LastSeenOnChain: 9}))
	st, err := idx.LoadPublisherState(ctx)
	require.NoError(t, err)
	require.Equal(t, PublisherState{LastPublished: 10, LastSeenOnChain: 9}, st)

	require.NoError(t, idx.SavePublisherState(ctx, PublisherState{LastPublished: 11, LastSeenOnChain: 11}))
	st, err = idx.LoadPublisherState(ctx)
	require.NoError(t, err)
	require.Equal(t, PublisherState{LastPublished: 11, LastSeenOnChain: 11}, st)
}

func TestDelayedInboxCursorMonotonic(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	level, err := idx.DelayedInboxCursor(ctx, "delayed_inbox")
	require.NoError(t, err)
	require.Equal(t, uint64(0), level)

	require.NoError(t, idx.AdvanceDelayedInboxCursor(ctx, "delayed_inbox", 5))
	level, err = idx.DelayedInboxCursor(ctx, "delayed_inbox")
	require.NoError(t, err)
	require.Equal(t, uint64(5), level)

	err = idx.AdvanceDelayedInboxCursor(ctx, "delayed_inbox", 3)
	require.Error(t, err)

	require.NoError(t, idx.AdvanceDelayedInboxCursor(ctx, "delayed_inbox", 5))
	require.NoError(t, idx.AdvanceDelayedInboxCursor(ctx, "delayed_inbox", 8))
	level, err = idx.DelayedInboxCursor(ctx, "delayed_inbox")
	require.NoError(t, err)
	require.Equal(t, uint64(8), level)
}

func TestRecordKernelUpgrade(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.RecordKernelUpgrade(ctx, 1, []byte("wasm-module")))
}
