package store

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func hashOf(b []byte) [32]byte { return sha256.Sum256(b) }

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	value := []byte("hello world")
	hash := hashOf(value)
	require.NoError(t, s.Put(hash, value))

	got, ok, err := s.Get(hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value, got)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get([32]byte{1, 2, 3})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	value := []byte("idempotent")
	hash := hashOf(value)
	require.NoError(t, s.Put(hash, value))
	require.NoError(t, s.Put(hash, value))

	got, ok, err := s.Get(hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value, got)
}

func TestCheckpointLoadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Load("head")
	require.NoError(t, err)
	require.False(t, ok)

	hash := hashOf([]byte("root"))
	require.NoError(t, s.Checkpoint("head", hash))

	got, ok, err := s.Load("head")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hash, got)
}

func TestCopyContentIntoSkipsCheckpoints(t *testing.T) {
	src, err := Open(t.TempDir())
	require.NoError(t, err)
	defer src.Close()
	dst, err := Open(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()

	value := []byte("content")
	hash := hashOf(value)
	require.NoError(t, src.Put(hash, value))
	require.NoError(t, src.Checkpoint("head", hash))

	require.NoError(t, src.CopyContentInto(dst))

	got, ok, err := dst.Get(hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value, got)

	_, ok, err = dst.Load("head")
	require.NoError(t, err)
	require.False(t, ok)
}
