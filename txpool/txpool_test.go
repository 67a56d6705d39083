package txpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddAndDrainFIFOOrder(t *testing.T) {
	p := New(Config{})
	h1, err := p.Add("alice", []byte("tx1"))
	require.NoError(t, err)
	h2, err := p.Add("bob", []byte("tx2"))
	require.NoError(t, err)

	require.Equal(t, 2, p.PendingSize())

	entries := p.Drain(0)
	require.Len(t, entries, 2)
	require.Equal(t, h1, entries[0].Hash)
	require.Equal(t, h2, entries[1].Hash)
	require.Equal(t, 0, p.PendingSize())
}

func TestAddIsIdempotent(t *testing.T) {
	p := New(Config{})
	raw := []byte("same-tx")
	h1, err := p.Add("alice", raw)
	require.NoError(t, err)
	h2, err := p.Add("alice", raw)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Equal(t, 1, p.PendingSize())
}

func TestAddrLimitEnforced(t *testing.T) {
	p := New(Config{AddrLimit: 1})
	_, err := p.Add("alice", []byte("tx1"))
	require.NoError(t, err)
	_, err = p.Add("bob", []byte("tx2"))
	require.ErrorIs(t, err, ErrAddrLimit)

	// Same sender, already tracked, still allowed.
	_, err = p.Add("alice", []byte("tx3"))
	require.NoError(t, err)
}

func TestPerAddrLimitEnforced(t *testing.T) {
	p := New(Config{TxPerAddrLimit: 1})
	_, err := p.Add("alice", []byte("tx1"))
	require.NoError(t, err)
	_, err = p.Add("alice", []byte("tx2"))
	require.ErrorIs(t, err, ErrPerAddrLimit)
}

func TestDrainRespectsMaxChunks(t *testing.T) {
	p := New(Config{})
	_, _ = p.Add("alice", []byte("tx1"))
	_, _ = p.Add("alice", []byte("tx2"))
	_, _ = p.Add("alice", []byte("tx3"))

	entries := p.Drain(2)
	require.Len(t, entries, 2)
	require.Equal(t, 1, p.PendingSize())
}

func TestRequeuePrependsInOriginalOrder(t *testing.T) {
	p := New(Config{})
	_, _ = p.Add("alice", []byte("tx1"))
	entries := p.Drain(0)

	_, _ = p.Add("bob", []byte("tx2"))
	p.Requeue(entries)

	drained := p.Drain(0)
	require.Len(t, drained, 2)
	require.Equal(t, entries[0].Hash, drained[0].Hash)
}

func TestExpiredEntriesEvicted(t *testing.T) {
	p := New(Config{TimeoutLimit: time.Millisecond})
	_, _ = p.Add("alice", []byte("tx1"))
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 0, p.PendingSize())
}

func TestNeedToBuildAndWait(t *testing.T) {
	p := New(Config{})
	require.False(t, p.NeedToBuild())

	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		p.Wait(stop)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	_, _ = p.Add("alice", []byte("tx1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Add")
	}
}

func TestWaitReturnsOnStop(t *testing.T) {
	p := New(Config{})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Wait(stop)
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after stop closed")
	}
}
