package publisher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/luxfi/evmseq/rollupclient"
	"github.com/luxfi/evmseq/sqlindex"
)

// TestMain uses goleak to verify the publisher's Run goroutine always
// exits once Stop/cancel is observed, matching the teacher's
// core.TestMain convention.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeIndex struct {
	mu         sync.Mutex
	blueprints map[uint64]sqlindex.BlueprintRecord
	state      sqlindex.PublisherState
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{blueprints: make(map[uint64]sqlindex.BlueprintRecord)}
}

func (f *fakeIndex) Blueprint(ctx context.Context, number uint64) (sqlindex.BlueprintRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.blueprints[number]
	return rec, ok, nil
}

func (f *fakeIndex) LoadPublisherState(ctx context.Context) (sqlindex.PublisherState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeIndex) SavePublisherState(ctx context.Context, st sqlindex.PublisherState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = st
	return nil
}

func TestPublisherPublishesEnqueuedBlueprintInOrder(t *testing.T) {
	var mu sync.Mutex
	var received [][]byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/injection/batch":
			mu.Lock()
			received = append(received, []byte("ack"))
			mu.Unlock()
			w.Write([]byte(`["id"]`))
		case "/injection/last_seen":
			w.Write([]byte(`0`))
		}
	}))
	defer srv.Close()

	client := rollupclient.New(srv.URL, nil)
	idx := newFakeIndex()
	pub := New(Config{}, client, idx, 8)

	ctx, cancel := context.WithCancel(context.Background())
	go pub.Run(ctx)

	require.NoError(t, pub.Enqueue(0, []byte("payload-0")))
	require.NoError(t, pub.Enqueue(1, []byte("payload-1")))

	require.Eventually(t, func() bool {
		st, _ := idx.LoadPublisherState(ctx)
		return st.LastPublished == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	n := len(received)
	mu.Unlock()
	require.Equal(t, 2, n)

	cancel()
	pub.Stop()
}

func TestPublisherResumesFromPersistedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/injection/batch":
			w.Write([]byte(`["id"]`))
		case "/injection/last_seen":
			w.Write([]byte(`0`))
		}
	}))
	defer srv.Close()

	client := rollupclient.New(srv.URL, nil)
	idx := newFakeIndex()
	idx.state = sqlindex.PublisherState{LastPublished: 5}
	pub := New(Config{}, client, idx, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	require.NoError(t, pub.Enqueue(5, []byte("payload-5")))

	require.Eventually(t, func() bool {
		st, _ := idx.LoadPublisherState(ctx)
		return st.LastPublished == 6
	}, time.Second, 5*time.Millisecond)

	pub.Stop()
}

func TestPublisherReportsFatalOnPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/injection/batch":
			w.WriteHeader(http.StatusBadRequest)
		case "/injection/last_seen":
			w.Write([]byte(`0`))
		}
	}))
	defer srv.Close()

	client := rollupclient.New(srv.URL, nil)
	idx := newFakeIndex()
	pub := New(Config{}, client, idx, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	require.NoError(t, pub.Enqueue(0, []byte("payload-0")))

	select {
	case err := <-pub.Fatal():
		require.ErrorIs(t, err, ErrFatal)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal error to be reported")
	}
}
