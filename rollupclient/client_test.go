package rollupclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/evmseq/evmtypes"
)

func TestInjectBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/injection/batch", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`["0xabc"]`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	ids, err := c.InjectBatch(context.Background(), [][]byte{[]byte("tx")})
	require.NoError(t, err)
	require.Equal(t, []string{"0xabc"}, ids)
}

func TestDurableValueFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "hello", r.URL.Query().Get("key"))
		w.Write([]byte(`"0x68656c6c6f"`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	val, ok, err := c.DurableValue(context.Background(), "hello")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), val)
}

func TestDurableValueNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, ok, err := c.DurableValue(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRollupAddress(t *testing.T) {
	addr := evmtypes.RollupAddress{1, 2, 3, 4}
	encoded := base58.Encode(addr[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/global/smart_rollup_address", r.URL.Path)
		w.Write([]byte(`"` + encoded + `"`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	got, err := c.RollupAddress(context.Background())
	require.NoError(t, err)
	require.Equal(t, addr, got)
}

func TestAckedBlueprintLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`42`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	level, err := c.AckedBlueprintLevel(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), level)
}

func TestDelayedInboxSinceAdvancesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "5", r.URL.Query().Get("since"))
		w.Write([]byte(`[{"kind":"new_delayed_transaction","l1_level":7,"raw":"0x1234"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	events, cursor, err := c.DelayedInboxSince(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, uint64(7), cursor)
	require.Len(t, events, 1)
	require.Equal(t, DelayedTransactionKind, events[0].Kind)
	require.Equal(t, []byte{0x12, 0x34}, events[0].Raw)
}

func TestStatusErrorPermanence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad input"))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.AckedBlueprintLevel(context.Background())
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.True(t, statusErr.Permanent())

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv2.Close()
	c2 := New(srv2.URL, nil)
	_, err = c2.AckedBlueprintLevel(context.Background())
	require.Error(t, err)
	require.ErrorAs(t, err, &statusErr)
	require.False(t, statusErr.Permanent())
}
