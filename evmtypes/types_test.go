package evmtypes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuantityArithmetic(t *testing.T) {
	a := NewQuantity(5)
	b := NewQuantity(3)

	require.Equal(t, uint64(8), a.Add(b).Uint64())
	require.Equal(t, uint64(2), a.Sub(b).Uint64())
	require.Equal(t, 1, a.Cmp(b))
	require.Equal(t, "5", a.String())
}

func TestQuantitySubUnderflowPanics(t *testing.T) {
	a := NewQuantity(1)
	b := NewQuantity(2)
	require.Panics(t, func() { a.Sub(b) })
}

func TestQuantityJSONRoundTrip(t *testing.T) {
	q := NewQuantity(123456789)
	data, err := json.Marshal(q)
	require.NoError(t, err)

	var decoded Quantity
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, q.Uint64(), decoded.Uint64())
}

func TestBlockHashJSONRoundTrip(t *testing.T) {
	h := HashBytes([]byte("genesis"))
	data, err := json.Marshal(h)
	require.NoError(t, err)

	var decoded BlockHash
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, h, decoded)
	require.Contains(t, h.String(), "0x")
}

func TestGenesisParentHashIsZero(t *testing.T) {
	require.True(t, GenesisParentHash.IsZero())
}

func TestHashBytesDeterministic(t *testing.T) {
	a := HashBytes([]byte("payload"))
	b := HashBytes([]byte("payload"))
	require.Equal(t, a, b)

	c := HashBytes([]byte("other payload"))
	require.NotEqual(t, a, c)
}

func TestBlueprintValidate(t *testing.T) {
	bp := Blueprint{Number: NewQuantity(0), Payload: make([]byte, 10)}
	require.NoError(t, bp.Validate(100))

	big := Blueprint{Number: NewQuantity(0), Payload: make([]byte, 200)}
	require.ErrorIs(t, big.Validate(100), ErrPayloadTooLarge)
}

func TestBlueprintHashStable(t *testing.T) {
	bp := Blueprint{Number: NewQuantity(1), Payload: []byte("abc"), ParentHash: GenesisParentHash}
	h1 := bp.Hash()
	h2 := bp.Hash()
	require.Equal(t, h1, h2)

	bp2 := bp
	bp2.Payload = []byte("abd")
	require.NotEqual(t, h1, bp2.Hash())
}
