// Package evmtypes defines the wire and storage types shared by every
// component of the sequencer: quantities, hashes, blueprints and the
// delayed transactions relayed from the L1 inbox.
package evmtypes

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// HashLength is the size in bytes of a BlockHash or TxHash.
const HashLength = 32

// AddressLength is the size in bytes of a RollupAddress.
const AddressLength = 20

// GenesisParentHash is the sentinel parent hash of the block numbered 0.
var GenesisParentHash = BlockHash{}

// Quantity is a non-negative arbitrary-precision integer, used for block
// numbers, balances and any other EVM-scale magnitude.
type Quantity struct {
	inner uint256.Int
}

// NewQuantity wraps a uint64 as a Quantity.
func NewQuantity(v uint64) Quantity {
	var q Quantity
	q.inner.SetUint64(v)
	return q
}

// Uint64 returns the Quantity truncated to a uint64; callers must know the
// value fits (block numbers always do in practice).
func (q Quantity) Uint64() uint64 {
	return q.inner.Uint64()
}

// Add returns q + other without mutating either operand.
func (q Quantity) Add(other Quantity) Quantity {
	var out Quantity
	out.inner.Add(&q.inner, &other.inner)
	return out
}

// Sub returns q - other; panics on underflow since Quantity is non-negative.
func (q Quantity) Sub(other Quantity) Quantity {
	if q.inner.Lt(&other.inner) {
		panic("evmtypes: quantity underflow")
	}
	var out Quantity
	out.inner.Sub(&q.inner, &other.inner)
	return out
}

// Cmp compares two quantities the way uint256.Int does.
func (q Quantity) Cmp(other Quantity) int {
	return q.inner.Cmp(&other.inner)
}

func (q Quantity) String() string {
	return q.inner.Dec()
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.inner.Dec())
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("evmtypes: invalid quantity %q: %w", s, err)
	}
	q.inner = *v
	return nil
}

// BlockHash uniquely identifies a committed block's content.
type BlockHash [HashLength]byte

func (h BlockHash) String() string { return "0x" + hex.EncodeToString(h[:]) }
func (h BlockHash) IsZero() bool   { return h == BlockHash{} }

func (h BlockHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *BlockHash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := decodeHexFixed(s, HashLength)
	if err != nil {
		return err
	}
	copy(h[:], b)
	return nil
}

// TxHash uniquely identifies a transaction (L2-submitted or delayed).
type TxHash [HashLength]byte

func (h TxHash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// RollupAddress is the L1 address of the rollup this node sequences for.
type RollupAddress [AddressLength]byte

func (a RollupAddress) String() string { return "0x" + hex.EncodeToString(a[:]) }

func decodeHexFixed(s string, n int) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("evmtypes: invalid hex: %w", err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("evmtypes: expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// HashBytes returns the Keccak-256 digest used throughout the store and the
// block-hashing scheme, matching the teacher's use of sha3 for content
// addressing.
func HashBytes(b []byte) BlockHash {
	var out BlockHash
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	h.Sum(out[:0])
	return out
}

// ErrPayloadTooLarge is returned when a blueprint payload exceeds the
// configured chunk bound.
var ErrPayloadTooLarge = errors.New("evmtypes: blueprint payload exceeds chunk bound")

// Blueprint is an ordered, signed batch of EVM transactions plus
// delayed-inbox items, identified by a strictly increasing number.
type Blueprint struct {
	Number     Quantity  `json:"number"`
	Timestamp  int64     `json:"timestamp"`
	Payload    []byte    `json:"payload"`
	ParentHash BlockHash `json:"parent_hash"`
}

// Validate checks the invariants spec.md §3 places on a standalone
// blueprint: it does not (and cannot, without the parent) check
// number = parent.number + 1; callers validate that against EvmContext.
func (b Blueprint) Validate(maxPayload int) error {
	if maxPayload > 0 && len(b.Payload) > maxPayload {
		return ErrPayloadTooLarge
	}
	return nil
}

// Hash returns the content hash of the blueprint over its number, parent
// hash and payload.
func (b Blueprint) Hash() BlockHash {
	buf := make([]byte, 0, len(b.Payload)+64)
	numBytes := b.Number.inner.Bytes32()
	buf = append(buf, numBytes[:]...)
	buf = append(buf, b.ParentHash[:]...)
	buf = append(buf, b.Payload...)
	return HashBytes(buf)
}

// DelayedTx originates from the L1 delayed inbox and must eventually be
// included in a blueprint.
type DelayedTx struct {
	Hash TxHash `json:"hash"`
	Raw  []byte `json:"raw"`
}

// BlueprintWithEvents is streamed from an upstream sequencer to observers:
// the produced blueprint plus the delayed transactions it folded in.
type BlueprintWithEvents struct {
	Blueprint           Blueprint   `json:"blueprint"`
	DelayedTransactions []DelayedTx `json:"delayed_transactions"`
}
