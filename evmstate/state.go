// Package evmstate implements the EvmState persistent functional map
// described in spec §3/§4.2: a content-addressed tree over Path → bytes,
// where inspect/modify are pure and unchanged subtrees are shared between
// states the way the teacher's triedb/pathdb shares unchanged trie nodes.
package evmstate

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"strings"

	"github.com/luxfi/evmseq/evmtypes"
	"github.com/luxfi/evmseq/store"
)

// node is the on-disk, content-addressed representation of one path
// segment. Children are keyed by the next path segment (edge label), so
// a write to one leaf only rehashes the nodes on its root-to-leaf path;
// every other subtree is untouched and its hash (hence its storage key)
// is unchanged.
type node struct {
	HasValue bool
	Value    []byte
	Edges    []edge // sorted by Label for deterministic encoding/hash
}

type edge struct {
	Label string
	Hash  evmtypes.BlockHash
}

func encodeNode(n node) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNode(b []byte) (node, error) {
	var n node
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&n); err != nil {
		return node{}, err
	}
	return n, nil
}

// State is an immutable handle to a snapshot of the functional map. Two
// States with equal Root are, by construction, equal in content.
type State struct {
	Root  evmtypes.BlockHash
	store *store.Store
}

// emptyNodeHash is the hash of the canonical empty subtree node.
var emptyNodeHash evmtypes.BlockHash

func init() {
	enc, err := encodeNode(node{})
	if err != nil {
		panic(err)
	}
	emptyNodeHash = evmtypes.HashBytes(enc)
}

// Empty returns the state with no keys set, persisting its (singleton)
// empty node so reads against it succeed.
func Empty(s *store.Store) (State, error) {
	enc, err := encodeNode(node{})
	if err != nil {
		return State{}, err
	}
	if err := s.Put([32]byte(emptyNodeHash), enc); err != nil {
		return State{}, err
	}
	return State{Root: emptyNodeHash, store: s}, nil
}

// FromRoot wraps an existing content hash as a State handle without
// touching the store; callers are expected to have produced the hash via
// Commit/Modify against the same store.
func FromRoot(s *store.Store, root evmtypes.BlockHash) State {
	return State{Root: root, store: s}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (st State) loadNode(hash evmtypes.BlockHash) (node, error) {
	raw, ok, err := st.store.Get([32]byte(hash))
	if err != nil {
		return node{}, fmt.Errorf("evmstate: load node %s: %w", hash, err)
	}
	if !ok {
		return node{}, fmt.Errorf("evmstate: missing node %s", hash)
	}
	return decodeNode(raw)
}

// Inspect fetches the value stored at path, returning ok=false if unset.
func (st State) Inspect(path string) ([]byte, bool, error) {
	segs := splitPath(path)
	cur := st.Root
	for _, seg := range segs {
		n, err := st.loadNode(cur)
		if err != nil {
			return nil, false, err
		}
		idx := findEdge(n.Edges, seg)
		if idx < 0 {
			return nil, false, nil
		}
		cur = n.Edges[idx].Hash
	}
	n, err := st.loadNode(cur)
	if err != nil {
		return nil, false, err
	}
	if !n.HasValue {
		return nil, false, nil
	}
	return append([]byte(nil), n.Value...), true, nil
}

// Modify produces a new State with path set to value, sharing every
// subtree not on the root-to-path chain with the receiver.
func (st State) Modify(path string, value []byte) (State, error) {
	segs := splitPath(path)
	newRoot, err := st.setAt(st.Root, segs, value)
	if err != nil {
		return State{}, err
	}
	return State{Root: newRoot, store: st.store}, nil
}

func (st State) setAt(hash evmtypes.BlockHash, segs []string, value []byte) (evmtypes.BlockHash, error) {
	n, err := st.loadNode(hash)
	if err != nil {
		return evmtypes.BlockHash{}, err
	}
	if len(segs) == 0 {
		n.HasValue = true
		n.Value = value
		return st.storeNode(n)
	}
	seg, rest := segs[0], segs[1:]
	idx := findEdge(n.Edges, seg)
	childHash := emptyNodeHash
	if idx >= 0 {
		childHash = n.Edges[idx].Hash
	}
	newChildHash, err := st.setAt(childHash, rest, value)
	if err != nil {
		return evmtypes.BlockHash{}, err
	}
	if idx >= 0 {
		n.Edges[idx].Hash = newChildHash
	} else {
		n.Edges = append(n.Edges, edge{Label: seg, Hash: newChildHash})
		sort.Slice(n.Edges, func(i, j int) bool { return n.Edges[i].Label < n.Edges[j].Label })
	}
	return st.storeNode(n)
}

func (st State) storeNode(n node) (evmtypes.BlockHash, error) {
	enc, err := encodeNode(n)
	if err != nil {
		return evmtypes.BlockHash{}, err
	}
	h := evmtypes.HashBytes(enc)
	if err := st.store.Put([32]byte(h), enc); err != nil {
		return evmtypes.BlockHash{}, err
	}
	return h, nil
}

func findEdge(edges []edge, label string) int {
	for i, e := range edges {
		if e.Label == label {
			return i
		}
	}
	return -1
}
