// Package store implements the durable content-addressed key-value store
// described in spec §4.1: atomic commit, named checkpoints, and
// content-addressed reads, backed by pebble the way the teacher's
// core/rawdb backs its trie nodes.
package store

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru"

	"github.com/luxfi/evmseq/log"
)

// Error wraps a store operation failure with the operation name, matching
// the teacher's ethdb-style wrapped-error convention.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

const checkpointKeyPrefix = "checkpoint/"

// Store is a content-addressed, transactional key-value store. Nodes are
// keyed by their own content hash; checkpoints are separate named
// pointers so they can be updated atomically without rewriting content.
type Store struct {
	db *pebble.DB

	cache *lru.Cache // content hash -> []byte

	mu sync.Mutex // serializes commit/checkpoint; many readers, one writer (spec §5)
}

// Open opens (or creates) a pebble-backed store rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, wrap("open", err)
	}
	c, err := lru.New(4096)
	if err != nil {
		return nil, wrap("open", err)
	}
	return &Store{db: db, cache: c}, nil
}

// Close flushes and releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wrap("close", s.db.Close())
}

// Get fetches the raw bytes stored under a content hash.
func (s *Store) Get(hash [32]byte) ([]byte, bool, error) {
	if v, ok := s.cache.Get(hash); ok {
		return v.([]byte), true, nil
	}
	v, closer, err := s.db.Get(hash[:])
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap("get", err)
	}
	out := append([]byte(nil), v...)
	closer.Close()
	s.cache.Add(hash, out)
	return out, true, nil
}

// Put persists value under its content hash, which the caller supplies.
// Puts are idempotent: writing the same content twice is a no-op the second
// time.
func (s *Store) Put(hash [32]byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache.Get(hash); ok {
		return nil
	}
	if err := s.db.Set(hash[:], value, pebble.Sync); err != nil {
		return wrap("put", err)
	}
	s.cache.Add(hash, append([]byte(nil), value...))
	return nil
}

// CopyContentInto copies every content-addressed node (but not
// checkpoints) from s into dst. Used by init_from_rollup_node (spec
// §4.3) to bootstrap a fresh data directory from an archive node's
// store without needing to understand the tree structure stored inside.
func (s *Store) CopyContentInto(dst *Store) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return wrap("copy", err)
	}
	defer iter.Close()
	prefix := []byte(checkpointKeyPrefix)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix) {
			continue // skip checkpoint pointers, only copy content
		}
		if len(key) != 32 {
			continue
		}
		var hash [32]byte
		copy(hash[:], key)
		if err := dst.Put(hash, append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return wrap("copy", iter.Error())
}

// Checkpoint atomically updates the named pointer to point at hash. A crash
// mid-write leaves the previous checkpoint value intact because pebble's
// Set with Sync fsyncs the WAL before returning.
func (s *Store) Checkpoint(name string, hash [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := append([]byte(checkpointKeyPrefix), name...)
	if err := s.db.Set(key, hash[:], pebble.Sync); err != nil {
		return wrap("checkpoint", err)
	}
	log.Debug("store: checkpoint updated", "name", name, "hash", fmt.Sprintf("%x", hash))
	return nil
}

// Load reads a named checkpoint, returning ok=false if it has never been set.
func (s *Store) Load(name string) (hash [32]byte, ok bool, err error) {
	key := append([]byte(checkpointKeyPrefix), name...)
	v, closer, getErr := s.db.Get(key)
	if getErr == pebble.ErrNotFound {
		return hash, false, nil
	}
	if getErr != nil {
		return hash, false, wrap("load", getErr)
	}
	defer closer.Close()
	if len(v) != 32 {
		return hash, false, wrap("load", fmt.Errorf("corrupt checkpoint %q: length %d", name, len(v)))
	}
	copy(hash[:], v)
	return hash, true, nil
}
