// Package evmcontext implements the EVM Context (spec §4.3): the single
// writer that owns the durable store, the auxiliary index and the current
// EvmState, and sequences every commit.
package evmcontext

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/luxfi/evmseq/evmstate"
	"github.com/luxfi/evmseq/evmtypes"
	"github.com/luxfi/evmseq/kernel"
	"github.com/luxfi/evmseq/log"
	"github.com/luxfi/evmseq/sqlindex"
	"github.com/luxfi/evmseq/store"
)

// Context orchestrates state transitions and persistence for one rollup.
// It is the sole writer; concurrent readers call EvmState and observe a
// consistent pre- or post-commit snapshot, never a torn one, because
// currentState/nextNumber/currentHash are only ever mutated under mu and
// always read together under mu.
type Context struct {
	dataDir       string
	rollupAddress evmtypes.RollupAddress

	store  *store.Store
	index  *sqlindex.Index
	runner *kernel.Runner

	preimagesDir      string
	preimagesEndpoint string

	mu                  sync.Mutex
	currentState        evmstate.State
	nextBlueprintNumber evmtypes.Quantity
	currentBlockHash    evmtypes.BlockHash
	delayedQueue        []evmtypes.DelayedTx

	Watcher *BlueprintWatcher
}

const checkpointName = "LATEST"

// Init implements spec §4.3 init(data_dir, preimages, endpoint, rollup_addr,
// kernel_path?). loaded reports whether data_dir already held a valid
// checkpoint. journalMode configures the auxiliary index's sqlite journal
// mode (spec §6's sqlite_journal_mode); an empty value defaults to WAL.
// Long-running components that need their own access to the same
// sqlite.db (the Publisher, the Follower) should share the returned
// Context's Index() handle rather than opening the file again.
func Init(dataDir, preimagesDir, preimagesEndpoint string, rollupAddr evmtypes.RollupAddress, kernelPath string, journalMode sqlindex.JournalMode) (ctx *Context, loaded bool, err error) {
	st, err := store.Open(filepath.Join(dataDir, "store"))
	if err != nil {
		return nil, false, fmt.Errorf("evmcontext: open store: %w", err)
	}
	idx, err := sqlindex.Open(filepath.Join(dataDir, "sqlite.db"), journalMode)
	if err != nil {
		return nil, false, fmt.Errorf("evmcontext: open index: %w", err)
	}
	runner, err := kernel.NewRunner(kernelPath, preimagesDir, preimagesEndpoint)
	if err != nil {
		return nil, false, err
	}

	c := &Context{
		dataDir:           dataDir,
		rollupAddress:     rollupAddr,
		store:             st,
		index:             idx,
		runner:            runner,
		preimagesDir:      preimagesDir,
		preimagesEndpoint: preimagesEndpoint,
		Watcher:           NewBlueprintWatcher(),
	}

	rootHash, ok, err := st.Load(checkpointName)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !ok {
		empty, err := evmstate.Empty(st)
		if err != nil {
			return nil, false, fmt.Errorf("evmcontext: init empty state: %w", err)
		}
		c.currentState = empty
		c.nextBlueprintNumber = evmtypes.NewQuantity(0)
		c.currentBlockHash = evmtypes.GenesisParentHash
		log.Info("evmcontext: initialized fresh state", "data_dir", dataDir)
		return c, false, nil
	}

	c.currentState = evmstate.FromRoot(st, rootHash)
	count, err := idx.CountBlueprints(context.Background())
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	c.nextBlueprintNumber = evmtypes.NewQuantity(count)
	if count == 0 {
		c.currentBlockHash = evmtypes.GenesisParentHash
	} else {
		rec, found, err := idx.Blueprint(context.Background(), count-1)
		if err != nil || !found {
			return nil, false, fmt.Errorf("%w: missing indexed blueprint %d", ErrCorrupt, count-1)
		}
		c.currentBlockHash = evmtypes.BlockHash(rec.BlockHash)
	}
	log.Info("evmcontext: reloaded from disk", "data_dir", dataDir, "next_blueprint_number", c.nextBlueprintNumber)
	return c, true, nil
}

// InitFromRollupNode implements spec §4.3
// init_from_rollup_node(data_dir, rollup_node_dir): bootstraps from an
// archive rollup node's own durable directory layout rather than
// replaying history locally.
func InitFromRollupNode(dataDir, rollupNodeDir string, preimagesDir, preimagesEndpoint string, rollupAddr evmtypes.RollupAddress, kernelPath string) (*Context, error) {
	srcStore, err := store.Open(filepath.Join(rollupNodeDir, "store"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingHistory, err)
	}
	defer srcStore.Close()
	rootHash, ok, err := srcStore.Load(checkpointName)
	if err != nil || !ok {
		return nil, ErrMissingHistory
	}

	dstStore, err := store.Open(filepath.Join(dataDir, "store"))
	if err != nil {
		return nil, fmt.Errorf("evmcontext: open store: %w", err)
	}
	if err := srcStore.CopyContentInto(dstStore); err != nil {
		return nil, fmt.Errorf("evmcontext: copy state: %w", err)
	}
	if err := dstStore.Checkpoint(checkpointName, rootHash); err != nil {
		return nil, fmt.Errorf("evmcontext: checkpoint copied state: %w", err)
	}

	srcIdx, err := sqlindex.Open(filepath.Join(rollupNodeDir, "sqlite.db"), sqlindex.JournalWAL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	defer srcIdx.Close()
	count, err := srcIdx.CountBlueprints(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}

	dstIdx, err := sqlindex.Open(filepath.Join(dataDir, "sqlite.db"), sqlindex.JournalWAL)
	if err != nil {
		return nil, fmt.Errorf("evmcontext: open index: %w", err)
	}
	for n := uint64(0); n < count; n++ {
		rec, found, err := srcIdx.Blueprint(context.Background(), n)
		if !found || err != nil {
			return nil, fmt.Errorf("%w: missing blueprint %d in source archive", ErrMissingHistory, n)
		}
		if err := dstIdx.RecordBlueprint(context.Background(), n, rec.Payload, rec.Timestamp, rec.StateRoot, rec.BlockHash); err != nil {
			return nil, fmt.Errorf("evmcontext: copy index: %w", err)
		}
	}

	runner, err := kernel.NewRunner(kernelPath, preimagesDir, preimagesEndpoint)
	if err != nil {
		return nil, err
	}

	c := &Context{
		dataDir:             dataDir,
		rollupAddress:       rollupAddr,
		store:               dstStore,
		index:               dstIdx,
		runner:              runner,
		preimagesDir:        preimagesDir,
		preimagesEndpoint:   preimagesEndpoint,
		currentState:        evmstate.FromRoot(dstStore, rootHash),
		nextBlueprintNumber: evmtypes.NewQuantity(count),
		Watcher:             NewBlueprintWatcher(),
	}
	if count == 0 {
		c.currentBlockHash = evmtypes.GenesisParentHash
	} else {
		rec, _, _ := dstIdx.Blueprint(context.Background(), count-1)
		c.currentBlockHash = evmtypes.BlockHash(rec.BlockHash)
	}
	return c, nil
}

// Close releases the store and index handles.
func (c *Context) Close() error {
	idxErr := c.index.Close()
	stErr := c.store.Close()
	if idxErr != nil {
		return idxErr
	}
	return stErr
}

// Index returns the auxiliary sqlite index backing this context, so
// long-running components that need their own read/write access to the
// same tables (the Publisher's high-water mark, the Follower's cursor)
// share the one open handle to sqlite.db rather than each opening their
// own: sqlite allows only one writer per file, and two independent
// single-connection handles onto the same file can otherwise surface
// SQLITE_BUSY under concurrent writes even in WAL mode.
func (c *Context) Index() *sqlindex.Index { return c.index }

// NextBlueprintNumber returns the number the next commit must use.
func (c *Context) NextBlueprintNumber() evmtypes.Quantity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextBlueprintNumber
}

// CurrentBlockHash returns the hash of the last committed block.
func (c *Context) CurrentBlockHash() evmtypes.BlockHash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBlockHash
}

// EvmState returns the freshest committed state (spec §4.3 evm_state).
func (c *Context) EvmState() evmstate.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentState
}

// Commit implements spec §4.3 commit(number, ctx, state): atomically
// verifies the expected number, writes the checkpoint and advances the
// context's bookkeeping. Idempotent on (number, blockHash): repeating the
// last committed number with the same block hash, which covers the state
// root, succeeds without effect.
func (c *Context) Commit(number evmtypes.Quantity, state evmstate.State, blockHash evmtypes.BlockHash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if number.Cmp(c.nextBlueprintNumber) == 0 {
		if err := c.store.Checkpoint(checkpointName, [32]byte(state.Root)); err != nil {
			return fmt.Errorf("evmcontext: commit: %w", err)
		}
		c.currentState = state
		c.nextBlueprintNumber = number.Add(evmtypes.NewQuantity(1))
		c.currentBlockHash = blockHash
		return nil
	}

	// Idempotence: a duplicate commit of the already-committed number
	// whose result matches what's on disk is a success, not an error.
	if number.Cmp(c.nextBlueprintNumber) < 0 && number.Uint64()+1 == c.nextBlueprintNumber.Uint64() &&
		c.currentBlockHash == blockHash {
		return nil
	}
	return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedNumber, number, c.nextBlueprintNumber)
}

// QueueDelayedTransaction buffers a delayed-inbox transaction so it is
// included as a kernel message alongside the next blueprint applied,
// per spec §4.5 ("delivered to EvmContext.apply_evm_events before the
// next blueprint that includes them").
func (c *Context) QueueDelayedTransaction(tx evmtypes.DelayedTx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delayedQueue = append(c.delayedQueue, tx)
}

// ApplyDelayedTransaction satisfies follower.EventSink.
func (c *Context) ApplyDelayedTransaction(tx evmtypes.DelayedTx) error {
	c.QueueDelayedTransaction(tx)
	return nil
}

func (c *Context) drainDelayed() []evmtypes.DelayedTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.delayedQueue
	c.delayedQueue = nil
	return out
}

// ApplyKernelUpgrade satisfies follower.EventSink: payload is the new
// kernel's raw WASM bytes, written under preimagesDir/kernels and hot
// swapped in as the active runner.
func (c *Context) ApplyKernelUpgrade(number uint64, payload []byte) error {
	dir := filepath.Join(c.preimagesDir, "kernels")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("evmcontext: kernel upgrade: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.wasm", number))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("evmcontext: kernel upgrade: write module: %w", err)
	}
	runner, err := kernel.NewRunner(path, c.preimagesDir, c.preimagesEndpoint)
	if err != nil {
		return fmt.Errorf("evmcontext: kernel upgrade: %w", err)
	}
	c.mu.Lock()
	c.runner = runner
	c.mu.Unlock()
	log.Info("evmcontext: kernel upgraded", "number", number, "digest", runner.Digest())
	return nil
}

// ApplyBlueprint implements spec §4.3 apply_blueprint(ctx, payload).
func (c *Context) ApplyBlueprint(ctxGo context.Context, payload []byte) error {
	expected := c.NextBlueprintNumber()
	state := c.EvmState()

	drained := c.drainDelayed()
	messages := make([][]byte, 0, 1+len(drained))
	for _, tx := range drained {
		messages = append(messages, tx.Raw)
	}
	messages = append(messages, payload)

	out, err := c.runner.Execute(ctxGo, state, messages)
	if err != nil {
		return fmt.Errorf("evmcontext: apply_blueprint: %w", err)
	}

	switch len(out.BlocksProduced) {
	case 0:
		log.Warn("evmcontext: blueprint produced zero blocks, rejecting", "number", expected)
		return nil // Rejected, non-fatal, next_blueprint_number unchanged.
	case 1:
		// fall through
	default:
		return fmt.Errorf("%w: kernel produced %d blocks for one blueprint", ErrBlueprintInvalid, len(out.BlocksProduced))
	}

	produced := out.BlocksProduced[0]
	if produced.Number.Cmp(expected) != 0 {
		return fmt.Errorf("%w: kernel produced block %s, expected %s", ErrNumberMismatch, produced.Number, expected)
	}

	blockHash := blueprintBlockHash(expected.Uint64(), payload, out.NewState.Root)
	if err := c.Commit(expected, out.NewState, blockHash); err != nil {
		return err
	}
	if err := c.index.RecordBlueprint(ctxGo, expected.Uint64(), payload, 0, [32]byte(out.NewState.Root), [32]byte(blockHash)); err != nil {
		return fmt.Errorf("evmcontext: index blueprint: %w", err)
	}
	c.Watcher.Publish(expected.Uint64())
	return nil
}

// Enqueuer is the subset of the Blueprints Publisher this package
// depends on, kept as an interface to avoid an import cycle between
// evmcontext and publisher.
type Enqueuer interface {
	Enqueue(number uint64, payload []byte) error
}

// ApplyAndPublishBlueprint implements spec §4.3
// apply_and_publish_blueprint(ctx, blueprint): applies locally, then
// enqueues with the publisher. A publish failure never rolls back the
// local commit; the publisher is responsible for retrying.
func (c *Context) ApplyAndPublishBlueprint(ctxGo context.Context, bp evmtypes.Blueprint, publisher Enqueuer) error {
	number := bp.Number.Uint64()

	// Idempotence (spec §4.3, §8): a retried apply of an already-committed
	// number with matching payload is a success, not a re-execution, as
	// long as the content on disk agrees with what's being retried.
	if next := c.NextBlueprintNumber().Uint64(); number < next {
		rec, found, err := c.index.Blueprint(ctxGo, number)
		if err != nil {
			return fmt.Errorf("evmcontext: apply_and_publish_blueprint: %w", err)
		}
		if found && string(rec.Payload) == string(bp.Payload) {
			if err := publisher.Enqueue(number, bp.Payload); err != nil {
				log.Error("evmcontext: publisher enqueue failed on idempotent retry", "number", number, "err", err)
			}
			return nil
		}
		return fmt.Errorf("%w: got %d, want %d", ErrUnexpectedNumber, number, next)
	}

	if err := c.ApplyBlueprint(ctxGo, bp.Payload); err != nil {
		return err
	}
	if err := publisher.Enqueue(number, bp.Payload); err != nil {
		log.Error("evmcontext: publisher enqueue failed, blueprint remains committed locally", "number", number, "err", err)
	}
	return nil
}

// LastProducedBlueprint implements spec §4.3 last_produced_blueprint(ctx).
func (c *Context) LastProducedBlueprint(ctxGo context.Context) (evmtypes.Blueprint, error) {
	next := c.NextBlueprintNumber()
	if next.Uint64() == 0 {
		return evmtypes.Blueprint{}, ErrNotFound
	}
	number := next.Uint64() - 1
	rec, found, err := c.index.Blueprint(ctxGo, number)
	if err != nil {
		return evmtypes.Blueprint{}, fmt.Errorf("evmcontext: last_produced_blueprint: %w", err)
	}
	if !found {
		return evmtypes.Blueprint{}, ErrNotFound
	}
	return evmtypes.Blueprint{
		Number:     evmtypes.NewQuantity(number),
		Timestamp:  rec.Timestamp,
		Payload:    rec.Payload,
		ParentHash: c.currentBlockHashAt(number),
	}, nil
}

// currentBlockHashAt returns the parent hash recorded for number, i.e.
// the block hash of number-1, or the genesis parent for number 0.
func (c *Context) currentBlockHashAt(number uint64) evmtypes.BlockHash {
	if number == 0 {
		return evmtypes.GenesisParentHash
	}
	rec, found, err := c.index.Blueprint(context.Background(), number-1)
	if err != nil || !found {
		return evmtypes.BlockHash{}
	}
	return evmtypes.BlockHash(rec.BlockHash)
}

// ApplyResult is the outcome of Replay.
type ApplyResult struct {
	Success bool
	State   evmstate.State
}

// Replay implements spec §4.3 replay(number, alter_state?): re-executes
// the blueprint at number against the state at number-1 without
// committing. alterState, if non-nil, is applied to the historical state
// before execution (used for tracing).
func (c *Context) Replay(ctxGo context.Context, number uint64, alterState func(evmstate.State) (evmstate.State, error)) (ApplyResult, error) {
	rec, found, err := c.index.Blueprint(ctxGo, number)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("evmcontext: replay: %w", err)
	}
	if !found {
		return ApplyResult{}, ErrNotArchive
	}

	var preState evmstate.State
	if number == 0 {
		preState, err = evmstate.Empty(c.store)
		if err != nil {
			return ApplyResult{}, err
		}
	} else {
		prev, prevFound, prevErr := c.index.Blueprint(ctxGo, number-1)
		if prevErr != nil {
			return ApplyResult{}, fmt.Errorf("evmcontext: replay: %w", prevErr)
		}
		if !prevFound {
			// number-1's record has been pruned: this node cannot
			// reconstruct the pre-state of number, matching spec §4.3's
			// not_archive error.
			return ApplyResult{}, ErrNotArchive
		}
		preState = evmstate.FromRoot(c.store, evmtypes.BlockHash(prev.StateRoot))
	}

	return c.replayAgainst(ctxGo, rec.Payload, preState, alterState)
}

func (c *Context) replayAgainst(ctxGo context.Context, payload []byte, state evmstate.State, alterState func(evmstate.State) (evmstate.State, error)) (ApplyResult, error) {
	if alterState != nil {
		var err error
		state, err = alterState(state)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("evmcontext: replay: alter_state: %w", err)
		}
	}
	out, err := c.runner.Execute(ctxGo, state, [][]byte{payload})
	if err != nil {
		return ApplyResult{Success: false}, nil
	}
	if len(out.BlocksProduced) != 1 {
		return ApplyResult{Success: false}, nil
	}
	return ApplyResult{Success: true, State: out.NewState}, nil
}

// blueprintBlockHash derives the committed block's hash from its number,
// payload and resulting state root, giving every block a stable,
// recomputable identity (spec §8: parent_hash of block n+1 equals
// hash(block n)).
func blueprintBlockHash(number uint64, payload []byte, stateRoot evmtypes.BlockHash) evmtypes.BlockHash {
	buf := make([]byte, 0, len(payload)+40)
	var numBytes [8]byte
	for i := 0; i < 8; i++ {
		numBytes[7-i] = byte(number >> (8 * i))
	}
	buf = append(buf, numBytes[:]...)
	buf = append(buf, stateRoot[:]...)
	buf = append(buf, payload...)
	return evmtypes.HashBytes(buf)
}
