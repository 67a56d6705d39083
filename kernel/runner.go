// Package kernel invokes the deterministic WASM kernel module that
// implements EVM semantics, per spec §4.2. The kernel is treated as a
// pure (state, inbox) -> (state', insights) function; this package owns
// only the WASM host ABI, preimage resolution and fuel metering around
// it, grounded on the ptr/len host-function convention used by the
// WASM-adjacent code in the retrieved corpus.
package kernel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/bytecodealliance/wasmtime-go/v14"

	"github.com/luxfi/evmseq/evmstate"
	"github.com/luxfi/evmseq/evmtypes"
	"github.com/luxfi/evmseq/log"
)

// preimageCacheBytes bounds the in-memory hot cache fronting the on-disk
// preimages directory; a kernel run that reveals the same preimage many
// times (common for large reveal chains) avoids re-reading disk for each.
const preimageCacheBytes = 32 * 1024 * 1024

const (
	// EntrypointRun applies the inbox and advances state.
	EntrypointRun = "kernel_run"
	// EntrypointSimulate reads insights without persisting.
	EntrypointSimulate = "kernel_simulate"

	defaultFuel = uint64(5_000_000_000)
)

// InsightRequest names a durable-storage path to read back after a
// simulation run.
type InsightRequest struct {
	DurableStorageKey string
}

// RunInput bundles everything a single kernel invocation needs.
type RunInput struct {
	Entrypoint      string
	Messages        [][]byte
	RevealPages     [][]byte
	InsightRequests []InsightRequest
	DebugLogPath    string
}

// BlockResult describes one block the kernel produced during a run.
type BlockResult struct {
	Number       evmtypes.Quantity
	RejectedTxs  []evmtypes.TxHash
}

// RunOutput is everything a kernel invocation can hand back.
type RunOutput struct {
	NewState      evmstate.State
	BlocksProduced []BlockResult
	Insights      [][]byte // one per InsightRequest, nil entry if missing
}

// Runner loads one WASM kernel module and drives it through its host ABI.
type Runner struct {
	engine *wasmtime.Engine
	module *wasmtime.Module

	modulePath        string
	digest            evmtypes.BlockHash
	preimagesDir      string
	preimagesEndpoint string
	preimageCache     *fastcache.Cache
	fuelLimit         uint64
}

// ErrKernelNotFound is returned by NewRunner when modulePath does not exist.
var ErrKernelNotFound = fmt.Errorf("kernel: module file not found")

// NewRunner loads the kernel module from modulePath and prepares preimage
// resolution against preimagesDir (and, on miss, preimagesEndpoint).
func NewRunner(modulePath, preimagesDir, preimagesEndpoint string) (*Runner, error) {
	raw, err := os.ReadFile(modulePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKernelNotFound
		}
		return nil, fmt.Errorf("kernel: read module: %w", err)
	}

	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	engine := wasmtime.NewEngineWithConfig(cfg)

	module, err := wasmtime.NewModule(engine, raw)
	if err != nil {
		return nil, fmt.Errorf("kernel: compile module: %w", err)
	}

	if err := os.MkdirAll(preimagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("kernel: create preimages dir: %w", err)
	}

	return &Runner{
		engine:            engine,
		module:            module,
		modulePath:        modulePath,
		digest:            evmtypes.HashBytes(raw),
		preimagesDir:      preimagesDir,
		preimagesEndpoint: preimagesEndpoint,
		preimageCache:     fastcache.New(preimageCacheBytes),
		fuelLimit:         defaultFuel,
	}, nil
}

// Digest returns the content hash of the loaded kernel module. It is
// logged on a kernel upgrade; it is not written into the state or into
// block hashes, so a replay against a different kernel binary is not
// detected from them.
func (r *Runner) Digest() evmtypes.BlockHash { return r.digest }

// Run executes the kernel once against state, with a fresh store/instance
// per call so one run cannot leak host-function state into the next
// (determinism: no hidden mutable globals between runs).
func (r *Runner) Run(ctx context.Context, state evmstate.State, in RunInput) (RunOutput, error) {
	store := wasmtime.NewStore(r.engine)
	if err := store.SetFuel(r.fuelLimit); err != nil {
		return RunOutput{}, fmt.Errorf("kernel: set fuel: %w", err)
	}

	h := &hostContext{
		ctx:         ctx,
		runner:      r,
		state:       state,
		inputs:      in.Messages,
		reveals:     in.RevealPages,
		insightReqs: in.InsightRequests,
		insights:    make([][]byte, len(in.InsightRequests)),
	}
	if in.DebugLogPath != "" {
		f, err := os.OpenFile(in.DebugLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return RunOutput{}, fmt.Errorf("kernel: open debug log: %w", err)
		}
		defer f.Close()
		h.debugLog = f
	}

	linker := wasmtime.NewLinker(r.engine)
	if err := h.defineHostFunctions(linker, store); err != nil {
		return RunOutput{}, fmt.Errorf("kernel: define host functions: %w", err)
	}

	instance, err := linker.Instantiate(store, r.module)
	if err != nil {
		return RunOutput{}, fmt.Errorf("kernel: instantiate: %w", err)
	}
	h.instance = instance

	entry := in.Entrypoint
	if entry == "" {
		entry = EntrypointRun
	}
	export := instance.GetExport(store, entry)
	if export == nil || export.Func() == nil {
		return RunOutput{}, fmt.Errorf("kernel: missing entrypoint %q (protocol mismatch)", entry)
	}
	if _, err := export.Func().Call(store); err != nil {
		return RunOutput{}, fmt.Errorf("kernel: run %q: %w", entry, err)
	}

	out := RunOutput{
		NewState:       h.state,
		BlocksProduced: h.blocks,
		Insights:       h.insights,
	}
	return out, nil
}

// Execute is the §4.2 execute(ctx, messages, commit?) operation, minus the
// commit/checkpoint side effects which belong to evmcontext.
func (r *Runner) Execute(ctx context.Context, state evmstate.State, messages [][]byte) (RunOutput, error) {
	return r.Run(ctx, state, RunInput{Entrypoint: EntrypointRun, Messages: messages})
}

// ExecuteAndInspect is the §4.2 execute_and_inspect(ctx, input) operation.
// It returns only the insights: the resulting State is dropped and no
// checkpoint moves. Nodes the kernel writes through store_write are still
// put into the content-addressed store backing state.
func (r *Runner) ExecuteAndInspect(ctx context.Context, state evmstate.State, in RunInput) ([][]byte, error) {
	in.Entrypoint = EntrypointSimulate
	out, err := r.Run(ctx, state, in)
	if err != nil {
		return nil, err
	}
	return out.Insights, nil
}

// resolvePreimage fetches a preimage by hash, checking the local cache
// directory first and falling back to preimagesEndpoint, caching the
// result with a write-temp-then-rename so concurrent resolvers racing on
// the same key never observe a partial file (spec §5).
func (r *Runner) resolvePreimage(ctx context.Context, hash evmtypes.BlockHash) ([]byte, error) {
	key := hash[:]
	if b, ok := r.preimageCache.HasGet(nil, key); ok {
		return b, nil
	}

	path := filepath.Join(r.preimagesDir, hash.String()[2:])
	if b, err := os.ReadFile(path); err == nil {
		r.preimageCache.Set(key, b)
		return b, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("kernel: read preimage: %w", err)
	}

	if r.preimagesEndpoint == "" {
		return nil, fmt.Errorf("kernel: preimage %s not cached and no endpoint configured", hash)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.preimagesEndpoint+"/"+hash.String()[2:], nil)
	if err != nil {
		return nil, fmt.Errorf("kernel: build preimage request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kernel: fetch preimage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kernel: fetch preimage: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kernel: read preimage body: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return nil, fmt.Errorf("kernel: stage preimage: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("kernel: commit preimage: %w", err)
	}
	r.preimageCache.Set(key, body)
	log.Debug("kernel: cached preimage", "hash", hash)
	return body, nil
}
