package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bytecodealliance/wasmtime-go/v14"

	"github.com/luxfi/evmseq/evmstate"
	"github.com/luxfi/evmseq/evmtypes"
)

// hostContext holds the per-run state backing the host functions the
// kernel ABI exposes: read_input, write_output, store_read, store_write
// and reveal_preimage. One hostContext is created per Run call so no
// state leaks between invocations.
type hostContext struct {
	ctx    context.Context
	runner *Runner

	state evmstate.State

	inputs   [][]byte
	nextIn   int
	reveals  [][]byte

	insightReqs []InsightRequest
	insights    [][]byte

	blocks   []BlockResult
	debugLog *os.File

	instance *wasmtime.Instance
}

func (h *hostContext) memory(store wasmtime.Storelike) *wasmtime.Memory {
	export := h.instance.GetExport(store, "memory")
	if export == nil {
		return nil
	}
	return export.Memory()
}

func (h *hostContext) logf(format string, args ...interface{}) {
	if h.debugLog == nil {
		return
	}
	fmt.Fprintf(h.debugLog, format+"\n", args...)
}

// defineHostFunctions registers the kernel ABI on linker against store.
// Every function follows the ptr/len convention: the kernel passes a
// guest-memory pointer and a capacity, the host writes up to that many
// bytes and returns the number of bytes actually written (or -1 on miss).
func (h *hostContext) defineHostFunctions(linker *wasmtime.Linker, store *wasmtime.Store) error {
	funcs := map[string]interface{}{
		"read_input": func(caller *wasmtime.Caller, ptr, maxLen int32) int32 {
			if h.nextIn >= len(h.inputs) {
				return -1
			}
			msg := h.inputs[h.nextIn]
			h.nextIn++
			return writeGuestBytes(caller, ptr, maxLen, msg)
		},
		"write_output": func(caller *wasmtime.Caller, ptr, length int32) int32 {
			data, err := readGuestBytes(caller, ptr, length)
			if err != nil {
				h.logf("write_output: %v", err)
				return -1
			}
			h.handleOutput(data)
			return length
		},
		"store_read": func(caller *wasmtime.Caller, keyPtr, keyLen, valPtr, valMaxLen int32) int32 {
			key, err := readGuestBytes(caller, keyPtr, keyLen)
			if err != nil {
				return -1
			}
			val, ok, err := h.state.Inspect(string(key))
			if err != nil || !ok {
				return -1
			}
			return writeGuestBytes(caller, valPtr, valMaxLen, val)
		},
		"store_write": func(caller *wasmtime.Caller, keyPtr, keyLen, valPtr, valLen int32) int32 {
			key, err := readGuestBytes(caller, keyPtr, keyLen)
			if err != nil {
				return -1
			}
			val, err := readGuestBytes(caller, valPtr, valLen)
			if err != nil {
				return -1
			}
			newState, err := h.state.Modify(string(key), val)
			if err != nil {
				h.logf("store_write: %v", err)
				return -1
			}
			h.state = newState
			return valLen
		},
		"reveal_preimage": func(caller *wasmtime.Caller, hashPtr, outPtr, outMaxLen int32) int32 {
			rawHash, err := readGuestBytes(caller, hashPtr, 32)
			if err != nil {
				return -1
			}
			var hash evmtypes.BlockHash
			copy(hash[:], rawHash)
			data, err := h.runner.resolvePreimage(h.ctx, hash)
			if err != nil {
				h.logf("reveal_preimage %s: %v", hash, err)
				return -1
			}
			return writeGuestBytes(caller, outPtr, outMaxLen, data)
		},
	}

	for name, fn := range funcs {
		if err := linker.DefineFunc(store, "env", name, fn); err != nil {
			return fmt.Errorf("define %s: %w", name, err)
		}
	}
	return nil
}

// handleOutput interprets an output chunk written by the kernel. The
// kernel tags each output with a one-byte kind: 0 = block-produced
// notice (8-byte big-endian block number follows, then rejected-tx
// hashes in 32-byte chunks), 1 = insight response (4-byte index,
// remaining bytes are the value).
func (h *hostContext) handleOutput(data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case 0:
		if len(data) < 9 {
			return
		}
		num := binary.BigEndian.Uint64(data[1:9])
		br := BlockResult{Number: evmtypes.NewQuantity(num)}
		for off := 9; off+32 <= len(data); off += 32 {
			var tx evmtypes.TxHash
			copy(tx[:], data[off:off+32])
			br.RejectedTxs = append(br.RejectedTxs, tx)
		}
		h.blocks = append(h.blocks, br)
	case 1:
		if len(data) < 5 {
			return
		}
		idx := int(binary.BigEndian.Uint32(data[1:5]))
		if idx >= 0 && idx < len(h.insights) {
			h.insights[idx] = append([]byte(nil), data[5:]...)
		}
	}
}

func readGuestBytes(caller *wasmtime.Caller, ptr, length int32) ([]byte, error) {
	export := caller.GetExport("memory")
	if export == nil || export.Memory() == nil {
		return nil, fmt.Errorf("guest has no exported memory")
	}
	mem := export.Memory()
	data := mem.UnsafeData(caller)
	if ptr < 0 || length < 0 || int(ptr)+int(length) > len(data) {
		return nil, fmt.Errorf("guest pointer out of range")
	}
	return append([]byte(nil), data[ptr:ptr+length]...), nil
}

func writeGuestBytes(caller *wasmtime.Caller, ptr, maxLen int32, value []byte) int32 {
	export := caller.GetExport("memory")
	if export == nil || export.Memory() == nil {
		return -1
	}
	mem := export.Memory()
	data := mem.UnsafeData(caller)
	n := len(value)
	if n > int(maxLen) {
		n = int(maxLen)
	}
	if int(ptr)+n > len(data) || ptr < 0 {
		return -1
	}
	copy(data[ptr:ptr+int32(n)], value[:n])
	return int32(n)
}
