package evmcontext

import "errors"

// Error taxonomy per spec §7: transient I/O is retried by callers (not
// here); the errors below are the ones EvmContext itself can raise.
var (
	ErrCorrupt          = errors.New("evmcontext: data directory has a corrupt checkpoint")
	ErrNotArchive       = errors.New("evmcontext: history has been pruned, cannot replay")
	ErrMissingHistory   = errors.New("evmcontext: rollup node has no history to bootstrap from")
	ErrUnexpectedNumber = errors.New("evmcontext: commit number does not match next_blueprint_number")
	ErrBlueprintInvalid = errors.New("evmcontext: blueprint produced more than one block")
	ErrNumberMismatch   = errors.New("evmcontext: blueprint number mismatch")
	ErrNotFound         = errors.New("evmcontext: blueprint not found")
)
