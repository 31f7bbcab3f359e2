// Package allocerr defines the error kinds shared by both allocator
// engines (spec.md §7): OutOfMemory, InvalidFree, and DoubleFree. Engines
// wrap these sentinels with github.com/cockroachdb/errors to attach
// request-specific context while keeping errors.Is classification working
// for callers.
package allocerr

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = errors.New("allocator: out of memory")

	// ErrInvalidFree is returned when an address is not a valid block
	// start, lies outside the engine's span, or points at a block with a
	// corrupted header. The buddy engine also returns it when the target
	// block is already free.
	ErrInvalidFree = errors.New("allocator: invalid free")

	// ErrDoubleFree is returned by the TLSF engine when the target of a
	// Dealloc call is already free.
	ErrDoubleFree = errors.New("allocator: double free")
)
