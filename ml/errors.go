// errors.go - the error taxonomy shared by the allocator, graph allocator
// and scheduler. Each kind is a sentinel, wrapped with
// fmt.Errorf("...: %w", ...) at the call site and distinguished downstream
// with errors.Is, rather than typed exceptions.
package ml

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfSpace: a TAlloc has no free block large enough for the
	// requested allocation.
	ErrOutOfSpace = errors.New("ml: allocator out of space")

	// ErrTooManyFreeBlocks: a TAlloc's free-list cap was exceeded.
	// Fatal -- indicates a degenerate graph or an undersized cap.
	ErrTooManyFreeBlocks = errors.New("ml: too many free blocks")

	// ErrNeedsReserve: GAlloc.AllocGraph hit ErrOutOfSpace; the scheduler
	// should Reserve a larger buffer for the current graph and retry.
	ErrNeedsReserve = errors.New("ml: allocation needs a larger reservation")

	// ErrNoBackendSupportsOp: assignment pass 4 found a node no backend
	// can run.
	ErrNoBackendSupportsOp = errors.New("ml: no backend supports op")

	// ErrPreAllocatedOnIncompatibleBackend: a user-placed tensor lives in
	// a buffer no backend supporting its consuming op can address.
	ErrPreAllocatedOnIncompatibleBackend = errors.New("ml: tensor pre-allocated on a backend incompatible with its op")

	// ErrBackendCompute wraps a backend's GraphCompute failure.
	ErrBackendCompute = errors.New("ml: backend compute failed")

	// ErrCopyFailure: both the async and the blocking fallback copy path
	// failed.
	ErrCopyFailure = errors.New("ml: cross-backend tensor copy failed")

	// ErrInternalInvariant: an assertion that should be unreachable
	// tripped -- indicates a bug in this package, not caller misuse.
	ErrInternalInvariant = errors.New("ml: internal invariant violated")
)

// ErrUnknownBackendKind reports that NewBackend was asked for an
// unregistered backend kind.
func ErrUnknownBackendKind(kind string) error {
	return fmt.Errorf("ml: unknown backend kind %q", kind)
}
