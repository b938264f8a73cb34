// backend.go - the Backend interface and backend registry: one that can
// hold any number of named backend kinds, each able to produce any number
// of device instances.
package ml

import (
	"context"

	"github.com/google/uuid"
)

// Backend represents one compute device plus its command queue: able to
// execute some subset of graph ops over buffers of its own buffer types.
type Backend interface {
	// Name is a human-readable label, e.g. "cpu" or "cuda:0".
	Name() string

	// ID uniquely identifies this backend instance for the lifetime of the
	// process.
	ID() uuid.UUID

	// BufferType returns this backend's native buffer type: where TAlloc
	// should place tensors assigned to this backend by default.
	BufferType() BufferType

	// SupportsBufferType reports whether this backend can directly address
	// (read and write) tensors living in a buffer of type bt, without a
	// copy.
	SupportsBufferType(bt BufferType) bool

	// SupportsOp reports whether this backend has a kernel for t.Op given
	// t's current shape/dtype/sources.
	SupportsOp(t *Tensor) bool

	// OffloadOp reports whether it is worth promoting t to this backend
	// even though one of its sources is resident on a slower, host-backed
	// backend. Backends that have no offload preference should always
	// return true when SupportsOp is true.
	OffloadOp(t *Tensor) bool

	// GraphCompute executes subgraph synchronously.
	GraphCompute(ctx context.Context, g *Graph) error

	// GraphComputeAsync submits subgraph without blocking; the caller must
	// Synchronize (or wait on a recorded Event) before reading outputs.
	GraphComputeAsync(ctx context.Context, g *Graph) error

	// Synchronize blocks until every submission made so far on this
	// backend has retired.
	Synchronize()

	// NewEvent returns a fresh, unrecorded event usable with EventRecord /
	// EventWait on this backend's command stream.
	NewEvent() *Event

	// EventRecord marks e at the current point in this backend's
	// submission stream.
	EventRecord(e *Event)

	// EventWait enqueues a non-blocking dependency: this backend's future
	// work will not start until e is signalled. Backends that cannot
	// express that natively should fall back to Synchronize at the call
	// site rather than implementing a blocking EventWait.
	EventWait(e *Event)
}

// PartialComputer is an optional Backend capability used by
// Sched.SetEvalCallback's per-node stepping mode: compute only nodes
// [from, to) of g, returning once that range has executed.
type PartialComputer interface {
	GraphComputeRange(ctx context.Context, g *Graph, from, to int) error
}

var registry = map[string]func(name string) (Backend, error){}

// RegisterBackend registers a backend factory under kind, e.g. "cpu",
// "cuda". Panics on duplicate registration: a second registration under
// the same kind almost always means an init-order bug, not a case to
// recover from at runtime.
func RegisterBackend(kind string, factory func(name string) (Backend, error)) {
	if _, ok := registry[kind]; ok {
		panic("ml: backend kind already registered: " + kind)
	}
	registry[kind] = factory
}

// NewBackend creates a new backend instance of the given kind.
func NewBackend(kind, name string) (Backend, error) {
	factory, ok := registry[kind]
	if !ok {
		return nil, ErrUnknownBackendKind(kind)
	}
	return factory(name)
}

// RegisteredKinds returns the backend kinds currently registered, for
// introspection/CLI listing.
func RegisteredKinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}
