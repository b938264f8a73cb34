// Package mock implements a second, independently buffered backend used to
// exercise cross-backend splitting, shadow copies, and the event ring in
// tests without depending on any real accelerator driver. It behaves like a
// small discrete device: its buffer type is not host-addressable, so the
// scheduler must insert a copy whenever a node on this backend consumes a
// tensor that lives on the CPU backend.
package mock

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tsched/tsched/ml"
)

const alignment = 256

type bufferType struct{}

func (bufferType) Name() string      { return "mock" }
func (bufferType) Alignment() uint64 { return alignment }
func (bufferType) MaxSize() uint64   { return 1 << 34 }
func (bufferType) IsHost() bool      { return false }

func (bt bufferType) AllocBuffer(size uint64) (ml.Buffer, error) {
	return &buffer{bt: bt, data: make([]byte, size)}, nil
}

// BufferType is the shared buffer-type instance every mock.Backend reports.
var BufferType ml.BufferType = bufferType{}

// buffer models device memory with a plain Go slice and a synthetic base
// address, so tensor offsets behave like real pointer arithmetic without
// needing an actual device allocator.
type buffer struct {
	bt   bufferType
	base uintptr
	data []byte
}

var nextBase atomic.Uint64

func init() {
	nextBase.Store(0x7f0000000000)
}

func (b *buffer) Base() uintptr {
	if b.base == 0 {
		b.base = uintptr(nextBase.Add(uint64(len(b.data)) + alignment))
	}
	return b.base
}

func (b *buffer) Size() uint64              { return uint64(len(b.data)) }
func (b *buffer) BufferType() ml.BufferType { return b.bt }

func (b *buffer) SetTensor(t *ml.Tensor, data []byte, offset uint64) error {
	start := uint64(t.Data-b.Base()) + offset
	if start+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("ml/backend/mock: SetTensor out of range for %s", t)
	}
	copy(b.data[start:], data)
	return nil
}

func (b *buffer) GetTensor(t *ml.Tensor, offset, size uint64) ([]byte, error) {
	start := uint64(t.Data-b.Base()) + offset
	if start+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("ml/backend/mock: GetTensor out of range for %s", t)
	}
	out := make([]byte, size)
	copy(out, b.data[start:start+size])
	return out, nil
}

func (b *buffer) Clear(value byte) {
	for i := range b.data {
		b.data[i] = value
	}
}

// Backend is a synchronous stand-in for a discrete accelerator: it accepts
// every op so tests can focus on assignment/splitting behavior, but its
// buffer type can't be read directly by other backends.
type Backend struct {
	id   uuid.UUID
	name string
}

func New(name string) (ml.Backend, error) {
	return &Backend{id: uuid.New(), name: name}, nil
}

func init() {
	ml.RegisterBackend("mock", New)
}

func (b *Backend) Name() string              { return b.name }
func (b *Backend) ID() uuid.UUID             { return b.id }
func (b *Backend) BufferType() ml.BufferType { return BufferType }

func (b *Backend) SupportsBufferType(bt ml.BufferType) bool { return bt == BufferType }
func (b *Backend) SupportsOp(t *ml.Tensor) bool             { return true }
func (b *Backend) OffloadOp(t *ml.Tensor) bool              { return true }

func (b *Backend) GraphCompute(ctx context.Context, g *ml.Graph) error {
	return nil
}

func (b *Backend) GraphComputeAsync(ctx context.Context, g *ml.Graph) error {
	return b.GraphCompute(ctx, g)
}

func (b *Backend) Synchronize() {}

func (b *Backend) NewEvent() *ml.Event    { return ml.NewEvent() }
func (b *Backend) EventRecord(e *ml.Event) { e.Record() }

// EventWait is a no-op for the same reason as the cpu backend: GraphCompute
// runs to completion synchronously before returning, so there is no
// in-flight submission for a dependency to gate, and nothing here to
// legitimately block the host on.
func (b *Backend) EventWait(e *ml.Event) {}
