// Package cpu implements a reference, pure-Go, in-process backend over
// ordinary host memory: the universal fallback every graph can run on,
// mirroring the role ggml's CPU backend plays as the lowest-priority slot
// in a multi-backend ml.Backend list.
package cpu

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/google/uuid"

	"github.com/tsched/tsched/ml"
)

const alignment = 64

type bufferType struct{}

func (bufferType) Name() string      { return "cpu" }
func (bufferType) Alignment() uint64 { return alignment }
func (bufferType) MaxSize() uint64   { return 1 << 40 }
func (bufferType) IsHost() bool      { return true }

func (bt bufferType) AllocBuffer(size uint64) (ml.Buffer, error) {
	return &buffer{bt: bt, data: make([]byte, size)}, nil
}

// BufferType is the single shared buffer-type instance every cpu.Backend
// reports; buffer types are compared by identity, so backends that should
// interoperate without a copy must share this value.
var BufferType ml.BufferType = bufferType{}

type buffer struct {
	bt   bufferType
	data []byte
}

func (b *buffer) Base() uintptr {
	if len(b.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.data[0]))
}

func (b *buffer) Size() uint64              { return uint64(len(b.data)) }
func (b *buffer) BufferType() ml.BufferType { return b.bt }

func (b *buffer) offset(t *ml.Tensor, extra uint64) uint64 {
	return uint64(t.Data-b.Base()) + extra
}

func (b *buffer) SetTensor(t *ml.Tensor, data []byte, offset uint64) error {
	start := b.offset(t, offset)
	if start+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("ml/backend/cpu: SetTensor out of range for %s", t)
	}
	copy(b.data[start:], data)
	return nil
}

func (b *buffer) GetTensor(t *ml.Tensor, offset, size uint64) ([]byte, error) {
	start := b.offset(t, offset)
	if start+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("ml/backend/cpu: GetTensor out of range for %s", t)
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

// Backend is a single-threaded, synchronous CPU compute device. It
// supports every op (it is the universal fallback) and never offloads,
// since it already sits at the lowest priority in a typical backend list.
type Backend struct {
	id   uuid.UUID
	name string
}

// New returns a new CPU backend instance named name.
func New(name string) (ml.Backend, error) {
	return &Backend{id: uuid.New(), name: name}, nil
}

func init() {
	ml.RegisterBackend("cpu", New)
}

func (b *Backend) Name() string              { return b.name }
func (b *Backend) ID() uuid.UUID             { return b.id }
func (b *Backend) BufferType() ml.BufferType { return BufferType }

func (b *Backend) SupportsBufferType(bt ml.BufferType) bool { return bt.IsHost() }
func (b *Backend) SupportsOp(t *ml.Tensor) bool             { return true }
func (b *Backend) OffloadOp(t *ml.Tensor) bool              { return false }

// GraphCompute is a no-op: the numeric kernels behind each ml.Op are out
// of scope for this package, which only has to make tensors reachable in
// the right order and with the right backend assignment.
func (b *Backend) GraphCompute(ctx context.Context, g *ml.Graph) error {
	return nil
}

func (b *Backend) GraphComputeAsync(ctx context.Context, g *ml.Graph) error {
	return b.GraphCompute(ctx, g)
}

func (b *Backend) Synchronize() {}

func (b *Backend) NewEvent() *ml.Event    { return ml.NewEvent() }
func (b *Backend) EventRecord(e *ml.Event) { e.Record() }

// EventWait is a no-op: GraphCompute/GraphComputeAsync both run synchronously
// and in program order on this backend, so any event recorded against it has
// already happened by the time a caller could reach EventWait. There is no
// submission queue here to enqueue a dependency into, so blocking the host
// would only contradict the non-blocking contract Backend.EventWait
// documents.
func (b *Backend) EventWait(e *ml.Event) {}
