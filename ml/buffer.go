// buffer.go - the backend-buffer abstraction. A Buffer owns a contiguous
// region of device memory; a BufferType is the factory plus capability
// object that allocates buffers and describes their memory domain.
// Optional per-buffer hooks (InitTensor, CopyTensor, MemsetTensor, Reset)
// are modeled as separate capability interfaces a concrete Buffer may or
// may not implement, rather than forcing every backend to stub out
// methods it doesn't support.
package ml

// Buffer owns size bytes starting at Base, all of one BufferType.
type Buffer interface {
	Base() uintptr
	Size() uint64
	BufferType() BufferType

	SetTensor(t *Tensor, data []byte, offset uint64) error
	GetTensor(t *Tensor, offset, size uint64) ([]byte, error)
	Clear(value byte)
}

// TensorInitializer is an optional Buffer capability: a hook run once per
// tensor right after TAlloc places it, e.g. to register a sub-allocation
// for side data.
type TensorInitializer interface {
	InitTensor(t *Tensor) error
}

// TensorCopier is an optional Buffer capability: a fast device-to-device
// copy path inside the same buffer-type family. Returns false if it can't
// service this particular pair, in which case the caller falls back to a
// get+set round trip.
type TensorCopier interface {
	CopyTensor(src, dst *Tensor) bool
}

// TensorMemsetter is an optional Buffer capability.
type TensorMemsetter interface {
	MemsetTensor(t *Tensor, value byte, offset, size uint64) error
}

// Resettable is an optional Buffer capability used by backends that need to
// clear internal state (e.g. a sub-allocator for init hooks) independent of
// the byte contents.
type Resettable interface {
	Reset()
}

// BufferType is a factory plus capability object: a tag describing a memory
// domain. Two buffers of the same BufferType (by == comparison, since
// implementations are expected to be package-level singletons or otherwise
// comparable) can host each other's tensors.
type BufferType interface {
	Name() string
	AllocBuffer(size uint64) (Buffer, error)
	Alignment() uint64
	MaxSize() uint64
	// IsHost reports whether Base() addresses plain CPU-addressable RAM.
	IsHost() bool
}

// AllocSizer is an optional BufferType capability: some buffer types pad a
// tensor's allocation beyond Nbytes() for device-specific layout reasons
// (e.g. tiled weight formats). Defaults to Nbytes(t) when unimplemented.
type AllocSizer interface {
	AllocSize(t *Tensor) uint64
}

// AllocSize returns bt.AllocSize(t) if bt implements AllocSizer, else
// t.Nbytes().
func AllocSize(bt BufferType, t *Tensor) uint64 {
	if s, ok := bt.(AllocSizer); ok {
		return s.AllocSize(t)
	}
	return t.Nbytes()
}

// AlignUp rounds offset up to the next multiple of alignment, which must be
// a power of two.
func AlignUp(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	return (offset + alignment - 1) &^ (alignment - 1)
}

// MultiBuffer is a composite buffer wrapping N sub-buffers. It has no
// base pointer and no per-tensor operations: Size sums the sub-buffers
// and Clear broadcasts to every one of them. It has no free or other
// cleanup method of its own, and it is never itself handed to TAlloc.
type MultiBuffer struct {
	buft    BufferType
	buffers []Buffer
}

// NewMultiBuffer wraps bufs as a single composite buffer of bt.
func NewMultiBuffer(bt BufferType, bufs []Buffer) *MultiBuffer {
	return &MultiBuffer{buft: bt, buffers: bufs}
}

func (m *MultiBuffer) BufferType() BufferType { return m.buft }
func (m *MultiBuffer) Buffers() []Buffer      { return m.buffers }

func (m *MultiBuffer) Clear(value byte) {
	for _, b := range m.buffers {
		b.Clear(value)
	}
}

func (m *MultiBuffer) Size() uint64 {
	var total uint64
	for _, b := range m.buffers {
		total += b.Size()
	}
	return total
}
