// tensor.go - the Tensor data model and the Graph it is wired into. Tensor
// is a plain struct, not an interface: it's the one shared
// piece of data the allocator, the graph allocator, and the scheduler all
// read and mutate directly. Every Tensor gets a process-wide, monotonically
// increasing ID at construction time; side tables in galloc/sched key off
// that ID (see ml/idset) rather than off Go pointer identity, so they stay
// stable across a Reset().
package ml

import (
	"fmt"
	"sync/atomic"
)

var nextTensorID atomic.Uint64

// blockSize is the element count ggml-style block-quantized layouts pack
// into one block.
const blockSize = 32

// elementSize approximates bytes-per-element for the purposes of arena
// sizing. Real block-quantized layouts (Q8_0/Q4_0) pack several elements
// per block with extra scale bytes; exact block accounting is quantization
// numerics and out of scope here. This computes a block's total byte cost
// and divides back out with a ceiling division, so sub-byte layouts like
// Q4_0 still round up to a nonzero average rather than truncating to 0.
func elementSize(dtype DType) uint64 {
	switch dtype {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeQ80:
		// 32 bytes of quantized data plus a 2-byte fp16 scale per block.
		return ceilDiv(blockSize+2, blockSize)
	case DTypeQ40:
		// 2 elements/byte (16 bytes) plus a 2-byte fp16 scale per block.
		return ceilDiv(blockSize/2+2, blockSize)
	default:
		return 4
	}
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// Tensor is an opaque handle: a node or leaf of a computation graph, plus
// the allocator/scheduler bookkeeping fields attached to it once it has
// been placed.
type Tensor struct {
	ID   uint64
	Name string

	Type   DType
	NDims  int
	NE     [4]int64  // extent per dimension
	NB     [4]uint64 // stride in bytes per dimension

	Op       Op
	Src      [MaxSrc]*Tensor
	OpParams [MaxOpParams]byte

	// ViewSrc, if non-nil, means this tensor aliases a window of
	// ViewSrc's storage starting at ViewOffs bytes. A view never owns
	// storage: Buffer and Data always mirror ViewSrc's once allocated.
	ViewSrc  *Tensor
	ViewOffs uint64

	// Buffer and Data are set together by the allocator. Buffer == nil
	// iff Data == 0.
	Buffer Buffer
	Data   uintptr

	Flags Flag
}

// NewTensor creates a leaf or compute-node tensor with row-major contiguous
// strides. Shape is given most-significant-dimension-last, matching ggml's
// convention (ne[0] is the fastest-varying dimension).
func NewTensor(dtype DType, ne ...int64) *Tensor {
	t := &Tensor{
		ID:   nextTensorID.Add(1),
		Type: dtype,
		Op:   OpNone,
	}
	t.NDims = len(ne)
	copy(t.NE[:], ne)
	for i := range t.NE {
		if t.NE[i] == 0 {
			t.NE[i] = 1
		}
	}
	t.NB[0] = elementSize(dtype)
	for i := 1; i < 4; i++ {
		t.NB[i] = t.NB[i-1] * uint64(t.NE[i-1])
	}
	return t
}

// NewView creates a tensor that aliases a window of src's storage. op must
// be one of the view-producing ops (OpView, OpReshape, OpPermute,
// OpTranspose); callers that need a custom stride pattern (e.g. Permute)
// should set NB after construction.
func NewView(op Op, src *Tensor, offs uint64, ne ...int64) *Tensor {
	if !op.IsView() {
		panic(fmt.Sprintf("ml: %v is not a view-producing op", op))
	}
	v := NewTensor(src.Type, ne...)
	v.Op = op
	v.ViewSrc = rootView(src)
	v.ViewOffs = offs
	if src.ViewSrc != nil {
		v.ViewOffs += src.ViewOffs
	}
	return v
}

// rootView collapses a chain of views down to the tensor that actually owns
// storage, so ViewSrc is never itself a view.
func rootView(t *Tensor) *Tensor {
	for t.ViewSrc != nil {
		t = t.ViewSrc
	}
	return t
}

// IsView reports whether t aliases another tensor's storage.
func (t *Tensor) IsView() bool { return t.ViewSrc != nil }

// IsAllocated reports whether placement has happened, per the
// buffer==nil iff data==0 invariant.
func (t *Tensor) IsAllocated() bool { return t.Buffer != nil }

// Nelements returns the total element count.
func (t *Tensor) Nelements() int64 {
	n := int64(1)
	for i := 0; i < 4; i++ {
		n *= t.NE[i]
	}
	return n
}

// Nbytes returns the tensor's footprint as a contiguous layout of its own
// type and shape, ignoring any buffer-type-specific padding (that's what
// BufferType.AllocSize is for).
func (t *Tensor) Nbytes() uint64 {
	if t.NDims == 0 {
		return 0
	}
	last := t.NDims - 1
	return t.NB[last] * uint64(t.NE[last])
}

// SameLayout reports whether t and other share type and all extents and
// strides -- the precondition for in-place reuse.
func (t *Tensor) SameLayout(other *Tensor) bool {
	if t.Type != other.Type {
		return false
	}
	return t.NE == other.NE && t.NB == other.NB
}

// Srcs returns the non-nil input tensors, in slot order.
func (t *Tensor) Srcs() []*Tensor {
	srcs := make([]*Tensor, 0, MaxSrc)
	for _, s := range t.Src {
		if s != nil {
			srcs = append(srcs, s)
		}
	}
	return srcs
}

func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	name := t.Name
	if name == "" {
		name = fmt.Sprintf("t%d", t.ID)
	}
	return fmt.Sprintf("%s(op=%v,ne=%v)", name, t.Op, t.NE[:t.NDims])
}

// Graph is a statically ordered computation DAG: Leafs (weights, inputs --
// Op == OpNone) followed by Nodes in evaluation order. This is the
// allocator/scheduler-facing shape of a graph; building one (naming
// tensors, wiring up view semantics) belongs to a tensor-library front end
// and is out of scope here.
type Graph struct {
	Leafs []*Tensor
	Nodes []*Tensor
}

// All returns leafs followed by nodes, the traversal order every pass in
// this package uses.
func (g *Graph) All() []*Tensor {
	all := make([]*Tensor, 0, len(g.Leafs)+len(g.Nodes))
	all = append(all, g.Leafs...)
	all = append(all, g.Nodes...)
	return all
}
