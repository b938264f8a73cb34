// Package alloc implements TAlloc, a one-shot best-fit allocator that lays
// tensors out inside a single backend buffer. It makes no fragmentation-free
// guarantees; it trades that for an address-sorted, coalescing free list
// that keeps placement and release both close to O(n_free_blocks).
package alloc

import (
	"fmt"
	"sort"

	"github.com/emirpasic/gods/v2/lists/arraylist"

	"github.com/tsched/tsched/ml"
)

// MaxFreeBlocks bounds how many disjoint free regions a TAlloc will track
// at once. Degenerate graphs that fragment past this are a configuration
// problem, not something to paper over with an unbounded list.
const MaxFreeBlocks = 256

// FreeBlock is a contiguous unused byte range, given as an offset from the
// buffer's base rather than an absolute address.
type FreeBlock struct {
	Addr uint64
	Size uint64
}

// TAlloc lays tensors out inside a single ml.Buffer. Binding it to a
// buffer produced by ml.NewMeasureBuffer runs it in "measure" mode: no
// tensor is ever actually touched, only the high-water mark is tracked.
type TAlloc struct {
	buf       ml.Buffer
	isMeasure bool
	alignment uint64

	free    *arraylist.List[FreeBlock]
	maxSize uint64
}

// NewFromBuffer binds a TAlloc to buf. If buf was produced by
// ml.NewMeasureBuffer, the allocator runs in measure mode.
func NewFromBuffer(buf ml.Buffer) *TAlloc {
	a := &TAlloc{
		buf:       buf,
		isMeasure: ml.IsMeasure(buf),
		alignment: buf.BufferType().Alignment(),
		free:      arraylist.New[FreeBlock](),
	}
	a.Reset()
	return a
}

// Rebind points this allocator at a new buffer, discarding any existing
// placement. Used by a scheduler to swap a backend's TAlloc from its
// initial measure buffer to a freshly sized real buffer once Reserve has
// computed a peak size.
func (a *TAlloc) Rebind(buf ml.Buffer) {
	a.buf = buf
	a.isMeasure = ml.IsMeasure(buf)
	a.alignment = buf.BufferType().Alignment()
	a.Reset()
}

// Reset reinstates one free block covering the entire buffer starting at
// the first aligned offset, and clears the high-water mark.
func (a *TAlloc) Reset() {
	a.free.Clear()
	base := uint64(a.buf.Base())
	firstAligned := ml.AlignUp(base, a.alignment) - base
	a.free.Add(FreeBlock{Addr: firstAligned, Size: a.buf.Size() - firstAligned})
	a.maxSize = 0
}

// Alloc picks placement for t. t must be unallocated and not a view.
func (a *TAlloc) Alloc(t *ml.Tensor) error {
	if t.IsView() {
		return fmt.Errorf("ml/alloc: %w: cannot place a view tensor", ml.ErrInternalInvariant)
	}
	if t.IsAllocated() {
		return fmt.Errorf("ml/alloc: %w: tensor %s already placed", ml.ErrInternalInvariant, t)
	}

	size := ml.AlignUp(ml.AllocSize(a.buf.BufferType(), t), a.alignment)

	blocks := a.free.Values()
	if len(blocks) == 0 {
		return fmt.Errorf("ml/alloc: %w: no free blocks for %s", ml.ErrOutOfSpace, t)
	}

	best := -1
	for i := 0; i < len(blocks)-1; i++ {
		if blocks[i].Size >= size && (best == -1 || blocks[i].Size < blocks[best].Size) {
			best = i
		}
	}
	if best == -1 {
		if last := len(blocks) - 1; blocks[last].Size >= size {
			best = last
		} else {
			return fmt.Errorf("ml/alloc: %w: need %d bytes for %s", ml.ErrOutOfSpace, size, t)
		}
	}

	chosen := blocks[best]
	remaining := make([]FreeBlock, 0, len(blocks))
	remaining = append(remaining, blocks[:best]...)
	if chosen.Size > size {
		remaining = append(remaining, FreeBlock{Addr: chosen.Addr + size, Size: chosen.Size - size})
	}
	remaining = append(remaining, blocks[best+1:]...)

	a.free.Clear()
	a.free.Add(remaining...)

	t.Buffer = a.buf
	t.Data = a.buf.Base() + uintptr(chosen.Addr)

	if end := chosen.Addr + size; end > a.maxSize {
		a.maxSize = end
	}

	if !a.isMeasure {
		if init, ok := a.buf.(ml.TensorInitializer); ok {
			if err := init.InitTensor(t); err != nil {
				return fmt.Errorf("ml/alloc: init tensor %s: %w", t, err)
			}
		}
	}
	return nil
}

// FreeTensor returns t's range to the free list, coalescing with
// neighbours. Tensors placed by a different TAlloc are silently ignored,
// as are unallocated tensors in measure mode.
func (a *TAlloc) FreeTensor(t *ml.Tensor) error {
	if t.Buffer != a.buf {
		return nil
	}
	if a.isMeasure && t.Data == 0 {
		return nil
	}

	size := ml.AlignUp(ml.AllocSize(a.buf.BufferType(), t), a.alignment)
	addr := uint64(t.Data) - uint64(a.buf.Base())

	blocks := append(a.free.Values(), FreeBlock{Addr: addr, Size: size})
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Addr < blocks[j].Addr })

	merged := blocks[:0]
	for _, b := range blocks {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.Addr+last.Size == b.Addr {
				last.Size += b.Size
				continue
			}
			if last.Addr+last.Size > b.Addr {
				return fmt.Errorf("ml/alloc: %w: overlapping free blocks at addr %d", ml.ErrInternalInvariant, b.Addr)
			}
		}
		merged = append(merged, b)
	}

	if len(merged) > MaxFreeBlocks {
		return ml.ErrTooManyFreeBlocks
	}

	a.free.Clear()
	a.free.Add(merged...)
	return nil
}

// MaxSize returns the high-water mark observed across Alloc calls since
// the last Reset.
func (a *TAlloc) MaxSize() uint64 { return a.maxSize }

// IsMeasure reports whether this allocator is bound to a measure buffer.
func (a *TAlloc) IsMeasure() bool { return a.isMeasure }

// Buffer exposes the backing buffer handle.
func (a *TAlloc) Buffer() ml.Buffer { return a.buf }

// FreeBlocks returns a snapshot of the current free list, address-sorted.
// Exposed for tests asserting free-list structural invariants (sortedness,
// non-overlap, coalescing); not part of the allocator's steady-state
// operation.
func (a *TAlloc) FreeBlocks() []FreeBlock {
	return a.free.Values()
}
