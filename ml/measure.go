// measure.go - "measure mode": a TAlloc can be run against a sentinel
// buffer that never touches real memory, purely to compute a worst-case
// high-water mark. Modeled as a regular ml.Buffer implementation (rather
// than a special-cased boolean deep inside TAlloc) so the rest of the
// allocator code never has to know the difference -- measure and real
// allocation are just two different Buffer implementations.
package ml

import "fmt"

// halfMax bounds the synthetic measure-buffer size. Large enough that no
// realistic graph overflows it, small enough that addr+size never
// overflows uint64 arithmetic during alignment.
const halfMax uint64 = 1 << 62

// measureBase is the sentinel base address measure-mode tensors appear to
// live at. Non-zero so the buffer==nil iff data==0 invariant still
// distinguishes "unallocated" from "allocated in measure mode".
const measureBase uintptr = 0x1000

// Measurer is implemented by buffers that never back real memory; TAlloc
// uses it to skip InitTensor hooks and byte-level sets/gets.
type Measurer interface {
	IsMeasureBuffer() bool
}

type measureBuffer struct {
	bt BufferType
}

// NewMeasureBuffer returns a buffer that reports the alignment and
// alloc-size behavior of bt but never allocates or touches memory,
// suitable for binding a TAlloc in measure mode.
func NewMeasureBuffer(bt BufferType) Buffer {
	return &measureBuffer{bt: bt}
}

func (m *measureBuffer) Base() uintptr         { return measureBase }
func (m *measureBuffer) Size() uint64          { return halfMax }
func (m *measureBuffer) BufferType() BufferType { return m.bt }
func (m *measureBuffer) IsMeasureBuffer() bool { return true }

func (m *measureBuffer) SetTensor(t *Tensor, data []byte, offset uint64) error {
	return fmt.Errorf("ml: SetTensor called on a measure buffer")
}

func (m *measureBuffer) GetTensor(t *Tensor, offset, size uint64) ([]byte, error) {
	return nil, fmt.Errorf("ml: GetTensor called on a measure buffer")
}

func (m *measureBuffer) Clear(byte) {}

// IsMeasure reports whether buf is a measure-mode buffer, as produced by
// NewMeasureBuffer.
func IsMeasure(buf Buffer) bool {
	m, ok := buf.(Measurer)
	return ok && m.IsMeasureBuffer()
}
