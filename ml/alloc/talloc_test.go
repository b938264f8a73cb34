package alloc

import (
	"errors"
	"testing"

	"github.com/tsched/tsched/ml"
)

// fakeBufferType is a minimal BufferType for exercising TAlloc without a
// real backend: every tensor's alloc size is just its natural byte size,
// rounded up by the allocator to alignment.
type fakeBufferType struct {
	align uint64
}

func (f *fakeBufferType) Name() string                    { return "fake" }
func (f *fakeBufferType) Alignment() uint64                { return f.align }
func (f *fakeBufferType) MaxSize() uint64                  { return 1 << 30 }
func (f *fakeBufferType) IsHost() bool                     { return true }
func (f *fakeBufferType) AllocBuffer(size uint64) (ml.Buffer, error) {
	return &fakeBuffer{bt: f, size: size}, nil
}

type fakeBuffer struct {
	bt   *fakeBufferType
	size uint64
	base uintptr
}

func (b *fakeBuffer) Base() uintptr          { return b.base }
func (b *fakeBuffer) Size() uint64           { return b.size }
func (b *fakeBuffer) BufferType() ml.BufferType { return b.bt }
func (b *fakeBuffer) SetTensor(t *ml.Tensor, data []byte, offset uint64) error { return nil }
func (b *fakeBuffer) GetTensor(t *ml.Tensor, offset, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}
func (b *fakeBuffer) Clear(byte) {}

// sizedTensor returns a leaf tensor of n/4 four-byte DTypeI32 elements, so
// its Nbytes() is n rounded down to a multiple of 4.
func sizedTensor(n int64) *ml.Tensor {
	return ml.NewTensor(ml.DTypeI32, n/4)
}

func newRealAllocator(t *testing.T, bufSize uint64, align uint64) *TAlloc {
	t.Helper()
	bt := &fakeBufferType{align: align}
	buf, err := bt.AllocBuffer(bufSize)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	return NewFromBuffer(buf)
}

func TestAllocBestFitAndCoalesce(t *testing.T) {
	a := newRealAllocator(t, 1024, 32)

	t200 := sizedTensor(200)
	t300 := sizedTensor(300)
	t100 := sizedTensor(100)

	for _, tt := range []*ml.Tensor{t200, t300, t100} {
		if err := a.Alloc(tt); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
	}

	if err := a.FreeTensor(t300); err != nil {
		t.Fatalf("FreeTensor: %v", err)
	}

	t250 := sizedTensor(250)
	if err := a.Alloc(t250); err != nil {
		t.Fatalf("Alloc t250: %v", err)
	}
	if t250.Data != t300.Data {
		t.Fatalf("expected t250 to reuse t300's freed region at %d, got %d", t300.Data, t250.Data)
	}

	for _, tt := range []*ml.Tensor{t250, t100, t200} {
		if err := a.FreeTensor(tt); err != nil {
			t.Fatalf("FreeTensor: %v", err)
		}
	}

	blocks := a.FreeBlocks()
	if len(blocks) != 1 || blocks[0].Addr != 0 || blocks[0].Size != 1024 {
		t.Fatalf("expected a single [0,1024) block after freeing everything, got %+v", blocks)
	}
}

func TestAllocOutOfSpace(t *testing.T) {
	a := newRealAllocator(t, 64, 32)

	big := sizedTensor(128)
	if err := a.Alloc(big); !errors.Is(err, ml.ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
}

func TestAllocRejectsViewsAndDoubleAlloc(t *testing.T) {
	a := newRealAllocator(t, 1024, 32)

	leaf := sizedTensor(64)
	view := ml.NewView(ml.OpView, leaf, 0, 16)
	if err := a.Alloc(view); !errors.Is(err, ml.ErrInternalInvariant) {
		t.Fatalf("expected ErrInternalInvariant for view alloc, got %v", err)
	}

	if err := a.Alloc(leaf); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Alloc(leaf); !errors.Is(err, ml.ErrInternalInvariant) {
		t.Fatalf("expected ErrInternalInvariant for double alloc, got %v", err)
	}
}

func TestFreeTensorCrossBufferIsSilentlyIgnored(t *testing.T) {
	a := newRealAllocator(t, 1024, 32)
	other := newRealAllocator(t, 1024, 32)

	tt := sizedTensor(64)
	if err := other.Alloc(tt); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := a.FreeTensor(tt); err != nil {
		t.Fatalf("expected cross-buffer free to be a silent no-op, got %v", err)
	}
	if len(a.FreeBlocks()) != 1 || a.FreeBlocks()[0].Size != 1024 {
		t.Fatalf("expected a's free list untouched, got %+v", a.FreeBlocks())
	}
}

func TestMaxSizeWatermark(t *testing.T) {
	a := newRealAllocator(t, 1024, 32)

	first := sizedTensor(200)
	if err := a.Alloc(first); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	peak := a.MaxSize()

	if err := a.FreeTensor(first); err != nil {
		t.Fatalf("FreeTensor: %v", err)
	}
	second := sizedTensor(64)
	if err := a.Alloc(second); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if a.MaxSize() != peak {
		t.Fatalf("expected watermark to stay at %d after a smaller alloc, got %d", peak, a.MaxSize())
	}

	a.Reset()
	if a.MaxSize() != 0 {
		t.Fatalf("expected Reset to clear the watermark, got %d", a.MaxSize())
	}
}

func TestMeasureModeNeverTouchesBuffer(t *testing.T) {
	bt := &fakeBufferType{align: 32}
	a := NewFromBuffer(ml.NewMeasureBuffer(bt))

	if !a.IsMeasure() {
		t.Fatal("expected IsMeasure() to be true for a measure buffer")
	}

	tt := sizedTensor(4096)
	if err := a.Alloc(tt); err != nil {
		t.Fatalf("Alloc in measure mode: %v", err)
	}
	if !tt.IsAllocated() {
		t.Fatal("expected the tensor to be marked allocated even in measure mode")
	}
	if a.MaxSize() < 4096 {
		t.Fatalf("expected measure watermark >= 4096, got %d", a.MaxSize())
	}

	if err := a.FreeTensor(tt); err != nil {
		t.Fatalf("FreeTensor in measure mode: %v", err)
	}
}

func TestTooManyFreeBlocks(t *testing.T) {
	// Alignment 8 over a small buffer lets us fragment past MaxFreeBlocks
	// quickly: allocate contiguous 8-byte tensors, then free every other
	// one so none of the resulting gaps can coalesce. Freeing every other
	// tensor leaves n/2 gaps, so n must exceed 2*MaxFreeBlocks.
	n := 2*MaxFreeBlocks + 8
	a := newRealAllocator(t, uint64(n*8), 8)

	tensors := make([]*ml.Tensor, n)
	for i := range tensors {
		tensors[i] = sizedTensor(8)
		if err := a.Alloc(tensors[i]); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}

	var lastErr error
	for i := 0; i < n; i += 2 {
		if err := a.FreeTensor(tensors[i]); err != nil {
			lastErr = err
			break
		}
	}
	if !errors.Is(lastErr, ml.ErrTooManyFreeBlocks) {
		t.Fatalf("expected ErrTooManyFreeBlocks once the free list overflows, got %v", lastErr)
	}
}
