package galloc

import (
	"errors"
	"testing"

	"github.com/tsched/tsched/ml"
	"github.com/tsched/tsched/ml/alloc"
)

type fakeBufferType struct{ align uint64 }

func (f *fakeBufferType) Name() string     { return "fake" }
func (f *fakeBufferType) Alignment() uint64 { return f.align }
func (f *fakeBufferType) MaxSize() uint64  { return 1 << 30 }
func (f *fakeBufferType) IsHost() bool     { return true }
func (f *fakeBufferType) AllocBuffer(size uint64) (ml.Buffer, error) {
	return &fakeBuffer{bt: f, size: size}, nil
}

type fakeBuffer struct {
	bt   *fakeBufferType
	size uint64
	base uintptr
}

func (b *fakeBuffer) Base() uintptr             { return b.base }
func (b *fakeBuffer) Size() uint64              { return b.size }
func (b *fakeBuffer) BufferType() ml.BufferType { return b.bt }
func (b *fakeBuffer) SetTensor(t *ml.Tensor, data []byte, offset uint64) error { return nil }
func (b *fakeBuffer) GetTensor(t *ml.Tensor, offset, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}
func (b *fakeBuffer) Clear(byte) {}

func newTAlloc(t *testing.T, size, align uint64) *alloc.TAlloc {
	t.Helper()
	bt := &fakeBufferType{align: align}
	buf, err := bt.AllocBuffer(size)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	return alloc.NewFromBuffer(buf)
}

func leaf(n int64, flags ml.Flag) *ml.Tensor {
	t := ml.NewTensor(ml.DTypeF32, n)
	t.Flags = flags
	return t
}

func node(op ml.Op, srcs ...*ml.Tensor) *ml.Tensor {
	t := ml.NewTensor(srcs[0].Type, srcs[0].NE[:srcs[0].NDims]...)
	t.Op = op
	copy(t.Src[:], srcs)
	return t
}

func TestAllocGraphInPlaceReuseSingleConsumer(t *testing.T) {
	ta := newTAlloc(t, 4096, 32)
	g := New(ta)

	x := leaf(64, ml.FlagWeights)
	if err := ta.Alloc(x); err != nil {
		t.Fatalf("pre-allocate x: %v", err)
	}

	y := node(ml.OpRMSNorm, x)

	graph := &ml.Graph{Leafs: []*ml.Tensor{x}, Nodes: []*ml.Tensor{y}}
	if err := g.AllocGraph(graph, nil, nil); err != nil {
		t.Fatalf("AllocGraph: %v", err)
	}

	if y.Buffer != x.Buffer || y.Data != x.Data {
		t.Fatalf("expected y to reuse x's storage in place, got y.data=%d x.data=%d", y.Data, x.Data)
	}
	if !y.IsView() {
		t.Fatal("expected in-place reuse to make y a view")
	}
}

func TestAllocGraphInPlaceReuseBlockedByMultipleConsumers(t *testing.T) {
	ta := newTAlloc(t, 4096, 32)
	g := New(ta)

	x := leaf(64, ml.FlagWeights)
	if err := ta.Alloc(x); err != nil {
		t.Fatalf("pre-allocate x: %v", err)
	}

	y := node(ml.OpUnary, x)
	z := node(ml.OpUnary, x)

	graph := &ml.Graph{Leafs: []*ml.Tensor{x}, Nodes: []*ml.Tensor{y, z}}
	if err := g.AllocGraph(graph, nil, nil); err != nil {
		t.Fatalf("AllocGraph: %v", err)
	}

	if y.Data == x.Data || z.Data == x.Data || y.Data == z.Data {
		t.Fatalf("expected y, z and x to occupy distinct storage when x has two consumers, got x=%d y=%d z=%d", x.Data, y.Data, z.Data)
	}
	if y.IsView() || z.IsView() {
		t.Fatal("expected no in-place reuse when the shared source has more than one consumer")
	}
}

func TestAllocGraphZeroNodes(t *testing.T) {
	ta := newTAlloc(t, 4096, 32)
	g := New(ta)

	x := leaf(64, ml.FlagWeights)
	if err := ta.Alloc(x); err != nil {
		t.Fatalf("pre-allocate x: %v", err)
	}

	graph := &ml.Graph{Leafs: []*ml.Tensor{x}}
	if err := g.AllocGraph(graph, nil, nil); err != nil {
		t.Fatalf("AllocGraph on a zero-node graph: %v", err)
	}
}

func TestAllocGraphNeedsReserve(t *testing.T) {
	ta := newTAlloc(t, 64, 32)
	g := New(ta)

	x := leaf(1024, ml.FlagInput)
	y := node(ml.OpScale, x)

	graph := &ml.Graph{Leafs: []*ml.Tensor{x}, Nodes: []*ml.Tensor{y}}
	err := g.AllocGraph(graph, nil, nil)
	if !errors.Is(err, ml.ErrNeedsReserve) {
		t.Fatalf("expected ErrNeedsReserve for an undersized reservation, got %v", err)
	}
}

func TestReserveIsReproducible(t *testing.T) {
	bt := &fakeBufferType{align: 32}
	ta := alloc.NewFromBuffer(ml.NewMeasureBuffer(bt))
	g := New(ta)

	x := leaf(64, ml.FlagWeights)
	y := node(ml.OpRMSNorm, x)
	z := node(ml.OpMul, y, x)

	graph := &ml.Graph{Leafs: []*ml.Tensor{x}, Nodes: []*ml.Tensor{y, z}}

	first, err := g.Reserve(graph, nil, nil)
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}

	// Re-run against a fresh GAlloc over the same kind of buffer: both
	// passes should see the same allocation order and land on the same
	// high-water mark.
	ta2 := alloc.NewFromBuffer(ml.NewMeasureBuffer(bt))
	g2 := New(ta2)
	x2 := leaf(64, ml.FlagWeights)
	y2 := node(ml.OpRMSNorm, x2)
	z2 := node(ml.OpMul, y2, x2)
	graph2 := &ml.Graph{Leafs: []*ml.Tensor{x2}, Nodes: []*ml.Tensor{y2, z2}}

	second, err := g2.Reserve(graph2, nil, nil)
	if err != nil {
		t.Fatalf("second Reserve: %v", err)
	}

	if first[0] != second[0] {
		t.Fatalf("expected reproducible measure sizes, got %d and %d", first[0], second[0])
	}
}
