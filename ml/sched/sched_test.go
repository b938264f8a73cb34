package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsched/tsched/ml"
	"github.com/tsched/tsched/ml/backend/cpu"
	"github.com/tsched/tsched/ml/backend/mock"
)

func newBackends(t *testing.T) (ml.Backend, ml.Backend) {
	t.Helper()
	gpu, err := mock.New("gpu0")
	if err != nil {
		t.Fatalf("mock.New: %v", err)
	}
	host, err := cpu.New("cpu")
	if err != nil {
		t.Fatalf("cpu.New: %v", err)
	}
	return gpu, host
}

func leaf(dtype ml.DType, flags ml.Flag, ne ...int64) *ml.Tensor {
	t := ml.NewTensor(dtype, ne...)
	t.Flags = flags
	return t
}

func node(op ml.Op, srcs ...*ml.Tensor) *ml.Tensor {
	t := ml.NewTensor(srcs[0].Type, srcs[0].NE[:srcs[0].NDims]...)
	t.Op = op
	for i, s := range srcs {
		t.Src[i] = s
	}
	return t
}

// TestAssignPrefersHighestPriorityBackend checks that a graph with no
// pre-allocated tensors and no weight affinity ends up entirely on the
// highest-priority (index 0) backend: seed and expand leave the nodes
// unassigned, and pass 3 picks the first backend that supports each op.
func TestAssignPrefersHighestPriorityBackend(t *testing.T) {
	gpu, host := newBackends(t)
	s := New([]ml.Backend{gpu, host}, nil, false, true)

	x := leaf(ml.DTypeF32, ml.FlagInput, 4, 4)
	y := node(ml.OpScale, x)
	z := node(ml.OpAdd, y, x)

	g := &ml.Graph{Leafs: []*ml.Tensor{x}, Nodes: []*ml.Tensor{y, z}}
	if err := s.assign(g); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if got := s.backendIDOf(y); got != 0 {
		t.Errorf("y backend = %d, want 0 (gpu)", got)
	}
	if got := s.backendIDOf(z); got != 0 {
		t.Errorf("z backend = %d, want 0 (gpu)", got)
	}
}

// TestAssignWeightAffinityPinsConsumerToWeightBackend verifies that a node
// reading a WEIGHTS tensor pinned to the CPU backend inherits that
// backend, per the weight-affinity rule in backendIDFromCur.
func TestAssignWeightAffinityPinsConsumerToWeightBackend(t *testing.T) {
	gpu, host := newBackends(t)
	s := New([]ml.Backend{gpu, host}, nil, false, false)

	w := leaf(ml.DTypeF32, ml.FlagWeights, 4, 4)
	s.SetTensorBackend(w, 1) // pin weight to cpu

	y := node(ml.OpMulMat, w, w)
	g := &ml.Graph{Leafs: []*ml.Tensor{w}, Nodes: []*ml.Tensor{y}}

	if err := s.assign(g); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got := s.backendIDOf(y); got != 1 {
		t.Errorf("y backend = %d, want 1 (cpu, weight affinity)", got)
	}
}

// TestBuildSplitsSplitsAtBackendBoundary checks that a two-backend chain
// produces exactly two splits, in priority order, with the boundary node's
// foreign source recorded as a split input.
func TestBuildSplitsSplitsAtBackendBoundary(t *testing.T) {
	gpu, host := newBackends(t)
	s := New([]ml.Backend{gpu, host}, nil, false, false)

	x := leaf(ml.DTypeF32, ml.FlagInput, 4, 4)
	y := node(ml.OpScale, x)
	z := node(ml.OpScale, y)

	s.SetTensorBackend(x, 0)
	s.SetTensorBackend(y, 0)
	s.SetTensorBackend(z, 1)

	splits := s.buildSplits([]*ml.Tensor{y, z})
	if len(splits) != 2 {
		t.Fatalf("len(splits) = %d, want 2", len(splits))
	}
	if splits[0].backendID != 0 || splits[1].backendID != 1 {
		t.Fatalf("split backends = [%d %d], want [0 1]", splits[0].backendID, splits[1].backendID)
	}
	if len(splits[1].inputs) != 1 {
		t.Fatalf("len(splits[1].inputs) = %d, want 1", len(splits[1].inputs))
	}
	if splits[1].inputs[0].original != y {
		t.Errorf("split input original = %v, want y", splits[1].inputs[0].original)
	}
	if z.Src[0] == y {
		t.Errorf("z.Src[0] was not rewritten to the shadow copy")
	}
	if got := s.ShadowBackends(y); len(got) != 1 || got[0] != 1 {
		t.Errorf("ShadowBackends(y) = %v, want [1]", got)
	}
}

// TestBuildSplitsLeadingViewGetsItsOwnSplit guards against a leading view
// op (the very first node in the traversal) being silently dropped when no
// split has been opened yet.
func TestBuildSplitsLeadingViewGetsItsOwnSplit(t *testing.T) {
	gpu, host := newBackends(t)
	s := New([]ml.Backend{gpu, host}, nil, false, false)

	x := leaf(ml.DTypeF32, ml.FlagInput, 4, 4)
	v := ml.NewView(ml.OpView, x, 0, 4, 4)
	s.SetTensorBackend(x, 1)
	s.SetTensorBackend(v, 1)

	splits := s.buildSplits([]*ml.Tensor{v})
	if len(splits) != 1 {
		t.Fatalf("len(splits) = %d, want 1", len(splits))
	}
	if len(splits[0].nodes) != 1 || splits[0].nodes[0] != v {
		t.Fatalf("leading view node was dropped: splits[0].nodes = %v", splits[0].nodes)
	}
}

// TestReserveThenAllocGraphThenComputeRoundTrip drives the full pipeline
// over a small two-backend graph and checks that every tensor ends up
// allocated and that GraphCompute runs without error.
func TestReserveThenAllocGraphThenComputeRoundTrip(t *testing.T) {
	gpu, host := newBackends(t)
	s := New([]ml.Backend{gpu, host}, nil, false, true)

	w := leaf(ml.DTypeF32, ml.FlagWeights, 4, 4)
	s.SetTensorBackend(w, 1) // weight lives on cpu

	x := leaf(ml.DTypeF32, ml.FlagInput, 4, 4)
	y := node(ml.OpMulMat, w, x) // op offload promotes y from the cpu weight onto gpu
	z := node(ml.OpScale, y)

	g := &ml.Graph{Leafs: []*ml.Tensor{w, x}, Nodes: []*ml.Tensor{y, z}}

	ok, err := s.Reserve(g)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AllocGraph(g)
	require.NoError(t, err)
	require.True(t, ok)

	for _, n := range []*ml.Tensor{w, x, y, z} {
		require.True(t, n.IsAllocated(), "%s was not allocated", n)
	}

	require.NoError(t, s.GraphCompute(context.Background()))
	s.Synchronize()
}

// TestEventRingFirstWaitNeverBlocks checks that a freshly constructed
// EventRing's slots are pre-signalled, so the very first Wait of a cycle
// returns immediately instead of hanging with no prior Record.
func TestEventRingFirstWaitNeverBlocks(t *testing.T) {
	ring := ml.NewEventRing(2, 4)
	done := make(chan struct{})
	go func() {
		ring.Get(0, 0).Wait()
		ring.Get(1, 3).Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("first-cycle Wait blocked")
	}
}
