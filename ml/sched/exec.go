package sched

import (
	"context"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sync/errgroup"

	"github.com/tsched/tsched/ml"
	"github.com/tsched/tsched/ml/galloc"
)

// moeExpertCopyPad caps the tail padding, in bytes, added past the last
// used expert when copying a selective-expert slice: the pad is
// min(one expert's size, moeExpertCopyPad), matching the small over-read
// SIMD kernels expect so no lane reads uninitialized memory. Tunable.
const moeExpertCopyPad = 512

// Reserve runs assignment, splitting, and allocation in measure mode over
// graph (taken as the worst-case shape), then rebinds every backend's
// TAlloc to a freshly allocated real buffer sized to the observed peak.
func (s *Sched) Reserve(graph *ml.Graph) (bool, error) {
	composed, nodeBufID, leafBufID, err := s.assignAndSplit(graph)
	if err != nil {
		return false, err
	}

	sizes, err := s.ga.Reserve(composed, nodeBufID, leafBufID)
	if err != nil {
		return false, err
	}

	// Every backend's buffer allocation is independent of every other's,
	// so fan them out rather than paying N sequential allocator round
	// trips -- the same shape as a multi-device weight load.
	bufs := make([]ml.Buffer, len(sizes))
	var g errgroup.Group
	for i, size := range sizes {
		if size == 0 {
			continue
		}
		i, size := i, size
		g.Go(func() error {
			buf, err := s.slots[i].buft.AllocBuffer(size)
			if err != nil {
				return fmt.Errorf("ml/sched: allocate backend %d buffer: %w", i, err)
			}
			bufs[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	for i, buf := range bufs {
		if buf == nil {
			continue
		}
		s.slots[i].ta.Rebind(buf)
	}

	s.isAlloc = false
	s.isReset = false
	return true, nil
}

// AllocGraph re-derives the split for graph and lays tensors out in the
// already-reserved buffers. On ml.ErrNeedsReserve it retries once via
// Reserve(graph) before giving up.
func (s *Sched) AllocGraph(graph *ml.Graph) (bool, error) {
	s.curCopy = s.nextCopy
	s.nextCopy = (s.curCopy + 1) % s.nCopies

	ok, err := s.tryAllocGraph(graph)
	if err == nil {
		return ok, nil
	}
	if !errors.Is(err, ml.ErrNeedsReserve) {
		return false, err
	}

	for _, slot := range s.slots {
		slot.backend.Synchronize()
	}
	if _, rerr := s.Reserve(graph); rerr != nil {
		return false, fmt.Errorf("ml/sched: reserve retry after NeedsReserve: %w", rerr)
	}
	ok, err = s.tryAllocGraph(graph)
	if err != nil {
		return false, fmt.Errorf("ml/sched: alloc_graph failed after reserve retry: %w", err)
	}
	return ok, nil
}

func (s *Sched) tryAllocGraph(graph *ml.Graph) (bool, error) {
	composed, nodeBufID, leafBufID, err := s.assignAndSplit(graph)
	if err != nil {
		return false, err
	}
	if err := s.ga.AllocGraph(composed, nodeBufID, leafBufID); err != nil {
		return false, err
	}

	s.prevNodeBackendID, s.nodeBackendID = s.nodeBackendID, nodeBufIDAsInt(nodeBufID)
	s.prevLeafBackendID, s.leafBackendID = s.leafBackendID, nodeBufIDAsInt(leafBufID)

	s.composed = composed
	s.isAlloc = true
	s.isReset = false
	return true, nil
}

func nodeBufIDAsInt(ids []galloc.BufferID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

// assignAndSplit runs passes 1-4, the pre-split reorder hook, pass 5, and
// composed-graph construction, returning the inputs Reserve/AllocGraph
// need to drive ml/galloc.
func (s *Sched) assignAndSplit(graph *ml.Graph) (*ml.Graph, []galloc.BufferID, []galloc.BufferID, error) {
	if err := s.assign(graph); err != nil {
		return nil, nil, nil, err
	}

	reordered := reorderForFusion(graph.Nodes)
	s.splits = s.buildSplits(reordered)

	composed := s.composedGraph(s.splits)

	nodeBufID := make([]galloc.BufferID, len(composed.Nodes))
	for i, n := range composed.Nodes {
		nodeBufID[i] = galloc.BufferID(s.backendIDOf(n))
	}
	leafBufID := make([]galloc.BufferID, len(composed.Leafs))
	for i, l := range composed.Leafs {
		leafBufID[i] = galloc.BufferID(s.backendIDOf(l))
	}
	return composed, nodeBufID, leafBufID, nil
}

// GraphCompute executes the graph laid out by the most recent AllocGraph
// call, blocking until every split has finished.
func (s *Sched) GraphCompute(ctx context.Context) error {
	return s.run(ctx, false)
}

// GraphComputeAsync submits every split without blocking on device
// compute; the caller must Synchronize before reading outputs.
func (s *Sched) GraphComputeAsync(ctx context.Context) error {
	return s.run(ctx, true)
}

func (s *Sched) run(ctx context.Context, async bool) error {
	for _, sp := range s.splits {
		if err := s.runSplit(ctx, sp, async); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sched) runSplit(ctx context.Context, sp *split, async bool) error {
	backend := s.slots[sp.backendID].backend
	ring := s.slots[sp.backendID].events
	ev := ring.Get(0, s.curCopy)

	// Wait once per split, before any copy into this cycle's copy slot: the
	// event carries a single ticket per cycle, so waiting on it once per
	// input (rather than once per split) would consume that ticket on the
	// first input and block every subsequent one forever.
	if len(sp.inputs) > 0 {
		backend.EventWait(ev)
	}

	for _, in := range sp.inputs {
		srcBackend := s.slots[s.backendIDOf(in.original)].backend

		if in.isGraphInput {
			if err := s.copyInput(sp, in); err != nil {
				return err
			}
			continue
		}

		if ok := s.tryAsyncCopy(srcBackend, backend, in.original, in.copy); !ok {
			srcBackend.Synchronize()
			if err := copyTensor(in.original, in.copy); err != nil {
				return fmt.Errorf("ml/sched: %w: %s -> %s", ml.ErrCopyFailure, in.original, in.copy)
			}
		}
	}

	if err := s.compute(ctx, backend, sp, async); err != nil {
		return fmt.Errorf("ml/sched: %w: %v", ml.ErrBackendCompute, err)
	}

	if len(sp.inputs) > 0 {
		backend.EventRecord(ev)
	}
	return nil
}

// copyInput performs the MoE selective-expert optimisation when
// applicable, else a full blocking host-to-device copy.
func (s *Sched) copyInput(sp *split, in *splitInput) error {
	if used, ok := s.moeSelectiveCopy(sp, in); ok {
		return used
	}
	return copyTensor(in.original, in.copy)
}

// moeSelectiveCopy implements the MUL_MAT_ID micro-optimisation: when the
// split's first real node consumes a host-resident WEIGHTS input through
// an expert-index tensor, copy only the contiguous run of experts the ids
// tensor actually references, plus a tail pad of min(expert size,
// moeExpertCopyPad) bytes.
func (s *Sched) moeSelectiveCopy(sp *split, in *splitInput) (error, bool) {
	if len(sp.nodes) == 0 {
		return nil, false
	}
	first := sp.nodes[0]
	if first.Op != ml.OpMulMatID || first.Src[0] != in.copy {
		return nil, false
	}
	if in.original.Buffer == nil || !in.original.Flags.Has(ml.FlagWeights) || !in.original.Buffer.BufferType().IsHost() {
		return nil, false
	}
	ids := first.Src[2]
	if ids == nil || ids.Buffer == nil {
		return nil, false
	}

	raw, err := ids.Buffer.GetTensor(ids, 0, ids.Nbytes())
	if err != nil {
		return nil, false
	}
	used := bitset.New(uint(in.original.NE[1]))
	for i := 0; i+4 <= len(raw); i += 4 {
		idx := int32(raw[i]) | int32(raw[i+1])<<8 | int32(raw[i+2])<<16 | int32(raw[i+3])<<24
		if idx >= 0 && uint(idx) < used.Len() {
			used.Set(uint(idx))
		}
	}
	if used.Count() == 0 {
		return nil, false
	}

	lo, hi := firstLast(used)

	rowBytes := in.original.NB[1]
	offset := uint64(lo) * rowBytes
	size := uint64(hi-lo)*rowBytes + min(rowBytes, moeExpertCopyPad)
	if total := in.original.Nbytes(); offset+size > total {
		size = total - offset
	}
	data, err := in.original.Buffer.GetTensor(in.original, offset, size)
	if err != nil {
		return fmt.Errorf("ml/sched: %w: moe selective read: %v", ml.ErrCopyFailure, err), true
	}
	if err := in.copy.Buffer.SetTensor(in.copy, data, offset); err != nil {
		return fmt.Errorf("ml/sched: %w: moe selective write: %v", ml.ErrCopyFailure, err), true
	}
	return nil, true
}

func firstLast(b *bitset.BitSet) (uint, uint) {
	var lo, hi uint
	first := true
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		if first {
			lo = i
			first = false
		}
		hi = i + 1
	}
	return lo, hi
}

func (s *Sched) tryAsyncCopy(src, dst ml.Backend, srcT, dstT *ml.Tensor) bool {
	if cp, ok := dstT.Buffer.(ml.TensorCopier); ok {
		return cp.CopyTensor(srcT, dstT)
	}
	return false
}

func copyTensor(src, dst *ml.Tensor) error {
	data, err := src.Buffer.GetTensor(src, 0, src.Nbytes())
	if err != nil {
		return err
	}
	return dst.Buffer.SetTensor(dst, data, 0)
}

func (s *Sched) compute(ctx context.Context, backend ml.Backend, sp *split, async bool) error {
	subgraph := &ml.Graph{Nodes: sp.nodes}

	if s.evalCB == nil {
		if async {
			return backend.GraphComputeAsync(ctx, subgraph)
		}
		return backend.GraphCompute(ctx, subgraph)
	}

	pc, ok := backend.(ml.PartialComputer)
	if !ok {
		return backend.GraphCompute(ctx, subgraph)
	}
	from := 0
	for from < len(sp.nodes) {
		to := from + 1
		for to < len(sp.nodes) && s.evalCB(sp.nodes[to-1], true) {
			to++
		}
		if err := pc.GraphComputeRange(ctx, subgraph, from, to); err != nil {
			return err
		}
		for i := from; i < to; i++ {
			if !s.evalCB(sp.nodes[i], false) {
				return nil
			}
		}
		from = to
	}
	return nil
}
