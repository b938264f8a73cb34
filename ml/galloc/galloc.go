// Package galloc implements GAlloc, the graph allocator: given a
// topologically ordered graph and one or more ml/alloc.TAllocs (one per
// distinct buffer type the graph touches), it places every tensor with
// minimal peak memory by reusing in-place whenever an op's whitelist and
// a source's reference count allow it.
package galloc

import (
	"fmt"

	"github.com/tsched/tsched/ml"
	"github.com/tsched/tsched/ml/alloc"
	"github.com/tsched/tsched/ml/idset"
)

// BufferID selects which of a GAlloc's TAllocs owns a given tensor.
type BufferID int

// GAlloc places every tensor of a graph into one of its TAllocs, reusing
// a same-layout, single-consumer source's storage in place rather than
// handing every node a fresh allocation.
type GAlloc struct {
	allocs []*alloc.TAlloc

	nChildren idset.Table[int]
	nViews    idset.Table[int]
	bufID     idset.Table[BufferID]

	// nodeBufID/leafBufID record the caller's buffer-type assignment for
	// the most recent reserve/alloc_graph call. They are only stored:
	// nothing compares them against a later call's mapping.
	nodeBufID []BufferID
	leafBufID []BufferID
}

// New returns a GAlloc with a single TAlloc backing every tensor.
func New(ta *alloc.TAlloc) *GAlloc {
	return NewN([]*alloc.TAlloc{ta})
}

// NewN returns a GAlloc with one TAlloc per buffer type; tensors are
// routed to allocs[bufID] per the bufID slices passed to Reserve /
// AllocGraph.
func NewN(allocs []*alloc.TAlloc) *GAlloc {
	return &GAlloc{
		allocs:    allocs,
		nChildren: *idset.NewTable[int](),
		nViews:    *idset.NewTable[int](),
		bufID:     *idset.NewTable[BufferID](),
	}
}

// BufferSize returns the high-water mark TAlloc id has observed.
func (g *GAlloc) BufferSize(id BufferID) uint64 {
	return g.allocs[id].MaxSize()
}

// Reserve runs allocation in measure mode and returns the peak size
// observed per TAlloc. Every TAlloc must already be bound to a measure
// buffer (see ml.NewMeasureBuffer); Reserve resets each one before
// replaying the graph so repeated calls are reproducible.
func (g *GAlloc) Reserve(graph *ml.Graph, nodeBufID, leafBufID []BufferID) ([]uint64, error) {
	for _, a := range g.allocs {
		a.Reset()
	}
	if err := g.allocGraphImpl(graph, nodeBufID, leafBufID); err != nil {
		return nil, err
	}
	sizes := make([]uint64, len(g.allocs))
	for i, a := range g.allocs {
		sizes[i] = a.MaxSize()
	}
	return sizes, nil
}

// AllocGraph runs allocation in real mode into the already-sized TAllocs.
// Returns ml.ErrNeedsReserve if the current reservation is too small; the
// caller should Reserve again with the (possibly larger) current graph
// and retry.
func (g *GAlloc) AllocGraph(graph *ml.Graph, nodeBufID, leafBufID []BufferID) error {
	return g.allocGraphImpl(graph, nodeBufID, leafBufID)
}

func (g *GAlloc) allocGraphImpl(graph *ml.Graph, nodeBufID, leafBufID []BufferID) error {
	g.nChildren.Reset()
	g.nViews.Reset()
	g.bufID.Reset()
	g.nodeBufID = nodeBufID
	g.leafBufID = leafBufID

	for i, leaf := range graph.Leafs {
		g.bufID.Set(leaf.ID, bufIDAt(leafBufID, i))
	}
	for i, node := range graph.Nodes {
		g.bufID.Set(node.ID, bufIDAt(nodeBufID, i))
	}

	g.preprocess(graph)

	for _, node := range graph.Nodes {
		for _, src := range node.Srcs() {
			if !src.IsAllocated() && !src.IsView() {
				if err := g.allocateNode(src); err != nil {
					return err
				}
			}
		}
		if err := g.allocateNode(node); err != nil {
			return err
		}
		g.freeRefs(node)
	}
	return nil
}

func bufIDAt(ids []BufferID, i int) BufferID {
	if len(ids) == 0 {
		return 0
	}
	return ids[i]
}

// preprocess increments n_children of every non-nil src and n_views of
// every view_src, across both leafs and nodes.
func (g *GAlloc) preprocess(graph *ml.Graph) {
	for _, t := range graph.All() {
		for _, src := range t.Srcs() {
			g.nChildren.Set(src.ID, g.nChildren.GetOr(src.ID, 0)+1)
		}
		if t.ViewSrc != nil {
			g.nViews.Set(t.ViewSrc.ID, g.nViews.GetOr(t.ViewSrc.ID, 0)+1)
		}
	}
}

func (g *GAlloc) allocForTensor(t *ml.Tensor) *alloc.TAlloc {
	id, _ := g.bufID.Get(t.ID)
	return g.allocs[id]
}

// isOwn reports whether t belongs to the same TAlloc as this GAlloc would
// pick for t via its recorded buffer id -- the "this GAlloc owns src"
// check the in-place reuse rule requires.
func (g *GAlloc) isOwn(t *ml.Tensor) bool {
	return g.allocForTensor(t).Buffer() == t.Buffer
}

func (g *GAlloc) allocateNode(n *ml.Tensor) error {
	if n.IsAllocated() {
		return nil
	}

	if n.IsView() {
		root := n.ViewSrc
		if !root.IsAllocated() {
			return fmt.Errorf("ml/galloc: %w: view %s's source is not allocated", ml.ErrInternalInvariant, n)
		}
		n.Buffer = root.Buffer
		n.Data = root.Data + uintptr(n.ViewOffs)
		if init, ok := n.Buffer.(ml.TensorInitializer); ok && !ml.IsMeasure(n.Buffer) {
			if err := init.InitTensor(n); err != nil {
				return fmt.Errorf("ml/galloc: init view %s: %w", n, err)
			}
		}
		return nil
	}

	if n.Op.CanInplace() {
		if reused := g.tryInplace(n); reused {
			return nil
		}
	}

	a := g.allocForTensor(n)
	if err := a.Alloc(n); err != nil {
		return fmt.Errorf("ml/galloc: alloc %s: %w: %w", n, ml.ErrNeedsReserve, err)
	}
	return nil
}

// tryInplace attempts to make n a view of one of its sources instead of
// handing it a fresh allocation, per the in-place reuse rule: only a
// whitelisted op, only a source this GAlloc owns that is not a graph input
// (nor a view of one), with exactly one child and no outstanding views,
// and an identical layout.
func (g *GAlloc) tryInplace(n *ml.Tensor) bool {
	for _, src := range n.Srcs() {
		if !src.IsAllocated() || !g.isOwn(src) {
			continue
		}
		if src.Flags.Has(ml.FlagInput) || (src.IsView() && src.ViewSrc.Flags.Has(ml.FlagInput)) {
			continue
		}
		if g.nChildren.GetOr(src.ID, 0) != 1 || g.nViews.GetOr(src.ID, 0) != 0 {
			continue
		}
		if !src.SameLayout(n) {
			continue
		}

		if src.IsView() {
			parent := src.ViewSrc
			if g.nViews.GetOr(parent.ID, 0) != 1 || g.nChildren.GetOr(parent.ID, 0) != 0 || parent.Data != src.Data {
				continue
			}
			n.Buffer = parent.Buffer
			n.Data = parent.Data
			n.ViewSrc = parent
			n.ViewOffs = src.ViewOffs
			g.nViews.Set(parent.ID, g.nViews.GetOr(parent.ID, 0)+1)
		} else {
			n.Buffer = src.Buffer
			n.Data = src.Data
			n.ViewSrc = src
			n.ViewOffs = 0
			g.nViews.Set(src.ID, g.nViews.GetOr(src.ID, 0)+1)
		}

		if init, ok := n.Buffer.(ml.TensorInitializer); ok && !ml.IsMeasure(n.Buffer) {
			init.InitTensor(n)
		}
		return true
	}
	return false
}

// freeRefs decrements the reference counts of n's sources now that n has
// been allocated, releasing any source whose refs drop to zero back to
// its owning TAlloc.
func (g *GAlloc) freeRefs(n *ml.Tensor) {
	for _, src := range n.Srcs() {
		if src.Flags.Has(ml.FlagInput) || src.Flags.Has(ml.FlagOutput) {
			continue
		}
		g.nChildren.Set(src.ID, g.nChildren.GetOr(src.ID, 0)-1)
		if g.nChildren.GetOr(src.ID, 0) != 0 || g.nViews.GetOr(src.ID, 0) != 0 {
			continue
		}
		if src.IsView() {
			parent := src.ViewSrc
			g.nViews.Set(parent.ID, g.nViews.GetOr(parent.ID, 0)-1)
			if g.nViews.GetOr(parent.ID, 0) == 0 && g.nChildren.GetOr(parent.ID, 0) == 0 {
				g.allocForTensor(parent).FreeTensor(parent)
			}
		} else {
			g.allocForTensor(src).FreeTensor(src)
		}
	}
}
